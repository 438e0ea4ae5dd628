package quotaholder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

var (
	bucketHoldings     = []byte("holdings")     // holder|source|resource -> Quota
	bucketCommissions  = []byte("commissions")  // serial -> commission record
	bucketProvisions   = []byte("provisions")   // serial|n -> Provision
	bucketProvisionLog = []byte("provisionLog") // seq -> ProvisionLogEntry
)

// Service is the transactional resource-accounting engine. Each call
// runs in one database transaction; issue and resolve are all-or-nothing.
type Service struct {
	db *bolt.DB
}

// commissionRecord is the pending-commission row; provisions live in
// their own bucket.
type commissionRecord struct {
	Serial    int64     `json:"serial"`
	ClientKey string    `json:"client_key"`
	Name      string    `json:"name"`
	IssueTime time.Time `json:"issue_time"`
}

// Open opens (or creates) the quotaholder database.
func Open(path string) (*Service, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open quotaholder database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketHoldings, bucketCommissions, bucketProvisions, bucketProvisionLog,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error { return s.db.Close() }

func holdingKey(k types.HoldingKey) []byte {
	buf := make([]byte, 0, len(k.Holder)+len(k.Source)+len(k.Resource)+2)
	buf = append(buf, k.Holder...)
	buf = append(buf, 0)
	buf = append(buf, k.Source...)
	buf = append(buf, 0)
	buf = append(buf, k.Resource...)
	return buf
}

func parseHoldingKey(b []byte) types.HoldingKey {
	var parts [3][]byte
	idx := 0
	start := 0
	for i := 0; i < len(b) && idx < 2; i++ {
		if b[i] == 0 {
			parts[idx] = b[start:i]
			idx++
			start = i + 1
		}
	}
	parts[2] = b[start:]
	return types.HoldingKey{
		Holder:   string(parts[0]),
		Source:   string(parts[1]),
		Resource: string(parts[2]),
	}
}

func serialKey(serial int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(serial))
	return b
}

func getHolding(tx *bolt.Tx, key types.HoldingKey) (*types.Quota, error) {
	data := tx.Bucket(bucketHoldings).Get(holdingKey(key))
	if data == nil {
		return nil, nil
	}
	var q types.Quota
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("failed to decode holding: %w", err)
	}
	return &q, nil
}

func putHolding(tx *bolt.Tx, key types.HoldingKey, q *types.Quota) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketHoldings).Put(holdingKey(key), data)
}

// GetQuota returns holdings filtered by holders, sources, and resources;
// nil filters match everything.
func (s *Service) GetQuota(holders, sources, resources []string) (
	map[types.HoldingKey]types.Quota, error) {

	match := func(v string, filter []string) bool {
		if filter == nil {
			return true
		}
		for _, f := range filter {
			if f == v {
				return true
			}
		}
		return false
	}

	out := make(map[types.HoldingKey]types.Quota)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHoldings).ForEach(func(k, v []byte) error {
			key := parseHoldingKey(k)
			if !match(key.Holder, holders) || !match(key.Source, sources) ||
				!match(key.Resource, resources) {
				return nil
			}
			var q types.Quota
			if err := json.Unmarshal(v, &q); err != nil {
				return fmt.Errorf("failed to decode holding: %w", err)
			}
			out[key] = q
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// QuotaEntry pairs a holding key with its new limit.
type QuotaEntry struct {
	Key   types.HoldingKey
	Limit int64
}

// SetQuota replaces limits atomically, preserving usage bounds across
// the replace and creating absent holdings.
func (s *Service) SetQuota(entries []QuotaEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range entries {
			q, err := getHolding(tx, e.Key)
			if err != nil {
				return err
			}
			if q == nil {
				q = &types.Quota{}
			}
			q.Limit = e.Limit
			if err := putHolding(tx, e.Key, q); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteQuota removes holdings entirely.
func (s *Service) DeleteQuota(keys []types.HoldingKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, k := range keys {
			if err := tx.Bucket(bucketHoldings).Delete(holdingKey(k)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPendingCommissions lists the serials of a client's unresolved
// commissions in issue order.
func (s *Service) GetPendingCommissions(clientKey string) ([]int64, error) {
	var out []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommissions).ForEach(func(k, v []byte) error {
			var rec commissionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode commission: %w", err)
			}
			if rec.ClientKey == clientKey {
				out = append(out, rec.Serial)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetCommission describes one pending commission of a client.
func (s *Service) GetCommission(clientKey string, serial int64) (*types.Commission, error) {
	var out *types.Commission
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCommissions).Get(serialKey(serial))
		if data == nil {
			return faults.New(faults.NotFound, "commission %d not found", serial)
		}
		var rec commissionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode commission: %w", err)
		}
		if rec.ClientKey != clientKey {
			return faults.New(faults.NotFound, "commission %d not found", serial)
		}
		provisions, err := getProvisions(tx, serial)
		if err != nil {
			return err
		}
		out = &types.Commission{
			Serial:     rec.Serial,
			ClientKey:  rec.ClientKey,
			Name:       rec.Name,
			IssueTime:  rec.IssueTime,
			Provisions: provisions,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func getProvisions(tx *bolt.Tx, serial int64) ([]types.Provision, error) {
	var out []types.Provision
	prefix := serialKey(serial)
	c := tx.Bucket(bucketProvisions).Cursor()
	for k, v := c.Seek(prefix); k != nil && len(k) >= 8 &&
		binary.BigEndian.Uint64(k[:8]) == uint64(serial); k, v = c.Next() {
		var p types.Provision
		if err := json.Unmarshal(v, &p); err != nil {
			return nil, fmt.Errorf("failed to decode provision: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ProvisionLog returns the most recent resolved-provision records, newest
// first, up to limit.
func (s *Service) ProvisionLog(limit int) ([]types.ProvisionLogEntry, error) {
	var out []types.ProvisionLogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProvisionLog).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.ProvisionLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode provision log entry: %w", err)
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
