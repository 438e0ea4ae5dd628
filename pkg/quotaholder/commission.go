package quotaholder

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
	"github.com/amphorastore/amphora/pkg/types"
)

// The two provision operations. Positive quantities import against the
// upper usage bound; negative quantities release the lower bound
// immediately and complete against the upper bound on accept. The
// asymmetry lets a release free capacity for a concurrent import at
// issue time while keeping a conservative upper bound across failure.

func prepareImport(key types.HoldingKey, q *types.Quota, quantity int64, force bool) error {
	if !force && q.Limit != types.NoLimit && q.UsageMax+quantity > q.Limit {
		return faults.Quota(faults.QuotaInfo{
			Holder:    key.Holder,
			Source:    key.Source,
			Resource:  key.Resource,
			Limit:     q.Limit,
			Usage:     q.UsageMax,
			Requested: quantity,
		})
	}
	q.UsageMax += quantity
	return nil
}

func prepareRelease(key types.HoldingKey, q *types.Quota, quantity int64) error {
	if q.UsageMin-quantity < 0 {
		return faults.Quota(faults.QuotaInfo{
			Holder:    key.Holder,
			Source:    key.Source,
			Resource:  key.Resource,
			Limit:     q.Limit,
			Usage:     q.UsageMin,
			Requested: -quantity,
		})
	}
	q.UsageMin -= quantity
	return nil
}

func finalizeImport(q *types.Quota, quantity int64)  { q.UsageMin += quantity }
func finalizeRelease(q *types.Quota, quantity int64) { q.UsageMax -= quantity }
func undoImport(q *types.Quota, quantity int64)      { q.UsageMax -= quantity }
func undoRelease(q *types.Quota, quantity int64)     { q.UsageMin += quantity }

// mergeProvisions sums quantities of provisions sharing a holding key,
// keeping a deterministic order.
func mergeProvisions(provisions []types.Provision) []types.Provision {
	sums := make(map[types.HoldingKey]int64)
	var order []types.HoldingKey
	for _, p := range provisions {
		key := p.Key()
		if _, ok := sums[key]; !ok {
			order = append(order, key)
		}
		sums[key] += p.Quantity
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.Holder != b.Holder {
			return a.Holder < b.Holder
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Resource < b.Resource
	})
	out := make([]types.Provision, 0, len(order))
	for _, key := range order {
		out = append(out, types.Provision{
			Holder:   key.Holder,
			Source:   key.Source,
			Resource: key.Resource,
			Quantity: sums[key],
		})
	}
	return out
}

// IssueCommission reserves the given provisions against their holdings
// and returns the commission serial. All-or-nothing: any failed check
// rolls back every prior prepare within the same transaction. An empty
// provision list is a no-op that still allocates a fresh serial.
func (s *Service) IssueCommission(clientKey string, provisions []types.Provision,
	name string, force bool) (int64, error) {

	merged := mergeProvisions(provisions)
	var serial int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range merged {
			key := p.Key()
			q, err := getHolding(tx, key)
			if err != nil {
				return err
			}
			if q == nil {
				return faults.New(faults.NotFound,
					"no holding for %s/%s/%s", key.Holder, key.Source, key.Resource)
			}
			if p.Quantity >= 0 {
				err = prepareImport(key, q, p.Quantity, force)
			} else {
				err = prepareRelease(key, q, -p.Quantity)
			}
			if err != nil {
				// error return rolls the whole transaction back
				return err
			}
			if err := putHolding(tx, key, q); err != nil {
				return err
			}
		}

		seq, err := tx.Bucket(bucketCommissions).NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate commission serial: %w", err)
		}
		serial = int64(seq)
		rec := commissionRecord{
			Serial:    serial,
			ClientKey: clientKey,
			Name:      name,
			IssueTime: time.Now(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCommissions).Put(serialKey(serial), data); err != nil {
			return err
		}
		for i, p := range merged {
			pdata, err := json.Marshal(p)
			if err != nil {
				return err
			}
			key := append(serialKey(serial), byte(i))
			if err := tx.Bucket(bucketProvisions).Put(key, pdata); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.CommissionsIssued.Inc()
	logger := log.WithComponent("quotaholder")
	logger.Debug().
		Int64("serial", serial).Str("client", clientKey).Str("name", name).
		Msg("commission issued")
	return serial, nil
}

const maxReasonLen = 121

// ResolvePendingCommissions accepts and rejects pending commissions of a
// client. Serials named in both sets are conflicting and left pending;
// unknown serials are reported, not fatal. Each resolved provision is
// recorded in the provision log; a resolved serial leaves the pending
// set and can never be resolved again.
func (s *Service) ResolvePendingCommissions(clientKey string, acceptSet, rejectSet []int64,
	reason string) (*types.ResolveResult, error) {

	actions := make(map[int64]bool)
	conflicting := make(map[int64]struct{})
	for _, serial := range acceptSet {
		actions[serial] = true
	}
	for _, serial := range rejectSet {
		if accept, ok := actions[serial]; ok && accept {
			delete(actions, serial)
			conflicting[serial] = struct{}{}
		} else {
			actions[serial] = false
		}
	}

	if len(reason) > maxReasonLen {
		reason = reason[len(reason)-maxReasonLen:]
	}

	result := &types.ResolveResult{}
	for serial := range conflicting {
		result.Conflicting = append(result.Conflicting, serial)
	}

	serials := make([]int64, 0, len(actions))
	for serial := range actions {
		serials = append(serials, serial)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

	err := s.db.Update(func(tx *bolt.Tx) error {
		logTime := time.Now()
		for _, serial := range serials {
			accept := actions[serial]
			data := tx.Bucket(bucketCommissions).Get(serialKey(serial))
			if data == nil {
				result.NotFound = append(result.NotFound, serial)
				continue
			}
			var rec commissionRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode commission: %w", err)
			}
			if rec.ClientKey != clientKey {
				result.NotFound = append(result.NotFound, serial)
				continue
			}

			provisions, err := getProvisions(tx, serial)
			if err != nil {
				return err
			}
			for _, p := range provisions {
				key := p.Key()
				q, err := getHolding(tx, key)
				if err != nil {
					return err
				}
				if q == nil {
					return faults.New(faults.InternalError,
						"corrupted provision on commission %d", serial)
				}
				switch {
				case accept && p.Quantity >= 0:
					finalizeImport(q, p.Quantity)
				case accept && p.Quantity < 0:
					finalizeRelease(q, -p.Quantity)
				case !accept && p.Quantity >= 0:
					undoImport(q, p.Quantity)
				default:
					undoRelease(q, -p.Quantity)
				}
				if err := putHolding(tx, key, q); err != nil {
					return err
				}
				prefix := "ACCEPT:"
				if !accept {
					prefix = "REJECT:"
				}
				if err := logProvision(tx, &rec, p, q, logTime, prefix+reason); err != nil {
					return err
				}
			}

			if err := deleteProvisions(tx, serial); err != nil {
				return err
			}
			if err := tx.Bucket(bucketCommissions).Delete(serialKey(serial)); err != nil {
				return err
			}
			if accept {
				result.Accepted = append(result.Accepted, serial)
			} else {
				result.Rejected = append(result.Rejected, serial)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.CommissionsResolved.WithLabelValues("accepted").Add(float64(len(result.Accepted)))
	metrics.CommissionsResolved.WithLabelValues("rejected").Add(float64(len(result.Rejected)))
	return result, nil
}

func logProvision(tx *bolt.Tx, rec *commissionRecord, p types.Provision,
	q *types.Quota, logTime time.Time, reason string) error {

	b := tx.Bucket(bucketProvisionLog)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	entry := types.ProvisionLogEntry{
		Serial:        rec.Serial,
		Name:          rec.Name,
		Holder:        p.Holder,
		Source:        p.Source,
		Resource:      p.Resource,
		Limit:         q.Limit,
		UsageMin:      q.UsageMin,
		UsageMax:      q.UsageMax,
		DeltaQuantity: p.Quantity,
		IssueTime:     rec.IssueTime,
		LogTime:       logTime,
		Reason:        reason,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put(serialKey(int64(seq)), data)
}

func deleteProvisions(tx *bolt.Tx, serial int64) error {
	provisions, err := getProvisions(tx, serial)
	if err != nil {
		return err
	}
	b := tx.Bucket(bucketProvisions)
	for i := range provisions {
		if err := b.Delete(append(serialKey(serial), byte(i))); err != nil {
			return err
		}
	}
	return nil
}
