package coordinator

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
	"github.com/amphorastore/amphora/pkg/types"
)

var bucketCommissionSerials = []byte("commissionSerials") // serial -> CommissionSerial

// InitBuckets creates the coordinator's bucket in the backend database.
func InitBuckets(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketCommissionSerials)
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketCommissionSerials, err)
	}
	return nil
}

// Client is the quotaholder surface the coordinator consumes. The
// in-process implementation wraps the local service; a remote deployment
// substitutes an RPC client.
type Client interface {
	IssueCommission(clientKey string, provisions []types.Provision, name string, force bool) (int64, error)
	ResolvePendingCommissions(clientKey string, accept, reject []int64, reason string) (*types.ResolveResult, error)
	GetPendingCommissions(clientKey string) ([]int64, error)
}

// Coordinator glues local storage mutations to remote quota state. The
// contract: issue inside the local transaction, commit, then accept in a
// fresh transaction. A crash between commit and accept leaves a durable
// pending record that Reconcile finishes later.
type Coordinator struct {
	client    Client
	clientKey string
	db        *bolt.DB
}

// New returns a coordinator recording serials in db and speaking to
// client under clientKey.
func New(client Client, clientKey string, db *bolt.DB) *Coordinator {
	return &Coordinator{client: client, clientKey: clientKey, db: db}
}

func serialKey(serial int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(serial))
	return b
}

func putSerial(tx *bolt.Tx, cs *types.CommissionSerial) error {
	data, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketCommissionSerials).Put(serialKey(cs.Serial), data)
}

// Issue sends a commission to the quotaholder and durably records the
// returned serial inside the caller's transaction, so the serial is on
// disk before any acceptance. The caller accepts after commit.
func (c *Coordinator) Issue(tx *bolt.Tx, provisions []types.Provision,
	name string, force bool) (int64, error) {

	serial, err := c.client.IssueCommission(c.clientKey, provisions, name, force)
	if err != nil {
		return 0, err
	}
	cs := &types.CommissionSerial{Serial: serial, Pending: true, Accept: true}
	if err := putSerial(tx, cs); err != nil {
		return 0, err
	}
	return serial, nil
}

// AcceptSerial resolves a serial as accepted in a fresh transaction. On
// remote failure the record stays pending for the reconciler.
func (c *Coordinator) AcceptSerial(serial int64) error {
	return c.resolveSerial(serial, true)
}

// RejectSerial resolves a serial as rejected in a fresh transaction.
func (c *Coordinator) RejectSerial(serial int64) error {
	return c.resolveSerial(serial, false)
}

func (c *Coordinator) resolveSerial(serial int64, accept bool) error {
	var accepts, rejects []int64
	if accept {
		accepts = []int64{serial}
	} else {
		rejects = []int64{serial}
	}
	if _, err := c.client.ResolvePendingCommissions(c.clientKey, accepts, rejects, ""); err != nil {
		logger := log.WithSerial(serial)
		logger.Warn().Err(err).
			Msg("failed to resolve commission, leaving pending for reconciler")
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		cs := &types.CommissionSerial{
			Serial: serial, Pending: false, Accept: accept, Resolved: true,
		}
		return putSerial(tx, cs)
	})
}

// PendingSerials returns the locally recorded serials that have not been
// confirmed resolved, smallest first.
func (c *Coordinator) PendingSerials() ([]types.CommissionSerial, error) {
	var out []types.CommissionSerial
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommissionSerials).ForEach(func(k, v []byte) error {
			var cs types.CommissionSerial
			if err := json.Unmarshal(v, &cs); err != nil {
				return fmt.Errorf("failed to decode commission serial: %w", err)
			}
			if !cs.Resolved {
				out = append(out, cs)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops resolved serial records older than the given serial. The
// smallest remote pending serial bounds how far back Reconcile must
// look, so records below it carry no information.
func (c *Coordinator) Forget(beforeSerial int64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommissionSerials)
		var victims [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var cs types.CommissionSerial
			if err := json.Unmarshal(v, &cs); err != nil {
				return err
			}
			if cs.Resolved && cs.Serial < beforeSerial {
				victims = append(victims, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Reconcile compares remote pending commissions against the local serial
// table and finishes interrupted resolutions: locally accepted serials
// are re-accepted, locally rejected ones re-rejected, and serials with
// no local record are rejected. Safe to repeat: the quotaholder resolves
// each serial at most once.
func (c *Coordinator) Reconcile() error {
	remote, err := c.client.GetPendingCommissions(c.clientKey)
	if err != nil {
		return fmt.Errorf("failed to list pending commissions: %w", err)
	}
	metrics.CommissionsPending.Set(float64(len(remote)))
	if len(remote) == 0 {
		return nil
	}

	local := make(map[int64]types.CommissionSerial)
	err = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommissionSerials).ForEach(func(k, v []byte) error {
			var cs types.CommissionSerial
			if err := json.Unmarshal(v, &cs); err != nil {
				return err
			}
			local[cs.Serial] = cs
			return nil
		})
	})
	if err != nil {
		return err
	}

	var accepts, rejects []int64
	for _, serial := range remote {
		cs, ok := local[serial]
		switch {
		case !ok:
			// issued but never committed locally
			rejects = append(rejects, serial)
		case cs.Accept:
			accepts = append(accepts, serial)
		default:
			rejects = append(rejects, serial)
		}
	}

	result, err := c.client.ResolvePendingCommissions(c.clientKey, accepts, rejects,
		"reconciliation")
	if err != nil {
		return fmt.Errorf("failed to resolve commissions: %w", err)
	}
	logger := log.WithComponent("coordinator")
	logger.Info().
		Int("accepted", len(result.Accepted)).
		Int("rejected", len(result.Rejected)).
		Int("not_found", len(result.NotFound)).
		Msg("reconciled pending commissions")

	return c.db.Update(func(tx *bolt.Tx) error {
		mark := func(serials []int64, accept bool) error {
			for _, serial := range serials {
				cs := &types.CommissionSerial{
					Serial: serial, Pending: false, Accept: accept, Resolved: true,
				}
				if err := putSerial(tx, cs); err != nil {
					return err
				}
			}
			return nil
		}
		if err := mark(result.Accepted, true); err != nil {
			return err
		}
		return mark(result.Rejected, false)
	})
}
