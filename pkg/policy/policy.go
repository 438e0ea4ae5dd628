package policy

import (
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

var bucketPolicies = []byte("policies") // node -> Policy

// InitBuckets creates the policy bucket.
func InitBuckets(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketPolicies)
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucketPolicies, err)
	}
	return nil
}

// Store keeps per-node policies: quota, versioning mode, project.
type Store struct{}

// New returns a policy store.
func New() *Store { return &Store{} }

func nodeKey(node int64) []byte {
	k := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		k[i] = byte(node)
		node >>= 8
	}
	return k
}

// Validate rejects malformed policy values: quota must parse to a
// non-negative integer (0 means unbounded), versioning must be auto or
// none, project is opaque. Unknown keys fail.
func Validate(p types.Policy) error {
	for k, v := range p {
		switch k {
		case types.QuotaPolicy:
			q, err := strconv.ParseInt(v, 10, 64)
			if err != nil || q < 0 {
				return faults.New(faults.BadRequest, "bad quota policy value %q", v)
			}
		case types.VersioningPolicy:
			if v != types.VersioningAuto && v != types.VersioningNone {
				return faults.New(faults.BadRequest, "bad versioning policy value %q", v)
			}
		case types.ProjectPolicy:
			// opaque
		default:
			return faults.New(faults.BadRequest, "unknown policy key %q", k)
		}
	}
	return nil
}

// Get returns the stored policy of node, without defaults applied.
func (s *Store) Get(tx *bolt.Tx, node int64) (types.Policy, error) {
	data := tx.Bucket(bucketPolicies).Get(nodeKey(node))
	if data == nil {
		return types.Policy{}, nil
	}
	var p types.Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode policy for node %d: %w", node, err)
	}
	return p, nil
}

// Set merges (or replaces) the policy of node after validation.
func (s *Store) Set(tx *bolt.Tx, node int64, p types.Policy, replace bool) error {
	if err := Validate(p); err != nil {
		return err
	}
	merged := p
	if !replace {
		existing, err := s.Get(tx, node)
		if err != nil {
			return err
		}
		for k, v := range p {
			existing[k] = v
		}
		merged = existing
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPolicies).Put(nodeKey(node), data)
}

// Delete drops the policy of node.
func (s *Store) Delete(tx *bolt.Tx, node int64) error {
	return tx.Bucket(bucketPolicies).Delete(nodeKey(node))
}
