package backend

import (
	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/types"
)

// Meta is the system metadata of an account or container, plus the
// user-defined attributes of its latest version in one domain.
type Meta struct {
	Name     string            `json:"name"`
	Count    int64             `json:"count"`
	Bytes    int64             `json:"bytes"`
	Modified int64             `json:"modified"`
	Until    int64             `json:"until_timestamp,omitempty"`
	User     map[string]string `json:"user,omitempty"`
}

// ObjectMeta is the full property set of one object version.
type ObjectMeta struct {
	Name      string            `json:"name"`
	Hash      string            `json:"hash"`
	Size      int64             `json:"bytes"`
	Type      string            `json:"type"`
	Modified  int64             `json:"modified"`
	Modifier  string            `json:"modified_by"`
	UUID      string            `json:"uuid"`
	Checksum  string            `json:"checksum,omitempty"`
	Serial    int64             `json:"version"`
	Available bool              `json:"available"`
	User      map[string]string `json:"user,omitempty"`
}

func objectMetaOf(name string, v *types.Version, user map[string]string) *ObjectMeta {
	return &ObjectMeta{
		Name:      name,
		Hash:      v.Hash,
		Size:      v.Size,
		Type:      v.Type,
		Modified:  v.MTime,
		Modifier:  v.Modifier,
		UUID:      v.UUID,
		Checksum:  v.Checksum,
		Serial:    v.Serial,
		Available: v.Available,
		User:      user,
	}
}

// nodeMeta assembles the Meta of an account or container node, either
// from the maintained statistics (current state) or recomputed as of a
// historical timestamp.
func (b *Backend) nodeMeta(tx *bolt.Tx, node *types.Node, name, domain string,
	until int64) (*Meta, error) {

	meta := &Meta{Name: name}
	if until <= 0 {
		stats, err := b.tree.StatisticsGet(tx, node.ID, types.ClusterNormal)
		if err != nil {
			return nil, err
		}
		meta.Count = stats.Count
		meta.Bytes = stats.Bytes
		meta.Modified = stats.MTime
	} else {
		at := clampUntil(until)
		stats, err := b.tree.StatisticsLatest(tx, node, at, types.ClusterDeleted)
		if err != nil {
			return nil, err
		}
		meta.Count = stats.Count
		meta.Bytes = stats.Bytes
		meta.Modified = stats.MTime
		meta.Until = until
	}

	if domain != "" {
		v, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
		if err != nil {
			return nil, err
		}
		if v != nil {
			attrs, err := b.tree.AttributeGet(tx, v.Serial, domain)
			if err != nil {
				return nil, err
			}
			if len(attrs) > 0 {
				meta.User = attrs
			}
		}
	}
	return meta, nil
}

// applyMetaUpdate merges or replaces the user attributes of a version in
// one domain. Empty values delete keys on merge.
func (b *Backend) applyMetaUpdate(tx *bolt.Tx, serial, node int64, domain string,
	meta map[string]string, replace bool) error {

	if replace {
		if err := b.tree.AttributeDel(tx, serial, domain); err != nil {
			return err
		}
	}
	set := make(map[string]string)
	var del []string
	for k, v := range meta {
		if v == "" && !replace {
			del = append(del, k)
			continue
		}
		set[k] = v
	}
	if len(del) > 0 {
		if err := b.tree.AttributeDel(tx, serial, domain, del...); err != nil {
			return err
		}
	}
	if len(set) > 0 {
		return b.tree.AttributeSet(tx, serial, domain, node, set)
	}
	return nil
}
