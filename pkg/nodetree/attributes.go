package nodetree

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/types"
)

// AttributeGet returns the key/value pairs of one version in one domain.
func (t *Tree) AttributeGet(tx *bolt.Tx, serial int64, domain string) (map[string]string, error) {
	out := make(map[string]string)
	prefix := attributePrefix(serial, domain)
	c := tx.Bucket(bucketAttributes).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var attr types.Attribute
		if err := json.Unmarshal(v, &attr); err != nil {
			return nil, fmt.Errorf("failed to decode attribute: %w", err)
		}
		out[string(k[len(prefix):])] = attr.Value
	}
	return out, nil
}

// AttributeSet stores key/value pairs for a version in a domain. The
// node id is kept on each row as a lookup key back to the owner.
func (t *Tree) AttributeSet(tx *bolt.Tx, serial int64, domain string, node int64,
	pairs map[string]string) error {

	b := tx.Bucket(bucketAttributes)
	for key, value := range pairs {
		data, err := json.Marshal(types.Attribute{Node: node, Value: value, IsLatest: true})
		if err != nil {
			return err
		}
		if err := b.Put(attributeKey(serial, domain, key), data); err != nil {
			return err
		}
	}
	return nil
}

// AttributeDel removes the named keys of a version in a domain; with no
// keys it removes the whole domain.
func (t *Tree) AttributeDel(tx *bolt.Tx, serial int64, domain string, keys ...string) error {
	b := tx.Bucket(bucketAttributes)
	if len(keys) > 0 {
		for _, key := range keys {
			if err := b.Delete(attributeKey(serial, domain, key)); err != nil {
				return err
			}
		}
		return nil
	}
	prefix := attributePrefix(serial, domain)
	c := b.Cursor()
	var victims [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		victims = append(victims, append([]byte{}, k...))
	}
	for _, k := range victims {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// AttributeDelAll removes every attribute of a version across domains.
func (t *Tree) AttributeDelAll(tx *bolt.Tx, serial int64) error {
	b := tx.Bucket(bucketAttributes)
	prefix := itob(serial)
	c := b.Cursor()
	var victims [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		victims = append(victims, append([]byte{}, k...))
	}
	for _, k := range victims {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// AttributeCopy carries every attribute of src forward to dst, marking
// the copies as latest.
func (t *Tree) AttributeCopy(tx *bolt.Tx, src, dst int64, node int64) error {
	b := tx.Bucket(bucketAttributes)
	prefix := itob(src)
	c := b.Cursor()
	type row struct {
		suffix []byte
		attr   types.Attribute
	}
	var rows []row
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var attr types.Attribute
		if err := json.Unmarshal(v, &attr); err != nil {
			return fmt.Errorf("failed to decode attribute: %w", err)
		}
		attr.Node = node
		attr.IsLatest = true
		rows = append(rows, row{suffix: append([]byte{}, k[8:]...), attr: attr})
	}
	for _, r := range rows {
		data, err := json.Marshal(r.attr)
		if err != nil {
			return err
		}
		key := append(itob(dst), r.suffix...)
		if err := b.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

// AttributeUnsetIsLatest clears the latest flag on attributes of every
// version of node except the given one.
func (t *Tree) AttributeUnsetIsLatest(tx *bolt.Tx, node int64, except int64) error {
	versions, err := t.NodeGetVersions(tx, node)
	if err != nil {
		return err
	}
	b := tx.Bucket(bucketAttributes)
	for _, v := range versions {
		if v.Serial == except {
			continue
		}
		prefix := itob(v.Serial)
		c := b.Cursor()
		type row struct {
			key  []byte
			attr types.Attribute
		}
		var rows []row
		for k, val := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, val = c.Next() {
			var attr types.Attribute
			if err := json.Unmarshal(val, &attr); err != nil {
				return fmt.Errorf("failed to decode attribute: %w", err)
			}
			if !attr.IsLatest {
				continue
			}
			attr.IsLatest = false
			rows = append(rows, row{key: append([]byte{}, k...), attr: attr})
		}
		for _, r := range rows {
			data, err := json.Marshal(r.attr)
			if err != nil {
				return err
			}
			if err := b.Put(r.key, data); err != nil {
				return err
			}
		}
	}
	return nil
}
