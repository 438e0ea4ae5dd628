package nodetree

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

// NoBefore selects the latest version regardless of time.
const NoBefore = int64(math.MaxInt64)

// Tree stores nodes, versions, attributes, and per-node aggregate
// statistics inside a shared bbolt database. All methods operate within
// a caller-supplied transaction: one façade request is one transaction.
type Tree struct {
	// ancestorsDepth bounds statistics propagation above the mutated
	// node; -1 means unlimited.
	ancestorsDepth int
}

// New returns a tree with the given statistics ancestor depth.
func New(ancestorsDepth int) *Tree {
	return &Tree{ancestorsDepth: ancestorsDepth}
}

// InitBuckets creates the tree's buckets. Call once when opening the
// database.
func InitBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{
		bucketNodes, bucketNodeIndex, bucketVersions, bucketVersionIdx,
		bucketUUIDIndex, bucketAttributes, bucketStatistics,
	} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

// NodeLookup returns the non-deleted node at path, or nil.
func (t *Tree) NodeLookup(tx *bolt.Tx, path string) (*types.Node, error) {
	data := tx.Bucket(bucketNodes).Get([]byte(path))
	if data == nil {
		return nil, nil
	}
	var node types.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to decode node %q: %w", path, err)
	}
	return &node, nil
}

// NodeGet returns the node with the given id.
func (t *Tree) NodeGet(tx *bolt.Tx, id int64) (*types.Node, error) {
	path := tx.Bucket(bucketNodeIndex).Get(itob(id))
	if path == nil {
		return nil, faults.New(faults.NotFound, "node %d not found", id)
	}
	return t.NodeLookup(tx, string(path))
}

// NodeCreate inserts a new node under parent. The path must not exist.
func (t *Tree) NodeCreate(tx *bolt.Tx, parent int64, path string) (*types.Node, error) {
	nodes := tx.Bucket(bucketNodes)
	if nodes.Get([]byte(path)) != nil {
		return nil, faults.New(faults.Conflict, "node %q already exists", path)
	}
	seq, err := nodes.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate node id: %w", err)
	}
	node := &types.Node{ID: int64(seq), Parent: parent, Path: path}
	data, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	if err := nodes.Put([]byte(path), data); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketNodeIndex).Put(itob(node.ID), []byte(path)); err != nil {
		return nil, err
	}
	return node, nil
}

// NodeRemove deletes a node. It fails if the node still has descendants
// or versions in any cluster.
func (t *Tree) NodeRemove(tx *bolt.Tx, node *types.Node) error {
	c := tx.Bucket(bucketNodes).Cursor()
	childPrefix := []byte(node.Path + "/")
	if k, _ := c.Seek(childPrefix); k != nil && hasPrefix(k, childPrefix) {
		return faults.New(faults.Conflict, "node %q is not empty", node.Path)
	}
	vc := tx.Bucket(bucketVersionIdx).Cursor()
	vPrefix := itob(node.ID)
	if k, _ := vc.Seek(vPrefix); k != nil && hasPrefix(k, vPrefix) {
		return faults.New(faults.Conflict, "node %q still has versions", node.Path)
	}
	for cl := types.ClusterNormal; cl <= types.ClusterDeleted; cl++ {
		if err := tx.Bucket(bucketStatistics).Delete(statisticsKey(node.ID, cl)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketNodeIndex).Delete(itob(node.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketNodes).Delete([]byte(node.Path))
}

// ListChildren returns the paths of direct children of parentPath, in
// lexicographic order, starting strictly after marker.
func (t *Tree) ListChildren(tx *bolt.Tx, parentPath, marker string, limit int) ([]string, error) {
	prefix := ""
	if parentPath != "" {
		prefix = parentPath + "/"
	}
	start := []byte(prefix)
	if marker != "" {
		start = append([]byte(prefix+marker), 0)
	}
	var out []string
	c := tx.Bucket(bucketNodes).Cursor()
	for k, _ := c.Seek(start); k != nil && hasPrefix(k, []byte(prefix)); k, _ = c.Next() {
		rest := string(k[len(prefix):])
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		out = append(out, string(k))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// WalkDescendants calls fn for every node strictly below path, in
// lexicographic path order.
func (t *Tree) WalkDescendants(tx *bolt.Tx, path string, fn func(*types.Node) error) error {
	prefix := []byte(path + "/")
	c := tx.Bucket(bucketNodes).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return fmt.Errorf("failed to decode node: %w", err)
		}
		if err := fn(&node); err != nil {
			return err
		}
	}
	return nil
}

// VersionCreate inserts a new version of node. When the new version
// enters the normal cluster, any prior normal version moves to history
// atomically. Statistics propagate up the ancestor chain.
func (t *Tree) VersionCreate(tx *bolt.Tx, node int64, hash string, size int64,
	typ string, sourceSerial int64, modifier, uuid, checksum string,
	cluster types.Cluster, available bool, mapCheckTimestamp int64) (*types.Version, error) {

	if cluster == types.ClusterNormal {
		prev, err := t.VersionLookup(tx, node, NoBefore, types.ClusterNormal)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := t.VersionRecluster(tx, prev.Serial, types.ClusterHistory); err != nil {
				return nil, err
			}
		}
	}

	versions := tx.Bucket(bucketVersions)
	seq, err := versions.NextSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version serial: %w", err)
	}
	v := &types.Version{
		Serial:            int64(seq),
		Node:              node,
		Hash:              hash,
		Size:              size,
		Type:              typ,
		MTime:             time.Now().UnixNano(),
		Modifier:          modifier,
		UUID:              uuid,
		Checksum:          checksum,
		Cluster:           cluster,
		Available:         available,
		MapCheckTimestamp: mapCheckTimestamp,
	}
	if err := t.putVersion(tx, v); err != nil {
		return nil, err
	}
	if err := tx.Bucket(bucketVersionIdx).Put(
		versionIdxKey(node, cluster, v.MTime, v.Serial), nil); err != nil {
		return nil, err
	}
	if uuid != "" {
		if err := tx.Bucket(bucketUUIDIndex).Put(
			uuidIndexKey(uuid, v.Serial), itob(node)); err != nil {
			return nil, err
		}
	}
	if err := t.statisticsUpdateAncestors(tx, node, 1, size, v.MTime, cluster); err != nil {
		return nil, err
	}
	_ = sourceSerial // recorded by attribute copy at the caller
	return v, nil
}

func (t *Tree) putVersion(tx *bolt.Tx, v *types.Version) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketVersions).Put(itob(v.Serial), data)
}

func (t *Tree) getVersion(tx *bolt.Tx, serial int64) (*types.Version, error) {
	data := tx.Bucket(bucketVersions).Get(itob(serial))
	if data == nil {
		return nil, faults.New(faults.VersionNotExists, "version %d does not exist", serial)
	}
	var v types.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode version %d: %w", serial, err)
	}
	return &v, nil
}

// VersionGetProperties fetches a specific version. With node >= 0 the
// version must belong to that node.
func (t *Tree) VersionGetProperties(tx *bolt.Tx, serial, node int64) (*types.Version, error) {
	v, err := t.getVersion(tx, serial)
	if err != nil {
		return nil, err
	}
	if node >= 0 && v.Node != node {
		return nil, faults.New(faults.VersionNotExists,
			"version %d does not belong to node %d", serial, node)
	}
	return v, nil
}

// VersionLookup returns the latest version of node in cluster with
// mtime <= before, or nil.
func (t *Tree) VersionLookup(tx *bolt.Tx, node int64, before int64,
	cluster types.Cluster) (*types.Version, error) {

	prefix := versionIdxPrefix(node, cluster)
	max := versionIdxKey(node, cluster, before, math.MaxInt64)
	k := seekLE(tx.Bucket(bucketVersionIdx).Cursor(), max, prefix)
	if k == nil {
		return nil, nil
	}
	serial := btoi(k[len(k)-8:])
	return t.getVersion(tx, serial)
}

// VersionLookupAt returns the version visible at time before across all
// clusters: the one with the greatest mtime <= before. A result in the
// deleted cluster means the path was absent at that time.
func (t *Tree) VersionLookupAt(tx *bolt.Tx, node int64, before int64) (*types.Version, error) {
	var best *types.Version
	for cl := types.ClusterNormal; cl <= types.ClusterDeleted; cl++ {
		v, err := t.VersionLookup(tx, node, before, cl)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		if best == nil || v.MTime > best.MTime ||
			(v.MTime == best.MTime && v.Serial > best.Serial) {
			best = v
		}
	}
	return best, nil
}

// VersionRecluster moves a version to a different cluster, keeping
// statistics consistent on both chains.
func (t *Tree) VersionRecluster(tx *bolt.Tx, serial int64, cluster types.Cluster) error {
	v, err := t.getVersion(tx, serial)
	if err != nil {
		return err
	}
	if v.Cluster == cluster {
		return nil
	}
	idx := tx.Bucket(bucketVersionIdx)
	if err := idx.Delete(versionIdxKey(v.Node, v.Cluster, v.MTime, v.Serial)); err != nil {
		return err
	}
	if err := idx.Put(versionIdxKey(v.Node, cluster, v.MTime, v.Serial), nil); err != nil {
		return err
	}
	if err := t.statisticsUpdateAncestors(tx, v.Node, -1, -v.Size, v.MTime, v.Cluster); err != nil {
		return err
	}
	if err := t.statisticsUpdateAncestors(tx, v.Node, 1, v.Size, v.MTime, cluster); err != nil {
		return err
	}
	v.Cluster = cluster
	return t.putVersion(tx, v)
}

// VersionUpdate applies a mutation to a version's non-ordering fields
// (available, checksum, map check timestamp).
func (t *Tree) VersionUpdate(tx *bolt.Tx, serial int64, mutate func(*types.Version)) error {
	v, err := t.getVersion(tx, serial)
	if err != nil {
		return err
	}
	mutate(v)
	return t.putVersion(tx, v)
}

// VersionRemove physically deletes one version together with its
// attributes and returns the hash and size it freed.
func (t *Tree) VersionRemove(tx *bolt.Tx, serial int64) (string, int64, error) {
	v, err := t.getVersion(tx, serial)
	if err != nil {
		return "", 0, err
	}
	if err := t.AttributeDelAll(tx, serial); err != nil {
		return "", 0, err
	}
	idx := tx.Bucket(bucketVersionIdx)
	if err := idx.Delete(versionIdxKey(v.Node, v.Cluster, v.MTime, v.Serial)); err != nil {
		return "", 0, err
	}
	if v.UUID != "" {
		if err := tx.Bucket(bucketUUIDIndex).Delete(uuidIndexKey(v.UUID, v.Serial)); err != nil {
			return "", 0, err
		}
	}
	if err := t.statisticsUpdateAncestors(tx, v.Node, -1, -v.Size, v.MTime, v.Cluster); err != nil {
		return "", 0, err
	}
	if err := tx.Bucket(bucketVersions).Delete(itob(serial)); err != nil {
		return "", 0, err
	}
	return v.Hash, v.Size, nil
}

// NodeGetVersions returns all versions of node ordered by serial.
func (t *Tree) NodeGetVersions(tx *bolt.Tx, node int64) ([]types.Version, error) {
	var out []types.Version
	idx := tx.Bucket(bucketVersionIdx).Cursor()
	prefix := itob(node)
	for k, _ := idx.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = idx.Next() {
		serial := btoi(k[len(k)-8:])
		v, err := t.getVersion(tx, serial)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	// index order is (cluster, mtime); callers reason by serial
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

// NodePurge removes versions of node in cluster with mtime <= until and
// returns the freed hashes, total size, and removed serials.
func (t *Tree) NodePurge(tx *bolt.Tx, node int64, until int64,
	cluster types.Cluster) ([]string, int64, []int64, error) {

	var (
		hashes  []string
		size    int64
		serials []int64
	)
	idx := tx.Bucket(bucketVersionIdx).Cursor()
	prefix := versionIdxPrefix(node, cluster)
	var victims []int64
	for k, _ := idx.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = idx.Next() {
		mtime := btoi(k[len(prefix) : len(prefix)+8])
		if mtime > until {
			break
		}
		victims = append(victims, btoi(k[len(k)-8:]))
	}
	for _, serial := range victims {
		hash, freed, err := t.VersionRemove(tx, serial)
		if err != nil {
			return nil, 0, nil, err
		}
		if hash != "" {
			hashes = append(hashes, hash)
		}
		size += freed
		serials = append(serials, serial)
	}
	return hashes, size, serials, nil
}

// LatestUUID resolves a uuid to its newest version in the given cluster,
// returning the node path and serial.
func (t *Tree) LatestUUID(tx *bolt.Tx, uuid string, cluster types.Cluster) (string, int64, error) {
	c := tx.Bucket(bucketUUIDIndex).Cursor()
	prefix := []byte(uuid)
	max := append(append([]byte{}, prefix...), itob(math.MaxInt64)...)
	k := seekLE(c, max, prefix)
	for k != nil {
		serial := btoi(k[len(k)-8:])
		v, err := t.getVersion(tx, serial)
		if err != nil {
			return "", 0, err
		}
		if v.Cluster == cluster {
			node, err := t.NodeGet(tx, v.Node)
			if err != nil {
				return "", 0, err
			}
			return node.Path, serial, nil
		}
		k, _ = c.Prev()
		if k == nil || !hasPrefix(k, prefix) {
			break
		}
	}
	return "", 0, faults.New(faults.NotFound, "uuid %s not found", uuid)
}

// seekLE positions the cursor at the greatest key <= max that still
// carries prefix, returning nil when none exists.
func seekLE(c *bolt.Cursor, max, prefix []byte) []byte {
	k, _ := c.Seek(max)
	switch {
	case k == nil:
		k, _ = c.Last()
	case !keyLE(k, max):
		k, _ = c.Prev()
	}
	if k == nil || !hasPrefix(k, prefix) || !keyLE(k, max) {
		return nil
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out
}

func keyLE(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) <= len(b)
}
