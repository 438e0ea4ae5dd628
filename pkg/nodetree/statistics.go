package nodetree

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/types"
)

// StatisticsGet returns the precomputed aggregate of node in cluster.
func (t *Tree) StatisticsGet(tx *bolt.Tx, node int64, cluster types.Cluster) (*types.Statistics, error) {
	data := tx.Bucket(bucketStatistics).Get(statisticsKey(node, cluster))
	if data == nil {
		return &types.Statistics{}, nil
	}
	var s types.Statistics
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return &s, nil
}

func (t *Tree) statisticsPut(tx *bolt.Tx, node int64, cluster types.Cluster, s *types.Statistics) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStatistics).Put(statisticsKey(node, cluster), data)
}

// statisticsUpdateAncestors applies a delta to the node's own aggregate
// and its ancestors, up to the configured depth.
func (t *Tree) statisticsUpdateAncestors(tx *bolt.Tx, node int64,
	dcount, dbytes, mtime int64, cluster types.Cluster) error {

	depth := t.ancestorsDepth
	id := node
	for level := 0; ; level++ {
		if depth >= 0 && level > depth {
			break
		}
		s, err := t.StatisticsGet(tx, id, cluster)
		if err != nil {
			return err
		}
		s.Count += dcount
		s.Bytes += dbytes
		if mtime > s.MTime {
			s.MTime = mtime
		}
		if err := t.statisticsPut(tx, id, cluster, s); err != nil {
			return err
		}

		path := tx.Bucket(bucketNodeIndex).Get(itob(id))
		if path == nil {
			break
		}
		n, err := t.NodeLookup(tx, string(path))
		if err != nil {
			return err
		}
		if n == nil || n.Parent == 0 {
			break
		}
		id = n.Parent
	}
	return nil
}

// StatisticsLatest computes the aggregate of node's descendants as of
// time until, skipping versions in exceptCluster. Pass NoBefore for the
// current state.
func (t *Tree) StatisticsLatest(tx *bolt.Tx, node *types.Node, until int64,
	exceptCluster types.Cluster) (*types.Statistics, error) {

	out := &types.Statistics{}
	prefix := []byte(node.Path + "/")
	c := tx.Bucket(bucketNodes).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var child types.Node
		if err := json.Unmarshal(v, &child); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		ver, err := t.VersionLookupAt(tx, child.ID, until)
		if err != nil {
			return nil, err
		}
		if ver == nil || ver.Cluster == exceptCluster {
			continue
		}
		out.Count++
		out.Bytes += ver.Size
		if ver.MTime > out.MTime {
			out.MTime = ver.MTime
		}
	}
	// the node's own version carries the container/account mtime
	own, err := t.VersionLookupAt(tx, node.ID, until)
	if err != nil {
		return nil, err
	}
	if own != nil && own.Cluster != exceptCluster && own.MTime > out.MTime {
		out.MTime = own.MTime
	}
	return out, nil
}
