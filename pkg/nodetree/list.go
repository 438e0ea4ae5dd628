package nodetree

import (
	"encoding/json"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/types"
)

// ListOptions parameterizes LatestVersionList. All paths are full
// account/container/name paths.
type ListOptions struct {
	Prefix        string
	Delimiter     string
	Start         string // exclusive marker
	Limit         int
	Before        int64 // NoBefore for the current state
	ExceptCluster types.Cluster
	// AllowedPaths restricts results to these paths and their
	// descendants; nil means no restriction.
	AllowedPaths []string
	Domain       string
	// Filters are attribute predicates within Domain: "k", "!k", "k=v".
	Filters   []string
	SizeRange *[2]int64
	AllProps  bool
}

// LatestVersionList returns versions of descendants of parent whose path
// matches the prefix, optionally rolled up at the delimiter. Ordering is
// lexicographic on path; the marker is exclusive and the limit counts
// objects and rolled-up prefixes together.
func (t *Tree) LatestVersionList(tx *bolt.Tx, parent int64, opts ListOptions) (
	[]types.ListEntry, []string, error) {

	if opts.Limit <= 0 || opts.Limit > 10000 {
		opts.Limit = 10000
	}
	before := opts.Before
	if before <= 0 {
		before = NoBefore
	}

	var (
		objects  []types.ListEntry
		prefixes []string
	)
	total := func() int { return len(objects) + len(prefixes) }

	prefix := []byte(opts.Prefix)
	start := prefix
	if opts.Start != "" && opts.Start >= opts.Prefix {
		start = append([]byte(opts.Start), 0)
	}

	c := tx.Bucket(bucketNodes).Cursor()
	k, v := c.Seek(start)
	for k != nil && hasPrefix(k, prefix) && total() < opts.Limit {
		path := string(k)
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return nil, nil, fmt.Errorf("failed to decode node: %w", err)
		}

		if node.ID == parent {
			k, v = c.Next()
			continue
		}

		rest := path[len(opts.Prefix):]
		if opts.Delimiter != "" {
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				sub := path[:len(opts.Prefix)+idx+len(opts.Delimiter)]
				if t.subtreeVisible(tx, c, sub, before, opts) {
					prefixes = append(prefixes, sub)
				}
				// skip the rest of the rolled-up subtree
				k, v = c.Seek(append([]byte(sub), 0xff))
				continue
			}
		}

		ver, err := t.versionAt(tx, node.ID, before)
		if err != nil {
			return nil, nil, err
		}
		if ver == nil || ver.Cluster == opts.ExceptCluster {
			k, v = c.Next()
			continue
		}
		ok, err := t.entryMatches(tx, path, ver, opts)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			entry := types.ListEntry{Path: path}
			if opts.AllProps {
				entry.Version = ver
			}
			objects = append(objects, entry)
		}
		k, v = c.Next()
	}
	return objects, prefixes, nil
}

func (t *Tree) versionAt(tx *bolt.Tx, node int64, before int64) (*types.Version, error) {
	if before == NoBefore {
		return t.VersionLookup(tx, node, NoBefore, types.ClusterNormal)
	}
	return t.VersionLookupAt(tx, node, before)
}

// subtreeVisible reports whether a rolled-up prefix contains at least one
// listable descendant. The cursor position is restored by the caller's
// subsequent Seek.
func (t *Tree) subtreeVisible(tx *bolt.Tx, c *bolt.Cursor, sub string,
	before int64, opts ListOptions) bool {

	for k, v := c.Seek([]byte(sub)); k != nil && hasPrefix(k, []byte(sub)); k, v = c.Next() {
		var node types.Node
		if err := json.Unmarshal(v, &node); err != nil {
			return false
		}
		ver, err := t.versionAt(tx, node.ID, before)
		if err != nil || ver == nil || ver.Cluster == opts.ExceptCluster {
			continue
		}
		if ok, _ := t.entryMatches(tx, string(k), ver, opts); ok {
			return true
		}
	}
	return false
}

func (t *Tree) entryMatches(tx *bolt.Tx, path string, ver *types.Version,
	opts ListOptions) (bool, error) {

	if opts.AllowedPaths != nil && !pathAllowed(path, opts.AllowedPaths) {
		return false, nil
	}
	if opts.SizeRange != nil {
		if ver.Size < opts.SizeRange[0] || (opts.SizeRange[1] > 0 && ver.Size > opts.SizeRange[1]) {
			return false, nil
		}
	}
	if opts.Domain != "" && len(opts.Filters) > 0 {
		attrs, err := t.AttributeGet(tx, ver.Serial, opts.Domain)
		if err != nil {
			return false, err
		}
		for _, f := range opts.Filters {
			if !filterMatches(f, attrs) {
				return false, nil
			}
		}
	}
	return true, nil
}

func filterMatches(filter string, attrs map[string]string) bool {
	if strings.HasPrefix(filter, "!") {
		_, ok := attrs[filter[1:]]
		return !ok
	}
	if key, want, ok := strings.Cut(filter, "="); ok {
		got, present := attrs[key]
		return present && got == want
	}
	_, ok := attrs[filter]
	return ok
}

func pathAllowed(path string, allowed []string) bool {
	for _, a := range allowed {
		if path == a || strings.HasPrefix(path, a+"/") {
			return true
		}
	}
	return false
}
