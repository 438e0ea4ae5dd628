package nodetree

import (
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

func newTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "tree.db"), 0600, nil)
	if err != nil {
		t.Fatalf("bolt.Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	err = db.Update(func(tx *bolt.Tx) error { return InitBuckets(tx) })
	if err != nil {
		t.Fatalf("InitBuckets() error: %v", err)
	}
	return db
}

// makeChain creates account/container/object nodes and returns the object
// node.
func makeChain(t *testing.T, tree *Tree, tx *bolt.Tx) (account, container, object *types.Node) {
	t.Helper()
	var err error
	account, err = tree.NodeCreate(tx, 0, "alice")
	if err != nil {
		t.Fatal(err)
	}
	container, err = tree.NodeCreate(tx, account.ID, "alice/docs")
	if err != nil {
		t.Fatal(err)
	}
	object, err = tree.NodeCreate(tx, container.ID, "alice/docs/readme")
	if err != nil {
		t.Fatal(err)
	}
	return account, container, object
}

// TestNodeCreateLookup tests node creation and path lookup
func TestNodeCreateLookup(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		node, err := tree.NodeCreate(tx, 0, "alice")
		if err != nil {
			return err
		}
		if node.ID == 0 {
			t.Error("NodeCreate() assigned id 0")
		}

		got, err := tree.NodeLookup(tx, "alice")
		if err != nil {
			return err
		}
		if got == nil || got.ID != node.ID {
			t.Errorf("NodeLookup() = %+v, want id %d", got, node.ID)
		}

		byID, err := tree.NodeGet(tx, node.ID)
		if err != nil {
			return err
		}
		if byID.Path != "alice" {
			t.Errorf("NodeGet() path = %q, want alice", byID.Path)
		}

		missing, err := tree.NodeLookup(tx, "bob")
		if err != nil {
			return err
		}
		if missing != nil {
			t.Errorf("NodeLookup(absent) = %+v, want nil", missing)
		}

		if _, err := tree.NodeCreate(tx, 0, "alice"); !errors.Is(err, faults.ErrConflict) {
			t.Errorf("NodeCreate(duplicate) = %v, want Conflict", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestNodeRemoveGuards tests that removal fails with descendants or
// versions present
func TestNodeRemoveGuards(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, container, object := makeChain(t, tree, tx)

		if err := tree.NodeRemove(tx, container); !errors.Is(err, faults.ErrConflict) {
			t.Errorf("NodeRemove(with child) = %v, want Conflict", err)
		}

		v, err := tree.VersionCreate(tx, object.ID, "h", 10, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}
		if err := tree.NodeRemove(tx, object); !errors.Is(err, faults.ErrConflict) {
			t.Errorf("NodeRemove(with versions) = %v, want Conflict", err)
		}

		if _, _, err := tree.VersionRemove(tx, v.Serial); err != nil {
			return err
		}
		if err := tree.NodeRemove(tx, object); err != nil {
			t.Errorf("NodeRemove(empty) error: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestVersionCreateReclusters tests that a new normal version moves the
// previous one to history
func TestVersionCreateReclusters(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, _, object := makeChain(t, tree, tx)

		v1, err := tree.VersionCreate(tx, object.ID, "h1", 10, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}
		v2, err := tree.VersionCreate(tx, object.ID, "h2", 20, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}

		prev, err := tree.VersionGetProperties(tx, v1.Serial, object.ID)
		if err != nil {
			return err
		}
		if prev.Cluster != types.ClusterHistory {
			t.Errorf("previous version cluster = %v, want history", prev.Cluster)
		}

		latest, err := tree.VersionLookup(tx, object.ID, NoBefore, types.ClusterNormal)
		if err != nil {
			return err
		}
		if latest == nil || latest.Serial != v2.Serial {
			t.Errorf("latest normal = %+v, want serial %d", latest, v2.Serial)
		}

		stats, err := tree.StatisticsGet(tx, object.ID, types.ClusterNormal)
		if err != nil {
			return err
		}
		if stats.Count != 1 || stats.Bytes != 20 {
			t.Errorf("normal stats = %+v, want count 1 bytes 20", stats)
		}
		hist, err := tree.StatisticsGet(tx, object.ID, types.ClusterHistory)
		if err != nil {
			return err
		}
		if hist.Count != 1 || hist.Bytes != 10 {
			t.Errorf("history stats = %+v, want count 1 bytes 10", hist)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestStatisticsPropagate tests aggregate propagation up the ancestor
// chain
func TestStatisticsPropagate(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		account, container, object := makeChain(t, tree, tx)

		_, err := tree.VersionCreate(tx, object.ID, "h1", 100, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}

		for _, node := range []*types.Node{container, account} {
			stats, err := tree.StatisticsGet(tx, node.ID, types.ClusterNormal)
			if err != nil {
				return err
			}
			if stats.Count != 1 || stats.Bytes != 100 {
				t.Errorf("stats of %q = %+v, want count 1 bytes 100", node.Path, stats)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestVersionLookupAt tests point-in-time resolution across clusters
func TestVersionLookupAt(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, _, object := makeChain(t, tree, tx)

		v1, err := tree.VersionCreate(tx, object.ID, "h1", 10, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}
		v2, err := tree.VersionCreate(tx, object.ID, "h2", 20, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}

		at, err := tree.VersionLookupAt(tx, object.ID, v1.MTime)
		if err != nil {
			return err
		}
		if at == nil || at.Serial != v1.Serial {
			t.Errorf("VersionLookupAt(v1 time) = %+v, want serial %d", at, v1.Serial)
		}

		now, err := tree.VersionLookupAt(tx, object.ID, NoBefore)
		if err != nil {
			return err
		}
		if now == nil || now.Serial != v2.Serial {
			t.Errorf("VersionLookupAt(now) = %+v, want serial %d", now, v2.Serial)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestNodePurge tests bulk removal below a time threshold
func TestNodePurge(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, _, object := makeChain(t, tree, tx)

		for i, h := range []string{"h1", "h2", "h3"} {
			_, err := tree.VersionCreate(tx, object.ID, h, int64(10*(i+1)),
				"text/plain", 0, "alice", "u-1", "", types.ClusterNormal, true, 0)
			if err != nil {
				return err
			}
		}

		// two versions are history now; purge them all
		hashes, size, serials, err := tree.NodePurge(tx, object.ID, NoBefore,
			types.ClusterHistory)
		if err != nil {
			return err
		}
		if len(hashes) != 2 || len(serials) != 2 {
			t.Errorf("NodePurge() removed %d versions, want 2", len(serials))
		}
		if size != 30 {
			t.Errorf("NodePurge() freed %d bytes, want 30", size)
		}

		hist, err := tree.StatisticsGet(tx, object.ID, types.ClusterHistory)
		if err != nil {
			return err
		}
		if hist.Count != 0 || hist.Bytes != 0 {
			t.Errorf("history stats after purge = %+v, want zero", hist)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestLatestUUID tests uuid resolution to the newest normal version
func TestLatestUUID(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, _, object := makeChain(t, tree, tx)

		_, err := tree.VersionCreate(tx, object.ID, "h1", 10, "text/plain",
			0, "alice", "u-9", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}
		v2, err := tree.VersionCreate(tx, object.ID, "h2", 20, "text/plain",
			0, "alice", "u-9", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}

		path, serial, err := tree.LatestUUID(tx, "u-9", types.ClusterNormal)
		if err != nil {
			return err
		}
		if path != "alice/docs/readme" || serial != v2.Serial {
			t.Errorf("LatestUUID() = %q/%d, want alice/docs/readme/%d",
				path, serial, v2.Serial)
		}

		if _, _, err := tree.LatestUUID(tx, "nope", types.ClusterNormal); !errors.Is(err, faults.ErrNotFound) {
			t.Errorf("LatestUUID(absent) = %v, want NotFound", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestListChildren tests direct child listing with marker and limit
func TestListChildren(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		account, err := tree.NodeCreate(tx, 0, "alice")
		if err != nil {
			return err
		}
		for _, name := range []string{"alice/a", "alice/b", "alice/c"} {
			if _, err := tree.NodeCreate(tx, account.ID, name); err != nil {
				return err
			}
		}
		// a nested node must not appear as a direct child
		b, err := tree.NodeLookup(tx, "alice/b")
		if err != nil {
			return err
		}
		if _, err := tree.NodeCreate(tx, b.ID, "alice/b/deep"); err != nil {
			return err
		}

		all, err := tree.ListChildren(tx, "alice", "", 0)
		if err != nil {
			return err
		}
		want := []string{"alice/a", "alice/b", "alice/c"}
		if len(all) != len(want) {
			t.Fatalf("ListChildren() = %v, want %v", all, want)
		}
		for i := range want {
			if all[i] != want[i] {
				t.Errorf("ListChildren()[%d] = %q, want %q", i, all[i], want[i])
			}
		}

		after, err := tree.ListChildren(tx, "alice", "a", 1)
		if err != nil {
			return err
		}
		if len(after) != 1 || after[0] != "alice/b" {
			t.Errorf("ListChildren(marker a, limit 1) = %v, want [alice/b]", after)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestWalkDescendants tests deep traversal below a path
func TestWalkDescendants(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		account, container, _ := makeChain(t, tree, tx)
		if _, err := tree.NodeCreate(tx, container.ID, "alice/docs/sub/nested"); err != nil {
			return err
		}
		if _, err := tree.NodeCreate(tx, account.ID, "alice/other"); err != nil {
			return err
		}

		var paths []string
		err := tree.WalkDescendants(tx, "alice/docs", func(n *types.Node) error {
			paths = append(paths, n.Path)
			return nil
		})
		if err != nil {
			return err
		}
		want := []string{"alice/docs/readme", "alice/docs/sub/nested"}
		if len(paths) != len(want) {
			t.Fatalf("WalkDescendants() = %v, want %v", paths, want)
		}
		for i := range want {
			if paths[i] != want[i] {
				t.Errorf("WalkDescendants()[%d] = %q, want %q", i, paths[i], want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestAttributes tests attribute set, get, delete, and copy
func TestAttributes(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		_, _, object := makeChain(t, tree, tx)
		v1, err := tree.VersionCreate(tx, object.ID, "h1", 10, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}

		attrs := map[string]string{"color": "red", "shape": "round"}
		if err := tree.AttributeSet(tx, v1.Serial, "web", object.ID, attrs); err != nil {
			return err
		}
		got, err := tree.AttributeGet(tx, v1.Serial, "web")
		if err != nil {
			return err
		}
		if got["color"] != "red" || got["shape"] != "round" {
			t.Errorf("AttributeGet() = %v, want %v", got, attrs)
		}

		if err := tree.AttributeDel(tx, v1.Serial, "web", "color"); err != nil {
			return err
		}
		got, err = tree.AttributeGet(tx, v1.Serial, "web")
		if err != nil {
			return err
		}
		if _, ok := got["color"]; ok {
			t.Error("AttributeDel() left the deleted key")
		}

		v2, err := tree.VersionCreate(tx, object.ID, "h2", 20, "text/plain",
			0, "alice", "u-1", "", types.ClusterNormal, true, 0)
		if err != nil {
			return err
		}
		if err := tree.AttributeCopy(tx, v1.Serial, v2.Serial, object.ID); err != nil {
			return err
		}
		copied, err := tree.AttributeGet(tx, v2.Serial, "web")
		if err != nil {
			return err
		}
		if copied["shape"] != "round" {
			t.Errorf("AttributeCopy() = %v, want shape=round", copied)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestLatestVersionList tests listing with prefix, delimiter, and marker
func TestLatestVersionList(t *testing.T) {
	db := newTestDB(t)
	tree := New(-1)

	err := db.Update(func(tx *bolt.Tx) error {
		account, err := tree.NodeCreate(tx, 0, "alice")
		if err != nil {
			return err
		}
		container, err := tree.NodeCreate(tx, account.ID, "alice/docs")
		if err != nil {
			return err
		}
		for _, name := range []string{
			"alice/docs/a.txt",
			"alice/docs/dir/one.txt",
			"alice/docs/dir/two.txt",
			"alice/docs/z.txt",
		} {
			node, err := tree.NodeCreate(tx, container.ID, name)
			if err != nil {
				return err
			}
			_, err = tree.VersionCreate(tx, node.ID, "h", 5, "text/plain",
				0, "alice", "", "", types.ClusterNormal, true, 0)
			if err != nil {
				return err
			}
		}

		entries, prefixes, err := tree.LatestVersionList(tx, container.ID, ListOptions{
			Prefix:        "alice/docs/",
			Delimiter:     "/",
			Before:        NoBefore,
			ExceptCluster: types.ClusterDeleted,
		})
		if err != nil {
			return err
		}
		if len(entries) != 2 {
			t.Errorf("entries = %d, want 2 (a.txt, z.txt)", len(entries))
		}
		if len(prefixes) != 1 || prefixes[0] != "alice/docs/dir/" {
			t.Errorf("prefixes = %v, want [alice/docs/dir/]", prefixes)
		}

		// no delimiter: everything flat
		flat, _, err := tree.LatestVersionList(tx, container.ID, ListOptions{
			Prefix:        "alice/docs/",
			Before:        NoBefore,
			ExceptCluster: types.ClusterDeleted,
		})
		if err != nil {
			return err
		}
		if len(flat) != 4 {
			t.Errorf("flat entries = %d, want 4", len(flat))
		}

		// marker is exclusive
		after, _, err := tree.LatestVersionList(tx, container.ID, ListOptions{
			Prefix:        "alice/docs/",
			Start:         "alice/docs/dir/two.txt",
			Before:        NoBefore,
			ExceptCluster: types.ClusterDeleted,
		})
		if err != nil {
			return err
		}
		if len(after) != 1 || after[0].Path != "alice/docs/z.txt" {
			t.Errorf("after marker = %+v, want only z.txt", after)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
