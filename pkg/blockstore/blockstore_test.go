package blockstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/amphorastore/amphora/pkg/faults"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 1024, "sha256")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestPutGetBlock tests the block roundtrip
func TestPutGetBlock(t *testing.T) {
	s := newTestStore(t)

	data := []byte("hello blocks")
	h, err := s.PutBlock(data)
	if err != nil {
		t.Fatalf("PutBlock() error: %v", err)
	}
	if len(h) != s.HashLen() {
		t.Errorf("hash length = %d, want %d", len(h), s.HashLen())
	}

	got, err := s.GetBlock(h)
	if err != nil {
		t.Fatalf("GetBlock() error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetBlock() = %q, want %q", got, data)
	}
	if !s.HasBlock(h) {
		t.Error("HasBlock() = false after PutBlock")
	}
}

// TestPutBlockIdempotent tests that identical data maps to one block
func TestPutBlockIdempotent(t *testing.T) {
	s := newTestStore(t)

	h1, err := s.PutBlock([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.PutBlock([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h1, h2) {
		t.Errorf("hashes differ for identical data: %x vs %x", h1, h2)
	}
}

// TestPutBlockTooLarge tests the block size limit
func TestPutBlockTooLarge(t *testing.T) {
	s := newTestStore(t)

	_, err := s.PutBlock(make([]byte, 1025))
	if !errors.Is(err, faults.ErrBadRequest) {
		t.Errorf("PutBlock(oversized) = %v, want BadRequest", err)
	}
}

// TestGetBlockNotFound tests the missing block fault
func TestGetBlockNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetBlock(make([]byte, 32))
	if !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("GetBlock(missing) = %v, want NotFound", err)
	}
}

// TestUpdateBlock tests partial overwrite into a fresh block
func TestUpdateBlock(t *testing.T) {
	s := newTestStore(t)

	h, err := s.PutBlock([]byte("aaaaaaaa"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := s.UpdateBlock(h, 2, []byte("XX"))
	if err != nil {
		t.Fatalf("UpdateBlock() error: %v", err)
	}
	got, err := s.GetBlock(h2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "aaXXaaaa" {
		t.Errorf("updated block = %q, want aaXXaaaa", got)
	}

	// source stays intact
	orig, err := s.GetBlock(h)
	if err != nil {
		t.Fatal(err)
	}
	if string(orig) != "aaaaaaaa" {
		t.Errorf("source block changed to %q", orig)
	}
}

// TestUpdateBlockGrows tests updates past the current block length
func TestUpdateBlockGrows(t *testing.T) {
	s := newTestStore(t)

	h, _ := s.PutBlock([]byte("ab"))
	h2, err := s.UpdateBlock(h, 4, []byte("cd"))
	if err != nil {
		t.Fatalf("UpdateBlock() error: %v", err)
	}
	got, _ := s.GetBlock(h2)
	if !bytes.Equal(got, []byte{'a', 'b', 0, 0, 'c', 'd'}) {
		t.Errorf("grown block = %v", got)
	}
}

// TestUpdateBlockBounds tests offset validation
func TestUpdateBlockBounds(t *testing.T) {
	s := newTestStore(t)
	h, _ := s.PutBlock([]byte("ab"))

	if _, err := s.UpdateBlock(h, -1, []byte("x")); !errors.Is(err, faults.ErrBadRequest) {
		t.Errorf("negative offset = %v, want BadRequest", err)
	}
	if _, err := s.UpdateBlock(h, 1020, make([]byte, 10)); !errors.Is(err, faults.ErrBadRequest) {
		t.Errorf("past-end write = %v, want BadRequest", err)
	}
}

// TestBlockSearch tests missing hash detection
func TestBlockSearch(t *testing.T) {
	s := newTestStore(t)

	present, _ := s.PutBlock([]byte("here"))
	absent := make([]byte, 32)

	missing := s.BlockSearch([][]byte{present, absent})
	if len(missing) != 1 || !bytes.Equal(missing[0], absent) {
		t.Errorf("BlockSearch() = %x, want only the absent hash", missing)
	}
	if got := s.BlockSearch([][]byte{present}); got != nil {
		t.Errorf("BlockSearch(all present) = %x, want nil", got)
	}
}

// TestMapRoundtrip tests hashmap persistence
func TestMapRoundtrip(t *testing.T) {
	s := newTestStore(t)

	h1, _ := s.PutBlock([]byte("one"))
	h2, _ := s.PutBlock([]byte("two"))
	root := bytes.Repeat([]byte{0xaa}, 32)

	if err := s.MapPut(root, [][]byte{h1, h2}); err != nil {
		t.Fatalf("MapPut() error: %v", err)
	}
	if !s.MapExists(root) {
		t.Error("MapExists() = false after MapPut")
	}

	hashes, err := s.MapGet(root)
	if err != nil {
		t.Fatalf("MapGet() error: %v", err)
	}
	if len(hashes) != 2 || !bytes.Equal(hashes[0], h1) || !bytes.Equal(hashes[1], h2) {
		t.Errorf("MapGet() = %x, want [%x %x]", hashes, h1, h2)
	}

	if err := s.MapDelete(root); err != nil {
		t.Fatalf("MapDelete() error: %v", err)
	}
	if s.MapExists(root) {
		t.Error("MapExists() = true after MapDelete")
	}
	if _, err := s.MapGet(root); !errors.Is(err, faults.ErrNotFound) {
		t.Errorf("MapGet(deleted) = %v, want NotFound", err)
	}
}
