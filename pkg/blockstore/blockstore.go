package blockstore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/hashmap"
	"github.com/amphorastore/amphora/pkg/metrics"
)

var bucketMaps = []byte("maps")

// Store keeps fixed-size blocks as content-addressed files and object
// hashmaps in a bbolt bucket. Blocks are written before the map that
// references them; unreferenced blocks left by a crash are tolerated and
// reclaimed by an offline sweep.
type Store struct {
	dir       string
	blockSize int64
	hashLen   int
	hasher    hashmap.Hasher
	db        *bolt.DB
}

// Open initializes a block store rooted at dir.
func Open(dir string, blockSize int64, algorithm string) (*Store, error) {
	hasher, err := hashmap.NewHasher(algorithm)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, "blocks"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create block directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "maps.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open map database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMaps)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	h := hasher()
	return &Store{
		dir:       dir,
		blockSize: blockSize,
		hashLen:   h.Size(),
		hasher:    hasher,
		db:        db,
	}, nil
}

// Close closes the map database.
func (s *Store) Close() error { return s.db.Close() }

// BlockSize returns the configured block size.
func (s *Store) BlockSize() int64 { return s.blockSize }

// HashLen returns the length of a raw block hash.
func (s *Store) HashLen() int { return s.hashLen }

func (s *Store) hashData(data []byte) []byte {
	h := s.hasher()
	h.Write(data)
	return h.Sum(nil)
}

func (s *Store) blockPath(h []byte) string {
	return filepath.Join(s.dir, "blocks", hashmap.Hex(h))
}

// PutBlock stores data under its content hash. Idempotent: storing the
// same data twice keeps one copy and returns the same hash.
func (s *Store) PutBlock(data []byte) ([]byte, error) {
	if int64(len(data)) > s.blockSize {
		return nil, faults.New(faults.BadRequest,
			"block of %d bytes exceeds block size %d", len(data), s.blockSize)
	}
	h := s.hashData(data)
	path := s.blockPath(h)
	if _, err := os.Stat(path); err == nil {
		return h, nil
	}

	// Temp file plus rename keeps a crashed write from leaving a torn
	// block under its final name.
	tmp, err := os.CreateTemp(filepath.Join(s.dir, "blocks"), ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp block: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write block: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close block: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to store block: %w", err)
	}
	metrics.BlocksStored.Inc()
	metrics.BlockBytesStored.Add(float64(len(data)))
	return h, nil
}

// GetBlock retrieves a block by content hash.
func (s *Store) GetBlock(h []byte) ([]byte, error) {
	data, err := os.ReadFile(s.blockPath(h))
	if os.IsNotExist(err) {
		return nil, faults.New(faults.NotFound, "block %s not found", hashmap.Hex(h))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block: %w", err)
	}
	return data, nil
}

// HasBlock reports whether a block is present.
func (s *Store) HasBlock(h []byte) bool {
	_, err := os.Stat(s.blockPath(h))
	return err == nil
}

// UpdateBlock writes data at offset over an existing block and stores the
// result as a new block, returning its hash. Used for partial tail
// writes; the source block is left untouched.
func (s *Store) UpdateBlock(h []byte, offset int64, data []byte) ([]byte, error) {
	if offset < 0 || offset+int64(len(data)) > s.blockSize {
		return nil, faults.New(faults.BadRequest,
			"update of %d bytes at offset %d exceeds block size %d",
			len(data), offset, s.blockSize)
	}
	block, err := s.GetBlock(h)
	if err != nil {
		return nil, err
	}
	end := offset + int64(len(data))
	if end > int64(len(block)) {
		grown := make([]byte, end)
		copy(grown, block)
		block = grown
	} else {
		block = append([]byte{}, block...)
	}
	copy(block[offset:], data)
	return s.PutBlock(block)
}

// BlockSearch returns which of the referenced hashes are not present.
func (s *Store) BlockSearch(hashes [][]byte) [][]byte {
	var missing [][]byte
	for _, h := range hashes {
		if !s.HasBlock(h) {
			missing = append(missing, h)
		}
	}
	return missing
}

// MapPut persists the ordered hash list composing an object under its
// root hash.
func (s *Store) MapPut(root []byte, hashes [][]byte) error {
	buf := bytes.Join(hashes, nil)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaps).Put(root, buf)
	})
}

// MapGet retrieves the hash list stored under root.
func (s *Store) MapGet(root []byte) ([][]byte, error) {
	var buf []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMaps).Get(root)
		if v == nil {
			return faults.New(faults.NotFound, "map %s not found", hashmap.Hex(root))
		}
		buf = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(buf)%s.hashLen != 0 {
		return nil, faults.New(faults.InternalError,
			"corrupt map %s: %d bytes", hashmap.Hex(root), len(buf))
	}
	hashes := make([][]byte, 0, len(buf)/s.hashLen)
	for i := 0; i < len(buf); i += s.hashLen {
		hashes = append(hashes, buf[i:i+s.hashLen])
	}
	return hashes, nil
}

// MapExists reports whether a map is stored under root.
func (s *Store) MapExists(root []byte) bool {
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketMaps).Get(root) != nil
		return nil
	})
	return ok
}

// MapDelete removes the map stored under root. Blocks stay; the offline
// sweep reclaims unreferenced ones.
func (s *Store) MapDelete(root []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMaps).Delete(root)
	})
}
