package hashmap

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/amphorastore/amphora/pkg/faults"
)

// Hasher constructs the configured hash function.
type Hasher func() hash.Hash

// NewHasher resolves an algorithm name to its constructor.
func NewHasher(algorithm string) (Hasher, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, faults.New(faults.BadRequest, "unsupported hash algorithm %q", algorithm)
}

// Map is an ordered sequence of block hashes composing one object. Its
// root hash is the object's content address.
type Map struct {
	blockSize int64
	hasher    Hasher
	hashes    [][]byte
}

// New returns an empty map for the given block size and algorithm.
func New(blockSize int64, algorithm string) (*Map, error) {
	hasher, err := NewHasher(algorithm)
	if err != nil {
		return nil, err
	}
	return &Map{blockSize: blockSize, hasher: hasher}, nil
}

// Append adds one block hash to the end of the sequence.
func (m *Map) Append(h []byte) {
	m.hashes = append(m.hashes, h)
}

// Len returns the number of blocks.
func (m *Map) Len() int { return len(m.hashes) }

// Hashes returns the ordered block hashes.
func (m *Map) Hashes() [][]byte { return m.hashes }

// BlockSize returns the block size the map was built for.
func (m *Map) BlockSize() int64 { return m.blockSize }

func (m *Map) hashRaw(data []byte) []byte {
	h := m.hasher()
	h.Write(data)
	return h.Sum(nil)
}

// Root folds the sequence into the object's content address. An empty map
// hashes the empty string; a single block is its own root; longer
// sequences are padded to the next power of two with zero hashes and
// folded pairwise.
func (m *Map) Root() []byte {
	if len(m.hashes) == 0 {
		return m.hashRaw(nil)
	}
	if len(m.hashes) == 1 {
		return m.hashes[0]
	}

	size := 2
	for size < len(m.hashes) {
		size *= 2
	}
	level := make([][]byte, size)
	copy(level, m.hashes)
	zero := make([]byte, len(m.hashes[0]))
	for i := len(m.hashes); i < size; i++ {
		level[i] = zero
	}

	for len(level) > 1 {
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, m.hashRaw(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	return level[0]
}

// ParseHex decodes a hex-encoded hash, classifying malformed input.
func ParseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, faults.Wrap(faults.InvalidHash, err, "malformed hash %q", s)
	}
	if len(b) == 0 {
		return nil, faults.New(faults.InvalidHash, "empty hash")
	}
	return b, nil
}

// Hex encodes a raw hash for wire use.
func Hex(h []byte) string { return hex.EncodeToString(h) }
