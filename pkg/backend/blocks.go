package backend

import (
	"strings"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/hashmap"
)

// GetBlock returns the bytes of one block from offset on. Blocks are
// content-addressed and world-readable: possession of the hash is the
// capability.
func (b *Backend) GetBlock(hexHash string, offset int64) ([]byte, error) {
	h, err := hashmap.ParseHex(hexHash)
	if err != nil {
		return nil, err
	}
	data, err := b.blocks.GetBlock(h)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, faults.New(faults.BadRequest, "offset %d out of range", offset)
	}
	return data[offset:], nil
}

// PutBlock stores a block and returns its hex hash. Idempotent.
func (b *Backend) PutBlock(data []byte) (string, error) {
	h, err := b.blocks.PutBlock(data)
	if err != nil {
		return "", err
	}
	return hashmap.Hex(h), nil
}

// UpdateBlock overlays data at offset on an existing block, storing the
// result as a new block and returning its hex hash. Externally-managed
// archipelago blocks cannot be rewritten here.
func (b *Backend) UpdateBlock(hexHash string, offset int64, data []byte) (string, error) {
	if strings.HasPrefix(hexHash, "archip:") {
		return "", faults.New(faults.IllegalOperation,
			"block %s is managed externally", hexHash)
	}
	h, err := hashmap.ParseHex(hexHash)
	if err != nil {
		return "", err
	}
	if offset == 0 && int64(len(data)) == b.cfg.BlockSize {
		return b.PutBlock(data)
	}
	updated, err := b.blocks.UpdateBlock(h, offset, data)
	if err != nil {
		return "", err
	}
	return hashmap.Hex(updated), nil
}
