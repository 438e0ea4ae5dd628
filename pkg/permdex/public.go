package permdex

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/faults"
)

// tokenLength returns how many alphabet symbols are needed to carry
// security bytes of entropy.
func tokenLength(security int, alphabetLen int) int {
	bits := float64(security) * 8
	perSymbol := math.Log2(float64(alphabetLen))
	return int(math.Ceil(bits / perSymbol))
}

func (x *Index) generateToken() (string, error) {
	n := tokenLength(x.security, len(x.alphabet))
	max := big.NewInt(int64(len(x.alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random token: %w", err)
		}
		buf[i] = x.alphabet[idx.Int64()]
	}
	return string(buf), nil
}

// PublicSet binds a fresh random token to path, replacing any existing
// one. Retired tokens are never reissued.
func (x *Index) PublicSet(tx *bolt.Tx, path string) (string, error) {
	if existing := tx.Bucket(bucketPublic).Get([]byte(path)); existing != nil {
		return string(existing), nil
	}
	for attempt := 0; attempt < 10; attempt++ {
		token, err := x.generateToken()
		if err != nil {
			return "", err
		}
		if tx.Bucket(bucketPublicIndex).Get([]byte(token)) != nil {
			continue
		}
		if tx.Bucket(bucketPublicRetired).Get([]byte(token)) != nil {
			continue
		}
		if err := tx.Bucket(bucketPublic).Put([]byte(path), []byte(token)); err != nil {
			return "", err
		}
		if err := tx.Bucket(bucketPublicIndex).Put([]byte(token), []byte(path)); err != nil {
			return "", err
		}
		return token, nil
	}
	return "", faults.New(faults.InternalError, "failed to allocate a unique public token")
}

// PublicUnset invalidates the token of path permanently.
func (x *Index) PublicUnset(tx *bolt.Tx, path string) error {
	token := tx.Bucket(bucketPublic).Get([]byte(path))
	if token == nil {
		return nil
	}
	if err := tx.Bucket(bucketPublicIndex).Delete(token); err != nil {
		return err
	}
	if err := tx.Bucket(bucketPublicRetired).Put(token, nil); err != nil {
		return err
	}
	return tx.Bucket(bucketPublic).Delete([]byte(path))
}

// PublicGet returns the token of path, if published.
func (x *Index) PublicGet(tx *bolt.Tx, path string) (string, error) {
	token := tx.Bucket(bucketPublic).Get([]byte(path))
	if token == nil {
		return "", faults.New(faults.NotFound, "path %q is not public", path)
	}
	return string(token), nil
}

// PublicPath resolves a token back to its path.
func (x *Index) PublicPath(tx *bolt.Tx, token string) (string, error) {
	path := tx.Bucket(bucketPublicIndex).Get([]byte(token))
	if path == nil {
		return "", faults.New(faults.NotFound, "public token not found")
	}
	return string(path), nil
}

// PublicList returns all published paths under prefix with their tokens.
func (x *Index) PublicList(tx *bolt.Tx, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	c := tx.Bucket(bucketPublic).Cursor()
	for k, v := c.Seek([]byte(prefix)); k != nil && hasStrPrefix(string(k), prefix); k, v = c.Next() {
		out[string(k)] = string(v)
	}
	return out, nil
}

func hasStrPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
