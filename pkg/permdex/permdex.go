package permdex

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/types"
)

var (
	bucketPermissions   = []byte("permissions")   // path -> Permission
	bucketGroups        = []byte("groups")        // account -> AccountGroups
	bucketPublic        = []byte("public")        // path -> token
	bucketPublicIndex   = []byte("publicIndex")   // token -> path
	bucketPublicRetired = []byte("publicRetired") // token -> nil
)

// InitBuckets creates the index's buckets.
func InitBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{
		bucketPermissions, bucketGroups, bucketPublic,
		bucketPublicIndex, bucketPublicRetired,
	} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

// DirLikeFunc reports whether the node at path has a directory-like
// content type. Permission inheritance only flows through such paths.
type DirLikeFunc func(tx *bolt.Tx, path string) bool

// Index answers per-path access questions and manages public tokens.
// Check results are cached per (principal, action) and invalidated on
// any permission mutation.
type Index struct {
	security int
	alphabet string

	mu    sync.Mutex
	cache *lru.Cache // "r:user" / "w:user" -> map[string]struct{}
}

// New returns an index generating tokens with the given entropy and
// alphabet.
func New(security int, alphabet string) (*Index, error) {
	cache, err := lru.New(1024)
	if err != nil {
		return nil, err
	}
	return &Index{security: security, alphabet: alphabet, cache: cache}, nil
}

func cacheKey(action types.Action, principal string) string {
	if action == types.ReadAction {
		return "r:" + principal
	}
	return "w:" + principal
}

func (x *Index) cacheHas(action types.Action, principal, path string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.cache.Get(cacheKey(action, principal))
	if !ok {
		return false
	}
	_, ok = v.(map[string]struct{})[path]
	return ok
}

func (x *Index) cacheAdd(action types.Action, principal, path string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	key := cacheKey(action, principal)
	var set map[string]struct{}
	if v, ok := x.cache.Get(key); ok {
		set = v.(map[string]struct{})
	} else {
		set = make(map[string]struct{})
		x.cache.Add(key, set)
	}
	set[path] = struct{}{}
}

// InvalidateCache drops all cached check results. Called on every
// permission mutation.
func (x *Index) InvalidateCache() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cache.Purge()
}

// AccessSet replaces the permission record of path.
func (x *Index) AccessSet(tx *bolt.Tx, path string, perm types.Permission) error {
	data, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketPermissions).Put([]byte(path), data); err != nil {
		return err
	}
	x.InvalidateCache()
	return nil
}

// AccessGet returns the permission record of path, if any.
func (x *Index) AccessGet(tx *bolt.Tx, path string) (*types.Permission, error) {
	data := tx.Bucket(bucketPermissions).Get([]byte(path))
	if data == nil {
		return nil, nil
	}
	var perm types.Permission
	if err := json.Unmarshal(data, &perm); err != nil {
		return nil, fmt.Errorf("failed to decode permissions for %q: %w", path, err)
	}
	return &perm, nil
}

// AccessClear removes the permission record of path.
func (x *Index) AccessClear(tx *bolt.Tx, path string) error {
	if err := tx.Bucket(bucketPermissions).Delete([]byte(path)); err != nil {
		return err
	}
	x.InvalidateCache()
	return nil
}

// AccessClearBulk removes the permission records of several paths.
func (x *Index) AccessClearBulk(tx *bolt.Tx, paths []string) error {
	b := tx.Bucket(bucketPermissions)
	for _, p := range paths {
		if err := b.Delete([]byte(p)); err != nil {
			return err
		}
	}
	x.InvalidateCache()
	return nil
}

// principalIn matches a principal against a permission list, expanding
// owner:group references through the owning account's group table.
func principalIn(tx *bolt.Tx, principal string, list []string) bool {
	for _, entry := range list {
		if entry == types.Public || entry == principal {
			return true
		}
		if owner, group, ok := strings.Cut(entry, ":"); ok {
			groups := groupsGet(tx, owner)
			for _, member := range groups[group] {
				if member == principal {
					return true
				}
			}
		}
	}
	return false
}

func groupsGet(tx *bolt.Tx, account string) types.AccountGroups {
	data := tx.Bucket(bucketGroups).Get([]byte(account))
	if data == nil {
		return nil
	}
	var groups types.AccountGroups
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil
	}
	return groups
}

// GroupsGet returns the group table of an account.
func (x *Index) GroupsGet(tx *bolt.Tx, account string) (types.AccountGroups, error) {
	return groupsGet(tx, account), nil
}

// GroupsSet replaces the group table of an account.
func (x *Index) GroupsSet(tx *bolt.Tx, account string, groups types.AccountGroups) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketGroups).Put([]byte(account), data); err != nil {
		return err
	}
	x.InvalidateCache()
	return nil
}

// AccessCheck reports whether principal may perform action on path,
// either directly or through a directory-like ancestor.
func (x *Index) AccessCheck(tx *bolt.Tx, path string, action types.Action,
	principal string, dirLike DirLikeFunc) (bool, error) {

	if x.cacheHas(action, principal, path) {
		return true, nil
	}
	for i, p := range accessChain(path) {
		perm, err := x.AccessGet(tx, p)
		if err != nil {
			return false, err
		}
		if perm == nil {
			continue
		}
		// ancestors only pass permissions down when directory-like
		if i > 0 && (dirLike == nil || !dirLike(tx, p)) {
			continue
		}
		list := perm.Read
		if action == types.WriteAction {
			list = perm.Write
		}
		if principalIn(tx, principal, list) {
			x.cacheAdd(action, principal, path)
			return true, nil
		}
	}
	return false, nil
}

// accessChain returns path followed by its ancestors below the account
// level, nearest first.
func accessChain(path string) []string {
	out := []string{path}
	for {
		idx := strings.LastIndex(path, "/")
		if idx < 0 {
			break
		}
		path = path[:idx]
		if strings.Count(path, "/") < 2 {
			// account and container prefixes carry no object permissions
			break
		}
		out = append(out, path)
	}
	return out
}

// AccessInherit returns the recorded ancestor paths whose permissions
// may apply to path, nearest first.
func (x *Index) AccessInherit(tx *bolt.Tx, path string) ([]string, error) {
	var out []string
	for _, p := range accessChain(path) {
		perm, err := x.AccessGet(tx, p)
		if err != nil {
			return nil, err
		}
		if perm != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// AccessListPaths returns every recorded path the principal can read or
// write, optionally restricted to a prefix. Used to compute the listings
// a user is allowed to see.
func (x *Index) AccessListPaths(tx *bolt.Tx, principal, prefix string,
	action types.Action) ([]string, error) {

	var out []string
	c := tx.Bucket(bucketPermissions).Cursor()
	start := []byte(prefix)
	for k, v := c.Seek(start); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
		var perm types.Permission
		if err := json.Unmarshal(v, &perm); err != nil {
			return nil, fmt.Errorf("failed to decode permissions for %q: %w", k, err)
		}
		list := perm.Read
		if action == types.WriteAction {
			list = perm.Write
		}
		if principalIn(tx, principal, list) {
			out = append(out, string(k))
		}
	}
	return out, nil
}

// AccessMembers returns all principals named by the permission record of
// path, with groups expanded.
func (x *Index) AccessMembers(tx *bolt.Tx, path string) ([]string, error) {
	perm, err := x.AccessGet(tx, path)
	if err != nil || perm == nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, list := range [][]string{perm.Read, perm.Write} {
		for _, entry := range list {
			if owner, group, ok := strings.Cut(entry, ":"); ok && entry != types.Public {
				for _, member := range groupsGet(tx, owner)[group] {
					add(member)
				}
				continue
			}
			add(entry)
		}
	}
	return out, nil
}
