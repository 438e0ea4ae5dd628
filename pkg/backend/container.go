package backend

import (
	"sort"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/types"
)

// ListContainers returns container names of an account after marker,
// optionally restricted to a name prefix or to containers that already
// existed at time until. For a foreign user only containers holding
// shared paths appear; with shared set, the same restriction applies to
// the owner too.
func (b *Backend) ListContainers(user, account, marker, prefix string, limit int,
	until int64, shared bool) ([]string, error) {

	if limit <= 0 || limit > b.cfg.ListingLimit {
		limit = b.cfg.ListingLimit
	}
	var out []string
	err := b.view("list_containers", func(tx *bolt.Tx) error {
		if user == account && !shared {
			start := marker
			for len(out) < limit {
				paths, err := b.tree.ListChildren(tx, account, start, b.cfg.ListingLimit)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					return nil
				}
				for _, p := range paths {
					name := strings.TrimPrefix(p, account+"/")
					start = name
					if !strings.HasPrefix(name, prefix) {
						if name > prefix {
							return nil
						}
						continue
					}
					if until > 0 {
						present, err := b.nodeExistedAt(tx, p, until)
						if err != nil {
							return err
						}
						if !present {
							continue
						}
					}
					out = append(out, name)
					if len(out) == limit {
						return nil
					}
				}
				if len(paths) < b.cfg.ListingLimit {
					return nil
				}
			}
			return nil
		}

		principal := user
		if user == account {
			// shared listing: everything the owner exposed to anyone
			principal = types.Public
		}
		seen := make(map[string]struct{})
		for _, action := range []types.Action{types.ReadAction, types.WriteAction} {
			paths, err := b.perms.AccessListPaths(tx, principal, account+"/", action)
			if err != nil {
				return err
			}
			for _, p := range paths {
				parts := strings.SplitN(p, "/", 3)
				if len(parts) < 2 {
					continue
				}
				seen[parts[1]] = struct{}{}
			}
		}
		if user == account {
			public, err := b.perms.PublicList(tx, account+"/")
			if err != nil {
				return err
			}
			for p := range public {
				parts := strings.SplitN(p, "/", 3)
				if len(parts) >= 2 {
					seen[parts[1]] = struct{}{}
				}
			}
		}
		for name := range seen {
			if name <= marker || !strings.HasPrefix(name, prefix) {
				continue
			}
			if until > 0 {
				present, err := b.nodeExistedAt(tx, containerPath(account, name), until)
				if err != nil {
					return err
				}
				if !present {
					continue
				}
			}
			out = append(out, name)
		}
		sort.Strings(out)
		if len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nodeExistedAt reports whether the node at path had a live version at
// the given time. Nodes created later, or deleted by then, read as
// absent.
func (b *Backend) nodeExistedAt(tx *bolt.Tx, path string, until int64) (bool, error) {
	node, err := b.tree.NodeLookup(tx, path)
	if err != nil || node == nil {
		return false, err
	}
	v, err := b.tree.VersionLookupAt(tx, node.ID, until)
	if err != nil {
		return false, err
	}
	return v != nil && v.Cluster != types.ClusterDeleted, nil
}

// PutContainer creates a container. The project policy defaults to the
// owning account.
func (b *Backend) PutContainer(user, account, container string, p types.Policy) error {
	if err := checkOwner(user, account); err != nil {
		return err
	}
	if container == "" || strings.Contains(container, "/") {
		return faults.New(faults.BadRequest, "invalid container name %q", container)
	}
	return b.update("put_container", func(tx *bolt.Tx, out *outbox) error {
		accountNode, err := b.ensureAccountNode(tx, account)
		if err != nil {
			return err
		}
		path := containerPath(account, container)
		if existing, err := b.tree.NodeLookup(tx, path); err != nil {
			return err
		} else if existing != nil {
			return faults.New(faults.Conflict, "container %s already exists", path)
		}
		node, err := b.tree.NodeCreate(tx, accountNode.ID, path)
		if err != nil {
			return err
		}
		if _, err := b.tree.VersionCreate(tx, node.ID, "", 0, "", 0, user, "", "",
			types.ClusterNormal, true, 0); err != nil {
			return err
		}
		if len(p) > 0 {
			if err := b.pol.Set(tx, node.ID, p, true); err != nil {
				return err
			}
		}
		out.emit(&events.Event{
			Type: events.EventContainerCreated, User: user, Account: account, Path: path,
		})
		return nil
	})
}

// GetContainerMeta returns container statistics and user attributes.
func (b *Backend) GetContainerMeta(user, account, container, domain string,
	until int64) (*Meta, error) {

	path := containerPath(account, container)
	var meta *Meta
	err := b.view("get_container_meta", func(tx *bolt.Tx) error {
		if err := b.checkRead(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		meta, err = b.nodeMeta(tx, node, container, domain, until)
		return err
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateContainerMeta records user attributes on a fresh metadata
// version of the container node.
func (b *Backend) UpdateContainerMeta(user, account, container, domain string,
	meta map[string]string, replace bool) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	path := containerPath(account, container)
	return b.update("update_container_meta", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		prev, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
		if err != nil {
			return err
		}
		copyFrom := int64(0)
		if prev != nil {
			copyFrom = prev.Serial
		}
		v, _, err := b.putVersionDuplicate(tx, versionPut{
			path:     path,
			parent:   node.Parent,
			modifier: user,
			cluster:  types.ClusterNormal,
			copyFrom: copyFrom,
		})
		if err != nil {
			return err
		}
		return b.applyMetaUpdate(tx, v.Serial, node.ID, domain, meta, replace)
	})
}

// GetContainerPolicy returns the container policy with deployment
// defaults applied.
func (b *Backend) GetContainerPolicy(user, account, container string) (types.Policy, error) {
	if err := checkOwner(user, account); err != nil {
		return nil, err
	}
	path := containerPath(account, container)
	var out types.Policy
	err := b.view("get_container_policy", func(tx *bolt.Tx) error {
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		out, err = b.pol.Get(tx, node.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, ok := out[types.QuotaPolicy]; !ok {
		out[types.QuotaPolicy] = strconv.FormatInt(b.cfg.DefaultContainerQuota, 10)
	}
	if _, ok := out[types.VersioningPolicy]; !ok {
		out[types.VersioningPolicy] = b.cfg.DefaultContainerVersioning
	}
	if _, ok := out[types.ProjectPolicy]; !ok {
		out[types.ProjectPolicy] = account
	}
	return out, nil
}

// UpdateContainerPolicy validates and stores container policy. A project
// change issues a reassignment commission moving the container's current
// bytes between projects; the policy is applied only when that
// commission is issued.
func (b *Backend) UpdateContainerPolicy(user, account, container string,
	p types.Policy, replace, force bool) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	path := containerPath(account, container)
	return b.update("update_container_policy", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		if newProject, ok := p[types.ProjectPolicy]; ok {
			current, err := b.containerProject(tx, account, node.ID)
			if err != nil {
				return err
			}
			if newProject != current {
				stats, err := b.tree.StatisticsGet(tx, node.ID, types.ClusterNormal)
				if err != nil {
					return err
				}
				if err := b.reassignProject(tx, out, account, path,
					stats.Bytes, current, newProject, force); err != nil {
					return err
				}
			}
		}
		return b.pol.Set(tx, node.ID, p, replace)
	})
}

// DeleteContainer removes a container, or with until set purges history
// instead. With a delimiter the matching contents are deleted one by one
// and the container survives.
func (b *Backend) DeleteContainer(user, account, container string,
	until int64, delimiter string) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	path := containerPath(account, container)

	if until > 0 {
		return b.purgeContainer(user, account, container, until)
	}
	if delimiter != "" {
		return b.deleteContainerContents(user, account, container, delimiter)
	}

	return b.update("delete_container", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		stats, err := b.tree.StatisticsGet(tx, node.ID, types.ClusterNormal)
		if err != nil {
			return err
		}
		// the container's own placeholder version is not content
		if stats.Count > 1 {
			return faults.New(faults.Conflict, "container %s is not empty", path)
		}

		// historical object nodes may remain; drop them deepest first
		var descendants []types.Node
		err = b.tree.WalkDescendants(tx, path, func(n *types.Node) error {
			descendants = append(descendants, *n)
			return nil
		})
		if err != nil {
			return err
		}
		for i := len(descendants) - 1; i >= 0; i-- {
			if err := b.removeNodeCompletely(tx, &descendants[i]); err != nil {
				return err
			}
		}
		if err := b.pol.Delete(tx, node.ID); err != nil {
			return err
		}
		if err := b.removeNodeCompletely(tx, node); err != nil {
			return err
		}
		out.emit(&events.Event{
			Type: events.EventContainerDeleted, User: user, Account: account, Path: path,
		})
		return nil
	})
}

// purgeContainer drops HISTORY and DELETED versions up to the given
// time across the container's objects, refunding their bytes unless
// versioning is free.
func (b *Backend) purgeContainer(user, account, container string, until int64) error {
	path := containerPath(account, container)
	at := clampUntil(until)
	return b.update("purge_container", func(tx *bolt.Tx, out *outbox) error {
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		project, err := b.containerProject(tx, account, node.ID)
		if err != nil {
			return err
		}

		var freed int64
		purgeNode := func(id int64) error {
			for _, cl := range []types.Cluster{types.ClusterHistory, types.ClusterDeleted} {
				_, size, _, err := b.tree.NodePurge(tx, id, at, cl)
				if err != nil {
					return err
				}
				if cl == types.ClusterHistory {
					freed += size
				}
			}
			return nil
		}
		if err := b.tree.WalkDescendants(tx, node.Path, func(child *types.Node) error {
			return purgeNode(child.ID)
		}); err != nil {
			return err
		}
		if err := purgeNode(node.ID); err != nil {
			return err
		}

		if !b.cfg.FreeVersioning && freed > 0 {
			return b.reportSizeChange(tx, out, user, account, project, path, -freed)
		}
		return nil
	})
}

// deleteContainerContents deletes every object under the container whose
// name starts with the delimiter treated as a prefix, keeping the
// container itself.
func (b *Backend) deleteContainerContents(user, account, container, delimiter string) error {
	prefix := ""
	if delimiter != "/" {
		prefix = delimiter
	}
	for {
		names, _, err := b.ListObjects(user, account, container, ListObjectsOptions{
			Prefix: prefix,
			Limit:  b.cfg.ListingLimit,
		})
		if err != nil {
			return err
		}
		if len(names) == 0 {
			return nil
		}
		for _, entry := range names {
			name := strings.TrimPrefix(entry.Path, containerPath(account, container)+"/")
			if err := b.DeleteObject(user, account, container, name, 0); err != nil {
				return err
			}
		}
		if len(names) < b.cfg.ListingLimit {
			return nil
		}
	}
}

// removeNodeCompletely drops every version of a node, its permissions
// and public token, and finally the node itself.
func (b *Backend) removeNodeCompletely(tx *bolt.Tx, node *types.Node) error {
	versions, err := b.tree.NodeGetVersions(tx, node.ID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if _, _, err := b.tree.VersionRemove(tx, v.Serial); err != nil {
			return err
		}
	}
	if err := b.perms.AccessClear(tx, node.Path); err != nil {
		return err
	}
	if err := b.perms.PublicUnset(tx, node.Path); err != nil {
		return err
	}
	return b.tree.NodeRemove(tx, node)
}
