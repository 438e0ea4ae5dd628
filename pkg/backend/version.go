package backend

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/hashmap"
	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/types"
)

// versionPut describes a new version to record at a path.
type versionPut struct {
	path      string
	parent    int64 // node id of the parent; used when the node is created
	hash      string
	size      int64
	typ       string
	modifier  string
	uuid      string // empty keeps the previous version's uuid, or mints one
	checksum  string
	cluster   types.Cluster
	available bool
	// copyFrom carries attributes of another version forward (copy/move
	// and metadata-only updates).
	copyFrom int64
}

// putVersionDuplicate records a new version of path, reclustering the
// previous NORMAL version to HISTORY. It returns the new version and the
// previous NORMAL version (nil for a fresh path).
func (b *Backend) putVersionDuplicate(tx *bolt.Tx, put versionPut) (*types.Version, *types.Version, error) {
	node, err := b.tree.NodeLookup(tx, put.path)
	if err != nil {
		return nil, nil, err
	}
	if node == nil {
		node, err = b.tree.NodeCreate(tx, put.parent, put.path)
		if err != nil {
			return nil, nil, err
		}
	}

	prev, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
	if err != nil {
		return nil, nil, err
	}

	id := put.uuid
	if id == "" {
		if prev != nil {
			id = prev.UUID
		} else {
			id = uuid.New().String()
		}
	}

	v, err := b.tree.VersionCreate(tx, node.ID, put.hash, put.size, put.typ,
		put.copyFrom, put.modifier, id, put.checksum, put.cluster, put.available, 0)
	if err != nil {
		return nil, nil, err
	}
	if put.copyFrom > 0 {
		if err := b.tree.AttributeCopy(tx, put.copyFrom, v.Serial, node.ID); err != nil {
			return nil, nil, err
		}
	}
	if err := b.tree.AttributeUnsetIsLatest(tx, node.ID, v.Serial); err != nil {
		return nil, nil, err
	}
	return v, prev, nil
}

// applyVersioning drops the just-superseded HISTORY version when the
// container versioning mode is none, returning the bytes it freed.
func (b *Backend) applyVersioning(tx *bolt.Tx, mode string, prev *types.Version) (int64, error) {
	if prev == nil || mode != types.VersioningNone {
		return 0, nil
	}
	hash, size, err := b.tree.VersionRemove(tx, prev.Serial)
	if err != nil {
		return 0, err
	}
	_ = hash // blocks stay; the offline sweep reclaims unreferenced maps
	return size, nil
}

// sizeDelta computes the quota-visible delta of replacing prev with size
// bytes. With free versioning, history is never charged, so the delta is
// always against the previous NORMAL size; otherwise history retains its
// charge unless the versioning mode discards it.
func (b *Backend) sizeDelta(size int64, prev *types.Version, mode string) int64 {
	prevSize := int64(0)
	if prev != nil {
		prevSize = prev.Size
	}
	if b.cfg.FreeVersioning || mode == types.VersioningNone {
		return size - prevSize
	}
	return size
}

// checkQuotas enforces the local account and container quota policies
// before any commission is issued. The quotaholder remains authoritative;
// this is the cheap pre-check.
func (b *Backend) checkQuotas(tx *bolt.Tx, account string, accountNode,
	containerNode int64, delta int64) error {

	if delta <= 0 {
		return nil
	}
	check := func(node int64, holder string) error {
		p, err := b.pol.Get(tx, node)
		if err != nil {
			return err
		}
		quotaStr, ok := p[types.QuotaPolicy]
		if !ok {
			return nil
		}
		quota, err := strconv.ParseInt(quotaStr, 10, 64)
		if err != nil || quota == 0 {
			return nil
		}
		stats, err := b.tree.StatisticsGet(tx, node, types.ClusterNormal)
		if err != nil {
			return err
		}
		if stats.Bytes+delta > quota {
			return faults.Quota(faults.QuotaInfo{
				Holder:    holder,
				Resource:  b.cfg.DiskspaceResource,
				Limit:     quota,
				Usage:     stats.Bytes,
				Requested: delta,
			})
		}
		return nil
	}
	if err := check(accountNode, account); err != nil {
		return err
	}
	return check(containerNode, account)
}

// reportSizeChange issues a diskspace commission for delta bytes and
// queues the serial and a change event on the outbox.
func (b *Backend) reportSizeChange(tx *bolt.Tx, out *outbox, user, account,
	project, path string, delta int64) error {

	if delta == 0 {
		return nil
	}
	serial, err := b.coord.Issue(tx, []types.Provision{{
		Holder:   account,
		Source:   project,
		Resource: b.cfg.DiskspaceResource,
		Quantity: delta,
	}}, "update "+path, false)
	if err != nil {
		return err
	}
	out.serials = append(out.serials, serial)
	out.emit(&events.Event{
		Type:    events.EventDiskspaceChanged,
		User:    user,
		Account: account,
		Path:    path,
		Metadata: map[string]string{
			"project": project,
			"delta":   strconv.FormatInt(delta, 10),
		},
	})
	return nil
}

// reassignProject moves bytes already charged to fromProject over to
// toProject in a single commission.
func (b *Backend) reassignProject(tx *bolt.Tx, out *outbox, account, path string,
	bytes int64, fromProject, toProject string, force bool) error {

	if fromProject == toProject || bytes == 0 {
		return nil
	}
	serial, err := b.coord.Issue(tx, []types.Provision{
		{Holder: account, Source: toProject, Resource: b.cfg.DiskspaceResource, Quantity: bytes},
		{Holder: account, Source: fromProject, Resource: b.cfg.DiskspaceResource, Quantity: -bytes},
	}, "reassign "+path, force)
	if err != nil {
		return err
	}
	out.serials = append(out.serials, serial)
	return nil
}

// updateAvailable probes the block store for a version's map and flips
// the available flag in a fresh transaction, so read paths never roll
// back. Probes are throttled by the configured map check interval.
func (b *Backend) updateAvailable(v *types.Version) error {
	now := time.Now().UnixNano()
	if v.MapCheckTimestamp > 0 &&
		now-v.MapCheckTimestamp < b.cfg.MapCheckInterval.Nanoseconds() {
		return faults.New(faults.IllegalOperation,
			"object %s is not yet available", v.UUID)
	}

	root, err := hashmap.ParseHex(v.Hash)
	if err != nil {
		return err
	}
	present := b.blocks.MapExists(root)
	err = b.db.Update(func(tx *bolt.Tx) error {
		return b.tree.VersionUpdate(tx, v.Serial, func(stored *types.Version) {
			if present {
				stored.Available = true
			} else {
				stored.MapCheckTimestamp = now
			}
		})
	})
	if err != nil {
		return err
	}
	if !present {
		return faults.New(faults.IllegalOperation,
			"object %s is not yet available", v.UUID)
	}
	v.Available = true
	return nil
}
