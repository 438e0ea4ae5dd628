package backend

import (
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/hashmap"
	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/types"
)

// ListObjectsOptions parameterizes an object listing.
type ListObjectsOptions struct {
	Prefix    string
	Delimiter string
	Marker    string // exclusive
	Limit     int
	Until     int64
	Domain    string
	Filters   []string
	SizeRange *[2]int64
	// Shared restricts the listing to paths the owner has shared;
	// Public restricts it to paths with a public token.
	Shared   bool
	Public   bool
	AllProps bool
}

// ListObjects returns object entries and rolled-up prefixes under a
// container. Foreign users only see paths shared with them.
func (b *Backend) ListObjects(user, account, container string,
	opts ListObjectsOptions) ([]types.ListEntry, []string, error) {

	cpath := containerPath(account, container)
	if opts.Limit <= 0 || opts.Limit > b.cfg.ListingLimit {
		opts.Limit = b.cfg.ListingLimit
	}

	var (
		entries  []types.ListEntry
		prefixes []string
	)
	err := b.view("list_objects", func(tx *bolt.Tx) error {
		node, err := b.lookupNode(tx, cpath)
		if err != nil {
			return err
		}

		allowed, err := b.listingAllowedPaths(tx, user, account, cpath, opts)
		if err != nil {
			return err
		}
		if allowed != nil && len(allowed) == 0 {
			return nil // restriction matched nothing
		}

		listOpts := nodetree.ListOptions{
			Prefix:        cpath + "/" + opts.Prefix,
			Delimiter:     opts.Delimiter,
			Limit:         opts.Limit,
			Before:        clampUntilListing(opts.Until),
			ExceptCluster: types.ClusterDeleted,
			AllowedPaths:  allowed,
			Domain:        opts.Domain,
			Filters:       opts.Filters,
			SizeRange:     opts.SizeRange,
			AllProps:      opts.AllProps,
		}
		if opts.Marker != "" {
			listOpts.Start = cpath + "/" + opts.Marker
		}
		entries, prefixes, err = b.tree.LatestVersionList(tx, node.ID, listOpts)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return entries, prefixes, nil
}

func clampUntilListing(until int64) int64 {
	if until <= 0 {
		return nodetree.NoBefore
	}
	return clampUntil(until)
}

// listingAllowedPaths computes the path restriction of a listing: nil
// means unrestricted, an empty non-nil slice means nothing matches.
func (b *Backend) listingAllowedPaths(tx *bolt.Tx, user, account, cpath string,
	opts ListObjectsOptions) ([]string, error) {

	restricted := user != account || opts.Shared || opts.Public
	if !restricted {
		return nil, nil
	}
	principal := user
	if user == account {
		principal = types.Public
	}
	allowed := []string{}
	if !opts.Public || user != account {
		for _, action := range []types.Action{types.ReadAction, types.WriteAction} {
			paths, err := b.perms.AccessListPaths(tx, principal, cpath+"/", action)
			if err != nil {
				return nil, err
			}
			allowed = append(allowed, paths...)
		}
	}
	if opts.Public && user == account {
		public, err := b.perms.PublicList(tx, cpath+"/")
		if err != nil {
			return nil, err
		}
		for p := range public {
			allowed = append(allowed, p)
		}
	}
	return allowed, nil
}

// objectVersion resolves a version selector: 0 picks the current NORMAL
// version, a positive serial must belong to the node.
func (b *Backend) objectVersion(tx *bolt.Tx, node *types.Node, version int64) (*types.Version, error) {
	if version > 0 {
		return b.tree.VersionGetProperties(tx, version, node.ID)
	}
	v, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, faults.New(faults.NotFound, "%s not found", node.Path)
	}
	return v, nil
}

// GetObjectMeta returns the properties of one object version.
func (b *Backend) GetObjectMeta(user, account, container, name, domain string,
	version int64) (*ObjectMeta, error) {

	path := objectPath(account, container, name)
	var meta *ObjectMeta
	err := b.view("get_object_meta", func(tx *bolt.Tx) error {
		if err := b.checkRead(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		v, err := b.objectVersion(tx, node, version)
		if err != nil {
			return err
		}
		var attrs map[string]string
		if domain != "" {
			attrs, err = b.tree.AttributeGet(tx, v.Serial, domain)
			if err != nil {
				return err
			}
		}
		meta = objectMetaOf(name, v, attrs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// UpdateObjectMeta records user attributes on a fresh version that
// duplicates the current one, and returns the new serial.
func (b *Backend) UpdateObjectMeta(user, account, container, name, domain string,
	meta map[string]string, replace bool) (int64, error) {

	path := objectPath(account, container, name)
	var serial int64
	err := b.update("update_object_meta", func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkWrite(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		prev, err := b.objectVersion(tx, node, 0)
		if err != nil {
			return err
		}
		v, _, err := b.putVersionDuplicate(tx, versionPut{
			path:      path,
			parent:    node.Parent,
			hash:      prev.Hash,
			size:      prev.Size,
			typ:       prev.Type,
			modifier:  user,
			uuid:      prev.UUID,
			checksum:  prev.Checksum,
			cluster:   types.ClusterNormal,
			available: prev.Available,
			copyFrom:  prev.Serial,
		})
		if err != nil {
			return err
		}
		if err := b.applyMetaUpdate(tx, v.Serial, node.ID, domain, meta, replace); err != nil {
			return err
		}
		mode, err := b.containerVersioning(tx, node.Parent)
		if err != nil {
			return err
		}
		// a metadata version of the same bytes is never charged
		if _, err := b.applyVersioning(tx, mode, prev); err != nil {
			return err
		}
		serial = v.Serial
		out.emit(&events.Event{
			Type: events.EventObjectUpdated, User: user, Account: account, Path: path,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// GetObjectPermissions returns the permission record governing path and
// the path it was found at (an ancestor for inherited permissions).
func (b *Backend) GetObjectPermissions(user, account, container, name string) (
	string, *types.Permission, error) {

	path := objectPath(account, container, name)
	var (
		foundAt string
		perm    *types.Permission
	)
	err := b.view("get_object_permissions", func(tx *bolt.Tx) error {
		if err := b.checkRead(tx, user, path); err != nil {
			return err
		}
		if _, err := b.lookupNode(tx, path); err != nil {
			return err
		}
		holders, err := b.perms.AccessInherit(tx, path)
		if err != nil {
			return err
		}
		if len(holders) == 0 {
			foundAt = path
			return nil
		}
		foundAt = holders[0]
		perm, err = b.perms.AccessGet(tx, foundAt)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return foundAt, perm, nil
}

// UpdateObjectPermissions replaces the permission record of an object.
// Only the owning account may share.
func (b *Backend) UpdateObjectPermissions(user, account, container, name string,
	perm types.Permission) error {

	if err := checkOwner(user, account); err != nil {
		return err
	}
	path := objectPath(account, container, name)
	return b.update("update_object_permissions", func(tx *bolt.Tx, out *outbox) error {
		if _, err := b.lookupNode(tx, path); err != nil {
			return err
		}
		if len(perm.Read) == 0 && len(perm.Write) == 0 {
			if err := b.perms.AccessClear(tx, path); err != nil {
				return err
			}
		} else if err := b.perms.AccessSet(tx, path, perm); err != nil {
			return err
		}
		out.emit(&events.Event{
			Type: events.EventPermissionsSet, User: user, Account: account, Path: path,
		})
		return nil
	})
}

// GetObjectPublic returns the public token of an object.
func (b *Backend) GetObjectPublic(user, account, container, name string) (string, error) {
	if err := checkOwner(user, account); err != nil {
		return "", err
	}
	path := objectPath(account, container, name)
	var token string
	err := b.view("get_object_public", func(tx *bolt.Tx) error {
		if _, err := b.lookupNode(tx, path); err != nil {
			return err
		}
		var err error
		token, err = b.perms.PublicGet(tx, path)
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// UpdateObjectPublic publishes or unpublishes an object. Publishing
// returns the token; a retired token is never reissued.
func (b *Backend) UpdateObjectPublic(user, account, container, name string,
	public bool) (string, error) {

	if err := checkOwner(user, account); err != nil {
		return "", err
	}
	path := objectPath(account, container, name)
	var token string
	err := b.update("update_object_public", func(tx *bolt.Tx, out *outbox) error {
		if _, err := b.lookupNode(tx, path); err != nil {
			return err
		}
		var err error
		if public {
			token, err = b.perms.PublicSet(tx, path)
		} else {
			err = b.perms.PublicUnset(tx, path)
		}
		if err != nil {
			return err
		}
		out.emit(&events.Event{
			Type: events.EventPublicSet, User: user, Account: account, Path: path,
		})
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetObjectHashmap returns the size, root hash, and block hashes of one
// object version. For a version registered out-of-band it probes the
// block store and flips availability in a fresh transaction.
func (b *Backend) GetObjectHashmap(user, account, container, name string,
	version int64) (int64, string, []string, error) {

	path := objectPath(account, container, name)
	var v types.Version
	err := b.view("get_object_hashmap", func(tx *bolt.Tx) error {
		if err := b.checkRead(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		found, err := b.objectVersion(tx, node, version)
		if err != nil {
			return err
		}
		v = *found
		return nil
	})
	if err != nil {
		return 0, "", nil, err
	}

	if !v.Available {
		if err := b.updateAvailable(&v); err != nil {
			return 0, "", nil, err
		}
	}

	root, err := hashmap.ParseHex(v.Hash)
	if err != nil {
		return 0, "", nil, err
	}
	raw, err := b.blocks.MapGet(root)
	if err != nil {
		return 0, "", nil, err
	}
	hashes := make([]string, len(raw))
	for i, h := range raw {
		hashes[i] = hashmap.Hex(h)
	}
	return v.Size, v.Hash, hashes, nil
}

// parseHashes decodes hex block hashes, rejecting externally-managed
// archipelago hashes which cannot be rewritten through this interface.
func parseHashes(hexHashes []string) ([][]byte, error) {
	out := make([][]byte, len(hexHashes))
	for i, s := range hexHashes {
		if strings.HasPrefix(s, "archip:") {
			return nil, faults.New(faults.IllegalOperation,
				"hash %s is managed externally", s)
		}
		h, err := hashmap.ParseHex(s)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

// UpdateObjectHashmap writes a new object version from a block hashmap.
// Every referenced block must already be stored; missing hashes are
// reported for the client to upload and retry. Returns the version
// serial and the root hash.
func (b *Backend) UpdateObjectHashmap(user, account, container, name string,
	size int64, typ string, hexHashes []string, checksum, domain string,
	meta map[string]string, replaceMeta bool, permissions *types.Permission) (int64, string, error) {

	hashes, err := parseHashes(hexHashes)
	if err != nil {
		return 0, "", err
	}
	if missing := b.blocks.BlockSearch(hashes); len(missing) > 0 {
		hexMissing := make([]string, len(missing))
		for i, h := range missing {
			hexMissing[i] = hashmap.Hex(h)
		}
		return 0, "", faults.MissingBlocks(hexMissing)
	}
	if len(hashes) == 0 {
		// zero-byte objects reference the empty block
		empty, err := b.blocks.PutBlock(nil)
		if err != nil {
			return 0, "", err
		}
		hashes = [][]byte{empty}
	}

	m, err := hashmap.New(b.cfg.BlockSize, b.cfg.HashAlgorithm)
	if err != nil {
		return 0, "", err
	}
	for _, h := range hashes {
		m.Append(h)
	}
	root := m.Root()
	// the map is written before the version referencing it; a crash in
	// between leaves an orphan map for the offline sweep
	if err := b.blocks.MapPut(root, hashes); err != nil {
		return 0, "", err
	}

	serial, err := b.putObjectVersion(user, account, container, name, size, typ,
		hashmap.Hex(root), checksum, domain, meta, replaceMeta, permissions, true)
	if err != nil {
		return 0, "", err
	}
	return serial, hashmap.Hex(root), nil
}

// RegisterObjectMap records an object whose map is produced out-of-band.
// The version starts unavailable and becomes readable once the map
// appears in the block store.
func (b *Backend) RegisterObjectMap(user, account, container, name string,
	size int64, typ, rootHex, checksum, domain string, meta map[string]string,
	replaceMeta bool, permissions *types.Permission) (int64, error) {

	if strings.HasPrefix(rootHex, "archip:") {
		rootHex = strings.TrimPrefix(rootHex, "archip:")
	}
	if _, err := hashmap.ParseHex(rootHex); err != nil {
		return 0, err
	}
	return b.putObjectVersion(user, account, container, name, size, typ,
		rootHex, checksum, domain, meta, replaceMeta, permissions, false)
}

// putObjectVersion is the shared tail of hashmap updates and map
// registrations: version creation, metadata, permissions, local quota
// checks, and the diskspace commission.
func (b *Backend) putObjectVersion(user, account, container, name string,
	size int64, typ, rootHex, checksum, domain string, meta map[string]string,
	replaceMeta bool, permissions *types.Permission, available bool) (int64, error) {

	path := objectPath(account, container, name)
	cpath := containerPath(account, container)
	var serial int64
	err := b.update("update_object_hashmap", func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkWrite(tx, user, path); err != nil {
			return err
		}
		containerNode, err := b.lookupNode(tx, cpath)
		if err != nil {
			return err
		}
		accountNode, err := b.lookupNode(tx, account)
		if err != nil {
			return err
		}
		mode, err := b.containerVersioning(tx, containerNode.ID)
		if err != nil {
			return err
		}
		project, err := b.containerProject(tx, account, containerNode.ID)
		if err != nil {
			return err
		}

		existing, err := b.tree.NodeLookup(tx, path)
		if err != nil {
			return err
		}
		copyFrom := int64(0)
		if existing != nil {
			if prev, err := b.tree.VersionLookup(tx, existing.ID,
				nodetree.NoBefore, types.ClusterNormal); err != nil {
				return err
			} else if prev != nil {
				copyFrom = prev.Serial
			}
		}

		v, prev, err := b.putVersionDuplicate(tx, versionPut{
			path:      path,
			parent:    containerNode.ID,
			hash:      rootHex,
			size:      size,
			typ:       typ,
			modifier:  user,
			checksum:  checksum,
			cluster:   types.ClusterNormal,
			available: available,
			copyFrom:  copyFrom,
		})
		if err != nil {
			return err
		}
		if domain != "" {
			if err := b.applyMetaUpdate(tx, v.Serial, v.Node, domain, meta, replaceMeta); err != nil {
				return err
			}
		}
		if permissions != nil {
			if user != account {
				return faults.New(faults.NotAllowed, "%s may not share %s", user, path)
			}
			if err := b.perms.AccessSet(tx, path, *permissions); err != nil {
				return err
			}
		}

		delta := b.sizeDelta(size, prev, mode)
		if _, err := b.applyVersioning(tx, mode, prev); err != nil {
			return err
		}
		if err := b.checkQuotas(tx, account, accountNode.ID, containerNode.ID, delta); err != nil {
			return err
		}
		if err := b.reportSizeChange(tx, out, user, account, project, path, delta); err != nil {
			return err
		}

		serial = v.Serial
		evType := events.EventObjectUpdated
		if prev == nil {
			evType = events.EventObjectCreated
		}
		out.emit(&events.Event{Type: evType, User: user, Account: account, Path: path})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// UpdateObjectChecksum back-fills the checksum of one version.
func (b *Backend) UpdateObjectChecksum(user, account, container, name string,
	version int64, checksum string) error {

	path := objectPath(account, container, name)
	return b.update("update_object_checksum", func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkWrite(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		v, err := b.objectVersion(tx, node, version)
		if err != nil {
			return err
		}
		return b.tree.VersionUpdate(tx, v.Serial, func(stored *types.Version) {
			stored.Checksum = checksum
		})
	})
}

// CopyObject creates a new version at the destination referencing the
// source's root hash; no block data moves. The destination project is
// charged for the bytes.
func (b *Backend) CopyObject(user, srcAccount, srcContainer, srcName,
	dstAccount, dstContainer, dstName, typ, domain string,
	meta map[string]string, replaceMeta bool) (int64, error) {

	return b.transferObject(user, srcAccount, srcContainer, srcName,
		dstAccount, dstContainer, dstName, typ, domain, meta, replaceMeta, false)
}

// MoveObject copies and then deletes the source, preserving the object
// UUID. Cross-project moves reassign the charged bytes.
func (b *Backend) MoveObject(user, srcAccount, srcContainer, srcName,
	dstAccount, dstContainer, dstName, typ, domain string,
	meta map[string]string, replaceMeta bool) (int64, error) {

	return b.transferObject(user, srcAccount, srcContainer, srcName,
		dstAccount, dstContainer, dstName, typ, domain, meta, replaceMeta, true)
}

func (b *Backend) transferObject(user, srcAccount, srcContainer, srcName,
	dstAccount, dstContainer, dstName, typ, domain string,
	meta map[string]string, replaceMeta bool, move bool) (int64, error) {

	srcPath := objectPath(srcAccount, srcContainer, srcName)
	dstPath := objectPath(dstAccount, dstContainer, dstName)
	dstCPath := containerPath(dstAccount, dstContainer)
	op := "copy_object"
	if move {
		op = "move_object"
	}

	var serial int64
	err := b.update(op, func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkRead(tx, user, srcPath); err != nil {
			return err
		}
		if err := b.checkWrite(tx, user, dstPath); err != nil {
			return err
		}
		if move {
			if err := b.checkWrite(tx, user, srcPath); err != nil {
				return err
			}
		}

		srcNode, err := b.lookupNode(tx, srcPath)
		if err != nil {
			return err
		}
		src, err := b.objectVersion(tx, srcNode, 0)
		if err != nil {
			return err
		}
		srcProject, err := b.containerProject(tx, srcAccount, srcNode.Parent)
		if err != nil {
			return err
		}

		dstContainerNode, err := b.lookupNode(tx, dstCPath)
		if err != nil {
			return err
		}
		dstAccountNode, err := b.lookupNode(tx, dstAccount)
		if err != nil {
			return err
		}
		mode, err := b.containerVersioning(tx, dstContainerNode.ID)
		if err != nil {
			return err
		}
		dstProject, err := b.containerProject(tx, dstAccount, dstContainerNode.ID)
		if err != nil {
			return err
		}

		newType := src.Type
		if typ != "" {
			newType = typ
		}
		put := versionPut{
			path:      dstPath,
			parent:    dstContainerNode.ID,
			hash:      src.Hash,
			size:      src.Size,
			typ:       newType,
			modifier:  user,
			checksum:  src.Checksum,
			cluster:   types.ClusterNormal,
			available: src.Available,
			copyFrom:  src.Serial,
		}
		if move {
			// a move is a rename: the object identity travels with it
			put.uuid = src.UUID
		}
		v, prev, err := b.putVersionDuplicate(tx, put)
		if err != nil {
			return err
		}
		if domain != "" && len(meta) > 0 {
			if err := b.applyMetaUpdate(tx, v.Serial, v.Node, domain, meta, replaceMeta); err != nil {
				return err
			}
		}

		delta := b.sizeDelta(src.Size, prev, mode)
		if _, err := b.applyVersioning(tx, mode, prev); err != nil {
			return err
		}
		if err := b.checkQuotas(tx, dstAccount, dstAccountNode.ID,
			dstContainerNode.ID, delta); err != nil {
			return err
		}

		if move {
			srcMode, err := b.containerVersioning(tx, srcNode.Parent)
			if err != nil {
				return err
			}
			if err := b.deleteObjectTx(tx, out, user, srcAccount, srcNode, false); err != nil {
				return err
			}
			// the quotaholder merges provisions on the same holding, so a
			// same-project move nets out before any check runs
			srcDelta := b.sizeDelta(0, src, srcMode)
			var provisions []types.Provision
			if delta != 0 {
				provisions = append(provisions, types.Provision{
					Holder: dstAccount, Source: dstProject,
					Resource: b.cfg.DiskspaceResource, Quantity: delta,
				})
			}
			if srcDelta != 0 {
				provisions = append(provisions, types.Provision{
					Holder: srcAccount, Source: srcProject,
					Resource: b.cfg.DiskspaceResource, Quantity: srcDelta,
				})
			}
			netsOut := srcAccount == dstAccount && srcProject == dstProject &&
				delta+srcDelta == 0
			if len(provisions) > 0 && !netsOut {
				moveSerial, err := b.coord.Issue(tx, provisions,
					"move "+srcPath+" to "+dstPath, false)
				if err != nil {
					return err
				}
				out.serials = append(out.serials, moveSerial)
			}
		} else {
			if err := b.reportSizeChange(tx, out, user, dstAccount, dstProject,
				dstPath, delta); err != nil {
				return err
			}
		}

		serial = v.Serial
		out.emit(&events.Event{
			Type: events.EventObjectCreated, User: user, Account: dstAccount, Path: dstPath,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return serial, nil
}

// DeleteObject removes an object, or with until purges its versions up
// to that time instead.
func (b *Backend) DeleteObject(user, account, container, name string, until int64) error {
	path := objectPath(account, container, name)
	if until > 0 {
		return b.purgeObject(user, account, container, name, until)
	}
	return b.update("delete_object", func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkWrite(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		if err := b.deleteObjectTx(tx, out, user, account, node, true); err != nil {
			return err
		}
		out.emit(&events.Event{
			Type: events.EventObjectDeleted, User: user, Account: account, Path: path,
		})
		return nil
	})
}

// deleteObjectTx records a DELETED tombstone over the current version.
// With refund set, the freed bytes are released from the container's
// project.
func (b *Backend) deleteObjectTx(tx *bolt.Tx, out *outbox, user, account string,
	node *types.Node, refund bool) error {

	prev, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
	if err != nil {
		return err
	}
	if prev == nil {
		return faults.New(faults.NotFound, "%s not found", node.Path)
	}
	mode, err := b.containerVersioning(tx, node.Parent)
	if err != nil {
		return err
	}
	if _, _, err := b.putVersionDuplicate(tx, versionPut{
		path:     node.Path,
		parent:   node.Parent,
		modifier: user,
		uuid:     prev.UUID,
		cluster:  types.ClusterDeleted,
	}); err != nil {
		return err
	}
	// putVersionDuplicate only reclusters on NORMAL writes; retire the
	// previous version here
	if err := b.tree.VersionRecluster(tx, prev.Serial, types.ClusterHistory); err != nil {
		return err
	}
	if _, err := b.applyVersioning(tx, mode, prev); err != nil {
		return err
	}
	if err := b.perms.AccessClear(tx, node.Path); err != nil {
		return err
	}
	if err := b.perms.PublicUnset(tx, node.Path); err != nil {
		return err
	}
	if refund {
		project, err := b.containerProject(tx, account, node.Parent)
		if err != nil {
			return err
		}
		delta := b.sizeDelta(0, prev, mode)
		if err := b.reportSizeChange(tx, out, user, account, project, node.Path, delta); err != nil {
			return err
		}
	}
	return nil
}

// purgeObject removes versions of one object up to the given time,
// refunding history bytes unless versioning is free. When nothing
// remains the node itself is dropped.
func (b *Backend) purgeObject(user, account, container, name string, until int64) error {
	path := objectPath(account, container, name)
	at := clampUntil(until)
	return b.update("purge_object", func(tx *bolt.Tx, out *outbox) error {
		if err := b.checkWrite(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		project, err := b.containerProject(tx, account, node.Parent)
		if err != nil {
			return err
		}

		var normalFreed, historyFreed int64
		for _, cl := range []types.Cluster{
			types.ClusterNormal, types.ClusterHistory, types.ClusterDeleted,
		} {
			_, size, _, err := b.tree.NodePurge(tx, node.ID, at, cl)
			if err != nil {
				return err
			}
			switch cl {
			case types.ClusterNormal:
				normalFreed += size
			case types.ClusterHistory:
				historyFreed += size
			}
		}

		delta := -normalFreed
		if !b.cfg.FreeVersioning {
			delta -= historyFreed
		}
		if err := b.reportSizeChange(tx, out, user, account, project, path, delta); err != nil {
			return err
		}

		remaining, err := b.tree.NodeGetVersions(tx, node.ID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if err := b.perms.AccessClear(tx, path); err != nil {
				return err
			}
			if err := b.perms.PublicUnset(tx, path); err != nil {
				return err
			}
			if err := b.tree.NodeRemove(tx, node); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListVersions enumerates (serial, mtime) pairs of an object's versions,
// oldest first, excluding tombstones.
func (b *Backend) ListVersions(user, account, container, name string) ([][2]int64, error) {
	path := objectPath(account, container, name)
	var out [][2]int64
	err := b.view("list_versions", func(tx *bolt.Tx) error {
		if err := b.checkRead(tx, user, path); err != nil {
			return err
		}
		node, err := b.lookupNode(tx, path)
		if err != nil {
			return err
		}
		versions, err := b.tree.NodeGetVersions(tx, node.ID)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v.Cluster == types.ClusterDeleted {
				continue
			}
			out = append(out, [2]int64{v.Serial, v.MTime})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetUUID resolves an object UUID to its current path and serial.
func (b *Backend) GetUUID(user, id string) (string, int64, error) {
	var (
		path   string
		serial int64
	)
	err := b.view("get_uuid", func(tx *bolt.Tx) error {
		var err error
		path, serial, err = b.tree.LatestUUID(tx, id, types.ClusterNormal)
		if err != nil {
			return err
		}
		return b.checkRead(tx, user, path)
	})
	if err != nil {
		return "", 0, err
	}
	return path, serial, nil
}

// GetPublic resolves a public token to the object path it exposes.
func (b *Backend) GetPublic(token string) (string, error) {
	var path string
	err := b.view("get_public", func(tx *bolt.Tx) error {
		var err error
		path, err = b.perms.PublicPath(tx, token)
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}
