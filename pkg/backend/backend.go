package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/amphorastore/amphora/pkg/blockstore"
	"github.com/amphorastore/amphora/pkg/config"
	"github.com/amphorastore/amphora/pkg/coordinator"
	"github.com/amphorastore/amphora/pkg/events"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/log"
	"github.com/amphorastore/amphora/pkg/metrics"
	"github.com/amphorastore/amphora/pkg/nodetree"
	"github.com/amphorastore/amphora/pkg/permdex"
	"github.com/amphorastore/amphora/pkg/policy"
	"github.com/amphorastore/amphora/pkg/types"
)

// Backend is the storage façade. One public operation is one database
// transaction; bbolt's single writer serializes all mutations, which
// subsumes the container-before-object lock order finer-grained stores
// need.
type Backend struct {
	cfg    *config.Config
	db     *bolt.DB
	tree   *nodetree.Tree
	perms  *permdex.Index
	pol    *policy.Store
	blocks *blockstore.Store
	coord  *coordinator.Coordinator
	broker *events.Broker
}

// Open initializes the backend under cfg.DataDir. The quotaholder client
// is injected so deployments can point at a remote service; broker may
// be nil to disable event emission.
func Open(cfg *config.Config, client coordinator.Client, broker *events.Broker) (*Backend, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(cfg.DataDir, "backend.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if err := nodetree.InitBuckets(tx); err != nil {
			return err
		}
		if err := permdex.InitBuckets(tx); err != nil {
			return err
		}
		if err := policy.InitBuckets(tx); err != nil {
			return err
		}
		return coordinator.InitBuckets(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	blocks, err := blockstore.Open(cfg.DataDir, cfg.BlockSize, cfg.HashAlgorithm)
	if err != nil {
		db.Close()
		return nil, err
	}
	perms, err := permdex.New(cfg.PublicURLSecurity, cfg.PublicURLAlphabet)
	if err != nil {
		db.Close()
		blocks.Close()
		return nil, err
	}

	b := &Backend{
		cfg:    cfg,
		db:     db,
		tree:   nodetree.New(cfg.UpdateStatisticsAncestorsDepth),
		perms:  perms,
		pol:    policy.New(),
		blocks: blocks,
		coord:  coordinator.New(client, cfg.ClientKey, db),
		broker: broker,
	}
	return b, nil
}

// Close closes the backend and block store databases.
func (b *Backend) Close() error {
	berr := b.blocks.Close()
	if err := b.db.Close(); err != nil {
		return err
	}
	return berr
}

// Coordinator exposes the commission coordinator for the reconciler.
func (b *Backend) Coordinator() *coordinator.Coordinator { return b.coord }

// BlockSize returns the configured block size.
func (b *Backend) BlockSize() int64 { return b.cfg.BlockSize }

// outbox accumulates the side effects of one transaction: commission
// serials to resolve and events to publish, both deferred to commit.
type outbox struct {
	serials []int64
	events  []*events.Event
}

func (o *outbox) emit(ev *events.Event) { o.events = append(o.events, ev) }

// update runs fn in a write transaction and settles the outbox: on
// commit every issued serial is accepted and events are published; on
// error serials are rejected so the quotaholder undoes the reservation.
func (b *Backend) update(op string, fn func(tx *bolt.Tx, out *outbox) error) error {
	timer := metrics.NewTimer()
	out := &outbox{}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return fn(tx, out)
	})
	timer.ObserveDurationVec(metrics.BackendOpDuration, op)
	if err != nil {
		metrics.BackendOpsTotal.WithLabelValues(op, "error").Inc()
		for _, serial := range out.serials {
			if rerr := b.coord.RejectSerial(serial); rerr != nil {
				logger := log.WithSerial(serial)
				logger.Warn().Err(rerr).Msg("commission left for reconciler")
			}
		}
		return err
	}
	metrics.BackendOpsTotal.WithLabelValues(op, "ok").Inc()
	for _, serial := range out.serials {
		if aerr := b.coord.AcceptSerial(serial); aerr != nil {
			logger := log.WithSerial(serial)
			logger.Warn().Err(aerr).Msg("commission left for reconciler")
		}
	}
	if b.broker != nil {
		for _, ev := range out.events {
			b.broker.Publish(ev)
		}
	}
	return nil
}

// view runs fn in a read transaction.
func (b *Backend) view(op string, fn func(tx *bolt.Tx) error) error {
	timer := metrics.NewTimer()
	err := b.db.View(fn)
	timer.ObserveDurationVec(metrics.BackendOpDuration, op)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BackendOpsTotal.WithLabelValues(op, outcome).Inc()
	return err
}

func containerPath(account, container string) string {
	return account + "/" + container
}

func objectPath(account, container, name string) string {
	return account + "/" + container + "/" + name
}

// splitAccount returns the account component of a full path.
func splitAccount(path string) string {
	if idx := strings.Index(path, "/"); idx >= 0 {
		return path[:idx]
	}
	return path
}

// dirLike reports whether the current version of the node at path has a
// directory content type. Permission inheritance flows only through such
// nodes.
func (b *Backend) dirLike(tx *bolt.Tx, path string) bool {
	node, err := b.tree.NodeLookup(tx, path)
	if err != nil || node == nil {
		return false
	}
	v, err := b.tree.VersionLookup(tx, node.ID, nodetree.NoBefore, types.ClusterNormal)
	if err != nil || v == nil {
		return false
	}
	return types.ObjectType(v.Type).IsDirectoryLike()
}

// checkRead fails NotAllowed unless user may read the object at path.
func (b *Backend) checkRead(tx *bolt.Tx, user, path string) error {
	if user == splitAccount(path) {
		return nil
	}
	ok, err := b.perms.AccessCheck(tx, path, types.ReadAction, user, b.dirLike)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.NotAllowed, "%s may not read %s", user, path)
	}
	return nil
}

// checkWrite fails NotAllowed unless user may write the object at path.
func (b *Backend) checkWrite(tx *bolt.Tx, user, path string) error {
	if user == splitAccount(path) {
		return nil
	}
	ok, err := b.perms.AccessCheck(tx, path, types.WriteAction, user, b.dirLike)
	if err != nil {
		return err
	}
	if !ok {
		return faults.New(faults.NotAllowed, "%s may not write %s", user, path)
	}
	return nil
}

// checkOwner restricts account and container administration to the
// owning principal.
func checkOwner(user, account string) error {
	if user != account {
		return faults.New(faults.NotAllowed, "%s may not administer account %s", user, account)
	}
	return nil
}

// lookupNode fails NotFound when the path has no node.
func (b *Backend) lookupNode(tx *bolt.Tx, path string) (*types.Node, error) {
	node, err := b.tree.NodeLookup(tx, path)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, faults.New(faults.NotFound, "%s not found", path)
	}
	return node, nil
}

// ensureAccountNode returns the account node, creating it on first use.
func (b *Backend) ensureAccountNode(tx *bolt.Tx, account string) (*types.Node, error) {
	node, err := b.tree.NodeLookup(tx, account)
	if err != nil {
		return nil, err
	}
	if node != nil {
		return node, nil
	}
	return b.tree.NodeCreate(tx, 0, account)
}

// clampUntil bounds a historical timestamp to the present.
func clampUntil(until int64) int64 {
	if until <= 0 {
		return nodetree.NoBefore
	}
	if now := time.Now().UnixNano(); until > now {
		return now
	}
	return until
}

// containerProject returns the project charged for the container's
// bytes, defaulting to the owning account.
func (b *Backend) containerProject(tx *bolt.Tx, account string, node int64) (string, error) {
	p, err := b.pol.Get(tx, node)
	if err != nil {
		return "", err
	}
	if project, ok := p[types.ProjectPolicy]; ok && project != "" {
		return project, nil
	}
	return account, nil
}

// containerVersioning returns the container's versioning mode with the
// deployment default applied.
func (b *Backend) containerVersioning(tx *bolt.Tx, node int64) (string, error) {
	p, err := b.pol.Get(tx, node)
	if err != nil {
		return "", err
	}
	if mode, ok := p[types.VersioningPolicy]; ok && mode != "" {
		return mode, nil
	}
	return b.cfg.DefaultContainerVersioning, nil
}
