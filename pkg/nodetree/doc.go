/*
Package nodetree stores the hierarchical path tree backing the object
store: nodes, their versions, per-version attributes, and per-node
aggregate statistics.

# Model

Every slash-separated prefix of an object path is a node. Each node owns
an immutable version history; at most one version per node lives in the
normal cluster at a time, superseded versions move to history, and
deletions append a tombstone in the deleted cluster. Version serials are
allocated from a monotonic counter and are never reused: clients reason
about causality by serial, not mtime.

Statistics aggregate count/bytes/mtime of descendant versions per
cluster and are maintained incrementally on every version create,
recluster, and remove, up to a configured ancestor depth.

# Transactions

All methods take a bbolt transaction supplied by the caller; the storage
façade runs each top-level operation in exactly one transaction across
this package, the permission index, the policy store, and the commission
serial table.

# Listing

LatestVersionList is the workhorse query: lexicographic listing with
exclusive marker, server-capped limit, delimiter rollup, point-in-time
selection, permission whitelists, attribute predicates, and size range.
*/
package nodetree
