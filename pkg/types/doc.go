/*
Package types defines the core data structures used throughout Amphora.

This package contains all fundamental types that represent Amphora's domain
model, including path tree nodes, object versions, holdings, commissions,
policies, and permissions. These types are used by all other packages for
state management, quota accounting, and API communication.

# Core Types

Path tree:
  - Node: One entry in the hierarchical account/container/object tree
  - Version: Immutable snapshot of a node (serial, hash, size, cluster)
  - Cluster: Version lifecycle state (normal, history, deleted)
  - Statistics: Aggregate count/bytes/mtime over descendants

Quota accounting:
  - HoldingKey, Quota: A (holder, source, resource) balance with
    usage_min/usage_max bounds
  - Commission, Provision: A proposed atomic change to holdings
  - ProvisionLogEntry: Immutable record of every resolved provision
  - CommissionSerial: Local bookkeeping for issued commissions

Access control:
  - Permission: Per-path read/write principal lists; "*" means public
  - ObjectType: Content type with a directory-like predicate that
    governs permission inheritance

All types are designed to be serializable (JSON), immutable where possible,
and self-documenting.
*/
package types
