/*
Package backend is the storage façade: account, container, and object
operations over the node tree, permission index, policy store, block
store, and commission coordinator.

Every public operation runs in a single bbolt transaction. Side effects
that must not precede the commit, commission acceptance and event
publication, are collected in a per-transaction outbox and settled
afterwards: serials are accepted on commit and rejected on rollback,
and a serial whose resolution fails is left for the reconciler.

Quota is enforced twice. A cheap local pre-check compares the mutated
container's and account's statistics against their quota policies; the
quotaholder then remains authoritative through the issued commission.
Bytes are charged to the container's project, defaulting to the owning
account.
*/
package backend
