/*
Package blockstore stores fixed-size byte blocks keyed by content hash
and the ordered hash lists (maps) that compose objects out of them.

Blocks live as files named by their hex hash; maps live in a bbolt
bucket keyed by the object's root hash. Writes are idempotent and
crash-safe in the weak sense the backend requires: a block may exist
without any map referencing it, never the reverse.
*/
package blockstore
