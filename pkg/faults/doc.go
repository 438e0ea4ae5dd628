/*
Package faults defines the error kinds surfaced by the storage backend and
the quotaholder.

Every user-visible failure is classified into exactly one Kind. Callers
test kinds with errors.Is against the package sentinels:

	if errors.Is(err, faults.ErrNotFound) { ... }

QuotaExceeded faults carry the offending (holder, resource, limit, usage,
requested) tuple; missing-block conflicts carry the list of hashes the
client must upload before retrying.
*/
package faults
