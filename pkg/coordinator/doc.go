/*
Package coordinator implements the commit-then-accept protocol between
the storage backend and the quotaholder.

Every quota-affecting mutation issues a commission inside the backend
transaction and records the returned serial in the same transaction.
After the transaction commits, the serial is accepted (or rejected on
error) in a fresh step. The serial table therefore always knows, for
any interrupted run, whether the local mutation took effect, and
Reconcile drives every remote pending commission to the matching
outcome. The local quotaholder service satisfies the Client interface
directly; a remote deployment plugs in an RPC client instead.
*/
package coordinator
