/*
Package permdex is the per-path permission index of the storage backend.

Each path carries read and write principal lists; "*" makes a path
public. Permissions set on a directory-like ancestor apply to its
descendants, and owner:group entries expand through the owning account's
group table. A small LRU cache memoizes successful checks per
(principal, action) within a process and is purged on every permission
mutation.

The package also manages public URL tokens: short random identifiers
drawn from a configurable alphabet with a configurable amount of
entropy. An unset token is retired permanently and never reissued.
*/
package permdex
