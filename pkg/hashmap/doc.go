/*
Package hashmap computes the Merkle-style root hash over an object's
ordered block hashes.

The fold pads the sequence to the next power of two with zero hashes and
repeatedly hashes adjacent pairs until one hash remains. The result is
the object's content address: two objects with identical data share a
root regardless of how they were uploaded.
*/
package hashmap
