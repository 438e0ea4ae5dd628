package nodetree

import (
	"bytes"
	"encoding/binary"

	"github.com/amphorastore/amphora/pkg/types"
)

// Bucket names used by the tree. InitBuckets creates them all.
var (
	bucketNodes      = []byte("nodes")      // path -> Node
	bucketNodeIndex  = []byte("nodeIndex")  // id -> path
	bucketVersions   = []byte("versions")   // serial -> Version
	bucketVersionIdx = []byte("versionIdx") // node|cluster|mtime|serial -> nil
	bucketUUIDIndex  = []byte("uuidIndex")  // uuid|serial -> node
	bucketAttributes = []byte("attributes") // serial|domain\x00key -> Attribute
	bucketStatistics = []byte("statistics") // node|cluster -> Statistics
)

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// versionIdxKey orders versions of a node within a cluster by mtime then
// serial, so the greatest key under a (node, cluster) prefix is the
// latest version.
func versionIdxKey(node int64, cluster types.Cluster, mtime, serial int64) []byte {
	k := make([]byte, 0, 25)
	k = append(k, itob(node)...)
	k = append(k, byte(cluster))
	k = append(k, itob(mtime)...)
	k = append(k, itob(serial)...)
	return k
}

func versionIdxPrefix(node int64, cluster types.Cluster) []byte {
	k := make([]byte, 0, 9)
	k = append(k, itob(node)...)
	k = append(k, byte(cluster))
	return k
}

func statisticsKey(node int64, cluster types.Cluster) []byte {
	k := make([]byte, 0, 9)
	k = append(k, itob(node)...)
	k = append(k, byte(cluster))
	return k
}

func attributeKey(serial int64, domain, key string) []byte {
	k := make([]byte, 0, 8+len(domain)+1+len(key))
	k = append(k, itob(serial)...)
	k = append(k, domain...)
	k = append(k, 0)
	k = append(k, key...)
	return k
}

func attributePrefix(serial int64, domain string) []byte {
	k := make([]byte, 0, 8+len(domain)+1)
	k = append(k, itob(serial)...)
	k = append(k, domain...)
	k = append(k, 0)
	return k
}

func uuidIndexKey(uuid string, serial int64) []byte {
	k := make([]byte, 0, len(uuid)+8)
	k = append(k, uuid...)
	k = append(k, itob(serial)...)
	return k
}

func hasPrefix(k, prefix []byte) bool {
	return bytes.HasPrefix(k, prefix)
}
