package types

import (
	"math"
	"strings"
	"time"
)

// Cluster is the lifecycle state of a version.
type Cluster int

const (
	ClusterNormal  Cluster = 0 // visible
	ClusterHistory Cluster = 1 // superseded, retained
	ClusterDeleted Cluster = 2 // tombstone
)

func (c Cluster) String() string {
	switch c {
	case ClusterNormal:
		return "normal"
	case ClusterHistory:
		return "history"
	case ClusterDeleted:
		return "deleted"
	}
	return "unknown"
}

// Node is one entry in the hierarchical path tree. Every slash-separated
// prefix of an object path (account, container) is itself a node.
type Node struct {
	ID     int64
	Parent int64
	Path   string
}

// Version is an immutable snapshot of a node's content. At most one
// version per node lives in the normal cluster at any time.
type Version struct {
	Serial            int64
	Node              int64
	Hash              string // hex root hash; empty for prefix nodes
	Size              int64
	Type              string
	MTime             int64 // unix nanoseconds
	Modifier          string
	UUID              string
	Checksum          string
	Cluster           Cluster
	Available         bool
	MapCheckTimestamp int64
}

// Attribute is one metadata entry owned by a version. The node field is a
// lookup key back to the owning node, not an ownership edge.
type Attribute struct {
	Node     int64
	Value    string
	IsLatest bool
}

// Statistics aggregates descendant versions of a node within one cluster.
type Statistics struct {
	Count int64
	Bytes int64
	MTime int64
}

// Policy keys recognized by the policy store.
const (
	QuotaPolicy      = "quota"
	VersioningPolicy = "versioning"
	ProjectPolicy    = "project"

	VersioningAuto = "auto"
	VersioningNone = "none"
)

// Policy maps policy keys to string values.
type Policy map[string]string

// Permission is the access record of one path.
type Permission struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// Public in a read list grants access to everyone and indexes the path
// for public listings.
const Public = "*"

// Action selects one half of a permission record.
type Action int

const (
	ReadAction Action = iota
	WriteAction
)

// ObjectType is a content type. Permission inheritance only flows through
// ancestors whose type identifies them as a directory.
type ObjectType string

// IsDirectoryLike reports whether a path of this type passes its
// permissions down to descendants.
func (t ObjectType) IsDirectoryLike() bool {
	base := strings.TrimSpace(strings.SplitN(string(t), ";", 2)[0])
	return base == "application/directory" || base == "application/folder"
}

// NoLimit marks an unbounded holding.
const NoLimit = int64(math.MaxInt64)

// HoldingKey identifies a resource balance.
type HoldingKey struct {
	Holder   string `json:"holder"`
	Source   string `json:"source"`
	Resource string `json:"resource"`
}

// Quota is the state of one holding. UsageMax reflects pending
// reservations, UsageMin committed usage. Invariant:
// 0 <= UsageMin <= UsageMax and UsageMax <= Limit unless forced.
type Quota struct {
	Limit    int64 `json:"limit"`
	UsageMin int64 `json:"usage_min"`
	UsageMax int64 `json:"usage_max"`
}

// Provision is one delta inside a commission.
type Provision struct {
	Holder   string `json:"holder"`
	Source   string `json:"source"`
	Resource string `json:"resource"`
	Quantity int64  `json:"quantity"`
}

// Key returns the holding the provision applies to.
func (p Provision) Key() HoldingKey {
	return HoldingKey{Holder: p.Holder, Source: p.Source, Resource: p.Resource}
}

// Commission is a proposed atomic change to one or more holdings. It
// stays pending until accepted or rejected, exactly once.
type Commission struct {
	Serial     int64       `json:"serial"`
	ClientKey  string      `json:"client_key"`
	Name       string      `json:"name"`
	IssueTime  time.Time   `json:"issue_time"`
	Provisions []Provision `json:"provisions"`
}

// ProvisionLogEntry records one resolved provision with the holding state
// after resolution.
type ProvisionLogEntry struct {
	Serial        int64     `json:"serial"`
	Name          string    `json:"name"`
	Holder        string    `json:"holder"`
	Source        string    `json:"source"`
	Resource      string    `json:"resource"`
	Limit         int64     `json:"limit"`
	UsageMin      int64     `json:"usage_min"`
	UsageMax      int64     `json:"usage_max"`
	DeltaQuantity int64     `json:"delta_quantity"`
	IssueTime     time.Time `json:"issue_time"`
	LogTime       time.Time `json:"log_time"`
	Reason        string    `json:"reason"`
}

// CommissionSerial is the local record of a commission issued against the
// quotaholder, kept so the reconciler can finish interrupted resolutions.
type CommissionSerial struct {
	Serial   int64
	Pending  bool
	Accept   bool
	Resolved bool
}

// ResolveResult partitions the serials of one resolve call.
type ResolveResult struct {
	Accepted    []int64 `json:"accepted"`
	Rejected    []int64 `json:"rejected"`
	NotFound    []int64 `json:"not_found"`
	Conflicting []int64 `json:"conflicting"`
}

// ListEntry is one row of an object listing.
type ListEntry struct {
	Path    string
	Version *Version // nil for virtual directory prefixes
}

// AccountGroups maps group names to member principals.
type AccountGroups map[string][]string
