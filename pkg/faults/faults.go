package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. There is exactly one kind per failure class;
// kinds are wire-transparent and map directly to API status codes.
type Kind int

const (
	NotAllowed Kind = iota + 1
	NotFound
	VersionNotExists
	Conflict
	QuotaExceeded
	BadRequest
	IllegalOperation
	InvalidHash
	InternalError
)

func (k Kind) String() string {
	switch k {
	case NotAllowed:
		return "not allowed"
	case NotFound:
		return "not found"
	case VersionNotExists:
		return "version does not exist"
	case Conflict:
		return "conflict"
	case QuotaExceeded:
		return "quota exceeded"
	case BadRequest:
		return "bad request"
	case IllegalOperation:
		return "illegal operation"
	case InvalidHash:
		return "invalid hash"
	case InternalError:
		return "internal error"
	}
	return "unknown"
}

// QuotaInfo carries the structured context of a quota failure.
type QuotaInfo struct {
	Holder    string `json:"holder"`
	Source    string `json:"source,omitempty"`
	Resource  string `json:"resource"`
	Limit     int64  `json:"limit"`
	Usage     int64  `json:"usage"`
	Requested int64  `json:"requested"`
}

// Fault is a classified error. Checks for a specific kind go through
// errors.Is against the kind sentinels below.
type Fault struct {
	Kind    Kind
	Msg     string
	Quota   *QuotaInfo // set for QuotaExceeded
	Missing []string   // set when block hashes must be uploaded first
	err     error
}

func (f *Fault) Error() string {
	if f.Msg != "" {
		return f.Msg
	}
	if f.err != nil {
		return f.err.Error()
	}
	return f.Kind.String()
}

func (f *Fault) Unwrap() error { return f.err }

// Is matches a fault against the sentinel of its kind.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Kind == f.Kind && t.Msg == ""
}

// Sentinels, one per kind, for errors.Is checks.
var (
	ErrNotAllowed       = &Fault{Kind: NotAllowed}
	ErrNotFound         = &Fault{Kind: NotFound}
	ErrVersionNotExists = &Fault{Kind: VersionNotExists}
	ErrConflict         = &Fault{Kind: Conflict}
	ErrQuotaExceeded    = &Fault{Kind: QuotaExceeded}
	ErrBadRequest       = &Fault{Kind: BadRequest}
	ErrIllegalOperation = &Fault{Kind: IllegalOperation}
	ErrInvalidHash      = &Fault{Kind: InvalidHash}
	ErrInternalError    = &Fault{Kind: InternalError}
)

// New builds a fault of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), err: err}
}

// Quota builds a QuotaExceeded fault carrying the offending provision.
func Quota(info QuotaInfo) error {
	msg := fmt.Sprintf("quota exceeded for %s/%s: limit %d, usage %d, requested %d",
		info.Holder, info.Resource, info.Limit, info.Usage, info.Requested)
	return &Fault{Kind: QuotaExceeded, Msg: msg, Quota: &info}
}

// MissingBlocks reports block hashes the client must upload before retrying.
func MissingBlocks(hashes []string) error {
	return &Fault{
		Kind:    Conflict,
		Msg:     fmt.Sprintf("%d referenced blocks are missing", len(hashes)),
		Missing: hashes,
	}
}

// KindOf extracts the kind of an error, or InternalError for unclassified
// failures.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return InternalError
}

// QuotaInfoOf returns the quota context of an error, if any.
func QuotaInfoOf(err error) *QuotaInfo {
	var f *Fault
	if errors.As(err, &f) {
		return f.Quota
	}
	return nil
}

// MissingOf returns the missing block list of an error, if any.
func MissingOf(err error) []string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Missing
	}
	return nil
}
