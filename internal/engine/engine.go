package engine

// ChangeOrigin says whether a document change came from a local mutation or
// from merging remote bytes. Subscribers use it to avoid echoing remote
// changes back to the peer that produced them.
type ChangeOrigin int

const (
	OriginLocal ChangeOrigin = iota
	OriginRemote
)

// Relation is the outcome of comparing two versions under the causal
// partial order.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	}
	return "unknown"
}

// Document is the opaque CRDT state container. Merge must be commutative,
// associative and idempotent; ExportDelta(nil) is a full snapshot.
//
// Change callbacks run inline from the mutation point; handlers must not
// call back into the document synchronously.
type Document interface {
	Merge(delta []byte) error
	ExportSnapshot() ([]byte, error)
	ExportDelta(from []byte) ([]byte, error)
	Version() []byte
	OnChange(fn func(origin ChangeOrigin)) (cancel func())
	Release()
}

// Engine creates documents and compares the opaque version bytes they
// produce. One engine implementation is shared by every component that
// needs to reason about versions without holding a document.
type Engine interface {
	NewDocument(actor string) Document
	CompareVersions(a, b []byte) (Relation, error)
	// MergeVersions returns the least upper bound of two versions.
	MergeVersions(a, b []byte) ([]byte, error)
	// DeltaVersion extracts the version a delta carries without applying it.
	DeltaVersion(delta []byte) ([]byte, error)
}
