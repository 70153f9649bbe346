package facts

import (
	"context"
	"fmt"
)

// Table is the uniform, non-generic boundary through which the Runtime sees
// each query table. The engine never inspects concrete key or value types:
// it dispatches verification by key through this interface, and relies on
// keys being comparable for hashing and equality.
type Table interface {
	// Name of the table, unique within its Runtime.
	Name() string

	// maybeChangedSince reports whether the value of |arg| may have changed
	// after revision |since|. It may block on an in-progress computation of
	// the key, and may itself recompute the key's value. A true result with
	// a nil error is conservative: the value either changed or could not be
	// proven unchanged.
	maybeChangedSince(ctx context.Context, arg any, since Revision) (bool, error)
}

// QueryKey identifies a query function plus its argument: a single fetchable
// fact. QueryKeys are comparable (the dynamic Arg type is always a
// comparable user key type) and stable across revisions.
type QueryKey struct {
	// Table owning the key.
	Table Table
	// Arg is the user key within the table.
	Arg any
}

// String returns a rendering of the QueryKey (eg, `file-text("a.go")`).
func (k QueryKey) String() string {
	if k.Table == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s(%v)", k.Table.Name(), k.Arg)
}

// depRecord is one recorded dependency of a memo: the key which was read,
// and a snapshot of its changed-at revision as of the read.
type depRecord struct {
	key       QueryKey
	changedAt Revision
}
