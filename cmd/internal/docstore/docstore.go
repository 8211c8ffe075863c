// Package docstore defines the document-store contract the chat core rides
// on: keyed documents in (possibly nested) collections, atomic multi-document
// batches, filtered/ordered/paginated queries, and live subscriptions that
// deliver the full current result set on every remote change.
//
// Three backends implement the contract:
//   - MemoryStore: in-process, used for dev and as the test double.
//   - PostgresStore: pgx-backed, documents as JSONB rows, LISTEN/NOTIFY
//     wakeups for subscriptions.
//   - FirestoreStore: Cloud Firestore, the contract's native habitat.
//
// Delivery guarantees follow the weakest backend: at-least-once emissions,
// ordered per subscription, no ordering across two different subscriptions.
// Consumers that merge streams must tolerate that (see chat.Pager).
package docstore

import (
	"context"
	"time"
)

// Ref addresses a single document inside a collection.
// Collection may be a nested path such as "conversations/<id>/messages".
type Ref struct {
	Collection string
	ID         string
}

// Path returns the canonical "collection/id" form, useful in logs.
func (r Ref) Path() string { return r.Collection + "/" + r.ID }

// OpKind discriminates batch operations.
type OpKind int

const (
	// OpSet creates or replaces a document. With Merge it folds the given
	// top-level fields into the existing document instead.
	OpSet OpKind = iota
	// OpUpdate mutates an existing document and fails with ErrNotFound if
	// the document does not exist. Field keys may address one level of
	// nesting with a dotted path ("lastMessage.status").
	OpUpdate
	// OpDelete removes a document. Deleting an absent document is a no-op.
	OpDelete
)

// Op is one write inside an atomic batch.
type Op struct {
	Kind   OpKind
	Ref    Ref
	Fields map[string]any
	Merge  bool
}

// Set builds a document-replace operation.
func Set(ref Ref, fields map[string]any) Op {
	return Op{Kind: OpSet, Ref: ref, Fields: fields}
}

// SetMerge builds a merge-write operation (upsert of the given fields).
func SetMerge(ref Ref, fields map[string]any) Op {
	return Op{Kind: OpSet, Ref: ref, Fields: fields, Merge: true}
}

// Update builds a must-exist mutation operation.
func Update(ref Ref, fields map[string]any) Op {
	return Op{Kind: OpUpdate, Ref: ref, Fields: fields}
}

// Delete builds a document delete operation.
func Delete(ref Ref) Op {
	return Op{Kind: OpDelete, Ref: ref}
}

// FilterOp is the comparison applied by a query filter.
type FilterOp string

const (
	// FilterEqual matches documents whose field equals the value.
	FilterEqual FilterOp = "=="
	// FilterNotEqual matches documents that have the field and whose value
	// differs. Documents missing the field do not match (Firestore
	// semantics; the other backends mirror them).
	FilterNotEqual FilterOp = "!="
)

// Filter is one predicate of a query.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Where is shorthand for constructing a Filter.
func Where(field string, op FilterOp, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query describes a filtered, ordered, paginated read over one collection.
type Query struct {
	Collection string
	Filters    []Filter

	// OrderBy names the field results are sorted on. Ties are broken by
	// document id so pagination cursors are stable.
	OrderBy string
	Desc    bool

	Limit int

	// StartAfter is an exclusive cursor: the OrderBy-field value of the last
	// document of the previous page. Nil means "from the start".
	StartAfter any
}

// Store is the document-store client contract consumed by the chat core.
//
// Batch commits atomically: after a failure none of the batch's writes are
// observable. Every method honors ctx cancellation.
type Store interface {
	// Get reads one document. Absence is reported as ErrNotFound.
	Get(ctx context.Context, ref Ref) (Snapshot, error)

	// GetAll runs a one-shot query.
	GetAll(ctx context.Context, q Query) ([]Snapshot, error)

	// Batch applies all operations as a single all-or-nothing unit.
	Batch(ctx context.Context, ops []Op) error

	// Subscribe opens a live query subscription. The first emission is the
	// current result set; later emissions follow remote changes. The caller
	// must call Unsubscribe (teardown also runs when ctx is canceled).
	Subscribe(ctx context.Context, q Query) (*Subscription, error)

	// SubscribeDoc opens a live subscription on a single document. Emissions
	// carry Exists=false when the document is missing or deleted.
	SubscribeDoc(ctx context.Context, ref Ref) (*DocSubscription, error)

	Close() error
}

// ServerTime is the injectable clock used by backends to resolve
// ServerTimestamp sentinels. Zero value means time.Now.
type ServerTime func() time.Time

func (f ServerTime) now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}
