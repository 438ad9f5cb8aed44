// Package docstore is the document-store contract the diary engine is written
// against: owner-scoped keyed documents, filtered range queries with cursor
// pagination, and optimistic read-then-write transactions that are re-run on
// conflict.
//
// Two implementations live here. MongoStore targets a MongoDB replica set and
// is what the server runs on. MemoryStore keeps everything in process and is
// used by tests and by local development without a database.
package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	// ErrNotFound is returned by Snapshot.DataTo on a missing document and
	// by a commit that updates a document which no longer exists.
	ErrNotFound = errors.New("document not found")

	// ErrReadAfterWrite is returned when a transaction body calls Get after
	// it has issued a write. It is a programming error and is never retried.
	ErrReadAfterWrite = errors.New("read after write in transaction")

	// ErrConflict marks a commit rejected because a document in the read set
	// changed. RunTransaction retries these internally.
	ErrConflict = errors.New("transaction conflict")

	// ErrTransient is returned once conflict retries are exhausted.
	ErrTransient = errors.New("transaction retries exhausted")
)

// Key identifies one document: Collection/Owner/ID.
type Key struct {
	Collection string
	Owner      string
	ID         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.Owner + "/" + k.ID
}

// docID is the storage identity inside a collection. It sorts by owner
// first, which keeps the pagination tie-break stable across owners.
func (k Key) docID() string {
	return k.Owner + "/" + k.ID
}

// Snapshot is the result of a point read.
type Snapshot struct {
	Key    Key
	exists bool
	raw    bson.Raw
}

// Exists reports whether the document was present when read.
func (s *Snapshot) Exists() bool {
	return s != nil && s.exists
}

// DataTo decodes the document into v, which should be a pointer to a struct
// with bson tags.
func (s *Snapshot) DataTo(v any) error {
	if !s.Exists() {
		return ErrNotFound
	}
	return bson.Unmarshal(s.raw, v)
}

// Fields is a partial document for Update and Merge. Values may be plain
// values, Increment, or OnCreate.
type Fields map[string]any

type increment struct{ n int64 }

// Increment adds n to a numeric field. A missing field counts as zero.
func Increment(n int64) any {
	return increment{n: n}
}

type onCreate struct{ v any }

// OnCreate writes v only when Merge creates the document.
func OnCreate(v any) any {
	return onCreate{v: v}
}

// Tx is the handle passed to a transaction body. All Gets must come before
// the first write. Writes are buffered and applied atomically at commit.
type Tx interface {
	Get(ctx context.Context, key Key) (*Snapshot, error)
	// Set replaces the whole document.
	Set(key Key, doc any) error
	// Update changes the given fields of an existing document; the commit
	// fails with ErrNotFound if the document is gone.
	Update(key Key, fields Fields) error
	// Merge upserts the given fields.
	Merge(key Key, fields Fields) error
	// Delete removes the document. Deleting a missing document is a no-op.
	Delete(key Key) error
	// Now is the transaction timestamp, fixed for the attempt.
	Now() time.Time
}

// TxFunc is a transaction body. It may run several times per call and must
// not have effects outside its reads and writes.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is implemented by MongoStore and MemoryStore.
type Store interface {
	RunTransaction(ctx context.Context, fn TxFunc) error
	Get(ctx context.Context, key Key) (*Snapshot, error)
	Query(ctx context.Context, q Query) (*Page, error)
	// Now is the store's clock, used for timestamps and query bounds.
	Now() time.Time
}

type writeKind int

const (
	writeSet writeKind = iota
	writeUpdate
	writeMerge
	writeDelete
)

type write struct {
	kind   writeKind
	key    Key
	doc    any
	fields Fields
}
