package docstore

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Well-known collections.
const (
	CollectionProfiles = "profiles"
	CollectionTools    = "tools"
)

// Document is one stored record.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	Revision   int64
	UpdatedAt  time.Time
}

// Snapshot is the state of one document as observed by a subscriber.
// Data is nil when Exists is false.
type Snapshot struct {
	Collection string
	ID         string
	Exists     bool
	Data       map[string]any
	Revision   int64
}

// Target selects what a subscription watches: one document, or a whole collection when ID is empty.
type Target struct {
	Collection string
	ID         string
}

// Doc returns a Target for a single document.
func Doc(collection, id string) Target { return Target{Collection: collection, ID: id} }

// Collection returns a Target for every document of a collection.
func Collection(name string) Target { return Target{Collection: name} }

// IsCollection reports whether t watches a whole collection.
func (t Target) IsCollection() bool { return t.ID == "" }

func (t Target) matches(collection, id string) bool {
	if t.Collection != collection {
		return false
	}
	return t.ID == "" || t.ID == id
}

func (t Target) String() string {
	if t.ID == "" {
		return t.Collection
	}
	return t.Collection + "/" + t.ID
}

// SetOptions controls Set. With Merge, fields are overlaid on the existing document and a nil
// value deletes that field; without it the document is replaced.
//
// MustNotExist and IfRevision are preconditions checked atomically with the write; a write
// whose precondition fails is rejected with ErrConflict and changes nothing.
type SetOptions struct {
	Merge        bool
	MustNotExist bool
	// IfRevision, when non-zero, requires the document to exist at exactly this revision.
	IfRevision int64
}

// Conditional reports whether the write carries a precondition.
func (o SetOptions) Conditional() bool { return o.MustNotExist || o.IfRevision != 0 }

func (o SetOptions) check(op string, cur *Document) error {
	if o.MustNotExist && cur != nil {
		return opErr(op, ErrConflict, cur.Collection+"/"+cur.ID+" already exists")
	}
	if o.IfRevision != 0 {
		if cur == nil {
			return opErr(op, ErrConflict, "document does not exist")
		}
		if cur.Revision != o.IfRevision {
			return opErr(op, ErrConflict, fmt.Sprintf("revision is %d, expected %d", cur.Revision, o.IfRevision))
		}
	}
	return nil
}

// WriteResult reports the committed revision of a write.
type WriteResult struct {
	Revision int64
}

// Subscription is a live handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Reader is the read half of a Repository.
type Reader interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
}

// Repository is the full document repository contract.
//
// All methods may fail with ErrPermissionDenied, which callers must keep distinct
// from ErrUnavailable (transport/backend failures).
type Repository interface {
	Reader
	Set(ctx context.Context, collection, id string, fields map[string]any, opts SetOptions) (WriteResult, error)
	Add(ctx context.Context, collection string, fields map[string]any) (string, WriteResult, error)
	Update(ctx context.Context, collection, id string, partial map[string]any) (WriteResult, error)
	Delete(ctx context.Context, collection, id string) (WriteResult, error)

	// Subscribe delivers the current state first and then every committed change, in commit
	// order per document, until the subscription is closed. onError is called at most once.
	Subscribe(ctx context.Context, target Target, onNext func(Snapshot), onError func(error)) (Subscription, error)
}

func validName(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, "/ \t\r\n")
}

func validateTarget(op string, t Target) error {
	if !validName(t.Collection) {
		return opErr(op, ErrInvalidArgument, "invalid collection")
	}
	if t.ID != "" && !validName(t.ID) {
		return opErr(op, ErrInvalidArgument, "invalid document id")
	}
	return nil
}

func validateRef(op, collection, id string) error {
	if !validName(collection) {
		return opErr(op, ErrInvalidArgument, "invalid collection")
	}
	if !validName(id) {
		return opErr(op, ErrInvalidArgument, "invalid document id")
	}
	return nil
}
