package docstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore is an in-process Repository used when no database is configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	rev    int64
	docs   map[string]map[string]*Document
	broker *broker
	closed bool

	now func() time.Time
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]*Document),
		broker: newBroker(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the document or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	const op = "docstore.Get"
	if err := validateRef(op, collection, id); err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Document{}, opErr(op, ErrUnavailable, "store closed")
	}

	d, ok := s.docs[collection][id]
	if !ok {
		return Document{}, opErr(op, ErrNotFound, collection+"/"+id)
	}
	return copyDoc(d), nil
}

// List returns every document of a collection ordered by id.
func (s *MemoryStore) List(ctx context.Context, collection string) ([]Document, error) {
	const op = "docstore.List"
	if !validName(collection) {
		return nil, opErr(op, ErrInvalidArgument, "invalid collection")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, opErr(op, ErrUnavailable, "store closed")
	}
	return s.listLocked(collection), nil
}

func (s *MemoryStore) listLocked(collection string) []Document {
	coll := s.docs[collection]
	out := make([]Document, 0, len(coll))
	for _, d := range coll {
		out = append(out, copyDoc(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Set writes fields into collection/id, creating the document when absent.
func (s *MemoryStore) Set(ctx context.Context, collection, id string, fields map[string]any, opts SetOptions) (WriteResult, error) {
	const op = "docstore.Set"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(fields)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(op, collection, id, norm, opts, false)
}

// Add creates a document with a generated ULID id.
func (s *MemoryStore) Add(ctx context.Context, collection string, fields map[string]any) (string, WriteResult, error) {
	id := ulid.Make().String()
	res, err := s.Set(ctx, collection, id, fields, SetOptions{})
	if err != nil {
		return "", WriteResult{}, err
	}
	return id, res, nil
}

// Update merges partial into an existing document; it fails with ErrNotFound otherwise.
func (s *MemoryStore) Update(ctx context.Context, collection, id string, partial map[string]any) (WriteResult, error) {
	const op = "docstore.Update"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(partial)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(op, collection, id, norm, SetOptions{Merge: true}, true)
}

func (s *MemoryStore) writeLocked(op, collection, id string, fields map[string]any, opts SetOptions, mustExist bool) (WriteResult, error) {
	if s.closed {
		return WriteResult{}, opErr(op, ErrUnavailable, "store closed")
	}

	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]*Document)
		s.docs[collection] = coll
	}

	cur := coll[id]
	if cur == nil && mustExist {
		return WriteResult{}, opErr(op, ErrNotFound, collection+"/"+id)
	}
	if err := opts.check(op, cur); err != nil {
		return WriteResult{}, err
	}
	var base map[string]any
	if cur != nil {
		base = cur.Data
	}

	s.rev++
	d := &Document{
		Collection: collection,
		ID:         id,
		Data:       Apply(base, fields, opts.Merge),
		Revision:   s.rev,
		UpdatedAt:  s.now(),
	}
	coll[id] = d

	s.broker.publish(Snapshot{Collection: collection, ID: id, Exists: true, Data: d.Data, Revision: d.Revision})
	return WriteResult{Revision: d.Revision}, nil
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) (WriteResult, error) {
	const op = "docstore.Delete"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WriteResult{}, opErr(op, ErrUnavailable, "store closed")
	}

	if _, ok := s.docs[collection][id]; !ok {
		return WriteResult{Revision: s.rev}, nil
	}
	delete(s.docs[collection], id)
	s.rev++
	s.broker.publish(Snapshot{Collection: collection, ID: id, Exists: false, Revision: s.rev})
	return WriteResult{Revision: s.rev}, nil
}

// Subscribe registers a watcher and queues the current state before any later commit.
func (s *MemoryStore) Subscribe(ctx context.Context, target Target, onNext func(Snapshot), onError func(error)) (Subscription, error) {
	const op = "docstore.Subscribe"
	if err := validateTarget(op, target); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, opErr(op, ErrUnavailable, "store closed")
	}

	sub := s.broker.add(target, onNext, onError)
	if target.IsCollection() {
		for _, d := range s.listLocked(target.Collection) {
			sub.push(snapshotOf(d))
		}
		return sub, nil
	}

	if d, ok := s.docs[target.Collection][target.ID]; ok {
		sub.push(snapshotOf(*d))
	} else {
		sub.push(Snapshot{Collection: target.Collection, ID: target.ID})
	}
	return sub, nil
}

// Subscribers reports the number of live subscriptions.
func (s *MemoryStore) Subscribers() int { return s.broker.count() }

// Close terminates every subscription with ErrClosed and rejects further calls.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.broker.fail(opErr("docstore.Subscribe", ErrClosed, "store closed"))
	return nil
}

func copyDoc(d *Document) Document {
	out := *d
	out.Data = Clone(d.Data)
	return out
}

func snapshotOf(d Document) Snapshot {
	return Snapshot{Collection: d.Collection, ID: d.ID, Exists: true, Data: d.Data, Revision: d.Revision}
}
