package docstore

import (
	"context"
	"errors"
)

// Principal is the authenticated caller of a repository operation.
type Principal struct {
	SubjectID string
	Email     string
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached to ctx, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.SubjectID == "" {
		return Principal{}, false
	}
	return p, true
}

// Access is the kind of operation being authorized.
type Access string

const (
	AccessRead   Access = "read"
	AccessList   Access = "list"
	AccessCreate Access = "create"
	AccessUpdate Access = "update"
	AccessDelete Access = "delete"
)

// Request describes one access decision.
//
// Existing is nil when the document does not exist (or for list/Add). After and Changed are
// set for create and update: After is the full document as it would be committed and Changed
// the top-level keys that differ from Existing.
type Request struct {
	Principal  Principal
	Access     Access
	Collection string
	ID         string
	Existing   *Document
	After      map[string]any
	Changed    []string
}

// Authorizer decides whether a request is allowed. A non-nil error denies it.
// The reader is unguarded so rules can consult other documents (e.g. the caller's own profile).
type Authorizer interface {
	Authorize(ctx context.Context, r Reader, req Request) error
}

// Guard enforces an Authorizer in front of a Repository.
// The principal is taken from the context of each call; calls without one are denied.
type Guard struct {
	store Repository
	rules Authorizer
}

var _ Repository = (*Guard)(nil)

// NewGuard wraps store with rules.
func NewGuard(store Repository, rules Authorizer) *Guard {
	return &Guard{store: store, rules: rules}
}

func (g *Guard) authorize(ctx context.Context, op string, req Request) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return opErr(op, ErrPermissionDenied, "unauthenticated")
	}
	req.Principal = p
	if err := g.rules.Authorize(ctx, g.store, req); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return err
		}
		if errors.Is(err, ErrUnavailable) {
			return wrapErr(op, ErrUnavailable, err)
		}
		return wrapErr(op, ErrPermissionDenied, err)
	}
	return nil
}

// existing loads the current document, mapping ErrNotFound to nil.
func (g *Guard) existing(ctx context.Context, collection, id string) (*Document, error) {
	d, err := g.store.Get(ctx, collection, id)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (g *Guard) Get(ctx context.Context, collection, id string) (Document, error) {
	const op = "docstore.Get"
	if err := validateRef(op, collection, id); err != nil {
		return Document{}, err
	}
	cur, err := g.existing(ctx, collection, id)
	if err != nil {
		return Document{}, err
	}
	if err := g.authorize(ctx, op, Request{Access: AccessRead, Collection: collection, ID: id, Existing: cur}); err != nil {
		return Document{}, err
	}
	if cur == nil {
		return Document{}, opErr(op, ErrNotFound, collection+"/"+id)
	}
	return *cur, nil
}

func (g *Guard) List(ctx context.Context, collection string) ([]Document, error) {
	const op = "docstore.List"
	if err := g.authorize(ctx, op, Request{Access: AccessList, Collection: collection}); err != nil {
		return nil, err
	}
	return g.store.List(ctx, collection)
}

func (g *Guard) Set(ctx context.Context, collection, id string, fields map[string]any, opts SetOptions) (WriteResult, error) {
	const op = "docstore.Set"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(fields)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	cur, err := g.existing(ctx, collection, id)
	if err != nil {
		return WriteResult{}, err
	}
	if err := opts.check(op, cur); err != nil {
		// Only reveal the stored state to callers that could read the document.
		if aerr := g.authorize(ctx, op, Request{Access: AccessRead, Collection: collection, ID: id, Existing: cur}); aerr != nil {
			return WriteResult{}, aerr
		}
		return WriteResult{}, err
	}

	req := Request{Access: AccessCreate, Collection: collection, ID: id, Existing: cur}
	var base map[string]any
	if cur != nil {
		req.Access = AccessUpdate
		base = cur.Data
	}
	req.After = Apply(base, norm, opts.Merge)
	req.Changed = ChangedKeys(base, req.After)
	if err := g.authorize(ctx, op, req); err != nil {
		return WriteResult{}, err
	}
	return g.store.Set(ctx, collection, id, norm, opts)
}

func (g *Guard) Add(ctx context.Context, collection string, fields map[string]any) (string, WriteResult, error) {
	const op = "docstore.Add"
	norm, err := Normalize(fields)
	if err != nil {
		return "", WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	after := Apply(nil, norm, false)
	req := Request{Access: AccessCreate, Collection: collection, After: after, Changed: ChangedKeys(nil, after)}
	if err := g.authorize(ctx, op, req); err != nil {
		return "", WriteResult{}, err
	}
	return g.store.Add(ctx, collection, norm)
}

func (g *Guard) Update(ctx context.Context, collection, id string, partial map[string]any) (WriteResult, error) {
	const op = "docstore.Update"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(partial)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	cur, err := g.existing(ctx, collection, id)
	if err != nil {
		return WriteResult{}, err
	}
	if cur == nil {
		// Only reveal absence to callers that could read the document.
		if err := g.authorize(ctx, op, Request{Access: AccessRead, Collection: collection, ID: id}); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{}, opErr(op, ErrNotFound, collection+"/"+id)
	}

	after := Apply(cur.Data, norm, true)
	req := Request{
		Access:     AccessUpdate,
		Collection: collection,
		ID:         id,
		Existing:   cur,
		After:      after,
		Changed:    ChangedKeys(cur.Data, after),
	}
	if err := g.authorize(ctx, op, req); err != nil {
		return WriteResult{}, err
	}
	return g.store.Update(ctx, collection, id, norm)
}

func (g *Guard) Delete(ctx context.Context, collection, id string) (WriteResult, error) {
	const op = "docstore.Delete"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	cur, err := g.existing(ctx, collection, id)
	if err != nil {
		return WriteResult{}, err
	}
	if err := g.authorize(ctx, op, Request{Access: AccessDelete, Collection: collection, ID: id, Existing: cur}); err != nil {
		return WriteResult{}, err
	}
	return g.store.Delete(ctx, collection, id)
}

// Subscribe authorizes the target once, when the subscription is opened.
func (g *Guard) Subscribe(ctx context.Context, target Target, onNext func(Snapshot), onError func(error)) (Subscription, error) {
	const op = "docstore.Subscribe"
	if err := validateTarget(op, target); err != nil {
		return nil, err
	}

	req := Request{Access: AccessList, Collection: target.Collection}
	if !target.IsCollection() {
		cur, err := g.existing(ctx, target.Collection, target.ID)
		if err != nil {
			return nil, err
		}
		req = Request{Access: AccessRead, Collection: target.Collection, ID: target.ID, Existing: cur}
	}
	if err := g.authorize(ctx, op, req); err != nil {
		return nil, err
	}
	return g.store.Subscribe(ctx, target, onNext, onError)
}

// As returns a Repository that runs every call as the principal reported by who.
// When who reports no principal, calls run unauthenticated and are denied.
func (g *Guard) As(who func() (Principal, bool)) Repository {
	return &boundRepo{g: g, who: who}
}

type boundRepo struct {
	g   *Guard
	who func() (Principal, bool)
}

func (b *boundRepo) ctx(ctx context.Context) context.Context {
	if p, ok := b.who(); ok {
		return WithPrincipal(ctx, p)
	}
	return context.WithValue(ctx, principalKey{}, Principal{})
}

func (b *boundRepo) Get(ctx context.Context, collection, id string) (Document, error) {
	return b.g.Get(b.ctx(ctx), collection, id)
}

func (b *boundRepo) List(ctx context.Context, collection string) ([]Document, error) {
	return b.g.List(b.ctx(ctx), collection)
}

func (b *boundRepo) Set(ctx context.Context, collection, id string, fields map[string]any, opts SetOptions) (WriteResult, error) {
	return b.g.Set(b.ctx(ctx), collection, id, fields, opts)
}

func (b *boundRepo) Add(ctx context.Context, collection string, fields map[string]any) (string, WriteResult, error) {
	return b.g.Add(b.ctx(ctx), collection, fields)
}

func (b *boundRepo) Update(ctx context.Context, collection, id string, partial map[string]any) (WriteResult, error) {
	return b.g.Update(b.ctx(ctx), collection, id, partial)
}

func (b *boundRepo) Delete(ctx context.Context, collection, id string) (WriteResult, error) {
	return b.g.Delete(b.ctx(ctx), collection, id)
}

func (b *boundRepo) Subscribe(ctx context.Context, target Target, onNext func(Snapshot), onError func(error)) (Subscription, error) {
	return b.g.Subscribe(b.ctx(ctx), target, onNext, onError)
}
