package metrics

import (
	"context"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

// InstrumentRepository counts committed writes and authorization denials on repo.
func InstrumentRepository(repo docstore.Repository, m *Metrics) docstore.Repository {
	if m == nil {
		return repo
	}
	return &instrumented{next: repo, m: m}
}

type instrumented struct {
	next docstore.Repository
	m    *Metrics
}

func (r *instrumented) observe(collection, op string, err error) {
	switch {
	case err == nil:
		if op != "get" && op != "list" && op != "subscribe" {
			r.m.DocWrite(collection, op)
		}
	case docstore.IsPermissionDenied(err):
		r.m.DocDenied(collection, op)
	case docstore.IsConflict(err):
		r.m.DocConflict(collection, op)
	}
}

func (r *instrumented) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	doc, err := r.next.Get(ctx, collection, id)
	r.observe(collection, "get", err)
	return doc, err
}

func (r *instrumented) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	docs, err := r.next.List(ctx, collection)
	r.observe(collection, "list", err)
	return docs, err
}

func (r *instrumented) Set(ctx context.Context, collection, id string, fields map[string]any, opts docstore.SetOptions) (docstore.WriteResult, error) {
	res, err := r.next.Set(ctx, collection, id, fields, opts)
	r.observe(collection, "set", err)
	return res, err
}

func (r *instrumented) Add(ctx context.Context, collection string, fields map[string]any) (string, docstore.WriteResult, error) {
	id, res, err := r.next.Add(ctx, collection, fields)
	r.observe(collection, "add", err)
	return id, res, err
}

func (r *instrumented) Update(ctx context.Context, collection, id string, partial map[string]any) (docstore.WriteResult, error) {
	res, err := r.next.Update(ctx, collection, id, partial)
	r.observe(collection, "update", err)
	return res, err
}

func (r *instrumented) Delete(ctx context.Context, collection, id string) (docstore.WriteResult, error) {
	res, err := r.next.Delete(ctx, collection, id)
	r.observe(collection, "delete", err)
	return res, err
}

func (r *instrumented) Subscribe(ctx context.Context, target docstore.Target, onNext func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	sub, err := r.next.Subscribe(ctx, target, onNext, onError)
	r.observe(target.Collection, "subscribe", err)
	return sub, err
}
