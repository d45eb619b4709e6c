package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

type documentJSON struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Revision   int64          `json:"revision"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Data       map[string]any `json:"data"`
}

func (d documentJSON) document() docstore.Document {
	return docstore.Document{
		Collection: d.Collection,
		ID:         d.ID,
		Data:       d.Data,
		Revision:   d.Revision,
		UpdatedAt:  d.UpdatedAt,
	}
}

type writeJSON struct {
	ID       string `json:"id,omitempty"`
	Revision int64  `json:"revision"`
}

// Get reads one document over the document API.
func (c *Client) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	const op = "remote.Get"
	resp, err := c.docRequest(ctx, op, http.MethodGet, c.endpoint("v1", "docs", collection, id), nil)
	if err != nil {
		return docstore.Document{}, err
	}
	var out documentJSON
	if err := decodeBody(op, resp, &out); err != nil {
		return docstore.Document{}, err
	}
	return out.document(), nil
}

// List reads a whole collection.
func (c *Client) List(ctx context.Context, collection string) ([]docstore.Document, error) {
	const op = "remote.List"
	resp, err := c.docRequest(ctx, op, http.MethodGet, c.endpoint("v1", "docs", collection), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Documents []documentJSON `json:"documents"`
	}
	if err := decodeBody(op, resp, &out); err != nil {
		return nil, err
	}
	docs := make([]docstore.Document, 0, len(out.Documents))
	for _, d := range out.Documents {
		docs = append(docs, d.document())
	}
	return docs, nil
}

// Set writes a document; with opts.Merge the fields are overlaid on the stored document.
// Preconditions are checked by the server and fail with docstore.ErrConflict.
func (c *Client) Set(ctx context.Context, collection, id string, fields map[string]any, opts docstore.SetOptions) (docstore.WriteResult, error) {
	u := c.endpoint("v1", "docs", collection, id)
	q := url.Values{}
	if opts.Merge {
		q.Set("merge", "true")
	}
	if opts.MustNotExist {
		q.Set("mustNotExist", "true")
	}
	if opts.IfRevision != 0 {
		q.Set("ifRevision", strconv.FormatInt(opts.IfRevision, 10))
	}
	u.RawQuery = q.Encode()
	return c.write(ctx, "remote.Set", http.MethodPut, u, fields)
}

// Update merges partial into an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, partial map[string]any) (docstore.WriteResult, error) {
	return c.write(ctx, "remote.Update", http.MethodPatch, c.endpoint("v1", "docs", collection, id), partial)
}

// Delete removes a document.
func (c *Client) Delete(ctx context.Context, collection, id string) (docstore.WriteResult, error) {
	return c.write(ctx, "remote.Delete", http.MethodDelete, c.endpoint("v1", "docs", collection, id), nil)
}

// Add creates a document with a server generated id.
func (c *Client) Add(ctx context.Context, collection string, fields map[string]any) (string, docstore.WriteResult, error) {
	const op = "remote.Add"
	resp, err := c.docRequest(ctx, op, http.MethodPost, c.endpoint("v1", "docs", collection), fields)
	if err != nil {
		return "", docstore.WriteResult{}, err
	}
	var out writeJSON
	if err := decodeBody(op, resp, &out); err != nil {
		return "", docstore.WriteResult{}, err
	}
	return out.ID, docstore.WriteResult{Revision: out.Revision}, nil
}

// Subscribe watches target over the shared change feed connection.
func (c *Client) Subscribe(ctx context.Context, target docstore.Target, onNext func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	return c.feed.subscribe(ctx, target, onNext, onError)
}

func (c *Client) write(ctx context.Context, op, method string, u *url.URL, body map[string]any) (docstore.WriteResult, error) {
	var payload any
	if body != nil {
		payload = body
	}
	resp, err := c.docRequest(ctx, op, method, u, payload)
	if err != nil {
		return docstore.WriteResult{}, err
	}
	var out writeJSON
	if err := decodeBody(op, resp, &out); err != nil {
		return docstore.WriteResult{}, err
	}
	return docstore.WriteResult{Revision: out.Revision}, nil
}

// docRequest returns the response only for 2xx; everything else is mapped onto the docstore
// error kinds.
func (c *Client) docRequest(ctx context.Context, op, method string, u *url.URL, body any) (*http.Response, error) {
	if c.Token() == "" {
		return nil, &docstore.OpError{Op: op, Kind: docstore.ErrPermissionDenied, Err: ErrSignedOut}
	}
	resp, err := c.do(ctx, op, method, u, body, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, docErrorFrom(op, resp)
	}
	return resp, nil
}
