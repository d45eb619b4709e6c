// Package docapi exposes the document repository over HTTP.
//
// Routes (all require a bearer token):
//
//	GET    /v1/docs/{collection}        list
//	POST   /v1/docs/{collection}        add with a generated id
//	GET    /v1/docs/{collection}/{id}   get
//	PUT    /v1/docs/{collection}/{id}   set (?merge=true overlays; ?mustNotExist=true and
//	                                    ?ifRevision=N make the write conditional, 409 on mismatch)
//	PATCH  /v1/docs/{collection}/{id}   update an existing document
//	DELETE /v1/docs/{collection}/{id}   delete
package docapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/httpjson"
)

// Authenticator resolves a bearer token to the calling principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (docstore.Principal, error)
}

// Handler serves the document routes.
type Handler struct {
	log     *slog.Logger
	repo    docstore.Repository
	auth    Authenticator
	maxBody int64
}

// NewHandler constructs a Handler. repo is expected to be guarded.
func NewHandler(log *slog.Logger, repo docstore.Repository, auth Authenticator, maxBody int64) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("docapi: nil repository")
	}
	if auth == nil {
		return nil, errors.New("docapi: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	if maxBody <= 0 {
		maxBody = 64 << 10
	}
	return &Handler{log: log, repo: repo, auth: auth, maxBody: maxBody}, nil
}

// Register wires the routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/docs/{collection}", h.handleList)
	mux.HandleFunc("POST /v1/docs/{collection}", h.handleAdd)
	mux.HandleFunc("GET /v1/docs/{collection}/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/docs/{collection}/{id}", h.handleSet)
	mux.HandleFunc("PATCH /v1/docs/{collection}/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/docs/{collection}/{id}", h.handleDelete)
}

type documentResponse struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Revision   int64          `json:"revision"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Data       map[string]any `json:"data"`
}

type listResponse struct {
	Documents []documentResponse `json:"documents"`
}

type writeResponse struct {
	ID       string `json:"id,omitempty"`
	Revision int64  `json:"revision"`
}

func toDocumentResponse(d docstore.Document) documentResponse {
	data := d.Data
	if data == nil {
		data = map[string]any{}
	}
	return documentResponse{
		Collection: d.Collection,
		ID:         d.ID,
		Revision:   d.Revision,
		UpdatedAt:  d.UpdatedAt,
		Data:       data,
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	docs, err := h.repo.List(ctx, r.PathValue("collection"))
	if err != nil {
		h.writeRepoError(w, "docs.list", err)
		return
	}
	out := listResponse{Documents: make([]documentResponse, 0, len(docs))}
	for _, d := range docs {
		out.Documents = append(out.Documents, toDocumentResponse(d))
	}
	httpjson.Write(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	d, err := h.repo.Get(ctx, r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		h.writeRepoError(w, "docs.get", err)
		return
	}
	httpjson.Write(w, http.StatusOK, toDocumentResponse(d))
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	fields, ok := h.decodeFields(w, r)
	if !ok {
		return
	}
	opts, err := setOptions(r.URL.Query())
	if err != nil {
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	res, err := h.repo.Set(ctx, r.PathValue("collection"), r.PathValue("id"), fields, opts)
	if err != nil {
		h.writeRepoError(w, "docs.set", err)
		return
	}
	httpjson.Write(w, http.StatusOK, writeResponse{Revision: res.Revision})
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	fields, ok := h.decodeFields(w, r)
	if !ok {
		return
	}
	res, err := h.repo.Update(ctx, r.PathValue("collection"), r.PathValue("id"), fields)
	if err != nil {
		h.writeRepoError(w, "docs.update", err)
		return
	}
	httpjson.Write(w, http.StatusOK, writeResponse{Revision: res.Revision})
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	fields, ok := h.decodeFields(w, r)
	if !ok {
		return
	}
	id, res, err := h.repo.Add(ctx, r.PathValue("collection"), fields)
	if err != nil {
		h.writeRepoError(w, "docs.add", err)
		return
	}
	httpjson.Write(w, http.StatusCreated, writeResponse{ID: id, Revision: res.Revision})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	res, err := h.repo.Delete(ctx, r.PathValue("collection"), r.PathValue("id"))
	if err != nil {
		h.writeRepoError(w, "docs.delete", err)
		return
	}
	httpjson.Write(w, http.StatusOK, writeResponse{Revision: res.Revision})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	token := bearerToken(r)
	if token == "" {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	p, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return nil, false
	}
	return docstore.WithPrincipal(r.Context(), p), true
}

func (h *Handler) decodeFields(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var fields map[string]any
	if err := httpjson.Decode(w, r, h.maxBody, &fields); err != nil || fields == nil {
		httpjson.BadBody(w, err, "invalid_json", "request body must be a JSON object")
		return nil, false
	}
	return fields, true
}

func (h *Handler) writeRepoError(w http.ResponseWriter, op string, err error) {
	switch {
	case docstore.IsPermissionDenied(err):
		httpjson.Error(w, http.StatusForbidden, "permission_denied", "permission denied")
	case docstore.IsNotFound(err):
		httpjson.Error(w, http.StatusNotFound, "not_found", "document not found")
	case docstore.IsConflict(err):
		httpjson.Error(w, http.StatusConflict, "conflict", "document changed; read it again and retry")
	case errors.Is(err, docstore.ErrInvalidArgument):
		httpjson.Error(w, http.StatusBadRequest, "invalid_argument", err.Error())
	case docstore.IsUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(op+".unavailable", "err", err)
		httpjson.Error(w, http.StatusServiceUnavailable, "unavailable", "please retry later")
	default:
		h.log.Error(op+".fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func setOptions(q url.Values) (docstore.SetOptions, error) {
	var opts docstore.SetOptions
	opts.Merge, _ = strconv.ParseBool(q.Get("merge"))
	opts.MustNotExist, _ = strconv.ParseBool(q.Get("mustNotExist"))
	if raw := q.Get("ifRevision"); raw != "" {
		rev, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || rev <= 0 {
			return opts, errors.New("ifRevision must be a positive integer")
		}
		opts.IfRevision = rev
	}
	return opts, nil
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
