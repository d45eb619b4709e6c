package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestToolConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		tool ToolConfig
		ok   bool
	}{
		{name: "get", tool: ToolConfig{Name: "a", URLTemplate: "https://x.io/?q={query}"}, ok: true},
		{name: "post", tool: ToolConfig{Name: "a", Method: "post", URLTemplate: "http://x.io/{query}"}, ok: true},
		{name: "missing name", tool: ToolConfig{URLTemplate: "https://x.io/?q={query}"}},
		{name: "no placeholder", tool: ToolConfig{Name: "a", URLTemplate: "https://x.io/"}},
		{name: "relative", tool: ToolConfig{Name: "a", URLTemplate: "/search?q={query}"}},
		{name: "bad scheme", tool: ToolConfig{Name: "a", URLTemplate: "ftp://x.io/{query}"}},
		{name: "bad method", tool: ToolConfig{Name: "a", Method: "DELETE", URLTemplate: "https://x.io/{query}"}},
	}
	for _, tc := range cases {
		err := tc.tool.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: Validate() = %v, ok=%v", tc.name, err, tc.ok)
		}
	}
}

func as(uid string) context.Context {
	return docstore.WithPrincipal(context.Background(), docstore.Principal{SubjectID: uid})
}

func newCatalog(t *testing.T) (*docstore.MemoryStore, *Catalog) {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	for _, p := range []profile.Profile{
		{SubjectID: "admin", Email: "admin@x.io", IsAdmin: true, IsApproved: true},
		{SubjectID: "user", Email: "user@x.io", IsApproved: true},
		{SubjectID: "pending", Email: "pending@x.io"},
	} {
		if _, err := store.Set(context.Background(), docstore.CollectionProfiles, p.SubjectID, p.Fields(), docstore.SetOptions{}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return store, NewCatalog(docstore.NewGuard(store, profile.Rules{}), quietLog())
}

func TestCatalog_SaveListFind(t *testing.T) {
	_, cat := newCatalog(t)
	admin := as("admin")

	id, err := cat.Save(admin, ToolConfig{Name: "Whois", URLTemplate: "https://x.io/whois?q={query}", Enabled: true})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := cat.Save(admin, ToolConfig{ID: "dns", Name: "dns", URLTemplate: "https://x.io/dns/{query}", Headers: map[string]string{"X-Key": "${DNS_KEY}"}}); err != nil {
		t.Fatalf("save dns: %v", err)
	}
	if _, err := cat.Save(admin, ToolConfig{Name: "broken"}); !errors.Is(err, errInvalidTool) {
		t.Fatalf("invalid save err = %v", err)
	}

	tools, err := cat.List(as("user"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tools) != 2 || tools[0].Name != "dns" || tools[1].ID != id {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Headers["X-Key"] != "${DNS_KEY}" || tools[0].Method != "GET" {
		t.Fatalf("dns tool = %+v", tools[0])
	}

	got, err := cat.Find(as("user"), "WHOIS")
	if err != nil || got.ID != id {
		t.Fatalf("find by name = %+v, %v", got, err)
	}
	if _, err := cat.Find(as("user"), "nope"); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("find missing err = %v", err)
	}

	if _, err := cat.List(as("pending")); !docstore.IsPermissionDenied(err) {
		t.Fatalf("unapproved list err = %v", err)
	}
	if _, err := cat.Save(as("user"), ToolConfig{Name: "x", URLTemplate: "https://x.io/{query}"}); !docstore.IsPermissionDenied(err) {
		t.Fatalf("non-admin save err = %v", err)
	}

	if err := cat.Delete(admin, "dns"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if tools, _ := cat.List(admin); len(tools) != 1 {
		t.Fatalf("after delete = %+v", tools)
	}
}

func TestLoadSeedAndSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	seed := `tools:
  - id: whois
    name: WHOIS
    description: Domain registration lookup
    urlTemplate: https://x.io/whois?q={query}
    headers:
      Authorization: Bearer ${WHOIS_TOKEN}
    enabled: true
  - id: ip
    name: IP info
    method: POST
    urlTemplate: https://x.io/ip/{query}
`
	if err := os.WriteFile(path, []byte(seed), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tools, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(tools) != 2 || tools[0].Headers["Authorization"] != "Bearer ${WHOIS_TOKEN}" || !tools[0].Enabled || tools[1].Enabled {
		t.Fatalf("tools = %+v", tools)
	}

	_, cat := newCatalog(t)
	n, err := cat.Seed(as("admin"), tools)
	if err != nil || n != 2 {
		t.Fatalf("seed = %d, %v", n, err)
	}
	n, err = cat.Seed(as("admin"), tools)
	if err != nil || n != 0 {
		t.Fatalf("reseed = %d, %v", n, err)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("tools:\n  - name: x\n    urlTemplate: nope\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSeed(bad); err == nil {
		t.Fatal("invalid seed accepted")
	}
	if _, err := LoadSeed(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing seed accepted")
	}
}

func TestRunner_Run(t *testing.T) {
	var (
		mu                           sync.Mutex
		gotQuery, gotAuth, gotMethod string
	)
	last := func() (string, string, string) {
		mu.Lock()
		defer mu.Unlock()
		return gotQuery, gotAuth, gotMethod
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.Query().Get("q")
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		mu.Unlock()
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"domain":"example.com","registrar":"x"}`)
		case "/notjson":
			_, _ = io.WriteString(w, "<html>hi</html>")
		case "/big":
			_, _ = io.WriteString(w, `"`+strings.Repeat("a", 200)+`"`)
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"quota exceeded"}`)
		}
	}))
	defer srv.Close()

	r := &Runner{
		MaxBytes: 100,
		Timeout:  time.Second,
		Getenv: func(k string) string {
			if k == "TOKEN" {
				return "secret"
			}
			return ""
		},
		Log: quietLog(),
	}
	tool := func(path string) ToolConfig {
		return ToolConfig{
			Name:        path,
			URLTemplate: srv.URL + path + "?q={query}",
			Headers:     map[string]string{"Authorization": "Bearer ${TOKEN}"},
			Enabled:     true,
		}
	}
	ctx := context.Background()

	out, err := r.Run(ctx, tool("/ok"), "a b&c")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(out, &payload); err != nil || payload["domain"] != "example.com" {
		t.Fatalf("payload = %s, %v", out, err)
	}
	if q, auth, method := last(); q != "a b&c" || auth != "Bearer secret" || method != http.MethodGet {
		t.Fatalf("request query=%q auth=%q method=%q", q, auth, method)
	}

	_, err = r.Run(ctx, tool("/quota"), "x")
	var he *HTTPError
	if !errors.As(err, &he) || he.Status != http.StatusTooManyRequests || !strings.Contains(he.Body, "quota") {
		t.Fatalf("non-2xx err = %v", err)
	}

	if _, err := r.Run(ctx, tool("/notjson"), "x"); !errors.Is(err, ErrInvalidJSON) {
		t.Fatalf("non-json err = %v", err)
	}
	if _, err := r.Run(ctx, tool("/big"), "x"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversize err = %v", err)
	}

	slow := &Runner{Timeout: 20 * time.Millisecond, Log: quietLog()}
	if _, err := slow.Run(ctx, tool("/slow"), "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout err = %v", err)
	}

	disabled := tool("/ok")
	disabled.Enabled = false
	if _, err := r.Run(ctx, disabled, "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	if _, err := r.Run(ctx, tool("/ok"), "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("empty query err = %v", err)
	}

	post := tool("/ok")
	post.Method = "POST"
	if _, err := r.Run(ctx, post, "x"); err != nil {
		t.Fatalf("post run: %v", err)
	}
	if _, _, method := last(); method != http.MethodPost {
		t.Fatalf("post run method = %s", method)
	}
}
