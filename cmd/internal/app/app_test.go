package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/auth/session"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://flexer.example.com", want: "wss://flexer.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()
	t.Setenv("FLEXER_AUTH_EPHEMERAL_KEY", "true")
	t.Setenv("FLEXER_PASETO_V4_SECRET_KEY_HEX", "")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func doJSON(t *testing.T, method, url, token string, body any) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

func registerUser(t *testing.T, base, email string) (uid, token string) {
	t.Helper()
	code, body := doJSON(t, http.MethodPost, base+"/v1/auth/register", "", map[string]any{
		"email":    email,
		"password": "correct-horse-battery-staple",
		"platform": "cli",
	})
	if code != http.StatusCreated {
		t.Fatalf("register status = %d body=%v", code, body)
	}
	uid, _ = body["subjectId"].(string)
	token, _ = body["accessToken"].(string)
	if uid == "" || token == "" {
		t.Fatalf("register response = %v", body)
	}
	return uid, token
}

func TestApp_InMemoryEndToEnd(t *testing.T) {
	a, srv := newTestApp(t, Config{MetricsEnabled: true})
	defer a.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing: %q", got)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("request id header missing")
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}

	uid, token := registerUser(t, srv.URL, "analyst@example.com")
	docURL := srv.URL + "/v1/docs/profiles/" + uid

	p := profile.New(uid, "analyst@example.com", profile.SessionDescriptor{SessionID: "dev-1", Label: "laptop", Platform: "cli"})
	code, body := doJSON(t, http.MethodPut, docURL, token, p.Fields())
	if code != http.StatusOK {
		t.Fatalf("create profile status = %d body=%v", code, body)
	}

	code, body = doJSON(t, http.MethodGet, docURL, token, nil)
	if code != http.StatusOK {
		t.Fatalf("get profile status = %d body=%v", code, body)
	}
	data, _ := body["data"].(map[string]any)
	if data[profile.FieldLastSessionID] != "dev-1" {
		t.Fatalf("profile data = %v", data)
	}

	// Self-approval is rejected by the profile rules.
	code, _ = doJSON(t, http.MethodPut, docURL+"?merge=true", token, map[string]any{profile.FieldIsApproved: true})
	if code != http.StatusForbidden {
		t.Fatalf("self-approve status = %d, want 403", code)
	}

	code, _ = doJSON(t, http.MethodGet, docURL, "", nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("anonymous get status = %d, want 401", code)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`flexer_docstore_writes_total{collection="profiles",op="set"} 1`,
		`flexer_docstore_denied_total{collection="profiles",op="set"} 1`,
		"flexer_http_requests_total",
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestApp_RunPromotesOwner(t *testing.T) {
	a, srv := newTestApp(t, Config{HTTPAddr: "127.0.0.1:0", OwnerEmail: "Owner@Example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	uid, token := registerUser(t, srv.URL, "owner@example.com")
	docURL := srv.URL + "/v1/docs/profiles/" + uid
	p := profile.New(uid, "owner@example.com", profile.SessionDescriptor{SessionID: "dev-1"})
	if code, body := doJSON(t, http.MethodPut, docURL, token, p.Fields()); code != http.StatusOK {
		t.Fatalf("create profile status = %d body=%v", code, body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body := doJSON(t, http.MethodGet, docURL, token, nil)
		data, _ := body["data"].(map[string]any)
		if data[profile.FieldIsOwner] == true && data[profile.FieldIsAdmin] == true && data[profile.FieldIsApproved] == true {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("owner not promoted: %v", data)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		sess    session.Config
		wantErr bool
	}{
		{name: "memory store", cfg: Config{RequirePersistentKey: true}, wantErr: false},
		{name: "db without key", cfg: Config{RequirePersistentKey: true, DatabaseURL: "postgres://x"}, wantErr: true},
		{name: "db with key", cfg: Config{RequirePersistentKey: true, DatabaseURL: "postgres://x"}, sess: session.Config{PasetoV4SecretKeyHex: "ab"}, wantErr: false},
		{name: "policy off", cfg: Config{DatabaseURL: "postgres://x"}, wantErr: false},
	}
	for _, tc := range cases {
		err := ValidateSecurityConfig(tc.cfg, tc.sess)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
