package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
	v1 "github.com/flexerosint/flexer-osint/shared/contracts/realtime/v1"
)

type tokenAuth map[string]docstore.Principal

func (a tokenAuth) Authenticate(_ context.Context, token string) (docstore.Principal, error) {
	p, ok := a[token]
	if !ok {
		return docstore.Principal{}, errors.New("unknown token")
	}
	return p, nil
}

type wsFixture struct {
	store *docstore.MemoryStore
	srv   *httptest.Server
}

func newWSFixture(t *testing.T, cfg Config) *wsFixture {
	t.Helper()

	store := docstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	seed := profile.New("u1", "u1@example.com", profile.SessionDescriptor{SessionID: "s1", Label: "laptop"})
	if _, err := store.Set(context.Background(), docstore.CollectionProfiles, "u1", seed.Fields(), docstore.SetOptions{}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	auth := tokenAuth{
		"tok-u1": {SubjectID: "u1", Email: "u1@example.com"},
		"tok-u2": {SubjectID: "u2", Email: "u2@example.com"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	gw, err := NewWSGateway(log, cfg, docstore.NewGuard(store, profile.Rules{}), auth, nil)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return &wsFixture{store: store, srv: srv}
}

func (f *wsFixture) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, err := f.dialErr(header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func (f *wsFixture) dialErr(header http.Header) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   header,
	})
	return conn, err
}

func send(t *testing.T, conn *websocket.Conn, typ, subID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: newID(time.Now().UTC()), SubID: subID, TS: time.Now().UTC(), Payload: raw}
	b, _ := json.Marshal(env)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func recvType(t *testing.T, conn *websocket.Conn, want string) v1.Envelope {
	t.Helper()
	env := recv(t, conn)
	if env.Type != want {
		t.Fatalf("type = %q (payload %s), want %q", env.Type, env.Payload, want)
	}
	return env
}

func hello(t *testing.T, conn *websocket.Conn, token string) v1.HelloAckPayload {
	t.Helper()
	send(t, conn, v1.TypeHello, "", v1.HelloPayload{Token: token})
	env := recvType(t, conn, v1.TypeHelloAck)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("decode hello_ack: %v", err)
	}
	return ack
}

func decodeSnapshot(t *testing.T, env v1.Envelope) v1.SnapshotPayload {
	t.Helper()
	var p v1.SnapshotPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return p
}

func decodeError(t *testing.T, env v1.Envelope) v1.ErrorPayload {
	t.Helper()
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return p
}

func TestWSGateway_HelloSubscribeSnapshots(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)

	ack := hello(t, conn, "tok-u1")
	if ack.SubjectID != "u1" || ack.ConnectionID == "" {
		t.Fatalf("hello_ack = %+v", ack)
	}

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	sub := recvType(t, conn, v1.TypeSubscribed)
	if sub.SubID != "p" {
		t.Fatalf("subscribed sub_id = %q", sub.SubID)
	}

	first := decodeSnapshot(t, recvType(t, conn, v1.TypeSnapshot))
	if !first.Exists || first.DocumentID != "u1" || first.Revision != 1 {
		t.Fatalf("initial snapshot = %+v", first)
	}

	if _, err := f.store.Update(context.Background(), docstore.CollectionProfiles, "u1", map[string]any{profile.FieldIsApproved: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	next := decodeSnapshot(t, recvType(t, conn, v1.TypeSnapshot))
	if next.Revision != 2 {
		t.Fatalf("revision = %d, want 2", next.Revision)
	}
	var data map[string]any
	if err := json.Unmarshal(next.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data[profile.FieldIsApproved] != true {
		t.Fatalf("isApproved = %v", data[profile.FieldIsApproved])
	}

	if _, err := f.store.Delete(context.Background(), docstore.CollectionProfiles, "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone := decodeSnapshot(t, recvType(t, conn, v1.TypeSnapshot))
	if gone.Exists || len(gone.Data) != 0 {
		t.Fatalf("snapshot after delete = %+v", gone)
	}
}

func TestWSGateway_BearerHandshake(t *testing.T) {
	f := newWSFixture(t, Config{})

	h := http.Header{}
	h.Set("Authorization", "Bearer tok-u1")
	conn := f.dial(t, h)

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	recvType(t, conn, v1.TypeSubscribed)
	recvType(t, conn, v1.TypeSnapshot)
}

func TestWSGateway_BearerHandshakeRejected(t *testing.T) {
	f := newWSFixture(t, Config{})

	h := http.Header{}
	h.Set("Authorization", "Bearer nope")
	if _, err := f.dialErr(h); err == nil {
		t.Fatalf("expected handshake failure")
	}
}

func TestWSGateway_PermissionDenied(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)
	hello(t, conn, "tok-u2")

	send(t, conn, v1.TypeSubscribe, "other", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	env := recvType(t, conn, v1.TypeError)
	if env.SubID != "other" {
		t.Fatalf("error sub_id = %q", env.SubID)
	}
	if p := decodeError(t, env); p.Code != v1.CodePermissionDenied {
		t.Fatalf("code = %q, want %q", p.Code, v1.CodePermissionDenied)
	}

	// The connection survives a denied subscription; the sub id is free again.
	send(t, conn, v1.TypeSubscribe, "other", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u2"})
	recvType(t, conn, v1.TypeSubscribed)
	snap := decodeSnapshot(t, recvType(t, conn, v1.TypeSnapshot))
	if snap.Exists {
		t.Fatalf("u2 profile should not exist yet: %+v", snap)
	}
}

func TestWSGateway_DuplicateSubID(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)
	hello(t, conn, "tok-u1")

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	recvType(t, conn, v1.TypeSubscribed)
	recvType(t, conn, v1.TypeSnapshot)

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	env := recvType(t, conn, v1.TypeError)
	if p := decodeError(t, env); p.Code != v1.CodeBadRequest {
		t.Fatalf("code = %q, want %q", p.Code, v1.CodeBadRequest)
	}
}

func TestWSGateway_Unsubscribe(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)
	hello(t, conn, "tok-u1")

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	recvType(t, conn, v1.TypeSubscribed)
	recvType(t, conn, v1.TypeSnapshot)

	send(t, conn, v1.TypeUnsubscribe, "p", struct{}{})

	deadline := time.Now().Add(2 * time.Second)
	for f.store.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d after unsubscribe", f.store.Subscribers())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := f.store.Update(context.Background(), docstore.CollectionProfiles, "u1", map[string]any{profile.FieldIsApproved: true}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// A later subscription on another id still works, and no stale snapshot for "p" arrives first.
	send(t, conn, v1.TypeSubscribe, "q", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	env := recvType(t, conn, v1.TypeSubscribed)
	if env.SubID != "q" {
		t.Fatalf("sub_id = %q, want q", env.SubID)
	}
}

func TestWSGateway_InvalidHelloClosesConnection(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)

	send(t, conn, v1.TypeHello, "", v1.HelloPayload{Token: "bad"})
	env := recvType(t, conn, v1.TypeError)
	if p := decodeError(t, env); p.Code != v1.CodeUnauthenticated {
		t.Fatalf("code = %q", p.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
}

func TestWSGateway_SubscribeBeforeHello(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)

	send(t, conn, v1.TypeSubscribe, "p", v1.SubscribePayload{Collection: docstore.CollectionProfiles, DocumentID: "u1"})
	env := recvType(t, conn, v1.TypeError)
	if p := decodeError(t, env); p.Code != v1.CodeUnauthenticated {
		t.Fatalf("code = %q", p.Code)
	}
}

func TestWSGateway_BadJSONKeepsConnection(t *testing.T) {
	f := newWSFixture(t, Config{})
	conn := f.dial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := recvType(t, conn, v1.TypeError)
	if p := decodeError(t, env); p.Code != v1.CodeBadJSON {
		t.Fatalf("code = %q", p.Code)
	}

	hello(t, conn, "tok-u1")
}

func TestWSGateway_HelloTimeout(t *testing.T) {
	f := newWSFixture(t, Config{HelloTimeout: 100 * time.Millisecond})
	conn := f.dial(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
}

func TestWSGateway_ReadIdleTimeout(t *testing.T) {
	f := newWSFixture(t, Config{ReadIdleTimeout: 150 * time.Millisecond})
	conn := f.dial(t, nil)
	hello(t, conn, "tok-u1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v (err %v)", websocket.CloseStatus(err), err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Fatalf("closed after %s, before the idle timeout", time.Since(start))
	}
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	g := &WSGateway{cfg: Config{AllowedOrigins: []string{"https://app.example.com"}}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"http://app.example.com:8080", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err = %v, want ok=%v", tc.origin, err, tc.ok)
		}
	}

	g.cfg.OriginRequired = true
	if err := g.enforceOrigin(httptest.NewRequest(http.MethodGet, "/v1/ws", nil)); err == nil {
		t.Fatalf("expected missing origin to be rejected")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(10 * time.Millisecond)) {
		t.Fatalf("4th event inside window should be denied")
	}
	if !rl.Allow(base.Add(time.Second + time.Millisecond)) {
		t.Fatalf("event after window should be allowed")
	}
}

func TestClientReserveBindRelease(t *testing.T) {
	c := NewClient("c1", 0)
	if !c.reserve("a", 2) || !c.reserve("b", 2) {
		t.Fatalf("reserve under cap should succeed")
	}
	if c.reserve("c", 2) {
		t.Fatalf("reserve over cap should fail")
	}
	if c.reserve("a", 0) {
		t.Fatalf("duplicate reserve should fail")
	}

	sub := &countingSub{}
	if !c.bind("a", sub) {
		t.Fatalf("bind reserved id should succeed")
	}
	if c.bind("a", sub) {
		t.Fatalf("second bind should fail")
	}
	if _, ok := c.release("b"); !ok {
		t.Fatalf("release b")
	}
	if c.bind("b", sub) {
		t.Fatalf("bind after release should fail")
	}

	if n := c.Close(); n != 1 {
		t.Fatalf("Close released %d, want 1", n)
	}
	if sub.n != 1 {
		t.Fatalf("unsubscribe calls = %d", sub.n)
	}
	if c.Close() != 0 {
		t.Fatalf("second Close should be a no-op")
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("Done not closed")
	}
}

type countingSub struct{ n int }

func (s *countingSub) Unsubscribe() { s.n++ }
