package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/metrics"
	v1 "github.com/flexerosint/flexer-osint/shared/contracts/realtime/v1"
)

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

var errBadJSON = errors.New("invalid JSON")

// Authenticator resolves a bearer token to the calling principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (docstore.Principal, error)
}

// WSGateway is the websocket entrypoint of the document change feed.
//
// It enforces the origin policy, subprotocol selection, rate limits and heartbeats, then
// bridges subscribe/unsubscribe requests onto repo.Subscribe for the authenticated principal.
type WSGateway struct {
	log     *slog.Logger
	cfg     Config
	repo    docstore.Repository
	auth    Authenticator
	metrics *metrics.Metrics

	// Derived for websocket.Accept origin checks. Accept authorizes same-host origins by
	// default, but cross-origin requests need OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. repo is expected to be guarded by authorization rules.
func NewWSGateway(log *slog.Logger, cfg Config, repo docstore.Repository, auth Authenticator, m *metrics.Metrics) (*WSGateway, error) {
	if repo == nil {
		return nil, errors.New("realtime: nil repository")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &WSGateway{
		log:            log,
		cfg:            cfg,
		repo:           repo,
		auth:           auth,
		metrics:        m,
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and runs the connection until either side closes.
//
// A bearer token in the handshake authenticates immediately; otherwise the first frame must
// be hello{token} within HelloTimeout.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var pre docstore.Principal
	if token := bearerToken(r); token != "" {
		p, err := g.auth.Authenticate(r.Context(), token)
		if err != nil {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		pre = p
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(newID(time.Now().UTC()), g.cfg.SendQueueSize)
	client.Principal = pre

	g.metrics.WSConnected()
	defer g.metrics.WSDisconnected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			released := client.Close()
			g.metrics.WSSubscriptions(-released)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// fail writes a terminal error directly so it is not lost behind the closing queue.
	fail := func(subID, code, msg string, status websocket.StatusCode, reason string) {
		p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
		_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, subID, p), g.cfg.WriteTimeout)
		shutdown(status, reason)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", client.ConnectionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
				g.metrics.WSFrame("out", env.Type)
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", client.ConnectionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.log.Info("ws.open", "conn_id", client.ConnectionID, "subject_id", client.Principal.SubjectID)
	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	// Idle clients are closed from a timer; an expired read context drops the conn without a close frame.
	idle := time.AfterFunc(g.cfg.HelloTimeout, func() {
		g.log.Info("ws.idle", "conn_id", client.ConnectionID)
		shutdown(websocket.StatusPolicyViolation, "idle timeout")
	})
	defer idle.Stop()

readLoop:
	for {
		timeout := g.cfg.ReadIdleTimeout
		if !client.Authenticated() {
			timeout = g.cfg.HelloTimeout
		}
		idle.Reset(timeout)
		env, err := readEnvelope(ctx, conn)
		idle.Stop()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusGoingAway, "server shutting down")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "", v1.CodeBadJSON, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", client.ConnectionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}
		g.metrics.WSFrame("in", env.Type)

		if !rl.Allow(time.Now().UTC()) {
			fail("", v1.CodeRateLimited, "too many events", websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, env.SubID, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		if env.Type != v1.TypeHello && !client.Authenticated() {
			fail(env.SubID, v1.CodeUnauthenticated, "hello required", websocket.StatusPolicyViolation, "unauthenticated")
			break readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				fail("", v1.CodeUnauthenticated, err.Error(), websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			g.onSubscribe(ctx, client, env, func() { go shutdown(websocket.StatusPolicyViolation, "slow consumer") })

		case v1.TypeUnsubscribe:
			if sub, ok := client.release(env.SubID); ok && sub != nil {
				sub.Unsubscribe()
				g.metrics.WSSubscriptions(-1)
				g.log.Debug("ws.unsubscribe", "conn_id", client.ConnectionID, "sub_id", env.SubID)
			}

		default:
			g.trySendError(ctx, client, env.SubID, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "conn_id", client.ConnectionID, "subject_id", client.Principal.SubjectID)
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	token := strings.TrimSpace(p.Token)
	if token == "" {
		return errors.New("missing token")
	}

	principal, err := g.auth.Authenticate(ctx, token)
	if err != nil {
		return errors.New("invalid token")
	}
	if client.Authenticated() && client.Principal.SubjectID != principal.SubjectID {
		return errors.New("hello may not switch subject")
	}
	client.Principal = principal

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{ConnectionID: client.ConnectionID, SubjectID: principal.SubjectID})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, "", ackPayload)) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope, overflow func()) {
	subID := env.SubID

	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		g.trySendError(ctx, client, subID, v1.CodeBadRequest, "invalid payload")
		return
	}
	target := docstore.Target{Collection: strings.TrimSpace(p.Collection), ID: strings.TrimSpace(p.DocumentID)}

	if !client.reserve(subID, g.cfg.MaxSubscriptions) {
		g.trySendError(ctx, client, subID, v1.CodeBadRequest, "duplicate sub_id or too many subscriptions")
		return
	}

	// Snapshots may be produced before "subscribed" is queued; hold them until it is.
	ready := make(chan struct{})
	wait := func() bool {
		select {
		case <-ready:
			return true
		case <-client.Done():
			return false
		}
	}

	onNext := func(snap docstore.Snapshot) {
		if !wait() {
			return
		}
		payload, err := snapshotPayload(snap)
		if err != nil {
			g.log.Error("ws.snapshot.encode.fail", "conn_id", client.ConnectionID, "sub_id", subID, "err", err)
			return
		}
		if !g.enqueue(ctx, client, newEnvelope(v1.TypeSnapshot, subID, payload)) {
			select {
			case <-client.Done():
			default:
				g.log.Warn("ws.backpressure", "conn_id", client.ConnectionID, "sub_id", subID)
				overflow()
			}
		}
	}
	onError := func(err error) {
		if !wait() {
			return
		}
		if sub, ok := client.release(subID); ok && sub != nil {
			g.metrics.WSSubscriptions(-1)
		}
		g.trySendError(ctx, client, subID, errorCode(err), "subscription ended")
	}

	sub, err := g.repo.Subscribe(docstore.WithPrincipal(ctx, client.Principal), target, onNext, onError)
	if err != nil {
		client.release(subID)
		close(ready)
		g.log.Info("ws.subscribe.fail", "conn_id", client.ConnectionID, "sub_id", subID, "target", target.String(), "err", err)
		g.trySendError(ctx, client, subID, errorCode(err), errorMessage(err))
		return
	}
	if !client.bind(subID, sub) {
		sub.Unsubscribe()
		close(ready)
		return
	}
	g.metrics.WSSubscriptions(1)

	echo, _ := json.Marshal(v1.SubscribedPayload{Collection: target.Collection, DocumentID: target.ID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeSubscribed, subID, echo))
	close(ready)
	g.log.Debug("ws.subscribe", "conn_id", client.ConnectionID, "sub_id", subID, "target", target.String())
}

func snapshotPayload(snap docstore.Snapshot) (json.RawMessage, error) {
	p := v1.SnapshotPayload{
		Collection: snap.Collection,
		DocumentID: snap.ID,
		Exists:     snap.Exists,
		Revision:   snap.Revision,
	}
	if snap.Exists {
		data, err := json.Marshal(snap.Data)
		if err != nil {
			return nil, err
		}
		p.Data = data
	}
	return json.Marshal(p)
}

func errorCode(err error) string {
	switch {
	case docstore.IsPermissionDenied(err):
		return v1.CodePermissionDenied
	case docstore.IsNotFound(err):
		return v1.CodeNotFound
	case errors.Is(err, docstore.ErrInvalidArgument):
		return v1.CodeBadRequest
	default:
		return v1.CodeUnavailable
	}
}

func errorMessage(err error) string {
	switch errorCode(err) {
	case v1.CodePermissionDenied:
		return "permission denied"
	case v1.CodeNotFound:
		return "not found"
	case v1.CodeBadRequest:
		return "invalid target"
	default:
		return "temporarily unavailable"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, subID, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, subID, p))
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ, subID string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newID(now),
		SubID:   subID,
		TS:      now,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
			continue
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
