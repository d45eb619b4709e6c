package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	v1 "github.com/flexerosint/flexer-osint/shared/contracts/realtime/v1"
)

const (
	feedQueueSize    = 64
	feedWriteTimeout = 10 * time.Second
	feedReadLimit    = 1 << 20
)

// feed multiplexes every subscription of a Client over one /v1/ws connection.
//
// The connection is opened by the first subscription and closed after the last one goes
// away. A dropped connection is re-dialed with exponential backoff and every live
// subscription is sent again; snapshots not newer than the last one delivered per document
// are dropped, so a resubscribe never replays old state.
type feed struct {
	c *Client

	mu      sync.Mutex
	subs    map[string]*feedSub
	nextID  uint64
	conn    *feedConn
	running bool
	cancel  context.CancelFunc
	closed  bool
}

type feedConn struct {
	ws  *websocket.Conn
	out chan v1.Envelope
}

// enqueue never blocks; a connection that cannot keep up is dropped and re-dialed.
func (fc *feedConn) enqueue(env v1.Envelope) {
	select {
	case fc.out <- env:
	default:
		fc.ws.CloseNow()
	}
}

type feedSub struct {
	f       *feed
	id      string
	target  docstore.Target
	onNext  func(docstore.Snapshot)
	onError func(error)

	mu   sync.Mutex
	last map[string]int64
	done bool
}

func (s *feedSub) Unsubscribe() { s.f.unsubscribe(s) }

func (s *feedSub) deliver(snap docstore.Snapshot) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if rev, seen := s.last[snap.ID]; seen && snap.Revision <= rev {
		s.mu.Unlock()
		return
	}
	s.last[snap.ID] = snap.Revision
	s.mu.Unlock()

	if s.onNext != nil {
		s.onNext(snap)
	}
}

func (s *feedSub) fail(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	if s.onError != nil {
		s.onError(err)
	}
}

func newFeed(c *Client) *feed {
	return &feed{c: c, subs: make(map[string]*feedSub)}
}

func (f *feed) subscribe(ctx context.Context, target docstore.Target, onNext func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	const op = "remote.Subscribe"
	if target.Collection == "" {
		return nil, &docstore.OpError{Op: op, Kind: docstore.ErrInvalidArgument, Msg: "missing collection"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.c.Token() == "" {
		return nil, &docstore.OpError{Op: op, Kind: docstore.ErrPermissionDenied, Err: ErrSignedOut}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, &docstore.OpError{Op: op, Kind: docstore.ErrClosed, Msg: "client closed"}
	}

	f.nextID++
	s := &feedSub{
		f:       f,
		id:      "s" + strconv.FormatUint(f.nextID, 10),
		target:  target,
		onNext:  onNext,
		onError: onError,
		last:    make(map[string]int64),
	}
	f.subs[s.id] = s

	switch {
	case f.conn != nil:
		f.conn.enqueue(subscribeEnvelope(s))
	case !f.running:
		f.startLocked()
	}
	return s, nil
}

func (f *feed) unsubscribe(s *feedSub) {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[s.id]; !ok {
		return
	}
	delete(f.subs, s.id)
	if f.conn != nil {
		f.conn.enqueue(newEnvelope(v1.TypeUnsubscribe, s.id, nil))
	}
	if len(f.subs) == 0 && f.cancel != nil {
		f.cancel()
	}
}

// reconnect drops the current connection so the next one authenticates with the current token.
func (f *feed) reconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	f.mu.Unlock()
	f.failAll(&docstore.OpError{Op: "remote.Subscribe", Kind: docstore.ErrClosed, Msg: "client closed"})
}

func (f *feed) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	f.running = true
	f.cancel = cancel
	go f.run(ctx, cancel)
}

func (f *feed) run(ctx context.Context, cancel context.CancelFunc) {
	log := f.c.log
	defer func() {
		cancel()
		f.mu.Lock()
		f.running = false
		f.conn = nil
		f.cancel = nil
		if !f.closed && len(f.subs) > 0 {
			f.startLocked()
		}
		f.mu.Unlock()
	}()

	for {
		fc, err := f.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("remote.ws.connect.fail", "err", err)
			f.failAll(subscriptionError(err))
			return
		}

		err = f.serve(ctx, fc)
		if ctx.Err() != nil {
			return
		}
		log.Warn("remote.ws.disconnected", "err", err)

		f.mu.Lock()
		idle := len(f.subs) == 0
		f.mu.Unlock()
		if idle {
			return
		}
	}
}

func (f *feed) connect(ctx context.Context) (*feedConn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	fc, err := backoff.Retry(ctx, func() (*feedConn, error) {
		fc, err := f.dial(ctx)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return fc, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(f.c.cfg.ReconnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.c.log.Warn("remote.ws.dial.retry", "err", err, "next", next)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return fc, err
}

// dial opens a connection and completes the hello exchange.
func (f *feed) dial(ctx context.Context) (*feedConn, error) {
	const op = "remote.ws.dial"
	tok := f.c.Token()
	if tok == "" {
		return nil, &AuthError{Code: CodeUnauthorized, Message: "not signed in"}
	}

	hctx, cancel := context.WithTimeout(ctx, f.c.cfg.HelloTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(hctx, f.c.wsURL(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthError{Code: CodeUnauthorized, Message: "websocket handshake rejected"}
		}
		return nil, &TransportError{Op: op, Err: err}
	}
	if ws.Subprotocol() != v1.Subprotocol {
		_ = ws.Close(websocket.StatusProtocolError, "unsupported subprotocol")
		return nil, &TransportError{Op: op, Err: fmt.Errorf("server selected subprotocol %q", ws.Subprotocol())}
	}
	ws.SetReadLimit(feedReadLimit)

	hello, _ := json.Marshal(v1.HelloPayload{Token: tok})
	if err := writeEnvelope(hctx, ws, newEnvelope(v1.TypeHello, "", hello)); err != nil {
		ws.CloseNow()
		return nil, &TransportError{Op: op, Err: err}
	}

	for {
		env, err := readEnvelope(hctx, ws)
		if err != nil {
			ws.CloseNow()
			return nil, &TransportError{Op: op, Err: err}
		}
		switch env.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			_ = json.Unmarshal(env.Payload, &ack)
			f.c.log.Info("remote.ws.connected", "connection_id", ack.ConnectionID, "subject_id", ack.SubjectID)
			return &feedConn{ws: ws, out: make(chan v1.Envelope, feedQueueSize)}, nil
		case v1.TypeError:
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			ws.CloseNow()
			if p.Code == v1.CodeUnauthenticated {
				return nil, &AuthError{Code: CodeUnauthorized, Message: p.Message}
			}
			return nil, &TransportError{Op: op, Err: fmt.Errorf("%s: %s", p.Code, p.Message)}
		}
	}
}

// serve resubscribes everything live on fc and pumps frames until the connection ends.
func (f *feed) serve(ctx context.Context, fc *feedConn) error {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer fc.ws.CloseNow()

	f.mu.Lock()
	f.conn = fc
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fc.enqueue(subscribeEnvelope(f.subs[id]))
	}
	f.mu.Unlock()

	go func() {
		for {
			select {
			case <-cctx.Done():
				_ = fc.ws.Close(websocket.StatusNormalClosure, "bye")
				return
			case env := <-fc.out:
				wctx, wcancel := context.WithTimeout(cctx, feedWriteTimeout)
				err := writeEnvelope(wctx, fc.ws, env)
				wcancel()
				if err != nil {
					fc.ws.CloseNow()
					return
				}
			}
		}
	}()

	var err error
	for {
		var env v1.Envelope
		env, err = readEnvelope(cctx, fc.ws)
		if err != nil {
			break
		}
		f.dispatch(env)
	}

	f.mu.Lock()
	if f.conn == fc {
		f.conn = nil
	}
	f.mu.Unlock()
	return err
}

func (f *feed) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeSnapshot:
		f.mu.Lock()
		s := f.subs[env.SubID]
		f.mu.Unlock()
		if s == nil {
			return
		}
		var p v1.SnapshotPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.c.log.Warn("remote.ws.snapshot.bad", "sub_id", env.SubID, "err", err)
			return
		}
		snap := docstore.Snapshot{
			Collection: p.Collection,
			ID:         p.DocumentID,
			Exists:     p.Exists,
			Revision:   p.Revision,
		}
		if p.Exists && len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &snap.Data); err != nil {
				f.c.log.Warn("remote.ws.snapshot.bad", "sub_id", env.SubID, "err", err)
				return
			}
		}
		s.deliver(snap)

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if env.SubID == "" {
			f.c.log.Warn("remote.ws.error", "code", p.Code, "message", p.Message)
			return
		}
		f.mu.Lock()
		s := f.subs[env.SubID]
		delete(f.subs, env.SubID)
		if len(f.subs) == 0 && f.cancel != nil {
			f.cancel()
		}
		f.mu.Unlock()
		if s != nil {
			s.fail(&docstore.OpError{Op: "remote.Subscribe", Kind: kindForCode(p.Code), Msg: p.Message})
		}

	case v1.TypeSubscribed:
		f.c.log.Debug("remote.ws.subscribed", "sub_id", env.SubID)
	}
}

func (f *feed) failAll(err error) {
	f.mu.Lock()
	subs := make([]*feedSub, 0, len(f.subs))
	for id, s := range f.subs {
		subs = append(subs, s)
		delete(f.subs, id)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

// subscriptionError maps a connection failure onto the repository taxonomy.
func subscriptionError(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		return &docstore.OpError{Op: "remote.Subscribe", Kind: docstore.ErrPermissionDenied, Err: err}
	}
	if docstore.IsUnavailable(err) {
		return err
	}
	return &docstore.OpError{Op: "remote.Subscribe", Kind: docstore.ErrUnavailable, Err: err}
}

func kindForCode(code string) error {
	switch code {
	case v1.CodePermissionDenied, v1.CodeUnauthenticated:
		return docstore.ErrPermissionDenied
	case v1.CodeNotFound:
		return docstore.ErrNotFound
	case v1.CodeBadRequest, v1.CodeBadEnvelope, v1.CodeBadJSON, v1.CodeUnsupported:
		return docstore.ErrInvalidArgument
	default:
		return docstore.ErrUnavailable
	}
}

func subscribeEnvelope(s *feedSub) v1.Envelope {
	p, _ := json.Marshal(v1.SubscribePayload{Collection: s.target.Collection, DocumentID: s.target.ID})
	return newEnvelope(v1.TypeSubscribe, s.id, p)
}

func newEnvelope(typ, subID string, payload json.RawMessage) v1.Envelope {
	return v1.Envelope{V: v1.Version, Type: typ, SubID: subID, TS: time.Now().UTC(), Payload: payload}
}

func writeEnvelope(ctx context.Context, ws *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, b)
}

func readEnvelope(ctx context.Context, ws *websocket.Conn) (v1.Envelope, error) {
	var env v1.Envelope
	_, data, err := ws.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
