package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
)

// Identity is the subject reported by the identity provider. The zero value means signed out.
type Identity struct {
	SubjectID string
	Email     string
}

// SignedIn reports whether i names a subject.
func (i Identity) SignedIn() bool { return i.SubjectID != "" }

// IdentityProvider is the device-side view of the identity provider.
//
// OnIdentityChange registers fn for every identity change; providers may call fn once
// immediately with the current identity.
type IdentityProvider interface {
	OnIdentityChange(fn func(Identity)) (cancel func())
	SignOut(ctx context.Context) error
}

// DeviceSessions is the device-local session token store.
type DeviceSessions interface {
	GetOrCreateDeviceSessionID(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// Config tunes an Engine.
type Config struct {
	// DeviceLabel and Platform describe this device in authorizedSessions and access requests.
	DeviceLabel string
	Platform    string

	// BootstrapAttempts bounds tries of each bootstrap call on transport failures. 1 disables
	// retries. Permission failures are never retried.
	BootstrapAttempts    int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// ConflictAttempts bounds how often a profile write is rebuilt after another writer
	// committed first.
	ConflictAttempts int

	// CallTimeout bounds a single collaborator call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BootstrapAttempts <= 0 {
		c.BootstrapAttempts = 3
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = 250 * time.Millisecond
	}
	if c.RetryMaxInterval <= 0 {
		c.RetryMaxInterval = 5 * time.Second
	}
	if c.ConflictAttempts <= 0 {
		c.ConflictAttempts = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.DeviceLabel == "" {
		c.DeviceLabel = "device"
	}
	if c.Platform == "" {
		c.Platform = "unknown"
	}
	return c
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Identity IdentityProvider
	Profiles docstore.Repository
	Sessions DeviceSessions
	Log      *slog.Logger
	Now      func() time.Time
}

// Engine is the session reconciliation state machine. Construct with New and drive with Run.
type Engine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	events  chan any
	stopped chan struct{}
	running atomic.Bool

	mu        sync.RWMutex
	view      View
	listeners []listener
	nextID    int

	// Owned by the loop goroutine.
	ctx   context.Context
	epoch uint64
	cur   *session
}

type listener struct {
	id int
	fn func(View)
}

// session is the loop-owned state of the current identity.
type session struct {
	identity Identity
	state    State
	deviceID string

	sub    docstore.Subscription
	subGen uint64

	claim    *pendingClaim
	claimSeq uint64

	lastRev int64
	latest  *docstore.Snapshot

	profile   profile.Profile
	loaded    bool
	bootErr   *BootstrapError
	actionErr error
}

// pendingClaim is a lastSessionId write not yet confirmed by a snapshot.
type pendingClaim struct {
	seq       uint64
	bootstrap bool
	acked     bool
	rev       int64
	waiters   []chan error
}

// Loop events.
type (
	identityChanged struct{ id Identity }

	bootstrapRead struct {
		epoch    uint64
		deviceID string
		doc      docstore.Document
		prof     profile.Profile
		exists   bool
		err      error
	}

	claimAcked struct {
		epoch, seq uint64
		rev        int64
		err        error
	}

	snapshotArrived struct {
		epoch, gen uint64
		snap       docstore.Snapshot
	}

	subscriptionFailed struct {
		epoch, gen uint64
		err        error
	}

	resumeRequested  struct{ reply chan error }
	signOutRequested struct{ reply chan struct{} }

	authorizationRequested struct {
		label string
		reply chan error
	}

	actionDone struct {
		epoch uint64
		err   error
		reply chan error
	}
)

// New validates deps and returns an idle Engine in StateUnauthenticated.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Identity == nil || deps.Profiles == nil || deps.Sessions == nil {
		return nil, errors.New("reconcile: identity, profiles and sessions are required")
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		deps:    deps,
		log:     deps.Log,
		now:     deps.Now,
		events:  make(chan any, 256),
		stopped: make(chan struct{}),
		view:    View{State: StateUnauthenticated},
	}, nil
}

// Run processes events until ctx is done. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("reconcile: engine already running")
	}
	defer close(e.stopped)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.ctx = loopCtx

	stopIdentity := e.deps.Identity.OnIdentityChange(func(id Identity) {
		e.post(identityChanged{id: id})
	})
	defer stopIdentity()
	defer e.endSession()

	e.log.Info("reconcile.start", "device_label", e.cfg.DeviceLabel)
	for {
		select {
		case <-loopCtx.Done():
			e.log.Info("reconcile.stop")
			return nil
		case ev := <-e.events:
			e.handle(ev)
			e.publish()
		}
	}
}

// View returns the current view.
func (e *Engine) View() View {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view
}

// OnChange registers fn for every view change. fn runs on the engine goroutine and must not
// block or call blocking Engine methods.
func (e *Engine) OnChange(fn func(View)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Resume re-claims authority for this device. It returns once the claim is committed; the
// engine becomes Active when the committed value is observed.
func (e *Engine) Resume(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, resumeRequested{reply: reply}); err != nil {
		return err
	}
	return e.await(ctx, reply)
}

// RequestAuthorization records this device as pending on the profile so an administrator can
// accept it. Only offered while Conflicted.
func (e *Engine) RequestAuthorization(ctx context.Context, label string) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, authorizationRequested{label: label, reply: reply}); err != nil {
		return err
	}
	return e.await(ctx, reply)
}

// SignOut tears down the session, signs out of the identity provider and clears the device
// session token, so the next sign-in acts as a new device.
func (e *Engine) SignOut(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := e.send(ctx, signOutRequested{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}

	var errs []error
	if err := e.deps.Identity.SignOut(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.deps.Sessions.Clear(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) send(ctx context.Context, ev any) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

// post is used by callbacks and off-loop workers.
func (e *Engine) post(ev any) {
	select {
	case e.events <- ev:
	case <-e.stopped:
	}
}

func (e *Engine) handle(ev any) {
	switch ev := ev.(type) {
	case identityChanged:
		e.onIdentity(ev.id)
	case bootstrapRead:
		e.onBootstrapRead(ev)
	case claimAcked:
		e.onClaimAcked(ev)
	case snapshotArrived:
		e.onSnapshot(ev)
	case subscriptionFailed:
		e.onSubscriptionFailed(ev)
	case resumeRequested:
		e.onResume(ev.reply)
	case authorizationRequested:
		e.onRequestAuthorization(ev)
	case actionDone:
		if e.cur != nil && ev.epoch == e.epoch {
			e.cur.actionErr = ev.err
		}
		ev.reply <- ev.err
	case signOutRequested:
		e.log.Info("reconcile.signout")
		e.endSession()
		ev.reply <- struct{}{}
	}
}

// ---- identity ----

func (e *Engine) onIdentity(id Identity) {
	if e.cur != nil && e.cur.identity.SubjectID == id.SubjectID {
		return
	}
	if e.cur == nil && !id.SignedIn() {
		return
	}

	e.endSession()
	if !id.SignedIn() {
		return
	}

	e.epoch++
	e.cur = &session{identity: id, state: StateBootstrapping}
	e.log.Info("reconcile.bootstrap.start", "subject_id", id.SubjectID)

	epoch := e.epoch
	ctx := e.principalCtx()
	go e.readProfile(ctx, epoch, id)
}

// endSession closes the live subscription before anything else can start.
func (e *Engine) endSession() {
	e.epoch++
	cur := e.cur
	e.cur = nil
	if cur == nil {
		return
	}
	if cur.sub != nil {
		cur.sub.Unsubscribe()
		cur.sub = nil
	}
	if cur.claim != nil {
		notify(cur.claim.waiters, ErrStopped)
		cur.claim = nil
	}
}

func (e *Engine) principalCtx() context.Context {
	return docstore.WithPrincipal(e.ctx, docstore.Principal{
		SubjectID: e.cur.identity.SubjectID,
		Email:     e.cur.identity.Email,
	})
}

// ---- bootstrap ----

func (e *Engine) readProfile(ctx context.Context, epoch uint64, id Identity) {
	deviceID, err := e.deps.Sessions.GetOrCreateDeviceSessionID(ctx)
	if err != nil {
		e.post(bootstrapRead{epoch: epoch, err: &BootstrapError{Kind: KindInternal, Op: "device_session", Err: err}})
		return
	}

	doc, err := withRetry(ctx, e.cfg, func(c context.Context) (docstore.Document, error) {
		return e.deps.Profiles.Get(c, docstore.CollectionProfiles, id.SubjectID)
	})
	ev := bootstrapRead{epoch: epoch, deviceID: deviceID}
	switch {
	case docstore.IsNotFound(err):
	case err != nil:
		ev.err = classify("read", err)
	default:
		p, derr := profile.Decode(doc.Data)
		if derr != nil {
			ev.err = &BootstrapError{Kind: KindInternal, Op: "read", Err: derr}
			break
		}
		ev.doc = doc
		ev.prof = p
		ev.exists = true
	}
	e.post(ev)
}

func (e *Engine) onBootstrapRead(ev bootstrapRead) {
	cur := e.cur
	if cur == nil || ev.epoch != e.epoch || cur.state != StateBootstrapping {
		return
	}
	if ev.err != nil {
		e.failBootstrap(classify("read", ev.err))
		return
	}
	cur.deviceID = ev.deviceID

	desc := profile.SessionDescriptor{
		SessionID:  ev.deviceID,
		Label:      e.cfg.DeviceLabel,
		Platform:   e.cfg.Platform,
		LastSeenAt: e.now(),
	}

	var base *docstore.Document
	switch {
	case !ev.exists:
		cur.profile = profile.New(cur.identity.SubjectID, cur.identity.Email, desc)
		cur.loaded = false
	case ev.prof.IsRevoked(ev.deviceID):
		// A revoked device never claims on its own; the snapshot puts it in conflict.
		cur.profile = ev.prof
		cur.loaded = true
		cur.state = StateAwaitingProfile
		e.log.Info("reconcile.bootstrap.revoked", "subject_id", cur.identity.SubjectID, "device_session_id", ev.deviceID)
		if err := e.subscribe(); err != nil {
			e.failBootstrap(classify("subscribe", err))
		}
		return
	default:
		// Render the existing profile right away as if the claim had already landed.
		p := ev.prof
		p.LastSessionID = ev.deviceID
		cur.profile = p
		cur.loaded = true
		doc := ev.doc
		base = &doc
	}
	cur.state = StateAwaitingProfile

	if err := e.subscribe(); err != nil {
		e.failBootstrap(classify("subscribe", err))
		return
	}
	identity := cur.identity
	e.startClaim(true, nil, func(ctx context.Context) (docstore.WriteResult, error) {
		return e.writeProfile(ctx, identity.SubjectID, base, true, func(stored *profile.Profile) (map[string]any, error) {
			if stored == nil {
				return profile.New(identity.SubjectID, identity.Email, desc).Fields(), nil
			}
			if stored.IsRevoked(desc.SessionID) {
				return nil, ErrRevoked
			}
			return map[string]any{
				profile.FieldLastSessionID:      desc.SessionID,
				profile.FieldAuthorizedSessions: profile.SessionsField(profile.UpsertSession(stored.AuthorizedSessions, desc)),
			}, nil
		})
	})
}

func (e *Engine) failBootstrap(be *BootstrapError) {
	cur := e.cur
	if cur == nil {
		return
	}
	e.log.Error("reconcile.bootstrap.fail", "subject_id", cur.identity.SubjectID, "op", be.Op, "kind", string(be.Kind), "err", be.Err)
	if cur.sub != nil {
		cur.sub.Unsubscribe()
		cur.sub = nil
	}
	cur.subGen++
	if cur.claim != nil {
		notify(cur.claim.waiters, be)
		cur.claim = nil
	}
	cur.state = StateBootstrapFailed
	cur.bootErr = be
}

// ---- subscription ----

func (e *Engine) subscribe() error {
	cur := e.cur
	if cur.sub != nil {
		cur.sub.Unsubscribe()
		cur.sub = nil
	}
	cur.subGen++
	epoch, gen := e.epoch, cur.subGen

	sub, err := e.deps.Profiles.Subscribe(e.principalCtx(), docstore.Doc(docstore.CollectionProfiles, cur.identity.SubjectID),
		func(s docstore.Snapshot) { e.post(snapshotArrived{epoch: epoch, gen: gen, snap: s}) },
		func(err error) { e.post(subscriptionFailed{epoch: epoch, gen: gen, err: err}) },
	)
	if err != nil {
		return err
	}
	cur.sub = sub
	return nil
}

func (e *Engine) onSnapshot(ev snapshotArrived) {
	cur := e.cur
	if cur == nil || ev.epoch != e.epoch || ev.gen != cur.subGen || cur.state == StateBootstrapFailed {
		return
	}
	if ev.snap.Revision != 0 && ev.snap.Revision <= cur.lastRev {
		return
	}
	if ev.snap.Revision > cur.lastRev {
		cur.lastRev = ev.snap.Revision
	}
	snap := ev.snap
	cur.latest = &snap
	e.evaluate()
}

func (e *Engine) onSubscriptionFailed(ev subscriptionFailed) {
	cur := e.cur
	if cur == nil || ev.epoch != e.epoch || ev.gen != cur.subGen {
		return
	}
	cur.sub = nil
	e.failBootstrap(classify("subscribe", ev.err))
}

// evaluate compares the latest snapshot with this device's id.
func (e *Engine) evaluate() {
	cur := e.cur
	s := cur.latest
	if s == nil {
		return
	}

	if c := cur.claim; c != nil {
		if !c.acked || s.Revision < c.rev {
			// Authority is ours until the claim is confirmed; keep other fields fresh.
			if s.Exists && cur.loaded {
				if p, err := profile.Decode(s.Data); err == nil {
					p.LastSessionID = cur.deviceID
					cur.profile = p
				}
			}
			return
		}
		cur.claim = nil
	}

	if !s.Exists {
		cur.loaded = false
		cur.state = StateAwaitingProfile
		return
	}
	p, err := profile.Decode(s.Data)
	if err != nil {
		e.log.Warn("reconcile.snapshot.decode.fail", "subject_id", cur.identity.SubjectID, "revision", s.Revision, "err", err)
		return
	}
	cur.profile = p
	cur.loaded = true
	if p.LastSessionID == cur.deviceID {
		cur.state = StateActive
	} else {
		cur.state = StateConflicted
	}
}

// ---- claims ----

// startClaim runs write off-loop. A newer claim supersedes an older one and inherits its
// waiters.
func (e *Engine) startClaim(bootstrap bool, waiter chan error, write func(context.Context) (docstore.WriteResult, error)) {
	cur := e.cur
	cur.claimSeq++
	c := &pendingClaim{seq: cur.claimSeq, bootstrap: bootstrap}
	if prev := cur.claim; prev != nil {
		c.waiters = append(c.waiters, prev.waiters...)
		c.bootstrap = c.bootstrap || prev.bootstrap
	}
	if waiter != nil {
		c.waiters = append(c.waiters, waiter)
	}
	cur.claim = c

	epoch, seq := e.epoch, c.seq
	ctx := e.principalCtx()
	e.log.Debug("reconcile.claim", "subject_id", cur.identity.SubjectID, "device_session_id", cur.deviceID, "seq", seq)

	go func() {
		res, err := write(ctx)
		e.post(claimAcked{epoch: epoch, seq: seq, rev: res.Revision, err: err})
	}()
}

// writeProfile commits the fields build derives from the stored profile, conditional on the
// revision they were derived from. With known set, base is the result of a read already made
// (nil for a missing profile). When another writer commits first the profile is read again
// and build runs on the new state. build receives nil for a missing profile and must then
// return the full document.
func (e *Engine) writeProfile(ctx context.Context, subject string, base *docstore.Document, known bool, build func(*profile.Profile) (map[string]any, error)) (docstore.WriteResult, error) {
	for attempt := 1; ; attempt++ {
		if !known {
			doc, err := withRetry(ctx, e.cfg, func(c context.Context) (docstore.Document, error) {
				return e.deps.Profiles.Get(c, docstore.CollectionProfiles, subject)
			})
			switch {
			case docstore.IsNotFound(err):
				base = nil
			case err != nil:
				return docstore.WriteResult{}, err
			default:
				base = &doc
			}
		}
		known = false

		var (
			cur  *profile.Profile
			opts = docstore.SetOptions{MustNotExist: true}
		)
		if base != nil {
			p, err := profile.Decode(base.Data)
			if err != nil {
				return docstore.WriteResult{}, err
			}
			cur = &p
			opts = docstore.SetOptions{Merge: true, IfRevision: base.Revision}
		}
		fields, err := build(cur)
		if err != nil {
			return docstore.WriteResult{}, err
		}

		res, err := withRetry(ctx, e.cfg, func(c context.Context) (docstore.WriteResult, error) {
			return e.deps.Profiles.Set(c, docstore.CollectionProfiles, subject, fields, opts)
		})
		if !docstore.IsConflict(err) || attempt >= e.cfg.ConflictAttempts {
			return res, err
		}
		e.log.Debug("reconcile.write.conflict", "subject_id", subject, "attempt", attempt)
	}
}

func (e *Engine) onClaimAcked(ev claimAcked) {
	cur := e.cur
	if cur == nil || ev.epoch != e.epoch {
		return
	}
	c := cur.claim
	if c == nil || c.seq != ev.seq {
		return
	}

	if ev.err != nil {
		cur.claim = nil
		notify(c.waiters, ev.err)
		if c.bootstrap && errors.Is(ev.err, ErrRevoked) {
			e.evaluate()
			return
		}
		if c.bootstrap {
			e.failBootstrap(classify("claim", ev.err))
			return
		}
		cur.actionErr = ev.err
		e.evaluate()
		return
	}

	c.acked = true
	c.rev = ev.rev
	if !c.bootstrap {
		cur.actionErr = nil
	}
	notify(c.waiters, nil)
	c.waiters = nil
	e.evaluate()
}

// ---- actions ----

func (e *Engine) onResume(reply chan error) {
	cur := e.cur
	if cur == nil || (cur.state != StateConflicted && cur.state != StateActive) {
		reply <- ErrInvalidState
		return
	}
	if cur.loaded && !cur.profile.Authorized(cur.deviceID) {
		reply <- ErrRevoked
		return
	}
	e.log.Info("reconcile.resume", "subject_id", cur.identity.SubjectID, "device_session_id", cur.deviceID)
	subject, deviceID := cur.identity.SubjectID, cur.deviceID
	e.startClaim(false, reply, func(ctx context.Context) (docstore.WriteResult, error) {
		return e.writeProfile(ctx, subject, nil, false, func(p *profile.Profile) (map[string]any, error) {
			if p == nil || !p.Authorized(deviceID) {
				return nil, ErrRevoked
			}
			return map[string]any{profile.FieldLastSessionID: deviceID}, nil
		})
	})
}

func (e *Engine) onRequestAuthorization(ev authorizationRequested) {
	cur := e.cur
	if cur == nil || cur.state != StateConflicted {
		ev.reply <- ErrInvalidState
		return
	}
	label := ev.label
	if label == "" {
		label = e.cfg.DeviceLabel
	}
	fields := map[string]any{
		profile.FieldPendingSessionID: cur.deviceID,
		profile.FieldPendingSessionMetadata: map[string]any{
			"label":       label,
			"platform":    e.cfg.Platform,
			"requestedAt": e.now().Format(time.RFC3339Nano),
		},
	}
	epoch, ctx, subject := e.epoch, e.principalCtx(), cur.identity.SubjectID
	e.log.Info("reconcile.authorization.request", "subject_id", subject, "device_session_id", cur.deviceID)

	go func() {
		_, err := withRetry(ctx, e.cfg, func(c context.Context) (docstore.WriteResult, error) {
			return e.deps.Profiles.Set(c, docstore.CollectionProfiles, subject, fields, docstore.SetOptions{Merge: true})
		})
		e.post(actionDone{epoch: epoch, err: err, reply: ev.reply})
	}()
}

// ---- view ----

func (e *Engine) publish() {
	next := View{State: StateUnauthenticated}
	if cur := e.cur; cur != nil {
		next = View{
			State:           cur.state,
			Authenticated:   true,
			ProfileLoaded:   cur.loaded,
			Conflicted:      cur.state == StateConflicted,
			BootstrapError:  cur.bootErr,
			SubjectID:       cur.identity.SubjectID,
			Email:           cur.identity.Email,
			DeviceSessionID: cur.deviceID,
			ActionError:     cur.actionErr,
		}
		if cur.loaded || cur.state == StateAwaitingProfile {
			next.Profile = cur.profile
		}
	}

	e.mu.Lock()
	prev := e.view
	if reflect.DeepEqual(prev, next) {
		e.mu.Unlock()
		return
	}
	e.view = next
	ls := append([]listener(nil), e.listeners...)
	e.mu.Unlock()

	if prev.State != next.State {
		e.log.Info("reconcile.state", "from", prev.State.String(), "to", next.State.String(), "subject_id", next.SubjectID)
	}
	for _, l := range ls {
		l.fn(next)
	}
}

func notify(waiters []chan error, err error) {
	for _, w := range waiters {
		select {
		case w <- err:
		default:
		}
	}
}

// withRetry runs op, retrying transport failures with exponential backoff.
func withRetry[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxInterval = cfg.RetryMaxInterval

	res, err := backoff.Retry(ctx, func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		v, err := op(callCtx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.BootstrapAttempts)))

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return res, err
}
