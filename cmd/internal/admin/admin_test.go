package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/device/tokenstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
	"github.com/flexerosint/flexer-osint/cmd/internal/reconcile"
)

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func as(uid string) context.Context {
	return docstore.WithPrincipal(context.Background(), docstore.Principal{SubjectID: uid, Email: uid + "@x.io"})
}

func seed(t *testing.T, store *docstore.MemoryStore, p profile.Profile) {
	t.Helper()
	if _, err := store.Set(context.Background(), docstore.CollectionProfiles, p.SubjectID, p.Fields(), docstore.SetOptions{}); err != nil {
		t.Fatalf("seed %s: %v", p.SubjectID, err)
	}
}

func load(t *testing.T, store *docstore.MemoryStore, uid string) profile.Profile {
	t.Helper()
	d, err := store.Get(context.Background(), docstore.CollectionProfiles, uid)
	if err != nil {
		t.Fatalf("get %s: %v", uid, err)
	}
	p, err := profile.Decode(d.Data)
	if err != nil {
		t.Fatalf("decode %s: %v", uid, err)
	}
	return p
}

func fixture(t *testing.T) (*docstore.MemoryStore, *Service) {
	t.Helper()
	store := docstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	seed(t, store, profile.Profile{SubjectID: "owner", Email: "owner@x.io", IsOwner: true, IsAdmin: true, IsApproved: true})
	seed(t, store, profile.Profile{SubjectID: "admin", Email: "admin@x.io", IsAdmin: true, IsApproved: true})
	seed(t, store, profile.Profile{SubjectID: "user", Email: "user@x.io", IsApproved: true})

	pending := profile.New("pending", "pending@x.io", profile.SessionDescriptor{SessionID: "D1", Label: "desktop"})
	pending.PendingSessionID = "D2"
	pending.PendingSessionMetadata = &profile.PendingMetadata{Label: "phone", Platform: "ios", RequestedAt: time.Now().UTC()}
	seed(t, store, pending)

	return store, New(docstore.NewGuard(store, profile.Rules{}), quietLog())
}

func TestSetApproved(t *testing.T) {
	store, svc := fixture(t)

	if err := svc.SetApproved(as("admin"), "pending", true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !load(t, store, "pending").IsApproved {
		t.Fatal("not approved")
	}
	if err := svc.SetApproved(as("admin"), "pending", false); err != nil {
		t.Fatalf("unapprove: %v", err)
	}
	if load(t, store, "pending").IsApproved {
		t.Fatal("still approved")
	}
	if err := svc.SetApproved(as("user"), "pending", true); !docstore.IsPermissionDenied(err) {
		t.Fatalf("non-admin approve err = %v", err)
	}
}

func TestSetAdmin(t *testing.T) {
	store, svc := fixture(t)

	if err := svc.SetAdmin(as("admin"), "user", true); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !load(t, store, "user").IsAdmin {
		t.Fatal("not promoted")
	}
	if err := svc.SetAdmin(as("admin"), "owner", false); !errors.Is(err, ErrOwnerProtected) {
		t.Fatalf("demote owner err = %v", err)
	}
	if !load(t, store, "owner").IsAdmin {
		t.Fatal("owner demoted")
	}
	if err := svc.SetAdmin(as("pending"), "user", false); !docstore.IsPermissionDenied(err) {
		t.Fatalf("non-admin demote err = %v", err)
	}
}

func TestAcceptPendingSession(t *testing.T) {
	store, svc := fixture(t)

	if err := svc.AcceptPendingSession(as("admin"), "pending"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	p := load(t, store, "pending")
	if p.LastSessionID != "D2" || p.HasPending() || p.PendingSessionMetadata != nil {
		t.Fatalf("after accept = %+v", p)
	}
	d, ok := p.Session("D2")
	if !ok || d.Label != "phone" || d.Platform != "ios" {
		t.Fatalf("accepted device descriptor = %+v ok=%v", d, ok)
	}
	if _, ok := p.Session("D1"); !ok {
		t.Fatal("existing device dropped")
	}

	if err := svc.AcceptPendingSession(as("admin"), "pending"); !errors.Is(err, ErrNoPendingSession) {
		t.Fatalf("second accept err = %v", err)
	}
}

func TestRevokeAuthorizedSession(t *testing.T) {
	store, svc := fixture(t)
	ctx := as("admin")

	if _, err := store.Set(context.Background(), docstore.CollectionProfiles, "user", map[string]any{
		profile.FieldLastSessionID: "A",
		profile.FieldAuthorizedSessions: profile.SessionsField([]profile.SessionDescriptor{
			{SessionID: "A", Label: "laptop"},
			{SessionID: "B", Label: "tablet"},
		}),
	}, docstore.SetOptions{Merge: true}); err != nil {
		t.Fatalf("seed sessions: %v", err)
	}

	if err := svc.RevokeAuthorizedSession(ctx, "user", "B"); err != nil {
		t.Fatalf("revoke B: %v", err)
	}
	p := load(t, store, "user")
	if p.LastSessionID != "A" || len(p.AuthorizedSessions) != 1 {
		t.Fatalf("after revoking B = %+v", p)
	}

	if err := svc.RevokeAuthorizedSession(ctx, "user", "A"); err != nil {
		t.Fatalf("revoke A: %v", err)
	}
	p = load(t, store, "user")
	if p.LastSessionID != "" || len(p.AuthorizedSessions) != 0 {
		t.Fatalf("after revoking A = %+v", p)
	}
	if !p.IsRevoked("A") || !p.IsRevoked("B") {
		t.Fatalf("revokedSessions = %v", p.RevokedSessions)
	}

	if err := svc.RevokeAuthorizedSession(ctx, "user", "A"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("revoke unknown err = %v", err)
	}
}

func TestListAndWatchProfiles(t *testing.T) {
	_, svc := fixture(t)

	list, err := svc.ListProfiles(as("admin"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 4 || list[0].Email != "admin@x.io" {
		t.Fatalf("list = %+v", list)
	}
	if _, err := svc.ListProfiles(as("user")); !docstore.IsPermissionDenied(err) {
		t.Fatalf("non-admin list err = %v", err)
	}

	var mu sync.Mutex
	var latest []profile.Profile
	sub, err := svc.WatchProfiles(as("admin"), func(ps []profile.Profile) {
		mu.Lock()
		latest = ps
		mu.Unlock()
	}, func(err error) { t.Errorf("watch error: %v", err) })
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Unsubscribe()

	if err := svc.SetApproved(as("admin"), "pending", true); err != nil {
		t.Fatalf("approve: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		var approved bool
		for _, p := range latest {
			if p.SubjectID == "pending" {
				approved = p.IsApproved
			}
		}
		n := len(latest)
		mu.Unlock()
		if n == 4 && approved {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watch did not observe approval: %d profiles", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type staticIdentity struct{ id reconcile.Identity }

func (s staticIdentity) OnIdentityChange(fn func(reconcile.Identity)) func() {
	fn(s.id)
	return func() {}
}

func (staticIdentity) SignOut(context.Context) error { return nil }

// A device that lost authority asks for access, an admin accepts, and the device resumes.
func TestReauthorizationHandshake(t *testing.T) {
	store, svc := fixture(t)
	guard := docstore.NewGuard(store, profile.Rules{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := reconcile.New(reconcile.Config{DeviceLabel: "phone", Platform: "ios"}, reconcile.Deps{
		Identity: staticIdentity{id: reconcile.Identity{SubjectID: "user", Email: "user@x.io"}},
		Profiles: guard,
		Sessions: tokenstore.New(tokenstore.NewMemoryKV(), tokenstore.WithGenerator(func() string { return "PHONE" })),
		Log:      quietLog(),
	})
	if err != nil {
		t.Fatalf("reconcile.New: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	wait := func(want reconcile.State) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for e.View().State != want {
			if time.Now().After(deadline) {
				t.Fatalf("state = %s, want %s", e.View().State, want)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	wait(reconcile.StateActive)

	// Revoking the active device strips its authority.
	if err := svc.RevokeAuthorizedSession(as("admin"), "user", "PHONE"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	wait(reconcile.StateConflicted)
	if err := e.Resume(ctx); !errors.Is(err, reconcile.ErrRevoked) {
		t.Fatalf("resume after revoke err = %v", err)
	}
	if got := load(t, store, "user"); got.LastSessionID != "" {
		t.Fatalf("revoked device took the session back: %+v", got)
	}

	if err := e.RequestAuthorization(ctx, "my phone"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := svc.AcceptPendingSession(as("admin"), "user"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	wait(reconcile.StateActive)

	if got := load(t, store, "user"); got.LastSessionID != "PHONE" || got.HasPending() || got.IsRevoked("PHONE") {
		t.Fatalf("profile after accept = %+v", got)
	}
}

// racingRepo lets a device commit between the administrator's read and write.
type racingRepo struct {
	docstore.Repository
	race func()
	once sync.Once
}

func (r *racingRepo) Set(ctx context.Context, collection, id string, fields map[string]any, opts docstore.SetOptions) (docstore.WriteResult, error) {
	r.once.Do(r.race)
	return r.Repository.Set(ctx, collection, id, fields, opts)
}

func TestAcceptPendingSession_KeepsConcurrentDevice(t *testing.T) {
	store, _ := fixture(t)
	repo := &racingRepo{Repository: docstore.NewGuard(store, profile.Rules{}), race: func() {
		p := load(t, store, "pending")
		list := profile.UpsertSession(p.AuthorizedSessions, profile.SessionDescriptor{SessionID: "D3", Label: "tablet"})
		if _, err := store.Set(context.Background(), docstore.CollectionProfiles, "pending", map[string]any{
			profile.FieldAuthorizedSessions: profile.SessionsField(list),
		}, docstore.SetOptions{Merge: true}); err != nil {
			t.Errorf("device write: %v", err)
		}
	}}
	svc := New(repo, quietLog())

	if err := svc.AcceptPendingSession(as("admin"), "pending"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	p := load(t, store, "pending")
	for _, id := range []string{"D1", "D2", "D3"} {
		if _, ok := p.Session(id); !ok {
			t.Fatalf("device %s missing after accept: %+v", id, p.AuthorizedSessions)
		}
	}
	if p.LastSessionID != "D2" || p.HasPending() {
		t.Fatalf("after accept = %+v", p)
	}
}

func TestAcceptPendingSession_ClearsRevocation(t *testing.T) {
	store, svc := fixture(t)
	if _, err := store.Set(context.Background(), docstore.CollectionProfiles, "pending", map[string]any{
		profile.FieldRevokedSessions: []any{"D2", "D9"},
	}, docstore.SetOptions{Merge: true}); err != nil {
		t.Fatalf("seed revocation: %v", err)
	}

	if err := svc.AcceptPendingSession(as("admin"), "pending"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	p := load(t, store, "pending")
	if p.IsRevoked("D2") || !p.IsRevoked("D9") || !p.Authorized("D2") {
		t.Fatalf("after accept = %+v", p)
	}
}
