package session

import (
	"context"
	"errors"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
	"github.com/oklog/ulid/v2"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	return cfg
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	cfg := testConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}
	store := NewMemoryStore()
	return NewService(cfg, store, mgr), store
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	cfg := testConfig(t)
	mgr, err := NewPasetoV4PublicManager(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4PublicManager: %v", err)
	}

	now := time.Now().UTC()
	authTime := now.Add(-time.Minute).Truncate(time.Second)
	tok, exp, err := mgr.Issue("01HZZZZZZZZZZZZZZZZZZZZZZZ", "01HYYYYYYYYYYYYYYYYYYYYYYY", authTime, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := mgr.Verify(tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID == "" || claims.SessionID == "" {
		t.Fatalf("missing claims")
	}
	if !claims.AuthTime.Equal(authTime) {
		t.Fatalf("auth_time: got %v want %v", claims.AuthTime, authTime)
	}
}

func TestPasetoV4_RejectsForeignKey(t *testing.T) {
	a, _ := NewPasetoV4PublicManager(testConfig(t))
	b, _ := NewPasetoV4PublicManager(testConfig(t))

	now := time.Now().UTC()
	tok, _, err := a.Issue("u", "s", now, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestPasetoV4_Expired(t *testing.T) {
	cfg := testConfig(t)
	cfg.TTL = time.Minute
	mgr, _ := NewPasetoV4PublicManager(cfg)

	now := time.Now().UTC()
	tok, _, _ := mgr.Issue("u", "s", now, now)
	if _, err := mgr.Verify(tok, now.Add(2*time.Minute)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestService_IssueValidateRevoke(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	issued, err := svc.IssueSession(ctx, now, "user-1", DeviceContext{Platform: PlatformCLI})
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	claims, err := svc.ValidateAccessToken(ctx, issued.AccessToken, now.Add(time.Second))
	if err != nil {
		t.Fatalf("ValidateAccessToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != issued.SessionID {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if err := svc.RevokeSession(ctx, now, issued.SessionID); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, issued.AccessToken, now.Add(time.Second)); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}

func TestService_UnknownSessionIsInvalidToken(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now().UTC()

	tok, _, err := svc.tokens.Issue("user-1", "01J00000000000000000000000", now, now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ValidateAccessToken(context.Background(), tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestService_RequireFresh(t *testing.T) {
	svc, _ := newTestService(t)
	now := time.Now().UTC()

	tests := []struct {
		name     string
		authTime time.Time
		want     error
	}{
		{"just logged in", now.Add(-time.Second), nil},
		{"inside window", now.Add(-4 * time.Minute), nil},
		{"stale", now.Add(-6 * time.Minute), ErrReauthRequired},
		{"missing", time.Time{}, ErrReauthRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.RequireFresh(AccessClaims{AuthTime: tt.authTime}, now)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RequireFresh: got %v want %v", err, tt.want)
			}
		})
	}
}

func TestService_RevokeOthersKeepsCurrent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	keep, _ := svc.IssueSession(ctx, now, "user-1", DeviceContext{Platform: PlatformCLI})
	other, _ := svc.IssueSession(ctx, now, "user-1", DeviceContext{Platform: PlatformWeb})
	foreign, _ := svc.IssueSession(ctx, now, "user-2", DeviceContext{Platform: PlatformWeb})

	n, err := svc.RevokeOthers(ctx, now, "user-1", keep.SessionID)
	if err != nil {
		t.Fatalf("RevokeOthers: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 revoked session, got %d", n)
	}
	if _, err := svc.ValidateAccessToken(ctx, keep.AccessToken, now); err != nil {
		t.Fatalf("kept session should stay valid: %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, other.AccessToken, now); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected other session revoked, got %v", err)
	}
	if _, err := svc.ValidateAccessToken(ctx, foreign.AccessToken, now); err != nil {
		t.Fatalf("other user's session should be untouched: %v", err)
	}
}

func TestParsePlatform(t *testing.T) {
	if ParsePlatform("cli") != PlatformCLI {
		t.Fatalf("cli should parse")
	}
	if ParsePlatform("toaster") != PlatformUnknown {
		t.Fatalf("unknown platforms should map to PlatformUnknown")
	}
}

func newTestULID() string {
	return ulid.Make().String()
}
