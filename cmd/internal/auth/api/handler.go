// Package authapi serves the identity provider endpoints:
//
//	POST /v1/auth/register  create an account and a session
//	POST /v1/auth/login     exchange email+password for a session
//	POST /v1/auth/logout    revoke the calling session
//	GET  /v1/auth/me        describe the calling session
//	POST /v1/auth/password  change password (fresh session only), revoking other sessions
package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/identity"
	"github.com/flexerosint/flexer-osint/cmd/internal/auth/session"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/httpjson"
	"github.com/flexerosint/flexer-osint/cmd/internal/metrics"
)

// Handler wires HTTP auth endpoints to identity/session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	users    identity.Store
	sessions *session.Service
	pw       identity.PasswordConfig

	throttle Throttle
	auditor  Auditor
	metrics  *metrics.Metrics
	now      func() time.Time

	dummyHash string
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithThrottle overrides the default in-memory throttle.
func WithThrottle(t Throttle) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.throttle = t
		}
	}
}

// WithAuditor overrides the default log-only auditor.
func WithAuditor(a Auditor) HandlerOption {
	return func(h *Handler) {
		if a != nil {
			h.auditor = a
		}
	}
}

func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithPasswordConfig overrides identity.DefaultPasswordConfig (tests use cheap parameters).
func WithPasswordConfig(pw identity.PasswordConfig) HandlerOption {
	return func(h *Handler) { h.pw = pw }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, sessions *session.Service, opts ...HandlerOption) (*Handler, error) {
	if users == nil {
		return nil, errors.New("authapi: nil identity store")
	}
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		pw:       identity.DefaultPasswordConfig(),
		throttle: NewMemoryThrottle(),
		auditor:  LogAuditor{Log: log},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	// Dummy hash for timing-resistant login checks.
	if hash, err := h.pw.Hash("timing-only-Vq8#dummy"); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/auth/register", h.handleRegister)
	mux.HandleFunc("POST /v1/auth/login", h.handleLogin)
	mux.HandleFunc("POST /v1/auth/logout", h.handleLogout)
	mux.HandleFunc("GET /v1/auth/me", h.handleMe)
	mux.HandleFunc("POST /v1/auth/password", h.handlePassword)
}

// Authenticate resolves a bearer token into a document principal.
func (h *Handler) Authenticate(ctx context.Context, token string) (docstore.Principal, error) {
	claims, err := h.sessions.ValidateAccessToken(ctx, token, h.now())
	if err != nil {
		return docstore.Principal{}, err
	}
	u, err := h.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return docstore.Principal{}, err
	}
	return docstore.Principal{SubjectID: u.ID, Email: u.Email}, nil
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.AllowRegistration {
		httpjson.Error(w, http.StatusForbidden, "registration_closed", "registration is disabled")
		return
	}

	var req credentialsRequest
	if err := httpjson.DecodeStrict(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.BadBody(w, err, "invalid_json", "invalid request body")
		return
	}
	email := strings.TrimSpace(req.Email)
	if !identity.ValidEmail(email) {
		httpjson.Error(w, http.StatusBadRequest, "invalid_email", "a valid email is required")
		return
	}

	hash, err := h.pw.Hash(req.Password)
	if err != nil {
		if identity.IsWeakPassword(err) {
			httpjson.Error(w, http.StatusBadRequest, "weak_password", err.Error())
			return
		}
		h.log.Error("auth.register.hash.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	u, err := h.users.CreateUser(ctx, identity.CreateUserInput{Email: email, PasswordHash: hash, Now: now})
	if err != nil {
		switch {
		case identity.IsConflict(err):
			h.metrics.Login("account_exists")
			httpjson.Error(w, http.StatusConflict, "account_exists", "an account with this email already exists")
		case identity.IsInvalidInput(err):
			httpjson.Error(w, http.StatusBadRequest, "invalid_email", "a valid email is required")
		default:
			h.log.Error("auth.register.fail", "err", err)
			httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	issued, err := h.sessions.IssueSession(ctx, now, u.ID, h.device(req.Platform, ua, ip))
	if err != nil {
		h.log.Error("auth.register.issue_session.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.metrics.Login("registered")
	h.audit(ctx, AuditEvent{Action: "auth.register", UserID: u.ID, SessionID: issued.SessionID, IP: ip, UserAgent: ua})
	h.log.Info("auth.register", "user_id", u.ID, "session_id", issued.SessionID)
	httpjson.Write(w, http.StatusCreated, toSessionResponse(u, issued))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httpjson.DecodeStrict(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.BadBody(w, err, "invalid_json", "invalid request body")
		return
	}
	email := identity.NormalizeEmail(req.Email)
	if email == "" || req.Password == "" {
		httpjson.Error(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	ipKey := "ip:" + ipString(ip)
	emailKey := "email:" + email

	// Throttle before the credential lookup to avoid extra auth DB load.
	for _, c := range []struct {
		key   string
		limit int
		skip  bool
	}{
		{ipKey, h.cfg.LoginIPMax, ip == nil},
		{emailKey, h.cfg.LoginUserMax, false},
	} {
		if c.skip || c.limit <= 0 {
			continue
		}
		blocked, retryAfter, err := h.throttle.Blocked(ctx, c.key, c.limit)
		if err != nil {
			h.log.Error("auth.login.throttle.fail", "err", err)
			httpjson.Error(w, http.StatusServiceUnavailable, "server_busy", "please retry later")
			return
		}
		if blocked {
			h.metrics.Login("throttled")
			h.audit(ctx, AuditEvent{Action: "auth.login.rate_limited", IP: ip, UserAgent: ua, Meta: map[string]any{
				"identifier":    email,
				"retry_after_s": int64(retryAfter.Seconds()),
			}})
			writeRateLimited(w, retryAfter)
			return
		}
	}

	acct, err := h.users.GetUserAuthByEmail(ctx, email)
	if err != nil && !identity.IsNotFound(err) {
		h.log.Error("auth.login.lookup.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err != nil {
		// Timing resistance: perform a dummy verify when the user is missing.
		if h.dummyHash != "" {
			_, _ = h.pw.Verify(h.dummyHash, req.Password)
		}
		h.loginFailed(ctx, "", ipKey, emailKey, ip, ua, email, "not_found")
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	ok, err := h.pw.Verify(acct.PasswordHash, req.Password)
	if err != nil || !ok {
		h.loginFailed(ctx, acct.User.ID, ipKey, emailKey, ip, ua, email, "bad_password")
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	issued, err := h.sessions.IssueSession(ctx, now, acct.User.ID, h.device(req.Platform, ua, ip))
	if err != nil {
		h.log.Error("auth.login.issue_session.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.throttle.Reset(ctx, emailKey); err != nil {
		h.log.Warn("auth.login.throttle_reset.fail", "err", err)
	}

	h.metrics.Login("success")
	h.audit(ctx, AuditEvent{Action: "auth.login.success", UserID: acct.User.ID, SessionID: issued.SessionID, IP: ip, UserAgent: ua})
	httpjson.Write(w, http.StatusOK, toSessionResponse(acct.User, issued))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.sessions.RevokeSession(ctx, h.now(), claims.SessionID); err != nil {
		h.log.Error("auth.logout.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(ctx, AuditEvent{Action: "auth.logout", UserID: claims.UserID, SessionID: claims.SessionID,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent())})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	u, err := h.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			httpjson.Error(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.sessions.TouchSession(ctx, h.now(), claims.SessionID); err != nil {
		h.log.Warn("auth.me.touch.fail", "err", err)
	}

	httpjson.Write(w, http.StatusOK, meResponse{
		SubjectID: u.ID,
		Email:     u.Email,
		SessionID: claims.SessionID,
		AuthTime:  claims.AuthTime,
	})
}

func (h *Handler) handlePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	now := h.now()
	if err := h.sessions.RequireFresh(claims, now); err != nil {
		httpjson.Error(w, http.StatusUnauthorized, "reauth_required", "sign in again to change your password")
		return
	}

	var req passwordChangeRequest
	if err := httpjson.DecodeStrict(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpjson.BadBody(w, err, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	acct, err := h.users.GetUserAuthByID(ctx, claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			httpjson.Error(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		h.log.Error("auth.password.lookup.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if ok, err := h.pw.Verify(acct.PasswordHash, req.CurrentPassword); err != nil || !ok {
		httpjson.Error(w, http.StatusUnauthorized, "invalid_credentials", "current password is incorrect")
		return
	}

	hash, err := h.pw.Hash(req.NewPassword)
	if err != nil {
		if identity.IsWeakPassword(err) {
			httpjson.Error(w, http.StatusBadRequest, "weak_password", err.Error())
			return
		}
		h.log.Error("auth.password.hash.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.users.UpdatePasswordHash(ctx, claims.UserID, hash, now); err != nil {
		h.log.Error("auth.password.update.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	revoked, err := h.sessions.RevokeOthers(ctx, now, claims.UserID, claims.SessionID)
	if err != nil {
		h.log.Error("auth.password.revoke_others.fail", "err", err)
		httpjson.Error(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.audit(ctx, AuditEvent{Action: "auth.password.changed", UserID: claims.UserID, SessionID: claims.SessionID,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta: map[string]any{"revoked_sessions": revoked}})
	httpjson.Write(w, http.StatusOK, passwordChangeResponse{RevokedSessions: revoked})
}

// ---- helpers ----

func (h *Handler) loginFailed(ctx context.Context, userID, ipKey, emailKey string, ip net.IP, ua, email, reason string) {
	if ip != nil {
		if err := h.throttle.Fail(ctx, ipKey, h.cfg.LoginIPWindow); err != nil {
			h.log.Warn("auth.login.throttle_record.fail", "err", err)
		}
	}
	if err := h.throttle.Fail(ctx, emailKey, h.cfg.LoginUserWindow); err != nil {
		h.log.Warn("auth.login.throttle_record.fail", "err", err)
	}
	h.metrics.Login("invalid_credentials")
	h.audit(ctx, AuditEvent{Action: "auth.login.failed", UserID: userID, IP: ip, UserAgent: ua, Meta: map[string]any{
		"identifier": email,
		"reason":     reason,
	}})
}

func (h *Handler) device(platform, ua string, ip net.IP) session.DeviceContext {
	return session.DeviceContext{
		Platform:  session.ParsePlatform(strings.ToLower(strings.TrimSpace(platform))),
		UserAgent: ua,
		IP:        ip,
	}
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.ValidateAccessToken(r.Context(), token, h.now())
	if err != nil {
		httpjson.Error(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
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

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
