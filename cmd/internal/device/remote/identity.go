package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/device/tokenstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/reconcile"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Platform string `json:"platform"`
}

type sessionResponse struct {
	SubjectID   string    `json:"subjectId"`
	Email       string    `json:"email"`
	SessionID   string    `json:"sessionId"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Me is the server's view of the signed-in subject.
type Me struct {
	SubjectID string    `json:"subjectId"`
	Email     string    `json:"email"`
	SessionID string    `json:"sessionId"`
	AuthTime  time.Time `json:"authTime"`
}

// Identity returns the signed-in subject, or the zero Identity.
func (c *Client) Identity() reconcile.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// OnIdentityChange calls fn with the current identity now and on every change.
func (c *Client) OnIdentityChange(fn func(reconcile.Identity)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, identityListener{id: id, fn: fn})
	cur := c.identity
	c.mu.Unlock()

	fn(cur)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Restore adopts the access token persisted by an earlier run. An expired or revoked token
// is discarded and the client stays signed out.
func (c *Client) Restore(ctx context.Context) error {
	if c.kv == nil {
		return nil
	}
	tok, err := c.kv.Get(ctx, tokenstore.KeyAccessToken)
	if errors.Is(err, tokenstore.ErrNotFound) || (err == nil && tok == "") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remote: read access token: %w", err)
	}

	me, err := c.me(ctx, tok)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			c.log.Info("remote.restore.discard", "reason", ae.Code)
			if derr := c.kv.Delete(ctx, tokenstore.KeyAccessToken); derr != nil {
				return fmt.Errorf("remote: discard access token: %w", derr)
			}
			return nil
		}
		return err
	}
	c.setSession(tok, reconcile.Identity{SubjectID: me.SubjectID, Email: me.Email})
	c.log.Info("remote.restore", "subject_id", me.SubjectID)
	return nil
}

// AuthenticateWithPassword signs in and returns the subject id.
func (c *Client) AuthenticateWithPassword(ctx context.Context, email, password string) (string, error) {
	return c.signIn(ctx, "remote.Login", "login", http.StatusOK, email, password)
}

// CreateAccount registers a new account and signs in as it.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (string, error) {
	return c.signIn(ctx, "remote.Register", "register", http.StatusCreated, email, password)
}

func (c *Client) signIn(ctx context.Context, op, path string, want int, email, password string) (string, error) {
	resp, err := c.do(ctx, op, http.MethodPost, c.endpoint("v1", "auth", path),
		credentials{Email: email, Password: password, Platform: c.cfg.Platform}, false)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != want {
		defer resp.Body.Close()
		return "", authErrorFrom(op, resp)
	}
	var out sessionResponse
	if err := decodeBody(op, resp, &out); err != nil {
		return "", err
	}
	if out.SubjectID == "" || out.AccessToken == "" {
		return "", &TransportError{Op: op, Status: resp.StatusCode, Err: errors.New("incomplete session response")}
	}

	if c.kv != nil {
		if err := c.kv.Put(ctx, tokenstore.KeyAccessToken, out.AccessToken); err != nil {
			return "", fmt.Errorf("%s: persist access token: %w", op, err)
		}
	}
	c.setSession(out.AccessToken, reconcile.Identity{SubjectID: out.SubjectID, Email: out.Email})
	c.log.Info("remote.signin", "subject_id", out.SubjectID, "op", path)
	return out.SubjectID, nil
}

// SignOut revokes the server session when possible and forgets the local token. It always
// leaves the client signed out.
func (c *Client) SignOut(ctx context.Context) error {
	if c.Token() != "" {
		resp, err := c.do(ctx, "remote.Logout", http.MethodPost, c.endpoint("v1", "auth", "logout"), nil, true)
		if err != nil {
			c.log.Warn("remote.logout.fail", "err", err)
		} else {
			if resp.StatusCode != http.StatusNoContent {
				c.log.Warn("remote.logout.status", "status", resp.StatusCode)
			}
			drain(resp)
		}
	}

	var err error
	if c.kv != nil {
		if derr := c.kv.Delete(ctx, tokenstore.KeyAccessToken); derr != nil {
			err = fmt.Errorf("remote: clear access token: %w", derr)
		}
	}
	c.setSession("", reconcile.Identity{})
	return err
}

// Me asks the server who the current token belongs to.
func (c *Client) Me(ctx context.Context) (Me, error) {
	tok := c.Token()
	if tok == "" {
		return Me{}, ErrSignedOut
	}
	return c.me(ctx, tok)
}

func (c *Client) me(ctx context.Context, tok string) (Me, error) {
	const op = "remote.Me"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("v1", "auth", "me").String(), nil)
	if err != nil {
		return Me{}, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http.Do(req)
	if err != nil {
		return Me{}, &TransportError{Op: op, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return Me{}, authErrorFrom(op, resp)
	}
	var out Me
	if err := decodeBody(op, resp, &out); err != nil {
		return Me{}, err
	}
	return out, nil
}

// ChangePassword changes the signed-in account's password. It fails with ErrReauthRequired
// when the session was not authenticated recently; other devices are signed out on success.
func (c *Client) ChangePassword(ctx context.Context, current, next string) error {
	const op = "remote.ChangePassword"
	resp, err := c.do(ctx, op, http.MethodPost, c.endpoint("v1", "auth", "password"), map[string]string{
		"currentPassword": current,
		"newPassword":     next,
	}, true)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return authErrorFrom(op, resp)
	}
	drain(resp)
	return nil
}

// setSession swaps the token and identity, reconnects the change feed under the new token
// and notifies listeners when the subject changed.
func (c *Client) setSession(tok string, id reconcile.Identity) {
	c.mu.Lock()
	changedToken := c.token != tok
	changedSubject := c.identity != id
	c.token = tok
	c.identity = id
	ls := append([]identityListener(nil), c.listeners...)
	c.mu.Unlock()

	if changedToken {
		c.feed.reconnect()
	}
	if !changedSubject {
		return
	}
	for _, l := range ls {
		l.fn(id)
	}
}
