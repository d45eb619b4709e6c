package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the identity envelope propagated across HTTP and WS.
type AccessClaims struct {
	UserID    string
	SessionID string
	AuthTime  time.Time
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// AccessTokenManager issues and verifies access tokens.
type AccessTokenManager interface {
	Issue(userID, sessionID string, authTime, now time.Time) (token string, exp time.Time, err error)
	Verify(token string, now time.Time) (AccessClaims, error)
	PublicKeyHex() string
}

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret    paseto.V4AsymmetricSecretKey
	public    paseto.V4AsymmetricPublicKey
	ephemeral bool
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// An empty key is accepted only when cfg.AllowEphemeralKey is set; the manager then signs
// with a freshly generated keypair.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	if cfg.TTL <= 0 || cfg.Issuer == "" {
		return nil, ErrConfig
	}

	var (
		secret    paseto.V4AsymmetricSecretKey
		ephemeral bool
	)
	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		k, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		secret = k
	case cfg.AllowEphemeralKey:
		secret = paseto.NewV4AsymmetricSecretKey()
		ephemeral = true
	default:
		return nil, ErrConfig
	}

	return &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.TTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
		ephemeral: ephemeral,
	}, nil
}

// IsEphemeral reports whether m signs with a generated key.
func IsEphemeral(m AccessTokenManager) bool {
	pm, ok := m.(*pasetoV4PublicManager)
	return ok && pm.ephemeral
}

func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(userID, sessionID string, authTime, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	_ = tok.Set("sid", sessionID)
	_ = tok.Set("auth_time", authTime.UTC().Format(time.RFC3339))

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (AccessClaims, error) {
	// Validate slightly in the future so "nbf" tolerates clock drift.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	uid, err := parsed.GetString("uid")
	if err != nil || uid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, err := parsed.GetString("sid")
	if err != nil || sid == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	rawAuth, err := parsed.GetString("auth_time")
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	authTime, err := time.Parse(time.RFC3339, rawAuth)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	return AccessClaims{
		UserID:    uid,
		SessionID: sid,
		AuthTime:  authTime,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}
