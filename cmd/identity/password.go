package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

const argon2Version = 19

// ErrInvalidHash is returned for malformed or unsupported PHC strings.
var ErrInvalidHash = errors.New("invalid password hash")

// Argon2idParams controls Argon2id hashing cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// PasswordPolicy bounds accepted passwords.
type PasswordPolicy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// PasswordConfig is the hashing and policy surface used by the auth API.
type PasswordConfig struct {
	Params Argon2idParams
	Policy PasswordPolicy
}

// DefaultPasswordConfig returns interactive-login defaults.
func DefaultPasswordConfig() PasswordConfig {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}
	return PasswordConfig{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4].
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: PasswordPolicy{
			MinLength:      10,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// Validate checks the password policy, counting runes rather than bytes.
func (c PasswordConfig) Validate(password string) error {
	const op = "identity.ValidatePassword"
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return OpError{Op: op, Kind: ErrWeakPassword, Msg: fmt.Sprintf("at least %d characters required", c.Policy.MinLength)}
	case n > c.Policy.MaxLength:
		return OpError{Op: op, Kind: ErrWeakPassword, Msg: fmt.Sprintf("at most %d characters allowed", c.Policy.MaxLength)}
	case c.Policy.RejectVeryWeak && looksVeryWeak(password):
		return OpError{Op: op, Kind: ErrWeakPassword, Msg: "password is too easy to guess"}
	}
	return nil
}

// Hash validates password and returns a PHC string:
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<hash_b64>
func (c PasswordConfig) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, c.Params.Iterations, c.Params.MemoryKiB, c.Params.Parallelism, c.Params.KeyLength)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Version,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(key),
	), nil
}

// Verify reports whether password matches encoded. Hashes whose cost is far above the
// configured parameters are rejected as ErrInvalidHash so a planted row cannot stall logins.
func (c PasswordConfig) Verify(encoded, password string) (bool, error) {
	params, salt, expected, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	if !withinBounds(params, c.Params) {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey([]byte(password), salt, params.Iterations, params.MemoryKiB, params.Parallelism,
		uint32(len(expected))) // #nosec G115 -- bounded by decodePHC.
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func withinBounds(got, limits Argon2idParams) bool {
	switch {
	case got.MemoryKiB > limits.MemoryKiB*2:
		return false
	case got.Iterations > limits.Iterations*2:
		return false
	case got.Parallelism > limits.Parallelism*2:
		return false
	case got.SaltLength < 8 || got.SaltLength > 64:
		return false
	case got.KeyLength < 16 || got.KeyLength > 128:
		return false
	}
	return true
}

func decodePHC(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidHash
	}

	return Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115 -- base64 field of a bounded string.
		KeyLength:   uint32(len(key)),  // #nosec G115 -- base64 field of a bounded string.
	}, salt, key, nil
}

func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	allSame := true
	onlyDigits := true
	for _, r := range s {
		if r != first {
			allSame = false
		}
		if !unicode.IsDigit(r) {
			onlyDigits = false
		}
	}
	if allSame || (onlyDigits && utf8.RuneCountInString(s) < 12) {
		return true
	}

	switch strings.ToLower(s) {
	case "password", "password123", "1234567890", "123456789", "qwertyuiop", "qwerty123", "letmein123":
		return true
	}
	return false
}
