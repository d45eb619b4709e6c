package identity

import (
	"context"
	"time"
)

// User is flexer's account principal. ID is the stable subject identity.
type User struct {
	ID        string
	Email     string
	EmailNorm string
	CreatedAt time.Time
}

// UserAuth is a user with its stored credential.
type UserAuth struct {
	User              User
	PasswordHash      string
	PasswordUpdatedAt time.Time
}

// CreateUserInput describes a registration. PasswordHash is a PHC string produced by
// PasswordConfig.Hash; stores never see plain passwords.
type CreateUserInput struct {
	Email        string
	PasswordHash string
	Now          time.Time
}

// Store is the account persistence boundary.
type Store interface {
	// CreateUser returns ConflictError{Field: "email"} when the normalized email is taken.
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserAuthByID(ctx context.Context, id string) (UserAuth, error)
	GetUserAuthByEmail(ctx context.Context, email string) (UserAuth, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string, now time.Time) error
}

func validateCreate(op string, in CreateUserInput) (CreateUserInput, error) {
	in.Email = trimSpace(in.Email)
	if !ValidEmail(in.Email) {
		return in, invalid(op, "invalid email")
	}
	if trimSpace(in.PasswordHash) == "" {
		return in, invalid(op, "password hash is required")
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}
