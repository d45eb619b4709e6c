package authapi

import (
	"github.com/flexerosint/flexer-osint/cmd/identity"
	"github.com/flexerosint/flexer-osint/cmd/internal/auth/session"
)

func toSessionResponse(u identity.User, issued session.Issued) sessionResponse {
	return sessionResponse{
		SubjectID:   u.ID,
		Email:       u.Email,
		SessionID:   issued.SessionID,
		AccessToken: issued.AccessToken,
		ExpiresAt:   issued.AccessExp,
	}
}
