package authapi

import "time"

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Platform string `json:"platform"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type sessionResponse struct {
	SubjectID   string    `json:"subjectId"`
	Email       string    `json:"email"`
	SessionID   string    `json:"sessionId"`
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type meResponse struct {
	SubjectID string    `json:"subjectId"`
	Email     string    `json:"email"`
	SessionID string    `json:"sessionId"`
	AuthTime  time.Time `json:"authTime"`
}

type passwordChangeResponse struct {
	RevokedSessions int64 `json:"revokedSessions"`
}
