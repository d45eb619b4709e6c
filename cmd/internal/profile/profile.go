// Package profile defines the user profile document and the access rules of the
// profiles and tools collections.
package profile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

// Document field names.
const (
	FieldSubjectID              = "subjectId"
	FieldEmail                  = "email"
	FieldIsApproved             = "isApproved"
	FieldIsAdmin                = "isAdmin"
	FieldIsOwner                = "isOwner"
	FieldLastSessionID          = "lastSessionId"
	FieldPendingSessionID       = "pendingSessionId"
	FieldPendingSessionMetadata = "pendingSessionMetadata"
	FieldAuthorizedSessions     = "authorizedSessions"
	FieldRevokedSessions        = "revokedSessions"
)

// Profile is one user's identity, authorization flags and session pointer.
type Profile struct {
	SubjectID              string              `json:"subjectId"`
	Email                  string              `json:"email"`
	IsApproved             bool                `json:"isApproved"`
	IsAdmin                bool                `json:"isAdmin"`
	IsOwner                bool                `json:"isOwner"`
	LastSessionID          string              `json:"lastSessionId"`
	PendingSessionID       string              `json:"pendingSessionId,omitempty"`
	PendingSessionMetadata *PendingMetadata    `json:"pendingSessionMetadata,omitempty"`
	AuthorizedSessions     []SessionDescriptor `json:"authorizedSessions"`
	RevokedSessions        []string            `json:"revokedSessions,omitempty"`
}

// PendingMetadata describes a device waiting for an administrator to accept it.
type PendingMetadata struct {
	Label       string    `json:"label"`
	Platform    string    `json:"platform"`
	RequestedAt time.Time `json:"requestedAt"`
}

// SessionDescriptor is one entry of the authorized device list.
type SessionDescriptor struct {
	SessionID  string    `json:"sessionId"`
	Label      string    `json:"label"`
	Platform   string    `json:"platform"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// New returns the profile created on a subject's first bootstrap.
func New(subjectID, email string, device SessionDescriptor) Profile {
	return Profile{
		SubjectID:          subjectID,
		Email:              email,
		LastSessionID:      device.SessionID,
		AuthorizedSessions: []SessionDescriptor{device},
	}
}

// Decode converts stored document data into a Profile.
func Decode(data map[string]any) (Profile, error) {
	var p Profile
	if err := docstore.Decode(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: decode: %w", err)
	}
	return p, nil
}

// Fields returns p as document data.
func (p Profile) Fields() map[string]any {
	b, _ := json.Marshal(p)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	if out[FieldAuthorizedSessions] == nil {
		out[FieldAuthorizedSessions] = []any{}
	}
	return out
}

// HasPending reports whether a re-authorization request is outstanding.
func (p Profile) HasPending() bool { return p.PendingSessionID != "" }

// Session returns the descriptor for sessionID, if listed.
func (p Profile) Session(sessionID string) (SessionDescriptor, bool) {
	for _, s := range p.AuthorizedSessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return SessionDescriptor{}, false
}

// IsRevoked reports whether an administrator revoked sessionID.
func (p Profile) IsRevoked(sessionID string) bool {
	for _, id := range p.RevokedSessions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Authorized reports whether sessionID may be the active session.
func (p Profile) Authorized(sessionID string) bool {
	if sessionID == "" || p.IsRevoked(sessionID) {
		return false
	}
	_, ok := p.Session(sessionID)
	return ok
}

// UpsertSession returns list with d replacing the entry of the same id in place, or appended.
func UpsertSession(list []SessionDescriptor, d SessionDescriptor) []SessionDescriptor {
	out := make([]SessionDescriptor, 0, len(list)+1)
	found := false
	for _, s := range list {
		if s.SessionID == d.SessionID {
			out = append(out, d)
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		out = append(out, d)
	}
	return out
}

// RemoveSession returns list without sessionID and whether it was present.
func RemoveSession(list []SessionDescriptor, sessionID string) ([]SessionDescriptor, bool) {
	out := make([]SessionDescriptor, 0, len(list))
	removed := false
	for _, s := range list {
		if s.SessionID == sessionID {
			removed = true
			continue
		}
		out = append(out, s)
	}
	return out, removed
}

// SessionsField encodes a descriptor list as a document field value.
func SessionsField(list []SessionDescriptor) []any {
	out := make([]any, 0, len(list))
	for _, s := range list {
		out = append(out, map[string]any{
			"sessionId":  s.SessionID,
			"label":      s.Label,
			"platform":   s.Platform,
			"lastSeenAt": s.LastSeenAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

// RevokedField encodes a revoked id list as a document field value.
func RevokedField(ids []string) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
