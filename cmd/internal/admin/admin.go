// Package admin implements the administrator operations on user profiles: approval, role
// changes and the re-authorization handshake.
//
// Operations run against any docstore.Repository. Authorization is enforced by the
// repository (profile.Rules); the checks here only turn known refusals into clear errors
// before a write is attempted.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
)

var (
	// ErrOwnerProtected is returned for role changes on the owner profile.
	ErrOwnerProtected = errors.New("admin: the owner profile cannot be changed")
	// ErrNoPendingSession is returned by AcceptPendingSession when nothing is pending.
	ErrNoPendingSession = errors.New("admin: no pending session")
	// ErrSessionNotFound is returned by RevokeAuthorizedSession for unknown session ids.
	ErrSessionNotFound = errors.New("admin: session not authorized")
)

const maxConflicts = 5

// Service performs administrator operations.
type Service struct {
	repo docstore.Repository
	log  *slog.Logger
	now  func() time.Time
}

// New returns a Service over repo.
func New(repo docstore.Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) load(ctx context.Context, uid string) (profile.Profile, error) {
	d, err := s.repo.Get(ctx, docstore.CollectionProfiles, uid)
	if err != nil {
		return profile.Profile{}, err
	}
	return profile.Decode(d.Data)
}

func (s *Service) merge(ctx context.Context, uid string, fields map[string]any) error {
	_, err := s.repo.Set(ctx, docstore.CollectionProfiles, uid, fields, docstore.SetOptions{Merge: true})
	return err
}

// ListProfiles returns every profile ordered by email.
func (s *Service) ListProfiles(ctx context.Context) ([]profile.Profile, error) {
	docs, err := s.repo.List(ctx, docstore.CollectionProfiles)
	if err != nil {
		return nil, err
	}
	out := make([]profile.Profile, 0, len(docs))
	for _, d := range docs {
		p, err := profile.Decode(d.Data)
		if err != nil {
			s.log.Warn("admin.profile.decode.fail", "subject_id", d.ID, "err", err)
			continue
		}
		out = append(out, p)
	}
	sortProfiles(out)
	return out, nil
}

// SetApproved grants or withdraws access to the tools.
func (s *Service) SetApproved(ctx context.Context, uid string, approved bool) error {
	if err := s.merge(ctx, uid, map[string]any{profile.FieldIsApproved: approved}); err != nil {
		return fmt.Errorf("admin: set approved on %s: %w", uid, err)
	}
	s.log.Info("admin.approval", "subject_id", uid, "approved", approved)
	return nil
}

// SetAdmin grants or withdraws the administrator role. The owner profile is refused.
func (s *Service) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	p, err := s.load(ctx, uid)
	if err != nil {
		return fmt.Errorf("admin: load %s: %w", uid, err)
	}
	if p.IsOwner {
		return ErrOwnerProtected
	}
	if err := s.merge(ctx, uid, map[string]any{profile.FieldIsAdmin: isAdmin}); err != nil {
		return fmt.Errorf("admin: set admin on %s: %w", uid, err)
	}
	s.log.Info("admin.role", "subject_id", uid, "admin", isAdmin)
	return nil
}

// AcceptPendingSession makes the pending device the active one: lastSessionId takes the
// pending id, the device joins authorizedSessions (and leaves revokedSessions) and the pending
// fields are cleared.
func (s *Service) AcceptPendingSession(ctx context.Context, uid string) error {
	var accepted string
	err := s.modify(ctx, uid, func(p profile.Profile) (map[string]any, error) {
		if !p.HasPending() {
			return nil, ErrNoPendingSession
		}
		accepted = p.PendingSessionID
		desc := profile.SessionDescriptor{SessionID: p.PendingSessionID, LastSeenAt: s.now()}
		if m := p.PendingSessionMetadata; m != nil {
			desc.Label = m.Label
			desc.Platform = m.Platform
		}
		return map[string]any{
			profile.FieldLastSessionID:          p.PendingSessionID,
			profile.FieldAuthorizedSessions:     profile.SessionsField(profile.UpsertSession(p.AuthorizedSessions, desc)),
			profile.FieldRevokedSessions:        profile.RevokedField(without(p.RevokedSessions, p.PendingSessionID)),
			profile.FieldPendingSessionID:       nil,
			profile.FieldPendingSessionMetadata: nil,
		}, nil
	})
	if err != nil {
		if errors.Is(err, ErrNoPendingSession) {
			return err
		}
		return fmt.Errorf("admin: accept pending session of %s: %w", uid, err)
	}
	s.log.Info("admin.session.accept", "subject_id", uid, "device_session_id", accepted)
	return nil
}

// RevokeAuthorizedSession removes a device from authorizedSessions and records it in
// revokedSessions, so it cannot take the session back without a new access request.
// Revoking the active device also clears lastSessionId, which puts that device into the
// conflict screen.
func (s *Service) RevokeAuthorizedSession(ctx context.Context, uid, sessionID string) error {
	err := s.modify(ctx, uid, func(p profile.Profile) (map[string]any, error) {
		rest, ok := profile.RemoveSession(p.AuthorizedSessions, sessionID)
		if !ok {
			return nil, ErrSessionNotFound
		}
		revoked := p.RevokedSessions
		if !p.IsRevoked(sessionID) {
			revoked = append(append([]string(nil), revoked...), sessionID)
		}
		fields := map[string]any{
			profile.FieldAuthorizedSessions: profile.SessionsField(rest),
			profile.FieldRevokedSessions:    profile.RevokedField(revoked),
		}
		if p.LastSessionID == sessionID {
			fields[profile.FieldLastSessionID] = ""
		}
		if p.PendingSessionID == sessionID {
			fields[profile.FieldPendingSessionID] = nil
			fields[profile.FieldPendingSessionMetadata] = nil
		}
		return fields, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("admin: revoke session of %s: %w", uid, err)
	}
	s.log.Info("admin.session.revoke", "subject_id", uid, "device_session_id", sessionID)
	return nil
}

// modify merges the fields build derives from the stored profile, conditional on the revision
// read. It reads again and rebuilds when a device or another administrator wrote first.
func (s *Service) modify(ctx context.Context, uid string, build func(profile.Profile) (map[string]any, error)) error {
	for attempt := 1; ; attempt++ {
		d, err := s.repo.Get(ctx, docstore.CollectionProfiles, uid)
		if err != nil {
			return err
		}
		p, err := profile.Decode(d.Data)
		if err != nil {
			return err
		}
		fields, err := build(p)
		if err != nil {
			return err
		}
		_, err = s.repo.Set(ctx, docstore.CollectionProfiles, uid, fields, docstore.SetOptions{Merge: true, IfRevision: d.Revision})
		if !docstore.IsConflict(err) || attempt >= maxConflicts {
			return err
		}
		s.log.Debug("admin.write.conflict", "subject_id", uid, "attempt", attempt)
	}
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// WatchProfiles subscribes to the profiles collection and calls onChange with the full,
// email-ordered list after every change. onError is called once if the watch fails.
func (s *Service) WatchProfiles(ctx context.Context, onChange func([]profile.Profile), onError func(error)) (docstore.Subscription, error) {
	var mu sync.Mutex
	byID := make(map[string]profile.Profile)

	return s.repo.Subscribe(ctx, docstore.Collection(docstore.CollectionProfiles), func(snap docstore.Snapshot) {
		mu.Lock()
		if snap.Exists {
			p, err := profile.Decode(snap.Data)
			if err != nil {
				mu.Unlock()
				s.log.Warn("admin.profile.decode.fail", "subject_id", snap.ID, "err", err)
				return
			}
			byID[snap.ID] = p
		} else {
			delete(byID, snap.ID)
		}
		list := make([]profile.Profile, 0, len(byID))
		for _, p := range byID {
			list = append(list, p)
		}
		mu.Unlock()

		sortProfiles(list)
		onChange(list)
	}, onError)
}

func sortProfiles(list []profile.Profile) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Email != list[j].Email {
			return list[i].Email < list[j].Email
		}
		return list[i].SubjectID < list[j].SubjectID
	})
}
