package profile

import (
	"context"
	"fmt"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

var selfFields = fieldSet(
	FieldLastSessionID,
	FieldAuthorizedSessions,
	FieldPendingSessionID,
	FieldPendingSessionMetadata,
)

var adminFields = fieldSet(
	FieldIsApproved,
	FieldIsAdmin,
	FieldLastSessionID,
	FieldAuthorizedSessions,
	FieldPendingSessionID,
	FieldPendingSessionMetadata,
	FieldRevokedSessions,
)

func fieldSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// Rules authorizes access to the profiles and tools collections.
//
//   - profiles/{uid}: readable by uid and by admins; listable and watchable by admins.
//     uid may create it once, with the signed-in email and every flag false, then change only
//     the session fields. Without admin rights the active session must be a listed device
//     that was not revoked.
//     Admins may change approval, role and session fields of profiles not marked owner.
//     subjectId, email and isOwner never change through the API.
//   - tools: readable by approved users and admins, writable by admins.
//   - every other collection is denied.
type Rules struct{}

var _ docstore.Authorizer = Rules{}

type caller struct {
	uid      string
	admin    bool
	approved bool
}

func loadCaller(ctx context.Context, r docstore.Reader, p docstore.Principal) (caller, error) {
	c := caller{uid: p.SubjectID}
	d, err := r.Get(ctx, docstore.CollectionProfiles, p.SubjectID)
	if err != nil {
		if docstore.IsNotFound(err) {
			return c, nil
		}
		return c, err
	}
	prof, err := Decode(d.Data)
	if err != nil {
		return c, nil
	}
	c.admin = prof.IsAdmin
	c.approved = prof.IsApproved
	return c, nil
}

func (Rules) Authorize(ctx context.Context, r docstore.Reader, req docstore.Request) error {
	switch req.Collection {
	case docstore.CollectionProfiles:
		c, err := loadCaller(ctx, r, req.Principal)
		if err != nil {
			return err
		}
		return authorizeProfile(c, req)
	case docstore.CollectionTools:
		c, err := loadCaller(ctx, r, req.Principal)
		if err != nil {
			return err
		}
		return authorizeTool(c, req)
	default:
		return deny("collection %q is not accessible", req.Collection)
	}
}

func authorizeProfile(c caller, req docstore.Request) error {
	self := req.ID != "" && req.ID == c.uid

	switch req.Access {
	case docstore.AccessRead:
		if self || c.admin {
			return nil
		}
		return deny("profile of another user")

	case docstore.AccessList:
		if c.admin {
			return nil
		}
		return deny("listing profiles requires admin")

	case docstore.AccessCreate:
		if !self {
			return deny("profiles are created by their subject")
		}
		p, err := Decode(req.After)
		if err != nil {
			return deny("malformed profile")
		}
		if p.SubjectID != req.ID {
			return deny("subjectId must match the document id")
		}
		email := normalizeEmail(req.Principal.Email)
		if email == "" || normalizeEmail(p.Email) != email {
			return deny("email must match the signed-in account")
		}
		if p.IsApproved || p.IsAdmin || p.IsOwner {
			return deny("new profiles start unapproved")
		}
		if len(p.RevokedSessions) > 0 {
			return deny("new profiles have no revoked sessions")
		}
		if p.LastSessionID != "" && !p.Authorized(p.LastSessionID) {
			return deny("active session must be an authorized device")
		}
		return nil

	case docstore.AccessUpdate:
		if req.Existing == nil {
			return deny("missing profile")
		}
		cur, err := Decode(req.Existing.Data)
		if err != nil {
			return deny("malformed profile")
		}
		after, err := Decode(req.After)
		if err != nil {
			return deny("malformed profile")
		}

		allowed := map[string]struct{}{}
		if self {
			union(allowed, selfFields)
		}
		if c.admin && (!cur.IsOwner || self) {
			union(allowed, adminFields)
		}
		if len(allowed) == 0 {
			return deny("profile of another user")
		}
		for _, k := range req.Changed {
			if _, ok := allowed[k]; !ok {
				return deny("field %q is not writable", k)
			}
		}
		if !c.admin {
			return checkSessions(after, req.Changed)
		}
		return nil

	case docstore.AccessDelete:
		if req.Existing == nil {
			if c.admin {
				return nil
			}
			return deny("profile of another user")
		}
		cur, err := Decode(req.Existing.Data)
		if err == nil && cur.IsOwner {
			return deny("owner profile cannot be deleted")
		}
		if c.admin {
			return nil
		}
		return deny("deleting profiles requires admin")
	}
	return deny("unsupported access %q", req.Access)
}

// checkSessions keeps a non-admin from reviving a revoked device or claiming an unlisted one.
func checkSessions(after Profile, changed []string) error {
	for _, k := range changed {
		switch k {
		case FieldAuthorizedSessions:
			for _, d := range after.AuthorizedSessions {
				if after.IsRevoked(d.SessionID) {
					return deny("session %q was revoked", d.SessionID)
				}
			}
		case FieldLastSessionID:
			if after.LastSessionID != "" && !after.Authorized(after.LastSessionID) {
				return deny("active session must be an authorized device")
			}
		}
	}
	return nil
}

func authorizeTool(c caller, req docstore.Request) error {
	switch req.Access {
	case docstore.AccessRead, docstore.AccessList:
		if c.approved || c.admin {
			return nil
		}
		return deny("tools require an approved account")
	case docstore.AccessCreate, docstore.AccessUpdate, docstore.AccessDelete:
		if c.admin {
			return nil
		}
		return deny("tools are managed by admins")
	}
	return deny("unsupported access %q", req.Access)
}

func union(dst, src map[string]struct{}) {
	for k := range src {
		dst[k] = struct{}{}
	}
}

func deny(format string, args ...any) error {
	return &docstore.OpError{Op: "profile.authorize", Kind: docstore.ErrPermissionDenied, Msg: fmt.Sprintf(format, args...)}
}
