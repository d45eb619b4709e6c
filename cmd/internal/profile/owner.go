package profile

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
)

// OwnerResolver returns the subject id of the account registered with email. It returns an
// error satisfying IsUnknownAccount while no such account exists.
type OwnerResolver func(ctx context.Context, email string) (string, error)

// ErrUnknownAccount is returned by an OwnerResolver for an unregistered email.
var ErrUnknownAccount = errors.New("profile: unknown account")

// IsUnknownAccount reports whether err wraps ErrUnknownAccount.
func IsUnknownAccount(err error) bool { return errors.Is(err, ErrUnknownAccount) }

// OwnerBootstrap marks the deployment owner (isOwner, isAdmin and isApproved set) as soon as
// the owner's profile appears. The owner is the account Resolve returns for Email; the email
// stored in a profile is never trusted on its own. Nothing is promoted once any profile is
// marked owner.
//
// It runs against the unguarded store because no API caller may write isOwner.
type OwnerBootstrap struct {
	Store   docstore.Repository
	Email   string
	Resolve OwnerResolver
	Log     *slog.Logger
}

// Run watches the profiles collection until ctx is done.
func (o OwnerBootstrap) Run(ctx context.Context) error {
	email := normalizeEmail(o.Email)
	if email == "" || o.Store == nil {
		return nil
	}
	if o.Resolve == nil {
		return errors.New("profile: owner bootstrap has no account resolver")
	}
	log := o.Log
	if log == nil {
		log = slog.Default()
	}

	errc := make(chan error, 1)
	sub, err := o.Store.Subscribe(ctx, docstore.Collection(docstore.CollectionProfiles), func(s docstore.Snapshot) {
		if !s.Exists {
			return
		}
		p, err := Decode(s.Data)
		if err != nil || normalizeEmail(p.Email) != email {
			return
		}
		if p.IsOwner && p.IsAdmin && p.IsApproved {
			return
		}
		o.promote(ctx, log, email, s.ID)
	}, func(err error) {
		select {
		case errc <- err:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func (o OwnerBootstrap) promote(ctx context.Context, log *slog.Logger, email, id string) {
	subject, err := o.Resolve(ctx, email)
	if err != nil {
		if !IsUnknownAccount(err) {
			log.Error("profile.owner.resolve.fail", "err", err)
		}
		return
	}
	if subject != id {
		log.Warn("profile.owner.mismatch", "subject_id", id)
		return
	}

	docs, err := o.Store.List(ctx, docstore.CollectionProfiles)
	if err != nil {
		log.Error("profile.owner.list.fail", "err", err)
		return
	}
	for _, d := range docs {
		if p, err := Decode(d.Data); err == nil && p.IsOwner && d.ID != id {
			log.Warn("profile.owner.exists", "subject_id", id, "owner_id", d.ID)
			return
		}
	}

	_, err = o.Store.Set(ctx, docstore.CollectionProfiles, id, map[string]any{
		FieldIsOwner:    true,
		FieldIsAdmin:    true,
		FieldIsApproved: true,
	}, docstore.SetOptions{Merge: true})
	if err != nil {
		log.Error("profile.owner.promote.fail", "subject_id", id, "err", err)
		return
	}
	log.Info("profile.owner.promoted", "subject_id", id)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
