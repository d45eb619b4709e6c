package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
)

// Listen feeds subscribers with changes committed by any process until ctx is done.
//
// It holds one pooled connection in LISTEN mode. When that connection breaks it reconnects
// with exponential backoff and re-reads every watched target, so a subscriber never misses
// the latest state even if individual notifications were lost.
func (s *PostgresStore) Listen(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	first := true
	for {
		err := s.listenOnce(ctx, !first, b.Reset)
		first = false
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		s.log.Warn("docstore.listen.disconnected", "err", err, "retry_in", wait.String())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context, resync bool, listening func()) error {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	// A connection that has been in LISTEN mode is never returned to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return err
	}
	s.log.Info("docstore.listen.start", "channel", NotifyChannel)
	listening()

	if resync {
		s.resyncAll(ctx)
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var c change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			s.log.Warn("docstore.listen.bad_payload", "err", err)
			continue
		}
		s.deliver(ctx, c)
	}
}

func (s *PostgresStore) deliver(ctx context.Context, c change) {
	if !c.Exists {
		s.broker.publish(Snapshot{Collection: c.Collection, ID: c.ID, Revision: c.Revision})
		return
	}

	d, err := s.Get(ctx, c.Collection, c.ID)
	switch {
	case err == nil:
		s.broker.publish(snapshotOf(d))
	case IsNotFound(err):
		// Deleted after the notification was sent; the delete carries its own notification.
	default:
		if !errors.Is(err, context.Canceled) {
			s.log.Warn("docstore.listen.reload_failed", "collection", c.Collection, "id", c.ID, "err", err)
		}
	}
}

func (s *PostgresStore) resyncAll(ctx context.Context) {
	for _, t := range s.broker.targets() {
		if t.IsCollection() {
			docs, err := s.List(ctx, t.Collection)
			if err != nil {
				s.log.Warn("docstore.listen.resync_failed", "target", t.String(), "err", err)
				continue
			}
			for _, d := range docs {
				s.broker.publish(snapshotOf(d))
			}
			continue
		}

		d, err := s.Get(ctx, t.Collection, t.ID)
		switch {
		case err == nil:
			s.broker.publish(snapshotOf(d))
		case IsNotFound(err):
		default:
			s.log.Warn("docstore.listen.resync_failed", "target", t.String(), "err", err)
		}
	}
}
