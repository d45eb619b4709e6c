package authapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEvent is one security-relevant auth action.
type AuditEvent struct {
	Action    string
	UserID    string
	SessionID string
	IP        net.IP
	UserAgent string
	Meta      map[string]any
}

// Auditor persists audit events. Implementations must not block the request on failure.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// LogAuditor writes audit events to the logger. Used when no database is configured.
type LogAuditor struct {
	Log *slog.Logger
}

func (a LogAuditor) Record(_ context.Context, ev AuditEvent) {
	if a.Log == nil {
		return
	}
	a.Log.Info("auth.audit", "action", ev.Action, "user_id", ev.UserID, "session_id", ev.SessionID, "ip", ipString(ev.IP))
}

// PostgresAuditor inserts into <schema>.audit_log.
type PostgresAuditor struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
}

func NewPostgresAuditor(pool *pgxpool.Pool, schema string, log *slog.Logger) *PostgresAuditor {
	if log == nil {
		log = slog.Default()
	}
	if schema == "" {
		schema = "flexer"
	}
	return &PostgresAuditor{pool: pool, schema: schema, log: log}
}

func (a *PostgresAuditor) Record(ctx context.Context, ev AuditEvent) {
	action := strings.TrimSpace(ev.Action)
	if a == nil || a.pool == nil || action == "" {
		return
	}

	var metaVal *string
	if len(ev.Meta) > 0 {
		if b, err := json.Marshal(ev.Meta); err == nil {
			s := string(b)
			metaVal = &s
		}
	}

	_, err := a.pool.Exec(ctx, `
		INSERT INTO `+pgx.Identifier{a.schema, "audit_log"}.Sanitize()+` (
			user_id, session_id, action, created_at, ip, user_agent, meta
		) VALUES ($1, $2, $3, now(), $4, $5, $6::jsonb)
	`, trimOrNil(ev.UserID), trimOrNil(ev.SessionID), action, ipOrNil(ev.IP), trimOrNil(ev.UserAgent), metaVal)
	if err != nil {
		a.log.Error("auth.audit.insert.fail", "err", err, "action", action)
	}
}

func (h *Handler) audit(ctx context.Context, ev AuditEvent) {
	if h.auditor == nil {
		return
	}
	// Audit rows must land even when the client has gone away.
	h.auditor.Record(context.WithoutCancel(ctx), ev)
}

func trimOrNil(s string) any {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return v
}

func ipOrNil(ip net.IP) any {
	if ip == nil {
		return nil
	}
	return ip.String()
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
