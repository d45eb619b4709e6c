package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying committed document changes.
const NotifyChannel = "flexer_documents"

// PostgresStore implements Repository over PostgreSQL.
//
// Writes are serialized per document with a transaction-scoped advisory lock, take their
// revision from a shared sequence and announce themselves with pg_notify. Subscribers in
// every process are fed by Listen, which re-reads the changed document.
// The pool is owned by the caller; the store never closes it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger
	broker *broker
	now    func() time.Time
}

var _ Repository = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "flexer").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("docstore: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithLogger sets the logger used by the change listener.
func WithLogger(log *slog.Logger) PostgresOption {
	return func(s *PostgresStore) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "flexer",
		log:    slog.Default(),
		broker: newBroker(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("docstore: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) table() string { return pgx.Identifier{s.schema, "documents"}.Sanitize() }
func (s *PostgresStore) seq() string {
	return pgx.Identifier{s.schema, "document_revision_seq"}.Sanitize()
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	const op = "docstore.Get"
	if err := validateRef(op, collection, id); err != nil {
		return Document{}, err
	}
	return s.get(ctx, op, s.pool, collection, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) get(ctx context.Context, op string, q querier, collection, id string) (Document, error) {
	var (
		raw []byte
		d   = Document{Collection: collection, ID: id}
	)
	err := q.QueryRow(ctx,
		`SELECT data, revision, updated_at FROM `+s.table()+` WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw, &d.Revision, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, opErr(op, ErrNotFound, collection+"/"+id)
		}
		return Document{}, pgMapErr(op, err)
	}
	data, err := decodeObject(raw)
	if err != nil {
		return Document{}, fmt.Errorf("%s: decode %s/%s: %w", op, collection, id, err)
	}
	d.Data = data
	return d, nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	const op = "docstore.List"
	if !validName(collection) {
		return nil, opErr(op, ErrInvalidArgument, "invalid collection")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, data, revision, updated_at FROM `+s.table()+` WHERE collection = $1 ORDER BY id`,
		collection,
	)
	if err != nil {
		return nil, pgMapErr(op, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			raw []byte
			d   = Document{Collection: collection}
		)
		if err := rows.Scan(&d.ID, &raw, &d.Revision, &d.UpdatedAt); err != nil {
			return nil, pgMapErr(op, err)
		}
		if d.Data, err = decodeObject(raw); err != nil {
			return nil, fmt.Errorf("%s: decode %s/%s: %w", op, collection, d.ID, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgMapErr(op, err)
	}
	return out, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, fields map[string]any, opts SetOptions) (WriteResult, error) {
	const op = "docstore.Set"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(fields)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	return s.write(ctx, op, collection, id, norm, opts, false)
}

func (s *PostgresStore) Add(ctx context.Context, collection string, fields map[string]any) (string, WriteResult, error) {
	id, err := ulid.New(ulid.Timestamp(s.now()), ulid.DefaultEntropy())
	if err != nil {
		return "", WriteResult{}, err
	}
	res, err := s.Set(ctx, collection, id.String(), fields, SetOptions{})
	if err != nil {
		return "", WriteResult{}, err
	}
	return id.String(), res, nil
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, partial map[string]any) (WriteResult, error) {
	const op = "docstore.Update"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}
	norm, err := Normalize(partial)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}
	return s.write(ctx, op, collection, id, norm, SetOptions{Merge: true}, true)
}

func (s *PostgresStore) write(ctx context.Context, op, collection, id string, fields map[string]any, opts SetOptions, mustExist bool) (WriteResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockDoc(ctx, tx, collection, id); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}

	var (
		base  map[string]any
		found *Document
	)
	cur, err := s.get(ctx, op, tx, collection, id)
	switch {
	case err == nil:
		base = cur.Data
		found = &cur
	case IsNotFound(err):
		if mustExist {
			return WriteResult{}, err
		}
	default:
		return WriteResult{}, err
	}
	if err := opts.check(op, found); err != nil {
		return WriteResult{}, err
	}

	next := Apply(base, fields, opts.Merge)
	raw, err := json.Marshal(next)
	if err != nil {
		return WriteResult{}, wrapErr(op, ErrInvalidArgument, err)
	}

	var rev int64
	if err := tx.QueryRow(ctx, `SELECT nextval('`+s.seq()+`')`).Scan(&rev); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table()+` (collection, id, data, revision, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (collection, id) DO UPDATE
		    SET data = EXCLUDED.data, revision = EXCLUDED.revision, updated_at = EXCLUDED.updated_at`,
		collection, id, raw, rev, s.now(),
	)
	if err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	if err := s.notify(ctx, tx, change{Collection: collection, ID: id, Revision: rev, Exists: true}); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}

	s.broker.publish(Snapshot{Collection: collection, ID: id, Exists: true, Data: next, Revision: rev})
	return WriteResult{Revision: rev}, nil
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) (WriteResult, error) {
	const op = "docstore.Delete"
	if err := validateRef(op, collection, id); err != nil {
		return WriteResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockDoc(ctx, tx, collection, id); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM `+s.table()+` WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return WriteResult{}, nil
	}

	var rev int64
	if err := tx.QueryRow(ctx, `SELECT nextval('`+s.seq()+`')`).Scan(&rev); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	if err := s.notify(ctx, tx, change{Collection: collection, ID: id, Revision: rev}); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return WriteResult{}, pgMapErr(op, err)
	}

	s.broker.publish(Snapshot{Collection: collection, ID: id, Revision: rev})
	return WriteResult{Revision: rev}, nil
}

func (s *PostgresStore) lockDoc(ctx context.Context, tx pgx.Tx, collection, id string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`, collection, id)
	return err
}

// change is the pg_notify payload. Data is never carried; listeners re-read the row.
type change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Revision   int64  `json:"revision"`
	Exists     bool   `json:"exists"`
}

func (s *PostgresStore) notify(ctx context.Context, tx pgx.Tx, c change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(payload))
	return err
}

// Subscribe registers a watcher and delivers the current state. Changes committed by other
// processes arrive once Listen is running.
func (s *PostgresStore) Subscribe(ctx context.Context, target Target, onNext func(Snapshot), onError func(error)) (Subscription, error) {
	const op = "docstore.Subscribe"
	if err := validateTarget(op, target); err != nil {
		return nil, err
	}

	// Register first: a commit racing the initial read is then either seen by the read or
	// published afterwards, and the subscription drops whichever revision is older.
	sub := s.broker.add(target, onNext, onError)
	if err := s.resync(ctx, sub, target); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (s *PostgresStore) resync(ctx context.Context, sub *subscription, target Target) error {
	if target.IsCollection() {
		docs, err := s.List(ctx, target.Collection)
		if err != nil {
			return err
		}
		for _, d := range docs {
			sub.push(snapshotOf(d))
		}
		return nil
	}

	d, err := s.Get(ctx, target.Collection, target.ID)
	switch {
	case err == nil:
		sub.push(snapshotOf(d))
	case IsNotFound(err):
		sub.push(Snapshot{Collection: target.Collection, ID: target.ID})
	default:
		return err
	}
	return nil
}

// Subscribers reports the number of live subscriptions.
func (s *PostgresStore) Subscribers() int { return s.broker.count() }

// Close terminates every subscription with ErrClosed.
func (s *PostgresStore) Close() error {
	s.broker.fail(opErr("docstore.Subscribe", ErrClosed, "store closed"))
	return nil
}

// pgMapErr maps driver errors onto the repository kinds.
func pgMapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501": // insufficient_privilege
			return wrapErr(op, ErrPermissionDenied, err)
		case pgUnavailable(pgErr.Code):
			return wrapErr(op, ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	// Anything that is not a server-side error is a broken or unreachable connection.
	return wrapErr(op, ErrUnavailable, err)
}

// pgUnavailable reports connection_exception (08), insufficient_resources (53) and
// operator_intervention (57P) codes.
func pgUnavailable(code string) bool {
	for _, class := range []string{"08", "53", "57P"} {
		if strings.HasPrefix(code, class) {
			return true
		}
	}
	return false
}
