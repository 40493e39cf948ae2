package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jelmore-io/jelmore/internal/errors"
	"github.com/jelmore-io/jelmore/internal/session"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url, verifies the connection,
// and ensures the schema exists.
func NewPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	query          TEXT NOT NULL,
	work_dir       TEXT NOT NULL DEFAULT '',
	user_id        TEXT NOT NULL DEFAULT '',
	provider_type  TEXT NOT NULL DEFAULT '',
	provider_handle TEXT NOT NULL DEFAULT '',
	metadata       JSONB NOT NULL DEFAULT '{}',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	last_activity  TIMESTAMPTZ NOT NULL,
	terminated_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity);

CREATE TABLE IF NOT EXISTS session_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events (session_id, created_at);
`
	_, err := p.pool.Exec(ctx, schema)
	return err
}

// InsertSession persists a new session snapshot.
func (p *Postgres) InsertSession(ctx context.Context, snap session.Snapshot) error {
	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return errors.NewStoreError("insert", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, status, query, work_dir, user_id, provider_type, provider_handle,
			 metadata, created_at, updated_at, last_activity, terminated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		snap.ID, string(snap.Status), snap.Query, snap.WorkDir, snap.UserID,
		snap.ProviderType, snap.ProviderHandle, meta,
		snap.CreatedAt, snap.UpdatedAt, snap.LastActivity, snap.TerminatedAt,
	)
	if err != nil {
		return errors.NewStoreError("insert", err)
	}
	return nil
}

// UpdateSession upserts the snapshot. Upsert keeps the reconcile pass
// simple: retrying a failed insert and a failed update is the same call.
func (p *Postgres) UpdateSession(ctx context.Context, snap session.Snapshot) error {
	meta, err := json.Marshal(snap.Metadata)
	if err != nil {
		return errors.NewStoreError("update", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions
			(id, status, query, work_dir, user_id, provider_type, provider_handle,
			 metadata, created_at, updated_at, last_activity, terminated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			work_dir = EXCLUDED.work_dir,
			provider_type = EXCLUDED.provider_type,
			provider_handle = EXCLUDED.provider_handle,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			last_activity = EXCLUDED.last_activity,
			terminated_at = EXCLUDED.terminated_at`,
		snap.ID, string(snap.Status), snap.Query, snap.WorkDir, snap.UserID,
		snap.ProviderType, snap.ProviderHandle, meta,
		snap.CreatedAt, snap.UpdatedAt, snap.LastActivity, snap.TerminatedAt,
	)
	if err != nil {
		return errors.NewStoreError("update", err)
	}
	return nil
}

// GetSession returns the stored snapshot for id.
func (p *Postgres) GetSession(ctx context.Context, id string) (session.Snapshot, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, status, query, work_dir, user_id, provider_type, provider_handle,
		       metadata, created_at, updated_at, last_activity, terminated_at
		FROM sessions WHERE id = $1`, id)

	snap, err := scanSession(row)
	if err == pgx.ErrNoRows {
		return session.Snapshot{}, errors.ErrSessionNotFound
	}
	if err != nil {
		return session.Snapshot{}, errors.Wrap(err, "store get")
	}
	return snap, nil
}

// ListSessions returns stored snapshots matching the filter, newest first.
func (p *Postgres) ListSessions(ctx context.Context, f Filter) ([]session.Snapshot, error) {
	q := `
		SELECT id, status, query, work_dir, user_id, provider_type, provider_handle,
		       metadata, created_at, updated_at, last_activity, terminated_at
		FROM sessions WHERE 1=1`
	args := []any{}

	if f.UserID != "" {
		args = append(args, f.UserID)
		q += " AND user_id = $" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += " AND status = $" + strconv.Itoa(len(args))
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store list")
	}
	defer rows.Close()

	var out []session.Snapshot
	for rows.Next() {
		snap, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "store list scan")
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// AppendEvent records an event row.
func (p *Postgres) AppendEvent(ctx context.Context, row EventRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return errors.NewStoreError("append event", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO session_events (id, session_id, event_type, payload, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING`,
		row.ID, row.SessionID, row.Type, payload, row.CreatedAt,
	)
	if err != nil {
		return errors.NewStoreError("append event", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (session.Snapshot, error) {
	var (
		snap         session.Snapshot
		status       string
		meta         []byte
		terminatedAt *time.Time
	)
	err := r.Scan(&snap.ID, &status, &snap.Query, &snap.WorkDir, &snap.UserID,
		&snap.ProviderType, &snap.ProviderHandle, &meta,
		&snap.CreatedAt, &snap.UpdatedAt, &snap.LastActivity, &terminatedAt)
	if err != nil {
		return session.Snapshot{}, err
	}

	snap.Status = session.Status(status)
	snap.TerminatedAt = terminatedAt
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &snap.Metadata); err != nil {
			return session.Snapshot{}, err
		}
	}
	return snap, nil
}
