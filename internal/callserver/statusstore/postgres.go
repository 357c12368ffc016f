package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sebas/callserver/internal/callserver/callinfo"
)

// Postgres stores records in a call_status table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the schema if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS call_status (
			call_sid TEXT PRIMARY KEY,
			parent_call_sid TEXT NOT NULL DEFAULT '',
			account_sid TEXT NOT NULL DEFAULT '',
			call_status TEXT NOT NULL,
			sip_status INTEGER NOT NULL DEFAULT 0,
			origin TEXT NOT NULL DEFAULT '',
			snapshot JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_call_status_updated ON call_status (updated_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_call_status_parent ON call_status (parent_call_sid);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init call_status schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *Postgres) UpdateCallStatus(ctx context.Context, snap callinfo.Snapshot, originSignature string) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO call_status (
			call_sid, parent_call_sid, account_sid, call_status, sip_status, origin, snapshot, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (call_sid) DO UPDATE SET
			call_status=EXCLUDED.call_status,
			sip_status=EXCLUDED.sip_status,
			origin=EXCLUDED.origin,
			snapshot=EXCLUDED.snapshot,
			updated_at=EXCLUDED.updated_at`,
		snap.CallSid,
		snap.ParentCallSid,
		snap.AccountSid,
		string(snap.CallStatus),
		snap.SipStatus,
		originSignature,
		data,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert call status: %w", err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, callSid string) (Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT snapshot, origin, updated_at FROM call_status WHERE call_sid=$1`,
		callSid,
	)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("get call status: %w", err)
	}
	return r, nil
}

func (p *Postgres) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT snapshot, origin, updated_at FROM call_status ORDER BY updated_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list call status: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call status: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() { p.pool.Close() }

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r    Record
		data []byte
	)
	if err := row.Scan(&data, &r.Origin, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal(data, &r.Snapshot); err != nil {
		return Record{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return r, nil
}
