// Package index keeps a queryable SQLite mirror of job snapshots.
//
// The files under the state root stay authoritative. The index is rebuilt
// from them on demand and is only ever written with snapshots that are at
// least as new as the row already stored, so it can lag but never regress.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/reelforge/ralph/internal/store"
)

const schema = `create table if not exists jobs(
	job_id text primary key,
	state text not null,
	attempt_count integer not null default 0,
	max_attempts integer not null default 0,
	last_error_kind text not null default '',
	reason text not null default '',
	lane text not null default '',
	contract_hash text not null default '',
	cancel_requested integer not null default 0,
	next_attempt_at text not null default '',
	created_at text not null,
	updated_at text not null,
	log_seq integer not null default 0
);
create index if not exists jobs_state on jobs(state);`

const upsert = `insert into jobs (
	job_id, state, attempt_count, max_attempts, last_error_kind, reason, lane,
	contract_hash, cancel_requested, next_attempt_at, created_at, updated_at, log_seq
) values (?,?,?,?,?,?,?,?,?,?,?,?,?)
on conflict(job_id) do update set
	state = excluded.state,
	attempt_count = excluded.attempt_count,
	max_attempts = excluded.max_attempts,
	last_error_kind = excluded.last_error_kind,
	reason = excluded.reason,
	lane = excluded.lane,
	contract_hash = excluded.contract_hash,
	cancel_requested = excluded.cancel_requested,
	next_attempt_at = excluded.next_attempt_at,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	log_seq = excluded.log_seq
where excluded.log_seq >= jobs.log_seq;`

const columns = `job_id, state, attempt_count, max_attempts, last_error_kind, reason, lane,
	contract_hash, cancel_requested, next_attempt_at, created_at, updated_at, log_seq`

// Row is one job as the index stores it.
type Row struct {
	JobID           string    `json:"job_id"`
	State           string    `json:"state"`
	AttemptCount    int       `json:"attempt_count"`
	MaxAttempts     int       `json:"max_attempts"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Lane            string    `json:"lane,omitempty"`
	ContractHash    string    `json:"contract_hash,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LogSeq          int64     `json:"log_seq"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	State string
	Lane  string
	Limit int
}

type Index struct {
	db *sql.DB
}

// Open opens or creates the index database at path.
func Open(path string) (*Index, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("index path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert stores state unless the index already holds a newer snapshot.
func (ix *Index) Upsert(ctx context.Context, state store.JobState) error {
	_, err := ix.db.ExecContext(ctx, upsert, upsertArgs(state)...)
	if err != nil {
		return fmt.Errorf("index upsert %s: %w", state.JobID, err)
	}
	return nil
}

func (ix *Index) Get(ctx context.Context, jobID string) (Row, bool, error) {
	row := ix.db.QueryRowContext(ctx, `select `+columns+` from jobs where job_id = ?`, jobID)
	out, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	return out, true, nil
}

// List returns matching rows ordered by job id.
func (ix *Index) List(ctx context.Context, f Filter) ([]Row, error) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, f.State)
	}
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, f.Lane)
	}
	query := `select ` + columns + ` from jobs`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by job_id"
	if f.Limit > 0 {
		query += " limit ?"
		args = append(args, f.Limit)
	}
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Counts returns the number of jobs per state.
func (ix *Index) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := ix.db.QueryContext(ctx, `select state, count(*) from jobs group by state`)
	if err != nil {
		return nil, fmt.Errorf("index counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// Rebuild replaces the index contents with every job in s.
func (ix *Index) Rebuild(ctx context.Context, s *store.Store) (int, error) {
	jobs, err := s.List()
	if err != nil {
		return 0, err
	}
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from jobs`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return 0, fmt.Errorf("prepare rebuild: %w", err)
	}
	defer stmt.Close()
	for _, job := range jobs {
		if _, err := stmt.ExecContext(ctx, upsertArgs(job)...); err != nil {
			return 0, fmt.Errorf("index %s: %w", job.JobID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return len(jobs), nil
}

// Follow mirrors every snapshot s commits from now on.
func (ix *Index) Follow(s *store.Store, logger *slog.Logger) {
	s.Subscribe(func(change store.Change) {
		if change.State == nil {
			return
		}
		if err := ix.Upsert(context.Background(), *change.State); err != nil && logger != nil {
			logger.Warn("index update failed", "job_id", change.State.JobID, "err", err)
		}
	})
}

func upsertArgs(state store.JobState) []any {
	return []any{
		state.JobID,
		string(state.State),
		state.AttemptCount,
		state.MaxAttempts,
		string(state.LastErrorKind),
		state.Reason,
		string(state.Lane),
		state.ContractHash,
		state.CancelRequested,
		formatTime(state.NextAttemptAt),
		formatTime(state.CreatedAt),
		formatTime(state.UpdatedAt),
		state.LogSeq,
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (Row, error) {
	var (
		row                    Row
		next, created, updated string
	)
	if err := s.Scan(
		&row.JobID,
		&row.State,
		&row.AttemptCount,
		&row.MaxAttempts,
		&row.LastErrorKind,
		&row.Reason,
		&row.Lane,
		&row.ContractHash,
		&row.CancelRequested,
		&next,
		&created,
		&updated,
		&row.LogSeq,
	); err != nil {
		return Row{}, err
	}
	row.NextAttemptAt = parseTime(next)
	row.CreatedAt = parseTime(created)
	row.UpdatedAt = parseTime(updated)
	return row, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
