package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/rca-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock implements it
// for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"get_run":         pgSelectRunSQL + ` WHERE id = $1`,
	"update_progress": `UPDATE runs SET scopes_done = $1, scopes_total = $2, updated_at = $3 WHERE id = $4`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests inject pgxmock here.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	request      JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	scopes_done  INTEGER NOT NULL DEFAULT 0,
	scopes_total INTEGER NOT NULL DEFAULT 0,
	result       JSONB,
	error        JSONB,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_period ON runs((request->>'period'));
`

const pgSelectRunSQL = `SELECT id, request, status, scopes_done, scopes_total, result, error, created_at, updated_at FROM runs`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, req model.Request) (*model.Run, bool, error) {
	req = req.Normalized()
	id := req.RunID()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: begin create run")
	}
	defer tx.Rollback(ctx)

	existing, err := pgScanRun(tx.QueryRow(ctx, pgSelectRunSQL+` WHERE id = $1 FOR UPDATE`, id))
	switch {
	case err == nil && !existing.Status.Terminal():
		return existing, false, nil
	case err != nil && !eris.Is(err, ErrNotFound):
		return nil, false, err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (id, request, status, scopes_done, scopes_total, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, NULL, NULL, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   request = excluded.request, status = excluded.status,
		   scopes_done = 0, scopes_total = 0, result = NULL, error = NULL,
		   created_at = excluded.created_at, updated_at = excluded.updated_at`,
		id, reqJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: insert run")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, eris.Wrap(err, "postgres: commit create run")
	}

	return &model.Run{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return pgScanRun(s.pool.QueryRow(ctx, pgSelectRunSQL+` WHERE id = $1`, runID))
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, int, error) {
	where := ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Period != "" {
		where += fmt.Sprintf(` AND request->>'period' = $%d`, argIdx)
		args = append(args, filter.Period)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count runs")
	}

	query := pgSelectRunSQL + where + ` ORDER BY updated_at DESC, id ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := pgScanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	return runs, total, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, runID string, upd StatusUpdate) (*model.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin status update")
	}
	defer tx.Rollback(ctx)

	current, err := pgScanRun(tx.QueryRow(ctx, pgSelectRunSQL+` WHERE id = $1 FOR UPDATE`, runID))
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(upd.Status) {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s for run %s", current.Status, upd.Status, runID)
	}

	now := time.Now().UTC()
	resultJSON, err := nullJSON(upd.Result)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal result")
	}
	errJSON, err := nullJSON(upd.Error)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal error")
	}

	if upd.Result == nil {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4`,
			string(upd.Status), errJSON, now, runID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE runs SET status = $1, result = $2, error = $3, updated_at = $4 WHERE id = $5`,
			string(upd.Status), resultJSON, errJSON, now, runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: update status %s", runID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit status update")
	}

	current.Status = upd.Status
	if upd.Result != nil {
		current.Result = upd.Result
	}
	current.Error = upd.Error
	current.UpdatedAt = now
	return current, nil
}

func (s *PostgresStore) UpdateProgress(ctx context.Context, runID string, progress model.Progress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET scopes_done = $1, scopes_total = $2, updated_at = $3 WHERE id = $4`,
		progress.ScopesDone, progress.ScopesTotal, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s", runID)
	}
	return nil
}

func (s *PostgresStore) RecoverInterrupted(ctx context.Context) (int, error) {
	errJSON, err := json.Marshal(interruptedError())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: marshal interrupted error")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3
		 WHERE status IN ($4, $5, $6)`,
		string(model.RunStatusFailed), errJSON, time.Now().UTC(),
		string(model.RunStatusQueued), string(model.RunStatusRunning), string(model.RunStatusSynthesizing),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: recover interrupted")
	}
	return int(tag.RowsAffected()), nil
}

func pgScanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var reqJSON []byte
	var resultJSON, errJSON []byte

	err := row.Scan(&r.ID, &reqJSON, &r.Status, &r.Progress.ScopesDone, &r.Progress.ScopesTotal,
		&resultJSON, &errJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "scan run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if err := json.Unmarshal(reqJSON, &r.Request); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal request")
	}
	if len(resultJSON) > 0 {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	if len(errJSON) > 0 {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(errJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error")
		}
	}
	return &r, nil
}
