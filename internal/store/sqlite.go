package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/rca-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Status transitions read-modify-write inside a tx; serialize writers.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	request      TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	scopes_done  INTEGER NOT NULL DEFAULT 0,
	scopes_total INTEGER NOT NULL DEFAULT 0,
	result       TEXT,
	error        TEXT,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_period ON runs(json_extract(request, '$.period'));
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, req model.Request) (*model.Run, bool, error) {
	req = req.Normalized()
	id := req.RunID()
	now := time.Now().UTC()

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: begin create run")
	}
	defer tx.Rollback()

	existing, err := scanRun(tx.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, id))
	switch {
	case err == nil && !existing.Status.Terminal():
		return existing, false, nil
	case err != nil && !eris.Is(err, ErrNotFound):
		return nil, false, err
	}

	// Fresh run, or a terminal run under the same id being re-queued.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, request, status, scopes_done, scopes_total, result, error, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, NULL, NULL, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   request = excluded.request, status = excluded.status,
		   scopes_done = 0, scopes_total = 0, result = NULL, error = NULL,
		   created_at = excluded.created_at, updated_at = excluded.updated_at`,
		id, string(reqJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: insert run")
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: commit create run")
	}

	return &model.Run{
		ID:        id,
		Request:   req,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return scanRun(s.db.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Period != "" {
		where += ` AND json_extract(request, '$.period') = ?`
		args = append(args, filter.Period)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count runs")
	}

	query := selectRunSQL + where + ` ORDER BY updated_at DESC, id ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, *r)
	}
	return runs, total, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, runID string, upd StatusUpdate) (*model.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin status update")
	}
	defer tx.Rollback()

	current, err := scanRun(tx.QueryRowContext(ctx, selectRunSQL+` WHERE id = ?`, runID))
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(upd.Status) {
		return nil, eris.Wrapf(ErrInvalidTransition, "%s -> %s for run %s", current.Status, upd.Status, runID)
	}

	now := time.Now().UTC()
	resultJSON, err := nullJSON(upd.Result)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal result")
	}
	errJSON, err := nullJSON(upd.Error)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal error")
	}

	if upd.Result == nil {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(upd.Status), errJSON, now, runID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(upd.Status), resultJSON, errJSON, now, runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: update status %s", runID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit status update")
	}

	current.Status = upd.Status
	if upd.Result != nil {
		current.Result = upd.Result
	}
	current.Error = upd.Error
	current.UpdatedAt = now
	return current, nil
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, runID string, progress model.Progress) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET scopes_done = ?, scopes_total = ?, updated_at = ? WHERE id = ?`,
		progress.ScopesDone, progress.ScopesTotal, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", runID)
	}
	return checkRowsAffected(res, runID)
}

func (s *SQLiteStore) RecoverInterrupted(ctx context.Context) (int, error) {
	errJSON, err := json.Marshal(interruptedError())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: marshal interrupted error")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ?
		 WHERE status IN (?, ?, ?)`,
		string(model.RunStatusFailed), string(errJSON), time.Now().UTC(),
		string(model.RunStatusQueued), string(model.RunStatusRunning), string(model.RunStatusSynthesizing),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: recover interrupted")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

const selectRunSQL = `SELECT id, request, status, scopes_done, scopes_total, result, error, created_at, updated_at FROM runs`

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

func nullJSON(v any) (any, error) {
	switch x := v.(type) {
	case *model.RunResult:
		if x == nil {
			return nil, nil
		}
	case *model.RunError:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var reqJSON string
	var resultJSON, errJSON sql.NullString

	err := row.Scan(&r.ID, &reqJSON, &r.Status, &r.Progress.ScopesDone, &r.Progress.ScopesTotal,
		&resultJSON, &errJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "scan run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run")
	}

	if err := json.Unmarshal([]byte(reqJSON), &r.Request); err != nil {
		return nil, eris.Wrap(err, "unmarshal request")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "unmarshal result")
		}
	}
	if errJSON.Valid {
		r.Error = &model.RunError{}
		if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
			return nil, eris.Wrap(err, "unmarshal error")
		}
	}
	return &r, nil
}
