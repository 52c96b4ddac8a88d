package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "fpsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const defaultBusyTimeout = 5 * time.Second

// timeLayout is fixed-width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) BeginRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, policy, tasks) VALUES(?,?,?,?)`,
		r.ID, formatTime(r.StartedAt), r.Policy, r.Tasks,
	)
	return err
}

func (s *sqliteStore) FinishRun(ctx context.Context, r Run) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, reason = ? WHERE id = ?`,
		formatTime(r.FinishedAt), nullStr(r.Reason), r.ID,
	)
	return err
}

func (s *sqliteStore) Append(ctx context.Context, recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events(id, run_id, seq, at, type, task, task_id, kind, tick, last_wake, abs_deadline, exec_time, next_release, recoveries)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if r.At.IsZero() {
			r.At = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.RunID, int64(r.Seq), formatTime(r.At), r.Type,
			nullStr(r.Task), nullStr(r.TaskID), nullStr(r.Kind),
			int64(r.Tick), int64(r.LastWake), int64(r.AbsDeadline), int64(r.ExecTime), int64(r.NextRelease), int64(r.Recoveries),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, policy, tasks, reason FROM runs
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                Run
			started          string
			finished, reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Policy, &r.Tasks, &reason); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		if finished.Valid {
			r.FinishedAt = parseTime(finished.String)
		}
		r.Reason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Recent(ctx context.Context, runID string, limit int) ([]Record, error) {
	if runID == "" {
		err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&runID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, at, type, task, task_id, kind, tick, last_wake, abs_deadline, exec_time, next_release, recoveries
		 FROM events WHERE run_id = ? ORDER BY seq DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			at                 string
			task, taskID, kind sql.NullString
			seq, tick          int64
			lw, ad, et, nr, rc int64
		)
		if err := rows.Scan(&r.ID, &r.RunID, &seq, &at, &r.Type, &task, &taskID, &kind, &tick, &lw, &ad, &et, &nr, &rc); err != nil {
			return nil, err
		}
		r.Seq, r.Tick = uint64(seq), uint64(tick)
		r.LastWake, r.AbsDeadline, r.ExecTime = uint64(lw), uint64(ad), uint64(et)
		r.NextRelease, r.Recoveries = uint64(nr), uint64(rc)
		r.At = parseTime(at)
		r.Task, r.TaskID, r.Kind = task.String, taskID.String, kind.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
