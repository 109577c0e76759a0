// Package sqlite archives task results in a local SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"distributed-tasks/internal/domain"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// DBFile is the database file name inside the state directory.
const DBFile = "history.sqlite"

// HistoryRepository is a domain.HistoryRepository on SQLite.
type HistoryRepository struct {
	db *sql.DB
}

var _ domain.HistoryRepository = (*HistoryRepository)(nil)

// Open opens the database under stateDir and runs migrations.
func Open(ctx context.Context, stateDir string) (*HistoryRepository, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure state dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(stateDir, DBFile))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection keeps the pragmas in effect
	// and serializes writes inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	timeout := int((3 * time.Second) / time.Millisecond)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", timeout)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &HistoryRepository{db: db}, nil
}

// Close closes the database.
func (r *HistoryRepository) Close() error {
	return r.db.Close()
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	versions := []string{"0001_init"}
	for _, version := range versions {
		var count int
		err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}
		stmt, err := migrations.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, string(stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", version, err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", version, err)
		}
	}
	return nil
}

// Save stores res, replacing an earlier copy of the same result.
func (r *HistoryRepository) Save(ctx context.Context, res *domain.TaskResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal task result %s: %w", res.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO task_results(id, task, start_time, result_type, node_name, payload)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(task, id) DO UPDATE SET
			start_time = excluded.start_time,
			result_type = excluded.result_type,
			node_name = excluded.node_name,
			payload = excluded.payload
	`, res.ID, res.Task, res.StartTime.UnixNano(), string(res.Type), res.Node.Name, string(payload))
	if err != nil {
		return fmt.Errorf("insert task result %s: %w", res.ID, err)
	}
	return nil
}

// ListByTask returns results of task, newest first.
func (r *HistoryRepository) ListByTask(ctx context.Context, task string, page, pageSize int) ([]*domain.TaskResult, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM task_results
		WHERE task = ?
		ORDER BY start_time DESC, id DESC
		LIMIT ? OFFSET ?
	`, task, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("query task results for %s: %w", task, err)
	}
	defer rows.Close()

	var results []*domain.TaskResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan task result: %w", err)
		}
		var res domain.TaskResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		results = append(results, &res)
	}
	return results, rows.Err()
}

// Get returns one result of task.
func (r *HistoryRepository) Get(ctx context.Context, task, id string) (*domain.TaskResult, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM task_results WHERE task = ? AND id = ?`, task, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrResultNotFound, task, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query task result %s/%s: %w", task, id, err)
	}
	var res domain.TaskResult
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return nil, fmt.Errorf("decode task result %s/%s: %w", task, id, err)
	}
	return &res, nil
}

// DeleteBefore removes results that started before cutoff.
func (r *HistoryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_results WHERE start_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete task results before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted task results: %w", err)
	}
	return int(n), nil
}
