package service

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TaskLog persists per-session task totals to a local sqlite database,
// one row per finished session. It exists so operators can see what a
// device instance actually processed after the fact.
type TaskLog struct {
	db *sql.DB
}

const taskLogSchema = `
CREATE TABLE IF NOT EXISTS session_log (
	plan_id    INTEGER NOT NULL,
	tasks      INTEGER NOT NULL,
	rows_in    INTEGER NOT NULL,
	rows_out   INTEGER NOT NULL,
	fallbacks  INTEGER NOT NULL,
	finished   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS session_log_plan ON session_log (plan_id);
`

// OpenTaskLog opens or creates the task log at path. ":memory:" is
// accepted for throwaway instances.
func OpenTaskLog(path string) (*TaskLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("service: open task log %s: %w", path, err)
	}
	// The log is written by one process; a single connection avoids
	// sqlite's multi-writer locking entirely.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(taskLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("service: init task log: %w", err)
	}
	return &TaskLog{db: db}, nil
}

// Record appends one finished session's totals.
func (tl *TaskLog) Record(planID uint64, stats ExecStats) error {
	_, err := tl.db.Exec(
		`INSERT INTO session_log (plan_id, tasks, rows_in, rows_out, fallbacks, finished)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int64(planID), int64(stats.Tasks), int64(stats.RowsIn),
		int64(stats.RowsOut), int64(stats.Fallbacks),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("service: record session: %w", err)
	}
	return nil
}

// SessionTotals sums what the log holds for one plan id. Plans retried
// across connections accumulate.
func (tl *TaskLog) SessionTotals(planID uint64) (ExecStats, error) {
	var stats ExecStats
	row := tl.db.QueryRow(
		`SELECT COALESCE(SUM(tasks), 0), COALESCE(SUM(rows_in), 0),
		        COALESCE(SUM(rows_out), 0), COALESCE(SUM(fallbacks), 0)
		 FROM session_log WHERE plan_id = ?`, int64(planID))
	if err := row.Scan(&stats.Tasks, &stats.RowsIn, &stats.RowsOut, &stats.Fallbacks); err != nil {
		return ExecStats{}, fmt.Errorf("service: query session totals: %w", err)
	}
	return stats, nil
}

// Close flushes and closes the underlying database.
func (tl *TaskLog) Close() error {
	return tl.db.Close()
}
