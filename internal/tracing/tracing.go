// Package tracing 記錄任務狀態軌跡，供 API 查詢作業的執行歷史
package tracing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Event 一筆任務狀態變化
type Event struct {
	ID            int64     `json:"id"`
	TaskID        string    `json:"task_id"`
	JobName       string    `json:"job_name"`
	ShardingItem  int       `json:"sharding_item"`
	ExecutionType string    `json:"execution_type"`
	State         string    `json:"state"`
	Source        string    `json:"source"` // launcher / agent id
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Recorder 狀態軌跡記錄器
type Recorder interface {
	Record(ctx context.Context, event Event) error
	ListByJob(ctx context.Context, jobName string, limit int) ([]Event, error)
	Close() error
}

// NopRecorder 不記錄任何事件
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, Event) error { return nil }

func (NopRecorder) ListByJob(context.Context, string, int) ([]Event, error) { return []Event{}, nil }

func (NopRecorder) Close() error { return nil }

// SQLiteRecorder 以 SQLite 保存狀態軌跡
type SQLiteRecorder struct {
	db *sql.DB
}

var _ Recorder = (*SQLiteRecorder)(nil)

// OpenSQLite 開啟（必要時建立）dbPath 的軌跡資料庫
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, dsn)
}

// OpenMemory 建立記憶體資料庫，供測試使用
func OpenMemory(ctx context.Context) (*SQLiteRecorder, error) {
	return open(ctx, "file::memory:?mode=memory")
}

func open(ctx context.Context, dsn string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}
	// 單一連線：記憶體資料庫每個連線是獨立的資料庫
	db.SetMaxOpenConns(1)

	r := &SQLiteRecorder{db: db}
	if err := r.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *SQLiteRecorder) initSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS task_status_trace (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id        TEXT    NOT NULL,
	job_name       TEXT    NOT NULL,
	sharding_item  INTEGER NOT NULL,
	execution_type TEXT    NOT NULL,
	state          TEXT    NOT NULL,
	source         TEXT    NOT NULL DEFAULT '',
	message        TEXT    NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trace_job ON task_status_trace(job_name, id);
`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Record 寫入一筆事件，CreatedAt 為零值時使用目前時間
func (r *SQLiteRecorder) Record(ctx context.Context, event Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO task_status_trace (task_id, job_name, sharding_item, execution_type, state, source, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.TaskID, event.JobName, event.ShardingItem, event.ExecutionType,
		event.State, event.Source, event.Message, event.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record trace %s: %w", event.TaskID, err)
	}
	return nil
}

// ListByJob 作業最近的事件，新的在前
func (r *SQLiteRecorder) ListByJob(ctx context.Context, jobName string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, task_id, job_name, sharding_item, execution_type, state, source, message, created_at
		 FROM task_status_trace WHERE job_name = ? ORDER BY id DESC LIMIT ?`, jobName, limit)
	if err != nil {
		return nil, fmt.Errorf("query trace of %s: %w", jobName, err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.JobName, &e.ShardingItem, &e.ExecutionType,
			&e.State, &e.Source, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close 關閉資料庫
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
