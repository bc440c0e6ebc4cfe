// Package journal records handled tool calls and issued session resumption
// handles in a local SQLite database. Observers enqueue records without
// touching disk; a background goroutine writes them in batches.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/vango-go/vai-macro/pkg/core/queue"
	"github.com/vango-go/vai-macro/pkg/core/toolcall"
)

const schema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	agent_id      TEXT NOT NULL,
	call_id       TEXT NOT NULL,
	function      TEXT NOT NULL,
	status        TEXT NOT NULL,
	accepted_json TEXT,
	error         TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_handles (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	agent_id   TEXT NOT NULL,
	handle     TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS session_handles_agent ON session_handles(agent_id, seq);
`

const (
	DefaultQueueSize     = 256
	DefaultFlushInterval = 500 * time.Millisecond
)

type Options struct {
	// AgentID stamps tool call rows. Handle rows carry the id passed to
	// ObserveHandle.
	AgentID       string
	QueueSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// ToolCallRecord is one row of tool_calls.
type ToolCallRecord struct {
	ID        string
	AgentID   string
	CallID    string
	Function  string
	Status    string
	Accepted  map[string]float64
	Error     string
	CreatedAt time.Time
}

// HandleRecord is one row of session_handles.
type HandleRecord struct {
	ID        string
	AgentID   string
	Handle    string
	CreatedAt time.Time
}

type entry struct {
	call   *ToolCallRecord
	handle *HandleRecord
}

// Journal implements toolcall.Observer and live.HandleObserver.
type Journal struct {
	db      *sql.DB
	opts    Options
	pending *queue.BoundedLatest[entry]

	flushMu sync.Mutex
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Open opens (creating if needed) the database at path, applies the schema
// and starts the flush goroutine.
func Open(path string, opts Options) (*Journal, error) {
	if opts.QueueSize < 1 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	j := &Journal{
		db:      db,
		opts:    opts,
		pending: queue.New[entry](opts.QueueSize),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go j.run()
	return j, nil
}

// ObserveToolCall queues one tool_calls row.
func (j *Journal) ObserveToolCall(call toolcall.Call, resp toolcall.Response) {
	rec := &ToolCallRecord{
		ID:        uuid.NewString(),
		AgentID:   j.opts.AgentID,
		CallID:    resp.ID,
		Function:  call.Name,
		Status:    resp.Status,
		Accepted:  resp.Accepted,
		Error:     resp.Error,
		CreatedAt: j.opts.Now().UTC(),
	}
	if rec.CallID == "" {
		rec.CallID = call.ID
	}
	j.enqueue(entry{call: rec})
}

// ObserveHandle queues one session_handles row.
func (j *Journal) ObserveHandle(agentID, handle string) {
	if handle == "" {
		return
	}
	j.enqueue(entry{handle: &HandleRecord{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Handle:    handle,
		CreatedAt: j.opts.Now().UTC(),
	}})
}

func (j *Journal) enqueue(e entry) {
	if j.pending.Push(e) {
		j.opts.Logger.Warn("journal queue full, dropped oldest record", "dropped_total", j.pending.Dropped())
	}
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

func (j *Journal) run() {
	defer close(j.done)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			if err := j.Flush(context.Background()); err != nil {
				j.opts.Logger.Error("journal final flush failed", "error", err)
			}
			return
		case <-j.wake:
		case <-ticker.C:
		}
		if err := j.Flush(context.Background()); err != nil {
			j.opts.Logger.Warn("journal flush failed", "error", err)
		}
	}
}

// Flush writes every queued record in one transaction. Records of a failed
// batch are dropped.
func (j *Journal) Flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	batch := j.pending.PopAll()
	if len(batch) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, e := range batch {
		switch {
		case e.call != nil:
			if err := insertToolCall(ctx, tx, e.call); err != nil {
				return err
			}
		case e.handle != nil:
			if err := insertHandle(ctx, tx, e.handle); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertToolCall(ctx context.Context, tx *sql.Tx, rec *ToolCallRecord) error {
	var accepted sql.NullString
	if rec.Accepted != nil {
		raw, err := json.Marshal(rec.Accepted)
		if err != nil {
			return fmt.Errorf("marshal accepted: %w", err)
		}
		accepted = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tool_calls (id, agent_id, call_id, function, status, accepted_json, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.CallID, rec.Function, rec.Status, accepted, rec.Error,
		rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

func insertHandle(ctx context.Context, tx *sql.Tx, rec *HandleRecord) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_handles (id, agent_id, handle, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.Handle, rec.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert handle: %w", err)
	}
	return nil
}

// RecentToolCalls returns up to limit tool calls, newest first.
func (j *Journal) RecentToolCalls(ctx context.Context, limit int) ([]ToolCallRecord, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, agent_id, call_id, function, status, accepted_json, error, created_at
		 FROM tool_calls ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var (
			rec       ToolCallRecord
			accepted  sql.NullString
			errText   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.AgentID, &rec.CallID, &rec.Function, &rec.Status, &accepted, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if accepted.Valid {
			if err := json.Unmarshal([]byte(accepted.String), &rec.Accepted); err != nil {
				return nil, fmt.Errorf("decode accepted for %s: %w", rec.ID, err)
			}
		}
		rec.Error = errText.String
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestHandle returns the most recent handle recorded for agentID, or for
// any agent when agentID is empty. ok is false when none exists.
func (j *Journal) LatestHandle(ctx context.Context, agentID string) (rec HandleRecord, ok bool, err error) {
	query := `SELECT id, agent_id, handle, created_at FROM session_handles ORDER BY seq DESC LIMIT 1`
	args := []any{}
	if agentID != "" {
		query = `SELECT id, agent_id, handle, created_at FROM session_handles WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`
		args = append(args, agentID)
	}

	var createdAt string
	err = j.db.QueryRowContext(ctx, query, args...).Scan(&rec.ID, &rec.AgentID, &rec.Handle, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return HandleRecord{}, false, nil
	}
	if err != nil {
		return HandleRecord{}, false, fmt.Errorf("query latest handle: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, true, nil
}

// Close stops the flush goroutine after a final flush and closes the
// database. It is safe to call more than once.
func (j *Journal) Close() error {
	var err error
	j.once.Do(func() {
		close(j.stop)
		<-j.done
		err = j.db.Close()
	})
	return err
}
