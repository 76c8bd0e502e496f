package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"
	"github.com/google/uuid"

	"cdpledger/core/events"
	"cdpledger/core/types"
)

// ErrPathRequired is returned when the journal location is missing.
var ErrPathRequired = errors.New("cdpd journal path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    asset TEXT NOT NULL DEFAULT '',
    owner TEXT NOT NULL DEFAULT '',
    attributes TEXT NOT NULL,
    recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_position ON events(asset, owner);
`

const writeTimeout = 5 * time.Second

// Journal appends ledger events to SQLite so indexers can replay them. It
// implements events.Emitter; write failures are logged and never surface to
// the emitting operation.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Entry is a persisted event.
type Entry struct {
	Seq        int64             `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	RecordedAt time.Time         `json:"recordedAt"`
}

// Query filters Entries. Zero fields match everything.
type Query struct {
	Type     string
	Asset    string
	Owner    string
	AfterSeq int64
	Limit    int
}

// Open initialises the journal using a sqlite-compatible DSN.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases database resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit persists evt.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.Append(ctx, evt.Event()); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", evt.EventType()),
			slog.String("error", err.Error()))
	}
}

// Append stores a single event and returns its identifier.
func (j *Journal) Append(ctx context.Context, evt *types.Event) (string, error) {
	if j == nil || j.db == nil {
		return "", fmt.Errorf("journal not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return "", fmt.Errorf("event type required")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	id := uuid.NewString()
	_, err = j.db.ExecContext(ctx, `
        INSERT INTO events(id, type, asset, owner, attributes, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, id, evt.Type, attrs["asset"], attrs["owner"], string(encoded), j.now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// Entries returns stored events in insertion order.
func (j *Journal) Entries(ctx context.Context, q Query) ([]Entry, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal not configured")
	}
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	clauses := []string{"seq > ?"}
	args := []any{q.AfterSeq}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, q.Type)
	}
	if q.Asset != "" {
		clauses = append(clauses, "asset = ?")
		args = append(args, q.Asset)
	}
	if q.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, q.Owner)
	}
	args = append(args, limit)
	rows, err := j.db.QueryContext(ctx, `
        SELECT seq, id, type, attributes, recorded_at
        FROM events
        WHERE `+strings.Join(clauses, " AND ")+`
        ORDER BY seq ASC
        LIMIT ?
    `, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry    Entry
			attrs    string
			recorded int64
		)
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Type, &attrs, &recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &entry.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		entry.RecordedAt = time.Unix(0, recorded).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}
