// Package replylog records every processed message and its delivery outcome
// in a local SQLite file.
package replylog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Outcome statuses.
const (
	StatusDelivered      = "delivered"
	StatusNoReply        = "no_reply"
	StatusHandlerFailed  = "handler_failed"
	StatusDeliveryFailed = "delivery_failed"
)

// Entry is one processed message.
type Entry struct {
	ID        string
	Token     string
	Chat      string
	Sender    string
	MediaType string
	Status    string
	Path      string // sender that delivered the last reply
	Replies   int
	Error     string
	Source    string // "scan", "scheduler:<id>", "cli"
	Latency   time.Duration
	CreatedAt time.Time
}

// Stats summarizes the log.
type Stats struct {
	Total    int
	ByStatus map[string]int
	Last     time.Time
	AvgMs    float64
}

// Store is a SQLite-backed reply log.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the log at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.With("component", "replylog")}
	if err := RunMigrations(db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts e, filling ID and CreatedAt when unset.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Source == "" {
		e.Source = "scan"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO replies (id, token, chat, sender, media_type, status, path, replies, error, source, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Token, e.Chat, e.Sender, e.MediaType, e.Status, e.Path, e.Replies, e.Error, e.Source,
		e.Latency.Milliseconds(), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record reply: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, chat, sender, media_type, status, path, replies, error, source, latency_ms, created_at
		 FROM replies ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var latencyMs int64
		if err := rows.Scan(&e.ID, &e.Token, &e.Chat, &e.Sender, &e.MediaType, &e.Status, &e.Path,
			&e.Replies, &e.Error, &e.Source, &latencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		e.Latency = time.Duration(latencyMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats aggregates the whole log.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByStatus: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM replies GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if st.Total == 0 {
		return st, nil
	}

	var last sql.NullString
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at), AVG(latency_ms) FROM replies`).Scan(&last, &avg); err != nil {
		return st, fmt.Errorf("query stats: %w", err)
	}
	st.AvgMs = avg.Float64
	if last.Valid {
		st.Last = parseTime(last.String)
	}
	return st, nil
}

// Prune deletes entries older than the retention window and returns the
// number removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	res, err := s.db.ExecContext(ctx, `DELETE FROM replies WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune replies: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("pruned reply log", "removed", n)
	}
	return n, nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

func parseTime(v string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
