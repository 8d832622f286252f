package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/epubfeed/internal/storage/migrations"
)

// Fixed-width UTC timestamps so that text ordering matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000Z"

// Store wraps a SQLite database holding request records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "epubfeed.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (int64, error) {
	return migrations.Version(s.db)
}

const requestColumns = `id, source_url, title, status, stage, epub_file, epub_size, excerpt, error, error_kind, feed_state, created_at, updated_at`

// CreateRequest inserts a new record. CreatedAt defaults to now.
func (s *Store) CreateRequest(r Request) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.Stage == "" {
		r.Stage = StageReceived
	}
	if r.FeedState == "" {
		r.FeedState = FeedPending
	}
	_, err := s.db.Exec(`
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SourceURL, r.Title, r.Status, r.Stage, r.EpubFile, r.EpubSize, r.Excerpt,
		r.Error, r.ErrorKind, r.FeedState, formatTime(r.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", r.ID, err)
	}
	return nil
}

// UpdateRequest overwrites the mutable fields of an existing record.
func (s *Store) UpdateRequest(r Request) error {
	res, err := s.db.Exec(`
		UPDATE requests SET title = ?, status = ?, stage = ?, epub_file = ?, epub_size = ?, excerpt = ?,
			error = ?, error_kind = ?, feed_state = ?, updated_at = ?
		WHERE id = ?`,
		r.Title, r.Status, r.Stage, r.EpubFile, r.EpubSize, r.Excerpt,
		r.Error, r.ErrorKind, r.FeedState, formatTime(time.Now()), r.ID,
	)
	if err != nil {
		return fmt.Errorf("updating request %s: %w", r.ID, err)
	}
	return expectOne(res)
}

// MarkFeedState records whether the feed reflects the request.
func (s *Store) MarkFeedState(id string, state FeedState) error {
	res, err := s.db.Exec(`UPDATE requests SET feed_state = ?, updated_at = ? WHERE id = ?`,
		state, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) GetRequest(id string) (Request, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

// ListRequests returns records newest first.
func (s *Store) ListRequests(limit, offset int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM requests
		ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// ListFeedBacklog returns finished records whose feed entry is still
// pending and that have not been touched for at least grace, oldest first.
func (s *Store) ListFeedBacklog(grace time.Duration, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = 50
	}
	cutoff := formatTime(time.Now().Add(-grace))
	rows, err := s.db.Query(`SELECT `+requestColumns+` FROM requests
		WHERE feed_state = ? AND status IN (?, ?) AND updated_at <= ?
		ORDER BY created_at ASC LIMIT ?`,
		FeedPending, StatusCompleted, StatusFailed, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (Request, error) {
	var r Request
	var createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.SourceURL, &r.Title, &r.Status, &r.Stage, &r.EpubFile, &r.EpubSize,
		&r.Excerpt, &r.Error, &r.ErrorKind, &r.FeedState, &createdAt, &updatedAt)
	if err != nil {
		return Request{}, err
	}
	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Request{}, fmt.Errorf("parsing created_at for request %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Request{}, fmt.Errorf("parsing updated_at for request %s: %w", r.ID, err)
	}
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]Request, error) {
	var results []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
