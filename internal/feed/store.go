// Package feed owns the single RSS document listing every processed
// request. All writes are serialized by a process mutex and a lock file, and
// every committed document is complete and parseable.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/mmcdole/gofeed"

	"github.com/kalambet/epubfeed/internal/fileutil"
)

const (
	defaultMaxEntries  = 500
	defaultTitle       = "epubfeed"
	defaultDescription = "Documents converted to e-books"
	lockRetryDelay     = 25 * time.Millisecond
)

// Status is the outcome shown for an entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one request as it appears in the feed.
type Entry struct {
	ID        string
	Title     string
	SourceURL string
	Excerpt   string
	EpubURL   string
	EpubSize  int64
	Status    Status
	CreatedAt time.Time
}

// Outcome reports whether Upsert added or replaced an entry.
type Outcome int

const (
	Inserted Outcome = iota + 1
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	}
	return "unknown"
}

// StorageError is returned when the feed document cannot be read, locked or
// written. The previously committed document is left intact.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("feed %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Options configures a Store.
type Options struct {
	Path        string
	MaxEntries  int
	Title       string
	Link        string
	Description string
	// SelfURL is the public URL of the RSS document itself.
	SelfURL string
	Logger  *slog.Logger
}

// Store manages the feed document at a fixed path.
type Store struct {
	path       string
	maxEntries int
	meta       channelMeta
	logger     *slog.Logger

	mu        sync.Mutex
	lock      *flock.Flock
	committed atomic.Pointer[[]byte]
}

// NewStore creates a Store. The document itself is created on first write.
func NewStore(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("feed path is required")
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.Title == "" {
		opts.Title = defaultTitle
	}
	if opts.Description == "" {
		opts.Description = defaultDescription
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		path:       opts.Path,
		maxEntries: opts.MaxEntries,
		meta: channelMeta{
			Title:       opts.Title,
			Link:        opts.Link,
			Description: opts.Description,
			SelfURL:     opts.SelfURL,
		},
		logger: opts.Logger,
		lock:   flock.New(opts.Path + ".lock"),
	}, nil
}

// Path returns the location of the feed document.
func (s *Store) Path() string { return s.path }

// Upsert inserts e or replaces the entry with the same ID, then commits the
// document atomically. Replaying the same entry leaves the feed unchanged.
func (s *Store) Upsert(ctx context.Context, e Entry) (Outcome, error) {
	if e.ID == "" {
		return 0, &StorageError{Op: "upsert", Path: s.path, Err: errors.New("entry id is empty")}
	}
	e.CreatedAt = e.CreatedAt.UTC().Round(0)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return 0, &StorageError{Op: "mkdir", Path: s.path, Err: err}
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return 0, &StorageError{Op: "lock", Path: s.path, Err: err}
	}
	if !locked {
		return 0, &StorageError{Op: "lock", Path: s.path, Err: errors.New("lock not acquired")}
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("failed to release feed lock", "path", s.path, "error", err)
		}
	}()

	entries, err := s.load()
	if err != nil {
		return 0, err
	}

	outcome := Inserted
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i] = e
			outcome = Replaced
			break
		}
	}
	if outcome == Inserted {
		entries = append(entries, e)
	}
	sortEntries(entries)
	if len(entries) > s.maxEntries {
		s.logger.Debug("trimming feed", "path", s.path, "dropped", len(entries)-s.maxEntries)
		entries = entries[:s.maxEntries]
	}

	data, err := renderRSS(s.meta, entries)
	if err != nil {
		return 0, &StorageError{Op: "render", Path: s.path, Err: err}
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return 0, &StorageError{Op: "write", Path: s.path, Err: err}
	}
	s.committed.Store(&data)

	s.logger.Debug("feed updated", "id", e.ID, "outcome", outcome.String(), "entries", len(entries))
	return outcome, nil
}

// Read returns the last committed document without taking the write lock.
// Before the first write it returns an empty channel.
func (s *Store) Read() ([]byte, error) {
	if data := s.committed.Load(); data != nil {
		return *data, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return renderRSS(s.meta, nil)
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	s.committed.CompareAndSwap(nil, &data)
	return data, nil
}

// Entries returns the entries of the committed document, newest first.
func (s *Store) Entries() ([]Entry, error) {
	data, err := s.Read()
	if err != nil {
		return nil, err
	}
	entries, err := parseEntries(data)
	if err != nil {
		return nil, &StorageError{Op: "parse", Path: s.path, Err: err}
	}
	return entries, nil
}

// Atom renders the committed entries as an Atom 1.0 document.
func (s *Store) Atom() ([]byte, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, err
	}
	data, err := renderAtom(s.meta, entries)
	if err != nil {
		return nil, &StorageError{Op: "render", Path: s.path, Err: err}
	}
	return data, nil
}

// load reads the document from disk. A missing file is an empty feed; an
// unparseable one is moved aside so the next write starts clean.
func (s *Store) load() ([]Entry, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Path: s.path, Err: err}
	}
	entries, err := parseEntries(data)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().UnixNano())
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return nil, &StorageError{Op: "recover", Path: s.path, Err: errors.Join(err, rerr)}
		}
		s.logger.Error("feed document unreadable, starting a new one",
			"path", s.path,
			"moved_to", aside,
			"error", err,
		)
		return nil, nil
	}
	return entries, nil
}

func parseEntries(data []byte) ([]Entry, error) {
	parsed, err := gofeed.NewParser().ParseString(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := make([]Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item.GUID == "" {
			continue
		}
		e := Entry{
			ID:      item.GUID,
			Title:   item.Title,
			Excerpt: item.Description,
			Status:  StatusFailed,
		}
		for _, c := range item.Categories {
			if c == string(StatusCompleted) {
				e.Status = StatusCompleted
			}
		}
		e.CreatedAt = itemDate(item)
		e.SourceURL = itemSource(item)
		for _, enc := range item.Enclosures {
			if enc.Type == epubMIME {
				e.EpubURL = enc.URL
				e.EpubSize, _ = strconv.ParseInt(enc.Length, 10, 64)
				break
			}
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// itemDate prefers dc:date, which keeps sub-second precision, over pubDate.
func itemDate(item *gofeed.Item) time.Time {
	var raw []string
	if item.DublinCoreExt != nil {
		raw = item.DublinCoreExt.Date
	}
	if len(raw) == 0 {
		if dc, ok := item.Extensions["dc"]; ok {
			for _, d := range dc["date"] {
				raw = append(raw, d.Value)
			}
		}
	}
	for _, d := range raw {
		if t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(d)); err == nil {
			return t.UTC()
		}
	}
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	return time.Time{}
}

func itemSource(item *gofeed.Item) string {
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Source) > 0 {
		return item.DublinCoreExt.Source[0]
	}
	if dc, ok := item.Extensions["dc"]; ok {
		if src := dc["source"]; len(src) > 0 {
			return src[0].Value
		}
	}
	return item.Link
}

// sortEntries orders newest first; ties break by id for a stable document.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}
