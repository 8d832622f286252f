package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/epubfeed/internal/epub"
	"github.com/kalambet/epubfeed/internal/extract"
	"github.com/kalambet/epubfeed/internal/feed"
	"github.com/kalambet/epubfeed/internal/storage"
)

type mockExtractor struct {
	calls     atomic.Int32
	extractFn func(ctx context.Context, source string) (extract.Result, error)
}

func (m *mockExtractor) Extract(ctx context.Context, source string) (extract.Result, error) {
	m.calls.Add(1)
	return m.extractFn(ctx, source)
}

type mockPackager struct {
	calls     atomic.Int32
	packageFn func(ctx context.Context, document, title, outPath string) (epub.Artifact, error)
}

func (m *mockPackager) Package(ctx context.Context, document, title, outPath string) (epub.Artifact, error) {
	m.calls.Add(1)
	if m.packageFn != nil {
		return m.packageFn(ctx, document, title, outPath)
	}
	data := []byte("EPUB " + title)
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return epub.Artifact{}, err
	}
	return epub.Artifact{Path: outPath, Size: int64(len(data))}, nil
}

type mockFeed struct {
	mu       sync.Mutex
	entries  map[string]feed.Entry
	upsertFn func(e feed.Entry) error
}

func (m *mockFeed) Upsert(_ context.Context, e feed.Entry) (feed.Outcome, error) {
	if m.upsertFn != nil {
		if err := m.upsertFn(e); err != nil {
			return 0, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]feed.Entry{}
	}
	_, exists := m.entries[e.ID]
	m.entries[e.ID] = e
	if exists {
		return feed.Replaced, nil
	}
	return feed.Inserted, nil
}

func (m *mockFeed) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func htmlResult(title, body string) extract.Result {
	return extract.Result{
		HTML:  "<!DOCTYPE html>\n<html><head><title>" + title + "</title></head><body>\n" + body + "\n</body></html>\n",
		Title: title,
		Kind:  extract.KindHTML,
	}
}

type fixture struct {
	orch      *Orchestrator
	extractor *mockExtractor
	packager  *mockPackager
	feed      *mockFeed
	store     *storage.Store
	epubDir   string
}

func newFixture(t *testing.T, includeFailed bool) *fixture {
	t.Helper()
	f := &fixture{
		extractor: &mockExtractor{extractFn: func(_ context.Context, _ string) (extract.Result, error) {
			return htmlResult("Extracted Title", "<p>Some <b>content</b> here.</p>"), nil
		}},
		packager: &mockPackager{},
		feed:     &mockFeed{},
		store:    openTestStore(t),
		epubDir:  filepath.Join(t.TempDir(), "epubs"),
	}
	n := 0
	orch, err := NewOrchestrator(Options{
		Extractor:     f.extractor,
		Packager:      f.packager,
		Feed:          f.feed,
		Store:         f.store,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		EpubDir:       f.epubDir,
		PublicURL:     "http://localhost:8000/",
		ExcerptLength: 200,
		IncludeFailed: includeFailed,
		NewID: func() string {
			n++
			return fmt.Sprintf("req-%032d", n)
		},
		Now: func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	f.orch = orch
	return f
}

func (f *fixture) epubFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.epubDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/article"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := "req-00000000000000000000000000000001"
	want := Result{
		ID:     id,
		Epub:   "http://localhost:8000/epub/" + id + ".epub",
		Title:  "Extracted Title",
		URL:    "https://example.com/article",
		Status: "completed",
	}
	if res != want {
		t.Fatalf("result = %+v, want %+v", res, want)
	}

	entry, ok := f.feed.entries[id]
	if !ok {
		t.Fatal("feed entry not written")
	}
	if entry.Status != feed.StatusCompleted || entry.EpubURL != want.Epub {
		t.Errorf("unexpected entry %+v", entry)
	}
	if !strings.Contains(entry.Excerpt, "<b>content</b>") {
		t.Errorf("excerpt = %q", entry.Excerpt)
	}

	rec, err := f.store.GetRequest(id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != storage.StatusCompleted || rec.Stage != storage.StageFeedUpdated || rec.FeedState != storage.FeedSynced {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.EpubFile != id+".epub" || rec.EpubSize == 0 {
		t.Errorf("artifact not recorded: %+v", rec)
	}
	if files := f.epubFiles(t); len(files) != 1 || files[0] != id+".epub" {
		t.Errorf("unexpected e-book files %v", files)
	}
}

func TestSubmit_TitleFallbacks(t *testing.T) {
	t.Run("client title wins", func(t *testing.T) {
		f := newFixture(t, true)
		res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a", Title: "  Mine  "})
		if err != nil {
			t.Fatal(err)
		}
		if res.Title != "Mine" {
			t.Fatalf("title = %q", res.Title)
		}
	})
	t.Run("host when nothing inferred", func(t *testing.T) {
		f := newFixture(t, true)
		f.extractor.extractFn = func(_ context.Context, _ string) (extract.Result, error) {
			return htmlResult("", "<p>Body text</p>"), nil
		}
		var packagedTitle string
		f.packager.packageFn = func(_ context.Context, _, title, outPath string) (epub.Artifact, error) {
			packagedTitle = title
			return epub.Artifact{Path: outPath, Size: 1}, os.WriteFile(outPath, []byte("x"), 0o644)
		}
		res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://docs.example.org/x"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Title != "docs.example.org" || packagedTitle != "docs.example.org" {
			t.Fatalf("title = %q, packaged with %q", res.Title, packagedTitle)
		}
	})
}

func TestSubmit_ValidationHasNoEffects(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty url", SubmitRequest{}},
		{"relative url", SubmitRequest{URL: "/just/a/path"}},
		{"ftp scheme", SubmitRequest{URL: "ftp://example.com/file"}},
		{"javascript", SubmitRequest{URL: "javascript:alert(1)"}},
		{"no host", SubmitRequest{URL: "http:///path"}},
		{"long url", SubmitRequest{URL: "https://example.com/" + strings.Repeat("a", 2048)}},
		{"long title", SubmitRequest{URL: "https://example.com", Title: strings.Repeat("é", 301)}},
		{"control chars", SubmitRequest{URL: "https://example.com", Title: "bad\x00title"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true)
			res, err := f.orch.Submit(context.Background(), tt.req)
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if KindOf(err) != KindValidation {
				t.Errorf("KindOf = %q", KindOf(err))
			}
			if res.ID != "" {
				t.Errorf("validation failure produced id %q", res.ID)
			}
			if f.extractor.calls.Load() != 0 || f.packager.calls.Load() != 0 || f.feed.count() != 0 {
				t.Error("validation failure reached an adapter")
			}
			if recs, _ := f.store.ListRequests(10, 0); len(recs) != 0 {
				t.Errorf("validation failure created %d records", len(recs))
			}
		})
	}
}

func TestSubmit_RecordFailureKeepsID(t *testing.T) {
	f := newFixture(t, true)
	if err := f.store.Close(); err != nil {
		t.Fatal(err)
	}

	res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a", Title: "A"})
	var rErr *RecordError
	if !errors.As(err, &rErr) {
		t.Fatalf("expected *RecordError, got %v", err)
	}
	if KindOf(err) != KindStorage {
		t.Errorf("KindOf = %q, want storage", KindOf(err))
	}
	if res.ID == "" || res.ID != rErr.ID {
		t.Errorf("result id %q, error id %q", res.ID, rErr.ID)
	}
	if res.Status != "failed" || res.URL != "https://example.com/a" || res.Title != "A" || res.Epub != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if f.extractor.calls.Load() != 0 || f.packager.calls.Load() != 0 || f.feed.count() != 0 {
		t.Error("record failure reached an adapter")
	}
}

func TestSubmit_ExtractionFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(context.Context, string) (extract.Result, error)
	}{
		{"unreachable", func(_ context.Context, src string) (extract.Result, error) {
			return extract.Result{}, &extract.Error{Source: src, Reason: extract.ReasonUnreachable, Err: errors.New("dial tcp: refused")}
		}},
		{"empty content", func(_ context.Context, _ string) (extract.Result, error) {
			return extract.Result{HTML: "<!DOCTYPE html><html><body></body></html>", Kind: extract.KindHTML, Empty: true}, nil
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, true)
			f.extractor.extractFn = tc.fn

			res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a"})
			if KindOf(err) != KindExtraction {
				t.Fatalf("KindOf(%v) = %q, want extraction", err, KindOf(err))
			}
			if res.Status != "failed" || res.ID == "" || res.Epub != "" {
				t.Errorf("unexpected result %+v", res)
			}
			if f.packager.calls.Load() != 0 {
				t.Error("packager called after extraction failure")
			}
			if f.feed.count() != 0 {
				t.Error("feed entry written after extraction failure")
			}
			if files := f.epubFiles(t); len(files) != 0 {
				t.Errorf("e-book files left behind: %v", files)
			}
			rec, _ := f.store.GetRequest(res.ID)
			if rec.Status != storage.StatusFailed || rec.ErrorKind != string(KindExtraction) || rec.FeedState != storage.FeedSkipped {
				t.Errorf("unexpected record %+v", rec)
			}
		})
	}
}

func packagingFailure(_ context.Context, _, _, outPath string) (epub.Artifact, error) {
	return epub.Artifact{}, &epub.Error{Path: outPath, Output: "pandoc: boom", Err: errors.New("exit status 1")}
}

func TestSubmit_PackagingFailureIncluded(t *testing.T) {
	f := newFixture(t, true)
	f.packager.packageFn = packagingFailure

	res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a"})
	if KindOf(err) != KindPackaging {
		t.Fatalf("KindOf(%v) = %q, want packaging", err, KindOf(err))
	}
	if res.Status != "failed" || res.Epub != "" {
		t.Errorf("unexpected result %+v", res)
	}
	entry, ok := f.feed.entries[res.ID]
	if !ok {
		t.Fatal("failed entry not published")
	}
	if entry.Status != feed.StatusFailed || entry.EpubURL != "" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if !strings.Contains(entry.Excerpt, "failed") {
		t.Errorf("failure not visible in excerpt %q", entry.Excerpt)
	}
	rec, _ := f.store.GetRequest(res.ID)
	if rec.Status != storage.StatusFailed || rec.FeedState != storage.FeedSynced || rec.ErrorKind != string(KindPackaging) {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestSubmit_PackagingFailureExcluded(t *testing.T) {
	f := newFixture(t, false)
	f.packager.packageFn = packagingFailure

	res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a"})
	if KindOf(err) != KindPackaging {
		t.Fatalf("KindOf(%v) = %q, want packaging", err, KindOf(err))
	}
	if f.feed.count() != 0 {
		t.Error("feed touched although failed entries are excluded")
	}
	rec, _ := f.store.GetRequest(res.ID)
	if rec.FeedState != storage.FeedSkipped {
		t.Errorf("feed state = %q, want skipped", rec.FeedState)
	}
}

func TestSubmit_FeedFailureIsWarning(t *testing.T) {
	f := newFixture(t, true)
	f.feed.upsertFn = func(e feed.Entry) error {
		return &feed.StorageError{Op: "write", Path: "/ro/rss.xml", Err: os.ErrPermission}
	}

	res, err := f.orch.Submit(context.Background(), SubmitRequest{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("Submit returned error for a feed failure: %v", err)
	}
	if res.Status != "completed" || res.Warning == "" || res.Epub == "" {
		t.Errorf("unexpected result %+v", res)
	}
	rec, _ := f.store.GetRequest(res.ID)
	if rec.Status != storage.StatusCompleted || rec.FeedState != storage.FeedPending || rec.Stage != storage.StagePackaged {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestSubmit_ConcurrentDistinctIDs(t *testing.T) {
	f := newFixture(t, true)
	orch, err := NewOrchestrator(Options{
		Extractor: f.extractor,
		Packager:  f.packager,
		Feed:      f.feed,
		Store:     f.store,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		EpubDir:   f.epubDir,
	})
	if err != nil {
		t.Fatal(err)
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := orch.Submit(context.Background(), SubmitRequest{URL: fmt.Sprintf("https://example.com/%d", i)})
			if err != nil {
				t.Errorf("Submit: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, r := range results {
		if seen[r.ID] {
			t.Fatalf("duplicate id %s", r.ID)
		}
		seen[r.ID] = true
	}
	if f.feed.count() != n {
		t.Fatalf("feed has %d entries, want %d", f.feed.count(), n)
	}
	if files := f.epubFiles(t); len(files) != n {
		t.Fatalf("got %d e-books, want %d", len(files), n)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, ""},
		{&ValidationError{Field: "url", Message: "bad"}, KindValidation},
		{fmt.Errorf("wrapped: %w", &extract.Error{Reason: extract.ReasonStatus}), KindExtraction},
		{&epub.Error{Err: errors.New("x")}, KindPackaging},
		{&feed.StorageError{Op: "write", Err: errors.New("x")}, KindStorage},
		{&RecordError{ID: "req-1", Err: errors.New("x")}, KindStorage},
		{errors.New("other"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
