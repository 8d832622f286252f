// Package ingest drives a submitted URL through extraction, excerpt and
// e-book packaging into the feed, keeping a durable record of each request.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/epubfeed/internal/epub"
	"github.com/kalambet/epubfeed/internal/excerpt"
	"github.com/kalambet/epubfeed/internal/extract"
	"github.com/kalambet/epubfeed/internal/feed"
	"github.com/kalambet/epubfeed/internal/metrics"
	"github.com/kalambet/epubfeed/internal/reqid"
	"github.com/kalambet/epubfeed/internal/storage"
)

const (
	maxURLBytes          = 2048
	maxTitleRunes        = 300
	defaultExcerptLength = 200
	failureNote          = "<p>Conversion to e-book failed.</p>"
)

// Extractor converts a source URL to HTML.
type Extractor interface {
	Extract(ctx context.Context, source string) (extract.Result, error)
}

// Packager converts an HTML document into an e-book file.
type Packager interface {
	Package(ctx context.Context, document, title, outPath string) (epub.Artifact, error)
}

// FeedWriter inserts or replaces feed entries.
type FeedWriter interface {
	Upsert(ctx context.Context, e feed.Entry) (feed.Outcome, error)
}

// RequestStore persists request records.
type RequestStore interface {
	CreateRequest(r storage.Request) error
	UpdateRequest(r storage.Request) error
}

// SubmitRequest is a client submission. Title is optional.
type SubmitRequest struct {
	URL   string
	Title string
}

// Result is returned for every submission that passed validation.
type Result struct {
	ID      string `json:"id"`
	Epub    string `json:"epub"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	Extractor Extractor
	Packager  Packager
	Feed      FeedWriter
	Store     RequestStore
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// EpubDir is where e-books are written as {id}.epub.
	EpubDir string
	// PublicURL is the externally visible base URL used in links.
	PublicURL     string
	ExcerptLength int
	// IncludeFailed publishes packaging failures as failure-flagged entries.
	IncludeFailed bool

	NewID func() string
	Now   func() time.Time
}

// Orchestrator runs the submission pipeline. It is safe for concurrent use;
// the feed is the only shared mutable state and it serializes its own writes.
type Orchestrator struct {
	extractor     Extractor
	packager      Packager
	feed          FeedWriter
	store         RequestStore
	metrics       *metrics.Metrics
	logger        *slog.Logger
	epubDir       string
	publicURL     string
	excerptLength int
	includeFailed bool
	newID         func() string
	now           func() time.Time
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Extractor == nil || opts.Packager == nil || opts.Feed == nil || opts.Store == nil {
		return nil, errors.New("extractor, packager, feed and store are required")
	}
	if opts.EpubDir == "" {
		return nil, errors.New("epub directory is required")
	}
	if opts.ExcerptLength <= 0 {
		opts.ExcerptLength = defaultExcerptLength
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = reqid.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		extractor:     opts.Extractor,
		packager:      opts.Packager,
		feed:          opts.Feed,
		store:         opts.Store,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		epubDir:       opts.EpubDir,
		publicURL:     strings.TrimRight(opts.PublicURL, "/"),
		excerptLength: opts.ExcerptLength,
		includeFailed: opts.IncludeFailed,
		newID:         opts.NewID,
		now:           opts.Now,
	}, nil
}

// Submit processes one submission end to end. Validation failures return an
// empty Result; every other outcome, including a record that could not be
// stored, returns the request id and final status.
// A feed write failure does not fail the submission: the result is completed
// with a Warning and the record stays pending for FeedSyncer.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	source, title, err := validate(req)
	if err != nil {
		o.metrics.Submission("rejected", string(KindValidation))
		return Result{}, err
	}

	rec := storage.Request{
		ID:        o.newID(),
		SourceURL: source.String(),
		Title:     title,
		Status:    storage.StatusPending,
		Stage:     storage.StageReceived,
		FeedState: storage.FeedPending,
		CreatedAt: o.now().UTC(),
	}
	log := o.logger.With("id", rec.ID, "source", rec.SourceURL)
	if err := o.store.CreateRequest(rec); err != nil {
		rec.Status = storage.StatusFailed
		rec.ErrorKind = string(KindStorage)
		log.Error("failed to create request record", "error", err)
		o.metrics.Submission(string(rec.Status), string(KindStorage))
		return o.result(rec, ""), &RecordError{ID: rec.ID, Err: err}
	}
	log.Info("submission received")

	// Extraction.
	start := time.Now()
	doc, err := o.extractor.Extract(ctx, rec.SourceURL)
	o.metrics.ObserveStage("extract", time.Since(start))
	if err == nil && doc.Empty {
		err = &extract.Error{Source: rec.SourceURL, Reason: extract.ReasonEmpty, Err: errors.New("no readable content")}
	}
	if err != nil {
		rec.FeedState = storage.FeedSkipped
		o.fail(log, &rec, KindExtraction, err)
		return o.result(rec, ""), err
	}
	rec.Stage = storage.StageExtracted
	if rec.Title == "" {
		rec.Title = doc.Title
	}
	if rec.Title == "" {
		rec.Title = source.Hostname()
	}
	o.update(log, rec)

	// Excerpt and packaging are independent of each other.
	outPath := filepath.Join(o.epubDir, rec.ID+".epub")
	var art epub.Artifact
	var g errgroup.Group
	g.Go(func() error {
		rec.Excerpt = excerpt.Build(doc.HTML, o.excerptLength)
		return nil
	})
	g.Go(func() error {
		done := o.metrics.PackagingStarted()
		defer done()
		start := time.Now()
		defer func() { o.metrics.ObserveStage("package", time.Since(start)) }()

		if err := os.MkdirAll(o.epubDir, 0o755); err != nil {
			return &epub.Error{Path: outPath, Err: fmt.Errorf("create e-book directory: %w", err)}
		}
		var err error
		art, err = o.packager.Package(ctx, doc.HTML, rec.Title, outPath)
		return err
	})
	if err := g.Wait(); err != nil {
		rec.Excerpt = excerpt.Build(failureNote+rec.Excerpt, o.excerptLength)
		if o.includeFailed {
			rec.FeedState = storage.FeedPending
		} else {
			rec.FeedState = storage.FeedSkipped
		}
		o.fail(log, &rec, KindPackaging, err)
		if o.includeFailed {
			// The submission already failed; a feed problem only adds a log line.
			_ = o.publish(ctx, log, &rec)
			o.update(log, rec)
		}
		return o.result(rec, ""), err
	}
	rec.Stage = storage.StagePackaged
	rec.Status = storage.StatusCompleted
	rec.EpubFile = filepath.Base(art.Path)
	rec.EpubSize = art.Size

	warning := ""
	if err := o.publish(ctx, log, &rec); err != nil {
		warning = fmt.Sprintf("e-book created but the feed was not updated: %v", err)
	}
	o.update(log, rec)
	o.metrics.Submission(string(rec.Status), "")
	log.Info("submission completed", "title", rec.Title, "bytes", rec.EpubSize, "feed", rec.FeedState)
	return o.result(rec, warning), nil
}

// publish writes the feed entry for rec and records the feed state.
func (o *Orchestrator) publish(ctx context.Context, log *slog.Logger, rec *storage.Request) error {
	start := time.Now()
	outcome, err := o.feed.Upsert(ctx, EntryFor(*rec, o.publicURL))
	o.metrics.ObserveStage("feed", time.Since(start))
	if err != nil {
		o.metrics.FeedWrite("error")
		rec.FeedState = storage.FeedPending
		log.Warn("feed update failed, will retry", "error", err)
		return err
	}
	o.metrics.FeedWrite(outcome.String())
	rec.FeedState = storage.FeedSynced
	if rec.Status == storage.StatusCompleted {
		rec.Stage = storage.StageFeedUpdated
	}
	return nil
}

func (o *Orchestrator) fail(log *slog.Logger, rec *storage.Request, kind Kind, err error) {
	rec.Status = storage.StatusFailed
	rec.ErrorKind = string(kind)
	rec.Error = err.Error()
	log.Error("submission failed", "stage", rec.Stage, "kind", kind, "error", err)
	o.metrics.Submission(string(rec.Status), string(kind))
	o.update(log, *rec)
}

// update persists rec. The record mirrors the pipeline; failing to write it
// does not change the outcome of the submission.
func (o *Orchestrator) update(log *slog.Logger, rec storage.Request) {
	if err := o.store.UpdateRequest(rec); err != nil {
		log.Warn("failed to update request record", "error", err)
	}
}

func (o *Orchestrator) result(rec storage.Request, warning string) Result {
	res := Result{
		ID:      rec.ID,
		Title:   rec.Title,
		URL:     rec.SourceURL,
		Status:  string(rec.Status),
		Warning: warning,
	}
	if rec.EpubFile != "" {
		res.Epub = EpubURL(o.publicURL, rec.EpubFile)
	}
	return res
}

// EpubURL returns the public download URL of an e-book file.
func EpubURL(publicURL, file string) string {
	return strings.TrimRight(publicURL, "/") + "/epub/" + url.PathEscape(file)
}

// EntryFor builds the feed entry describing rec.
func EntryFor(rec storage.Request, publicURL string) feed.Entry {
	e := feed.Entry{
		ID:        rec.ID,
		Title:     rec.Title,
		SourceURL: rec.SourceURL,
		Excerpt:   rec.Excerpt,
		Status:    feed.StatusFailed,
		CreatedAt: rec.CreatedAt,
	}
	if rec.Status == storage.StatusCompleted {
		e.Status = feed.StatusCompleted
		e.EpubURL = EpubURL(publicURL, rec.EpubFile)
		e.EpubSize = rec.EpubSize
	}
	return e
}

func validate(req SubmitRequest) (*url.URL, string, error) {
	raw := strings.TrimSpace(req.URL)
	if raw == "" {
		return nil, "", &ValidationError{Field: "url", Message: "is required"}
	}
	if len(raw) > maxURLBytes {
		return nil, "", &ValidationError{Field: "url", Message: fmt.Sprintf("exceeds %d bytes", maxURLBytes)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", &ValidationError{Field: "url", Message: "is not a valid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", &ValidationError{Field: "url", Message: "must use http or https"}
	}
	if u.Hostname() == "" {
		return nil, "", &ValidationError{Field: "url", Message: "must include a host"}
	}

	title := strings.TrimSpace(req.Title)
	if !utf8.ValidString(title) {
		return nil, "", &ValidationError{Field: "title", Message: "is not valid UTF-8"}
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, "", &ValidationError{Field: "title", Message: fmt.Sprintf("exceeds %d characters", maxTitleRunes)}
	}
	for _, r := range title {
		if unicode.IsControl(r) {
			return nil, "", &ValidationError{Field: "title", Message: "contains control characters"}
		}
	}
	return u, title, nil
}
