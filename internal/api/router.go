// Package api exposes the HTTP and MCP interfaces of the service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/epubfeed/internal/ingest"
	"github.com/kalambet/epubfeed/internal/storage"
)

const (
	errValidation = "validation_error"
	errAuth       = "auth_error"
	errExtraction = "extraction_error"
	errPackaging  = "packaging_error"
	errStorage    = "storage_error"
	errNotFound   = "not_found_error"
	errInternal   = "internal_error"

	rssContentType  = "application/rss+xml; charset=utf-8"
	atomContentType = "application/atom+xml; charset=utf-8"
	epubContentType = "application/epub+zip"
)

// Submitter runs the ingestion pipeline.
type Submitter interface {
	Submit(ctx context.Context, req ingest.SubmitRequest) (ingest.Result, error)
}

// FeedReader serves the committed feed document.
type FeedReader interface {
	Read() ([]byte, error)
	Atom() ([]byte, error)
}

// RequestReader reads request records.
type RequestReader interface {
	GetRequest(id string) (storage.Request, error)
	ListRequests(limit, offset int) ([]storage.Request, error)
}

// Deps holds the dependencies of the HTTP router.
type Deps struct {
	Submitter Submitter
	Feed      FeedReader
	Requests  RequestReader
	// EpubDir is the directory served under /epub/.
	EpubDir   string
	PublicURL string
	Token     string
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter returns the service's http.Handler. Submission and record
// endpoints require the bearer token; downloads and feeds are public so feed
// readers can fetch them.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/epub/{file}", handleEpub(deps))
	r.Get("/rss.xml", handleRSS(deps))
	r.Get("/feed/rss", handleRSS(deps))
	r.Get("/feed/atom", handleAtom(deps))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/submit", handleSubmit(deps))
		r.Get("/requests", handleListRequests(deps))
		r.Get("/requests/{id}", handleGetRequest(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRSS(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Feed.Read()
		if err != nil {
			deps.Logger.Error("reading feed", "error", err)
			httpError(w, http.StatusInternalServerError, errStorage, "feed unavailable")
			return
		}
		w.Header().Set("Content-Type", rssContentType)
		w.Write(data)
	}
}

func handleAtom(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Feed.Atom()
		if err != nil {
			deps.Logger.Error("rendering atom feed", "error", err)
			httpError(w, http.StatusInternalServerError, errStorage, "feed unavailable")
			return
		}
		w.Header().Set("Content-Type", atomContentType)
		w.Write(data)
	}
}

// RequestView is the JSON form of a request record.
type RequestView struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Epub      string    `json:"epub,omitempty"`
	EpubSize  int64     `json:"epub_size,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	FeedState string    `json:"feed_state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newRequestView(rec storage.Request, publicURL string) RequestView {
	v := RequestView{
		ID:        rec.ID,
		URL:       rec.SourceURL,
		Title:     rec.Title,
		Status:    string(rec.Status),
		Stage:     string(rec.Stage),
		EpubSize:  rec.EpubSize,
		Error:     rec.Error,
		ErrorKind: rec.ErrorKind,
		FeedState: string(rec.FeedState),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.EpubFile != "" {
		v.Epub = ingest.EpubURL(publicURL, rec.EpubFile)
	}
	return v
}

// errorType maps a pipeline error to its HTTP status and error type.
func errorType(err error) (int, string) {
	switch ingest.KindOf(err) {
	case ingest.KindValidation:
		return http.StatusBadRequest, errValidation
	case ingest.KindAuth:
		return http.StatusUnauthorized, errAuth
	case ingest.KindExtraction:
		return http.StatusBadGateway, errExtraction
	case ingest.KindPackaging:
		return http.StatusInternalServerError, errPackaging
	case ingest.KindStorage:
		return http.StatusInternalServerError, errStorage
	}
	return http.StatusInternalServerError, errInternal
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: fmt.Sprintf(format, args...), Type: errType}})
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// errorBody is the error envelope. ID and Status are set when a request
// record exists for the failed submission.
type errorBody struct {
	Error  errorDetail `json:"error"`
	ID     string      `json:"id,omitempty"`
	Status string      `json:"status,omitempty"`
}
