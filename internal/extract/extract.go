// Package extract turns a web page or PDF URL into a standalone HTML document
// plus an inferred title.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxBytes  = 20 << 20 // 20MB
	defaultUserAgent = "epubfeed/1.0 (+https://github.com/kalambet/epubfeed)"
	maxRedirects     = 5
	maxTitleRunes    = 300
)

// Kind names the detected source format.
type Kind string

const (
	KindHTML Kind = "html"
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

// Result is the outcome of a successful extraction. Empty marks degenerate
// sources: HTML is then a minimal valid document with no body content.
type Result struct {
	HTML  string
	Title string
	Kind  Kind
	Empty bool
}

// Options configures an Extractor. Zero values select defaults.
type Options struct {
	Timeout    time.Duration
	MaxBytes   int64
	UserAgent  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Extractor fetches sources and converts them to HTML. It holds no mutable
// state and is safe for concurrent use.
type Extractor struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	logger    *slog.Logger
}

// New creates an Extractor.
func New(opts Options) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (max %d)", maxRedirects)
				}
				return nil
			},
		}
	}
	return &Extractor{
		client:    client,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
		logger:    opts.Logger,
	}
}

// Extract downloads source and converts it to HTML. Failures are returned as
// *Error; empty content is not a failure.
func (e *Extractor) Extract(ctx context.Context, source string) (Result, error) {
	u, err := url.Parse(source)
	if err != nil {
		return Result{}, fail(source, ReasonUnsupported, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fail(source, ReasonUnsupported, fmt.Errorf("scheme %q not supported", u.Scheme))
	}

	start := time.Now()
	page, err := e.fetch(ctx, u)
	if err != nil {
		return Result{}, err
	}

	var res Result
	switch kind := detectKind(page); kind {
	case KindPDF:
		res, err = fromPDF(page.body)
	case KindHTML:
		res, err = fromHTML(page, u)
	case KindText:
		res = fromText(page.body)
	default:
		return Result{}, fail(source, ReasonUnsupported, fmt.Errorf("content type %q", page.mediaType))
	}
	if err != nil {
		return Result{}, fail(source, ReasonParse, err)
	}

	res.Title = cleanTitle(res.Title)
	if res.Empty {
		res.HTML = document(res.Title, "")
	}
	e.logger.Debug("source extracted",
		"source", source,
		"kind", res.Kind,
		"bytes", len(page.body),
		"empty", res.Empty,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

type page struct {
	body        []byte
	contentType string
	mediaType   string
	path        string
}

func (e *Extractor) fetch(ctx context.Context, u *url.URL) (*page, error) {
	source := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fail(source, ReasonUnsupported, err)
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,text/plain;q=0.8,*/*;q=0.5")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fail(source, ReasonUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fail(source, ReasonStatus, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, fail(source, ReasonUnreachable, fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > e.maxBytes {
		return nil, fail(source, ReasonTooLarge, fmt.Errorf("exceeds %d bytes", e.maxBytes))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}
	return &page{
		body:        body,
		contentType: contentType,
		mediaType:   strings.ToLower(mediaType),
		path:        resp.Request.URL.Path,
	}, nil
}

func detectKind(p *page) Kind {
	switch {
	case p.mediaType == "application/pdf", bytes.HasPrefix(p.body, []byte("%PDF-")):
		return KindPDF
	case p.mediaType == "text/html", p.mediaType == "application/xhtml+xml":
		return KindHTML
	case p.mediaType == "text/plain", p.mediaType == "text/markdown":
		return KindText
	case p.mediaType == "application/octet-stream" && strings.HasSuffix(strings.ToLower(p.path), ".pdf"):
		return KindPDF
	}
	return ""
}

func cleanTitle(title string) string {
	title = norm.NFC.String(strings.Join(strings.Fields(title), " "))
	if utf8.RuneCountInString(title) > maxTitleRunes {
		title = string([]rune(title)[:maxTitleRunes])
	}
	return title
}
