package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/epubfeed/internal/api"
	"github.com/kalambet/epubfeed/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":{"message":"extract https://example.com: bad_status: HTTP 404","type":"extraction_error"},"id":"req-00000000000000000000000000000001","status":"failed"}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points commands at ts for the duration of the test.
func useClient(t *testing.T, ts *testServer) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

var ctx = context.Background()

func TestSubmit(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /submit": `{"id":"req-00000000000000000000000000000001","epub":"http://localhost:8000/epub/req-00000000000000000000000000000001.epub","title":"Weasels","url":"https://example.com/weasels","status":"completed"}`,
	})

	res, err := submit(ctx, ts.client(), "https://example.com/weasels", "Weasels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != "completed" || res.Title != "Weasels" {
		t.Errorf("unexpected result %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/submit" {
		t.Errorf("request = %s %s, want POST /submit", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["url"] != "https://example.com/weasels" || body["title"] != "Weasels" {
		t.Errorf("body = %v", body)
	}
}

func TestSubmit_OmitsEmptyTitle(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /submit": `{"id":"req-00000000000000000000000000000001","status":"completed"}`,
	})
	if _, err := submit(ctx, ts.client(), "https://example.com", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(ts.requests[0].Body, "title") {
		t.Errorf("body should not carry a title: %s", ts.requests[0].Body)
	}
}

func TestSubmit_ServerError(t *testing.T) {
	ts := newTestServer(t, nil)
	_, err := submit(ctx, ts.client(), "https://example.com", "")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"extraction_error", "req-00000000000000000000000000000001", "HTTP 404"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to mention %q", err.Error(), want)
		}
	}
}

func TestSubmitCommand_MissingURL(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"submit"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing --url")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestListRequests(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /requests": `[{"id":"req-00000000000000000000000000000002","url":"https://example.com/b","title":"B","status":"failed","stage":"extracted","feed_state":"synced","created_at":"2026-03-01T12:01:00Z","updated_at":"2026-03-01T12:01:00Z"},
			{"id":"req-00000000000000000000000000000001","url":"https://example.com/a","title":"A","status":"completed","stage":"feed_updated","epub":"http://x/epub/a.epub","epub_size":2048,"feed_state":"synced","created_at":"2026-03-01T12:00:00Z","updated_at":"2026-03-01T12:00:00Z"}]`,
	})

	views, err := listRequests(ctx, ts.client(), 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 2 || views[1].EpubSize != 2048 {
		t.Fatalf("unexpected views %+v", views)
	}
	if ts.requests[0].Path != "/requests?limit=5&offset=10" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestFormatRequests(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	out := formatRequests([]api.RequestView{
		{ID: "req-1", Title: strings.Repeat("x", 80), Status: "completed", EpubSize: 2048, CreatedAt: time.Now().Add(-time.Hour)},
		{ID: "req-2", Title: "Failed one", Status: "failed", CreatedAt: time.Now()},
	})
	for _, want := range []string{"ID", "req-1", "req-2", "completed", "failed", "2.0 kB", "1 hour ago", "…"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestFeedCommand_Atom(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /feed/atom": `<feed xmlns="http://www.w3.org/2005/Atom"></feed>`,
	})
	useClient(t, ts)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"feed", "--atom"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		feedCmd.Flags().Set("atom", "false")
	}()

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "<feed") {
		t.Errorf("output = %q", out.String())
	}
	if ts.requests[0].Path != "/feed/atom" {
		t.Errorf("path = %q, want /feed/atom", ts.requests[0].Path)
	}
}

func TestServerNotRunning(t *testing.T) {
	c := &apiClient{
		baseURL:    "http://127.0.0.1:1",
		token:      "t",
		httpClient: &http.Client{Timeout: time.Second},
	}
	_, err := c.get(ctx, "/requests")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestClientHost(t *testing.T) {
	tests := map[string]string{
		"":          "127.0.0.1",
		"0.0.0.0":   "127.0.0.1",
		"::":        "127.0.0.1",
		"127.0.0.1": "127.0.0.1",
		"epub.lan":  "epub.lan",
	}
	for in, want := range tests {
		if got := clientHost(in); got != want {
			t.Errorf("clientHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintConfig(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printConfig(&out, []config.KeyInfo{{Key: "server.port", EnvVar: "EPUBFEED_PORT", Value: "8000"}})
	if got := out.String(); got != "  server.port = 8000  (EPUBFEED_PORT)\n" {
		t.Errorf("output = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	}()
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.String() != "epubfeed dev\n" {
		t.Errorf("output = %q", out.String())
	}
}
