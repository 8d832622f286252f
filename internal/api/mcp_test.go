package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/epubfeed/internal/extract"
	"github.com/kalambet/epubfeed/internal/ingest"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func newTestMCPDeps(t *testing.T) (MCPDeps, *mockSubmitter) {
	t.Helper()
	sub := &mockSubmitter{result: ingest.Result{
		ID:     testID,
		Epub:   "http://example.test/epub/" + testID + ".epub",
		Title:  "Weasels",
		URL:    "https://example.com/weasels",
		Status: "completed",
	}}
	return MCPDeps{
		Submitter: sub,
		Feed:      &mockFeed{rss: []byte("<rss/>"), atom: []byte("<feed/>")},
		Requests:  newTestStore(t),
		PublicURL: "http://example.test",
	}, sub
}

func TestMCPTool_SubmitURL(t *testing.T) {
	deps, sub := newTestMCPDeps(t)
	handler := mcpSubmitURL(deps)

	result, err := handler(context.Background(), makeCallToolRequest("submit_url", map[string]interface{}{
		"url":   "https://example.com/weasels",
		"title": "Weasels",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var res ingest.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if res.ID != testID || res.Status != "completed" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sub.calls != 1 || sub.last.Title != "Weasels" {
		t.Fatalf("submitter saw %d calls, last %+v", sub.calls, sub.last)
	}
}

func TestMCPTool_SubmitURL_MissingURL(t *testing.T) {
	deps, sub := newTestMCPDeps(t)
	result, err := mcpSubmitURL(deps)(context.Background(), makeCallToolRequest("submit_url", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if sub.calls != 0 {
		t.Fatalf("submitter called %d times", sub.calls)
	}
}

func TestMCPTool_SubmitURL_Failure(t *testing.T) {
	deps, sub := newTestMCPDeps(t)
	sub.result = ingest.Result{ID: testID, Status: "failed"}
	sub.err = &extract.Error{Source: "https://example.com", Reason: extract.ReasonStatus}

	result, err := mcpSubmitURL(deps)(context.Background(), makeCallToolRequest("submit_url", map[string]interface{}{
		"url": "https://example.com",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	text := toolText(t, result)
	if !strings.Contains(text, "extraction") || !strings.Contains(text, testID) {
		t.Fatalf("unexpected error text: %s", text)
	}
}

func TestMCPTool_ListDocuments(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	store := deps.Requests.(*testStore)
	store.seed(t, 3)

	result, err := mcpListDocuments(deps)(context.Background(), makeCallToolRequest("list_documents", map[string]interface{}{
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var views []RequestView
	if err := json.Unmarshal([]byte(toolText(t, result)), &views); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(views))
	}
	if !views[0].CreatedAt.After(views[1].CreatedAt) {
		t.Fatalf("expected newest first: %v, %v", views[0].CreatedAt, views[1].CreatedAt)
	}
	if !strings.HasPrefix(views[0].Epub, "http://example.test/epub/") {
		t.Fatalf("unexpected epub url %q", views[0].Epub)
	}
}

func TestMCPTool_GetDocument(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ids := deps.Requests.(*testStore).seed(t, 1)

	result, err := mcpGetDocument(deps)(context.Background(), makeCallToolRequest("get_document", map[string]interface{}{
		"id": ids[0],
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var view RequestView
	if err := json.Unmarshal([]byte(toolText(t, result)), &view); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if view.ID != ids[0] {
		t.Fatalf("got id %q, want %q", view.ID, ids[0])
	}

	result, err = mcpGetDocument(deps)(context.Background(), makeCallToolRequest("get_document", map[string]interface{}{
		"id": "req-missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error for unknown id")
	}
}

func TestMCPResource_Feeds(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	tests := []struct {
		uri, mime, text string
		read            func() ([]byte, error)
	}{
		{"feed://rss", "application/rss+xml", "<rss/>", deps.Feed.Read},
		{"feed://atom", "application/atom+xml", "<feed/>", deps.Feed.Atom},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			contents, err := mcpResourceFeed(tt.read, tt.mime)(context.Background(), makeReadResourceRequest(tt.uri))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(contents) != 1 {
				t.Fatalf("expected 1 content, got %d", len(contents))
			}
			tc, ok := contents[0].(mcp.TextResourceContents)
			if !ok {
				t.Fatalf("expected TextResourceContents, got %T", contents[0])
			}
			if tc.URI != tt.uri || tc.MIMEType != tt.mime || tc.Text != tt.text {
				t.Fatalf("unexpected contents: %+v", tc)
			}
		})
	}
}

func TestNewMCPServer_Registers(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("expected server")
	}
}
