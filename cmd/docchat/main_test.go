package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/docchat/internal/config"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"ask", "chunks", "watch", "chat", "health", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// fakeBackend serves the document-answering API from fixed data.
type fakeBackend struct {
	mu      sync.Mutex
	queries []queryBody
	status  string
}

type queryBody struct {
	Query          string   `json:"query"`
	PinnedChunkIDs []string `json:"pinned_chunk_ids"`
	DocumentID     string   `json:"document_id"`
	Stream         bool     `json:"stream"`
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := &fakeBackend{status: "healthy"}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		status := fb.status
		fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	mux.HandleFunc("/chunks/doc1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"chunk_id": "c1", "text": "Abstract of the paper", "page": 1, "bbox_norm": [0.1, 0.1, 0.9, 0.3], "label": "paragraph"},
			{"chunk_id": "c2", "page": 3}
		]`)
	})
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		var body queryBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.queries = append(fb.queries, body)
		fb.mu.Unlock()

		switch {
		case body.Query == "fail":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success": false, "error": "index not ready"}`)
		case body.Stream:
			w.Header().Set("Content-Type", "application/x-ndjson")
			_, _ = io.WriteString(w, "{\"content\": \"This paper\"}\n{\"content\": \" proposes...\"}\n{\"done\": true, \"pages\": [1]}\n")
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"success": true, "answer": "This paper proposes...", "pages": [1, 3]}`)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return fb, srv
}

func (fb *fakeBackend) recorded() []queryBody {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]queryBody(nil), fb.queries...)
}

// syncBuffer is a bytes.Buffer safe for concurrent writes and reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv(config.EnvBackendURL, "")
}

func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	isolateEnv(t)
	out := &syncBuffer{}
	cmd := buildRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestAsk_PrintsAnswerAndPages(t *testing.T) {
	fb, srv := newFakeBackend(t)

	out, err := execute(t, context.Background(), "",
		"ask", "--backend", srv.URL, "--doc", "doc1", "--pin", "c1", "--pin", "c2", "What", "is", "this?")
	if err != nil {
		t.Fatalf("ask error = %v", err)
	}
	if want := "This paper proposes...\nPages: 1, 3\n"; out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}

	queries := fb.recorded()
	if len(queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(queries))
	}
	q := queries[0]
	if q.Query != "What is this?" || q.DocumentID != "doc1" {
		t.Fatalf("query = %+v", q)
	}
	if strings.Join(q.PinnedChunkIDs, ",") != "c1,c2" {
		t.Fatalf("pinned = %v, want [c1 c2]", q.PinnedChunkIDs)
	}
}

func TestAsk_Stream(t *testing.T) {
	fb, srv := newFakeBackend(t)

	out, err := execute(t, context.Background(), "",
		"ask", "--backend", srv.URL, "--doc", "doc1", "--stream", "Summarize")
	if err != nil {
		t.Fatalf("ask error = %v", err)
	}
	if want := "This paper proposes...\nPages: 1\n"; out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}
	if q := fb.recorded(); len(q) != 1 || !q[0].Stream {
		t.Fatalf("expected one streaming query, got %+v", q)
	}
}

func TestAsk_BackendFailure(t *testing.T) {
	_, srv := newFakeBackend(t)

	_, err := execute(t, context.Background(), "",
		"ask", "--backend", srv.URL, "--doc", "doc1", "fail")
	if err == nil || !strings.Contains(err.Error(), "index not ready") {
		t.Fatalf("ask error = %v, want backend message", err)
	}
}

func TestAsk_RequiresDocument(t *testing.T) {
	_, err := execute(t, context.Background(), "", "ask", "question")
	if err == nil {
		t.Fatal("expected error without --doc")
	}
}

func TestChunks_PrintsTable(t *testing.T) {
	_, srv := newFakeBackend(t)

	out, err := execute(t, context.Background(), "",
		"chunks", "--backend", srv.URL, "--doc", "doc1")
	if err != nil {
		t.Fatalf("chunks error = %v", err)
	}
	for _, want := range []string{"ID", "PAGE", "c1", "paragraph", "0.10,0.10,0.90,0.30", "Abstract of the paper", "c2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestHealth(t *testing.T) {
	fb, srv := newFakeBackend(t)

	out, err := execute(t, context.Background(), "", "health", "--backend", srv.URL)
	if err != nil {
		t.Fatalf("health error = %v", err)
	}
	if !strings.Contains(out, "healthy") {
		t.Fatalf("output = %q", out)
	}

	fb.mu.Lock()
	fb.status = "degraded"
	fb.mu.Unlock()
	if _, err := execute(t, context.Background(), "", "health", "--backend", srv.URL); err == nil {
		t.Fatal("expected error for degraded backend")
	}
}

func TestConfigSchema(t *testing.T) {
	out, err := execute(t, context.Background(), "", "config", "schema")
	if err != nil {
		t.Fatalf("config schema error = %v", err)
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"backend", "sync", "query", "logging", "metrics", "tracing"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Fatalf("schema missing property %q", key)
		}
	}
}

func TestConfigShow_MasksHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docchat.yaml")
	data := `backend:
  url: http://backend.test
  headers:
    Authorization: Bearer secret-token
sync:
  interval: 10s
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	out, err := execute(t, context.Background(), "", "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(out, "secret-token") {
		t.Fatalf("header value leaked:\n%s", out)
	}
	for _, want := range []string{"http://backend.test", "Authorization", "10s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestChat_Commands(t *testing.T) {
	fb, srv := newFakeBackend(t)

	input := strings.Join([]string{
		"/pins",
		"/pin c1",
		"What is this?",
		"/pins",
		"/unpin c2",
		"/page 2",
		"/page zero",
		"/chunks",
		"/bogus",
		"/quit",
		"never asked",
	}, "\n") + "\n"

	out, err := execute(t, context.Background(), input,
		"chat", "--backend", srv.URL, "--doc", "doc1", "--interval", "1h")
	if err != nil {
		t.Fatalf("chat error = %v", err)
	}
	for _, want := range []string{
		"Loaded doc1",
		"No pinned chunks.",
		"Pinned c1",
		"This paper proposes...\nPages: 1, 3\n",
		"Pinned: c1",
		"c2 is not pinned",
		"Page 2",
		"usage: /page N",
		"Abstract of the paper",
		"Unknown command /bogus",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	queries := fb.recorded()
	if len(queries) != 1 {
		t.Fatalf("queries = %d, want 1", len(queries))
	}
	if strings.Join(queries[0].PinnedChunkIDs, ",") != "c1" {
		t.Fatalf("pinned = %v, want [c1]", queries[0].PinnedChunkIDs)
	}
}

func TestChat_NoDocument(t *testing.T) {
	_, srv := newFakeBackend(t)

	out, err := execute(t, context.Background(), "hello\n/chunks\n",
		"chat", "--backend", srv.URL)
	if err != nil {
		t.Fatalf("chat error = %v", err)
	}
	if strings.Count(out, "No document loaded.") != 2 {
		t.Fatalf("output = %q", out)
	}
}

func TestWatch_PrintsChunkChanges(t *testing.T) {
	_, srv := newFakeBackend(t)
	isolateEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := buildRootCmd()
	cmd.SetArgs([]string{"watch", "--backend", srv.URL, "--doc", "doc1", "--interval", "1h"})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "doc1: 2 chunks (spatial data: true)") {
		if time.Now().After(deadline) {
			t.Fatalf("no chunk change printed; output = %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
