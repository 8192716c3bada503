package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/choraleia/chatcore/pkg/config"
	"github.com/choraleia/chatcore/pkg/event"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/choraleia/chatcore/pkg/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const testConfig = `log:
  level: error
gateway:
  simulation_delay_min: 1ms
  simulation_delay_max: 1ms
database:
  path: ":memory:"
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATCORE_CONFIG", path)
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCMD()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute(%v) error = %v", args, err)
	}
	return out.String()
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	t.Setenv("CHATCORE_CONFIG", path)

	out := execute(t, "config", "init")
	if strings.TrimSpace(out) != path {
		t.Fatalf("output = %q, want %q", out, path)
	}
	cfg, _, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	if len(cfg.Providers) == 0 {
		t.Fatalf("default config has no providers")
	}
}

func TestAskCommandSimulates(t *testing.T) {
	writeTestConfig(t)

	out := strings.TrimSpace(execute(t, "ask", "what", "is", "up?"))
	for _, canned := range gateway.CannedResponses {
		if out == canned {
			return
		}
	}
	t.Fatalf("output %q is not a canned response", out)
}

func TestIngestCommand(t *testing.T) {
	writeTestConfig(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	os.WriteFile(file, []byte(strings.Repeat("Cats are mammals that purr. ", 20)), 0o600)

	out := execute(t, "ingest", file, "--index", filepath.Join(dir, "index"), "--chunk-size", "100", "--chunk-overlap", "20")
	if !strings.HasPrefix(out, "notes: ") || !strings.Contains(out, "fragments indexed") {
		t.Fatalf("output = %q", out)
	}

	// Ingesting again replaces the earlier fragments.
	again := execute(t, "ingest", file, "--index", filepath.Join(dir, "index"), "--chunk-size", "100", "--chunk-overlap", "20")
	if strings.Contains(again, " 0 replaced") {
		t.Fatalf("second ingest replaced nothing: %q", again)
	}
}

func TestQuotaCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := strings.Replace(testConfig, `":memory:"`, filepath.Join(dir, "chatcore.db"), 1)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATCORE_CONFIG", path)

	if out := execute(t, "quota", "set", "alice", "500"); !strings.Contains(out, "limit set to 500") {
		t.Fatalf("set output = %q", out)
	}
	if out := execute(t, "quota", "show", "alice"); strings.TrimSpace(out) != "alice: 0 of 500 tokens used, 500 remaining" {
		t.Fatalf("show output = %q", out)
	}

	cmd := rootCMD()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"quota", "set", "alice", "lots"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("quota set with a non-numeric limit succeeded")
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	writeTestConfig(t)
	cfg, _, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	app, err := NewApp(context.Background(), cfg, utils.GetLogger())
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func TestServerRoutes(t *testing.T) {
	server := NewServer(newTestApp(t))

	tests := []struct {
		name   string
		method string
		path   string
		status int
		body   string
	}{
		{name: "health", method: http.MethodGet, path: "/healthz", status: http.StatusOK, body: `"ok"`},
		{name: "status", method: http.MethodGet, path: "/api/v1/gateway/status", status: http.StatusOK, body: `"simulation":true`},
		{name: "ping unknown", method: http.MethodPost, path: "/api/v1/gateway/ping/nope", status: http.StatusNotFound},
		{name: "quota", method: http.MethodGet, path: "/api/v1/quota", status: http.StatusOK, body: `"limit":10000`},
		{name: "documents", method: http.MethodGet, path: "/api/v1/documents", status: http.StatusOK, body: `"total":0`},
		{name: "summary without text", method: http.MethodPost, path: "/api/v1/generate/summary", status: http.StatusBadRequest},
		{name: "metrics", method: http.MethodGet, path: "/metrics", status: http.StatusOK, body: "chatcore_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.ginEngine.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.body != "" && !strings.Contains(w.Body.String(), tt.body) {
				t.Fatalf("body = %s, want %s", w.Body, tt.body)
			}
		})
	}
}

func TestServerRejectsForeignOrigin(t *testing.T) {
	server := NewServer(newTestApp(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	server.ginEngine.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestSystemEventsAreScopedToUser(t *testing.T) {
	app := newTestApp(t)
	server := NewServer(app)
	srv := httptest.NewServer(server.ginEngine)
	defer srv.Close()

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?events=conversation.deleted"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	// The subscription is registered after the upgrade completes.
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	bobs, _ := app.conversations.Create(ctx, "bob", "")
	alices, _ := app.conversations.Create(ctx, "alice", "")
	app.conversations.Delete(ctx, bobs.ID, "bob")
	app.conversations.Delete(ctx, alices.ID, "alice")

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg event.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	data, _ := json.Marshal(msg.Data)
	if msg.Event != event.ConversationDeleted || msg.Data["conversation_id"] != alices.ID {
		t.Fatalf("first event = %s %s, want alice's deletion", msg.Event, data)
	}
}

func TestDocumentEventsAreScopedToUser(t *testing.T) {
	app := newTestApp(t)
	server := NewServer(app)
	srv := httptest.NewServer(server.ginEngine)
	defer srv.Close()

	header := http.Header{}
	header.Set("X-User-ID", "alice")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws?events=document.indexed"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	time.Sleep(50 * time.Millisecond)

	ctx := context.Background()
	if _, err := app.documents.Ingest(ctx, service.IngestRequest{DocumentID: "bobs", UserID: "bob", Text: "bob's notes"}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if _, err := app.documents.Ingest(ctx, service.IngestRequest{DocumentID: "alices", UserID: "alice", Text: "alice's notes"}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg event.WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if msg.Event != event.DocumentIndexed || msg.Data["document_id"] != "alices" {
		t.Fatalf("first event = %s %v, want alice's document", msg.Event, msg.Data)
	}
}
