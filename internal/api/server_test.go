package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/cashield/internal/alert"
	"github.com/MrWong99/cashield/internal/api"
	"github.com/MrWong99/cashield/internal/incident"
	"github.com/MrWong99/cashield/internal/summarize"
	"github.com/MrWong99/cashield/internal/transcript"
)

const date = "2025-03-14"

var dayLines = []string{
	"[2025-03-14 18:00:00] 店員: [FINAL] [ID:000001] いらっしゃいませ",
	"[2025-03-14 18:00:05] 客: [FINAL] [ID:000002] 土下座しろ [NG: 土下座]",
	"[2025-03-14 18:00:09] 客: [FINAL] [ID:000003] お前は無能か [NG: 無能]",
	"[2025-03-14 18:00:14] 客: [FAST] [ID:000004] もういい",
}

type fixture struct {
	log   *incident.Log
	store *summarize.FileStore
	hub   *api.Hub
	srv   *httptest.Server
}

func newFixture(t *testing.T, checks ...api.Check) *fixture {
	t.Helper()
	dir := t.TempDir()
	log, err := incident.NewLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	store, err := summarize.NewFileStore(filepath.Join(dir, "summaries"))
	if err != nil {
		t.Fatal(err)
	}
	if err := log.Rewrite(date, dayLines); err != nil {
		t.Fatal(err)
	}
	rec := summarize.Record{
		Date: date, AnchorTime: "18:00:05", NGWord: "土下座", Summary: "客が土下座を要求", Severity: 4, Action: "責任者へ交代",
		Meta: summarize.Meta{TriggerIndex: 1, LineLow: 0, LineHigh: 2},
	}
	if err := store.Save(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	hub := api.NewHub()
	s, err := api.New(api.Config{
		Log:            log,
		Store:          store,
		Hub:            hub,
		Checks:         checks,
		MCP:            true,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("# metrics\n")) }),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{log: log, store: store, hub: hub, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// --- health ---

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var body struct{ Status string }
	if code := f.get(t, "/healthz", &body); code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	var healthy atomic.Bool
	f := newFixture(t,
		api.Check{Name: "storage", Check: func(context.Context) error { return nil }},
		api.HealthFunc("capture", healthy.Load, "device not delivering audio"),
	)

	var body struct {
		Status string
		Checks map[string]string
	}
	code := f.get(t, "/readyz", &body)
	if code != http.StatusServiceUnavailable || body.Status != "fail" {
		t.Errorf("readyz = %d %+v", code, body)
	}
	if body.Checks["storage"] != "ok" || !strings.HasPrefix(body.Checks["capture"], "fail: device") {
		t.Errorf("checks = %v", body.Checks)
	}

	healthy.Store(true)
	if code := f.get(t, "/readyz", &body); code != http.StatusOK {
		t.Errorf("readyz after recovery = %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if code := f.get(t, "/metrics", nil); code != http.StatusOK {
		t.Errorf("metrics = %d", code)
	}
}

// --- JSON views ---

func TestLogs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var lines []api.Line
	if code := f.get(t, "/api/logs/"+date, &lines); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(lines) != len(dayLines) {
		t.Fatalf("got %d lines", len(lines))
	}
	l := lines[1]
	if l.Index != 1 || l.Entry.ID != "000002" || l.Entry.Text != "土下座しろ" || l.Entry.Role != transcript.RoleCustomer {
		t.Errorf("line 1 = %+v", l)
	}
	if lines[0].Entry.Role != transcript.RoleClerk {
		t.Errorf("line 0 role = %s", lines[0].Entry.Role)
	}
}

func TestLogs_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	tests := []struct {
		path string
		want int
	}{
		{"/api/logs/2025-03-15", http.StatusNotFound},
		{"/api/logs/yesterday", http.StatusBadRequest},
		{"/api/summaries/03-14-2025", http.StatusBadRequest},
	}
	for _, tt := range tests {
		var body struct{ Error string }
		if code := f.get(t, tt.path, &body); code != tt.want || body.Error == "" {
			t.Errorf("%s = %d %q, want %d", tt.path, code, body.Error, tt.want)
		}
	}
}

func TestSummaries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var recs []summarize.Record
	if code := f.get(t, "/api/summaries/"+date, &recs); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(recs) != 1 || recs[0].NGWord != "土下座" || recs[0].Severity != 4 {
		t.Errorf("records = %+v", recs)
	}

	var empty []summarize.Record
	if code := f.get(t, "/api/summaries/2025-01-01", &empty); code != http.StatusOK || empty == nil || len(empty) != 0 {
		t.Errorf("empty day = %d %v", code, empty)
	}
}

func TestDates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var body map[string][]string
	f.get(t, "/api/dates", &body)
	if len(body["logs"]) != 1 || body["logs"][0] != date || len(body["summaries"]) != 1 {
		t.Errorf("dates = %v", body)
	}
}

// --- live feed ---

func TestHub_BroadcastsToWebsocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(2 * time.Millisecond)
	}

	e := transcript.ParseLine(dayLines[1])
	f.hub.PublishEntry(date, 1, e)
	f.hub.Publish("alert", alert.Event{Kind: alert.KindConfirmed, Date: date, Index: 1, Words: []string{"土下座"}})

	var msg struct {
		Type string
		Data api.EntryData
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "entry" || msg.Data.Index != 1 || msg.Data.Entry.Text != "土下座しろ" {
		t.Errorf("entry message = %+v", msg)
	}

	var raw struct {
		Type string
		Data map[string]any
	}
	if err := wsjson.Read(ctx, conn, &raw); err != nil {
		t.Fatalf("read: %v", err)
	}
	if raw.Type != "alert" {
		t.Errorf("second message type = %q", raw.Type)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	deadline = time.Now().Add(3 * time.Second)
	for f.hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed after close")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHub_PublishWithoutClients(t *testing.T) {
	t.Parallel()

	h := api.NewHub()
	h.Publish("alert", "nobody listens")
	if h.Clients() != 0 {
		t.Error("no clients expected")
	}
}

// --- MCP ---

func mcpSession(t *testing.T, f *fixture) *mcpsdk.ClientSession {
	t.Helper()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "0.0.1"}, nil)
	session, err := client.Connect(context.Background(), &mcpsdk.StreamableClientTransport{Endpoint: f.srv.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, s *mcpsdk.ClientSession, name string, args map[string]any, out any) *mcpsdk.CallToolResult {
	t.Helper()
	res, err := s.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool %s: %v", name, err)
	}
	if out != nil && !res.IsError {
		data, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatal(err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
	}
	return res
}

func TestMCP_ListsTools(t *testing.T) {
	t.Parallel()

	s := mcpSession(t, newFixture(t))
	names := map[string]bool{}
	for tool, err := range s.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatal(err)
		}
		names[tool.Name] = true
	}
	if !names["list_incidents"] || !names["read_transcript"] {
		t.Errorf("tools = %v", names)
	}
}

func TestMCP_ListIncidents(t *testing.T) {
	t.Parallel()

	s := mcpSession(t, newFixture(t))
	var out api.ListIncidentsOutput
	callTool(t, s, "list_incidents", map[string]any{"date": date}, &out)

	if len(out.Incidents) != 1 || out.Incidents[0].TriggerIndex != 1 || out.Incidents[0].Action != "責任者へ交代" {
		t.Errorf("incidents = %+v", out.Incidents)
	}
	if len(out.Pending) != 1 || out.Pending[0].Index != 2 || out.Pending[0].Hits[0] != "無能" {
		t.Errorf("pending = %+v", out.Pending)
	}
}

func TestMCP_ReadTranscript(t *testing.T) {
	t.Parallel()

	s := mcpSession(t, newFixture(t))
	var out api.ReadTranscriptOutput
	callTool(t, s, "read_transcript", map[string]any{"date": date, "from": 1, "to": 2}, &out)

	if out.Total != 4 || len(out.Lines) != 2 {
		t.Fatalf("out = %+v", out)
	}
	if out.Lines[0].Time != "2025-03-14 18:00:05" || out.Lines[1].ID != "000003" {
		t.Errorf("lines = %+v", out.Lines)
	}

	res := callTool(t, s, "read_transcript", map[string]any{"date": "bogus"}, nil)
	if !res.IsError {
		t.Error("invalid date should be a tool error")
	}
}

// --- lifecycle ---

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	log, _ := incident.NewLog(dir)
	store, _ := summarize.NewFileStore(filepath.Join(dir, "summaries"))
	s, err := api.New(api.Config{Log: log, Store: store, MetricsHandler: http.NotFoundHandler()})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never answered: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestNew_RequiresStores(t *testing.T) {
	t.Parallel()

	if _, err := api.New(api.Config{}); err == nil {
		t.Error("expected error")
	}
}
