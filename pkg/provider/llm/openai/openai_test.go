package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/cashield/pkg/provider/llm"
)

// chatServer answers every chat completion with finish and content, and
// stores the last request body.
func chatServer(t *testing.T, finish, content string, status int) (*httptest.Server, *map[string]any, *atomic.Int32) {
	t.Helper()
	var body map[string]any
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		resp := map[string]any{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini-2024-07-18",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": finish,
				"message": map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &body, &hits
}

var incidentRequest = llm.CompletionRequest{
	SystemPrompt: "顧客対応の記録を要約してください。",
	Messages: []llm.Message{
		{Role: llm.RoleSystem, Content: "JSONのみで答えてください。"},
		{Role: llm.RoleUser, Content: "[10:00:01] 土下座しろ"},
	},
	Temperature: llm.Float(0.2),
	MaxTokens:   800,
	JSONSchema:  map[string]any{"type": "object"},
}

// --- New ---

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct{ key, model string }{
		{"", "gpt-4o-mini"},
		{"sk-test", ""},
	}
	for _, tc := range tests {
		if _, err := New(tc.key, tc.model); err == nil {
			t.Errorf("New(%q, %q) error = nil, want error", tc.key, tc.model)
		}
	}
}

// --- Complete ---

func TestComplete(t *testing.T) {
	t.Parallel()

	srv, body, _ := chatServer(t, "stop", `{"summary":"土下座の強要"}`, http.StatusOK)
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	resp, err := p.Complete(context.Background(), incidentRequest)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"summary":"土下座の強要"}` {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" || resp.Usage.TotalTokens != 160 {
		t.Errorf("response meta = %+v, want served model and 160 tokens", resp)
	}

	msgs, _ := (*body)["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want one merged system message and one user message", msgs)
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "顧客対応の記録を要約してください。\n\nJSONのみで答えてください。" {
		t.Errorf("system message = %v", first)
	}
	format, _ := (*body)["response_format"].(map[string]any)
	schema, _ := format["json_schema"].(map[string]any)
	if format["type"] != "json_schema" || schema["name"] != DefaultSchemaName {
		t.Errorf("response_format = %v, want json_schema named %s", format, DefaultSchemaName)
	}
	if _, strict := schema["strict"]; strict {
		t.Errorf("strict sent without WithStrictSchema: %v", schema)
	}
	if (*body)["max_completion_tokens"] != float64(800) {
		t.Errorf("max_completion_tokens = %v, want 800", (*body)["max_completion_tokens"])
	}
}

func TestComplete_StrictSchema(t *testing.T) {
	t.Parallel()

	srv, body, _ := chatServer(t, "stop", `{}`, http.StatusOK)
	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL), WithStrictSchema(true), WithSchemaName("report"))
	if _, err := p.Complete(context.Background(), incidentRequest); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	format, _ := (*body)["response_format"].(map[string]any)
	schema, _ := format["json_schema"].(map[string]any)
	if schema["strict"] != true || schema["name"] != "report" {
		t.Errorf("json_schema = %v, want strict report", schema)
	}
}

func TestComplete_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		finish   string
		content  string
		status   int
		wantErr  error
		wantHits int32
	}{
		{name: "truncated", finish: "length", content: `{"summ`, status: http.StatusOK, wantErr: ErrTruncated, wantHits: 1},
		{name: "empty", finish: "stop", content: "  ", status: http.StatusOK, wantHits: 1},
		{name: "server error is not retried", status: http.StatusServiceUnavailable, wantHits: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv, _, hits := chatServer(t, tc.finish, tc.content, tc.status)
			p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))

			_, err := p.Complete(context.Background(), incidentRequest)
			if err == nil {
				t.Fatal("Complete() error = nil, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
			if got := hits.Load(); got != tc.wantHits {
				t.Errorf("server hit %d times, want %d", got, tc.wantHits)
			}
		})
	}
}

func TestParams_RejectsBadMessages(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "gpt-4o-mini")
	tests := []struct {
		name string
		msgs []llm.Message
	}{
		{name: "unknown role", msgs: []llm.Message{{Role: "tool", Content: "x"}}},
		{name: "only system", msgs: []llm.Message{{Role: llm.RoleSystem, Content: "x"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.params(llm.CompletionRequest{Messages: tc.msgs}); err == nil {
				t.Error("params() error = nil, want error")
			}
		})
	}
}
