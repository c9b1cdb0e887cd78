package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/cashield/internal/window"
	"github.com/MrWong99/cashield/pkg/provider/llm"
)

// ErrMalformedResult is returned when the backend reply is not a JSON object
// with every required field.
var ErrMalformedResult = errors.New("summarize: malformed backend result")

// defaultSeverity is used when the backend returns no usable severity.
const defaultSeverity = 3

// Prompt is the rendered request for one snippet.
type Prompt struct {
	// Text is the full instruction plus conversation log.
	Text string

	// TriggerWord and Turns are the structured inputs Text was rendered from.
	TriggerWord string
	Turns       []window.Turn
}

// Result is the backend's structured answer.
type Result struct {
	NGWord  string        `json:"ng_word"`
	Turns   []window.Turn `json:"turns"`
	Summary string        `json:"summary"`
	// Severity is the backend's own 1..5 estimate.
	Severity int    `json:"severity"`
	Action   string `json:"action"`

	// Model is the model that produced the result, when known.
	Model string `json:"-"`
}

// Backend produces a Result for a prompt. Implementations do not retry;
// the queue does.
type Backend interface {
	Summarize(ctx context.Context, p Prompt) (*Result, error)
}

var promptHeader = []string{
	"あなたはカスタマーハラスメント対策の監視AIです。",
	"与えられた数発話（日本語）のやり取りを読み、次をJSONで出力してください。",
	"1) ng_word（検知トリガ） 2) turns（そのままエコー）",
	"3) summary（簡潔な要約） 4) severity（1=軽微〜5=重大） 5) action（店員への推奨対応）",
	"出力は日本語。誇張せず、事実ベースで。",
}

// BuildPrompt renders snip. The output depends only on snip.
func BuildPrompt(snip window.Snippet) Prompt {
	var b strings.Builder
	for _, l := range promptHeader {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\n[トリガ語候補] %s\n\n", snip.TriggerWord)
	b.WriteString("[会話ログ]")
	for _, t := range snip.Turns {
		b.WriteString("\n- ")
		b.WriteString(t.Role.Label())
		if t.Time != "" {
			b.WriteByte(' ')
			b.WriteString(t.Time)
		}
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return Prompt{Text: b.String(), TriggerWord: snip.TriggerWord, Turns: snip.Turns}
}

// ResultSchema is the JSON Schema the backend is asked to follow.
func ResultSchema() map[string]any {
	str := map[string]any{"type": "string"}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"ng_word": str,
			"turns": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"role": str,
						"text": str,
						"time": map[string]any{"type": []string{"string", "null"}},
					},
					"required": []string{"role", "text"},
				},
			},
			"summary":  str,
			"severity": map[string]any{"type": "integer"},
			"action":   str,
		},
		"required": []string{"ng_word", "turns", "summary", "severity", "action"},
	}
}

// ParseResult decodes a backend reply. Markdown code fences around the JSON
// are tolerated. Severity is clipped to 1..5; a missing or non-numeric
// severity becomes 3.
func ParseResult(content string) (*Result, error) {
	content = stripFence(content)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	for _, k := range []string{"ng_word", "turns", "summary", "severity", "action"} {
		if _, ok := fields[k]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformedResult, k)
		}
	}

	var res Result
	for k, dst := range map[string]any{
		"ng_word": &res.NGWord,
		"turns":   &res.Turns,
		"summary": &res.Summary,
		"action":  &res.Action,
	} {
		if err := json.Unmarshal(fields[k], dst); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedResult, k, err)
		}
	}
	for i := range res.Turns {
		if res.Turns[i].Role == "" {
			res.Turns[i].Role = "customer"
		}
	}
	res.Severity = parseSeverity(fields["severity"])
	return &res, nil
}

func parseSeverity(raw json.RawMessage) int {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return defaultSeverity
	}
	switch s := v.(type) {
	case float64:
		return clampSeverity(int(s))
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return defaultSeverity
		}
		return clampSeverity(n)
	}
	return defaultSeverity
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// LLMBackend summarizes through an llm.Provider using JSON-schema output.
type LLMBackend struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

var _ Backend = (*LLMBackend)(nil)

// NewLLMBackend returns a backend calling p with the given sampling settings.
func NewLLMBackend(p llm.Provider, temperature float64, maxTokens int) *LLMBackend {
	return &LLMBackend{provider: p, temperature: temperature, maxTokens: maxTokens}
}

// Model returns the provider's model name.
func (b *LLMBackend) Model() string { return b.provider.Model() }

// Summarize sends p as a single user message and parses the reply.
func (b *LLMBackend) Summarize(ctx context.Context, p Prompt) (*Result, error) {
	resp, err := b.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: p.Text}},
		Temperature: llm.Float(b.temperature),
		MaxTokens:   b.maxTokens,
		JSONSchema:  ResultSchema(),
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: complete: %w", err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformedResult)
	}
	res, err := ParseResult(resp.Content)
	if err != nil {
		return nil, err
	}
	res.Model = resp.Model
	if res.Model == "" {
		res.Model = b.provider.Model()
	}
	return res, nil
}
