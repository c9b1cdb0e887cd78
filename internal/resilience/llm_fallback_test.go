package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/cashield/pkg/provider/llm"
	llmmock "github.com/MrWong99/cashield/pkg/provider/llm/mock"
)

var errQuota = errors.New("429 quota exceeded")

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		gemini, openai  *llmmock.Provider
		wantContent     string
		wantModel       string
		wantAllFailed   bool
		wantOpenAICalls int
	}{
		{
			name:        "primary answers",
			gemini:      &llmmock.Provider{ModelName: "gemini-2.5-flash-lite", Responses: []string{`{"summary":"a"}`}},
			openai:      &llmmock.Provider{ModelName: "gpt-4o-mini", Responses: []string{`{"summary":"b"}`}},
			wantContent: `{"summary":"a"}`,
			wantModel:   "gemini-2.5-flash-lite",
		},
		{
			name:            "quota error fails over",
			gemini:          &llmmock.Provider{Errs: []error{errQuota}},
			openai:          &llmmock.Provider{ModelName: "gpt-4o-mini", Responses: []string{`{"summary":"b"}`}},
			wantContent:     `{"summary":"b"}`,
			wantModel:       "gpt-4o-mini",
			wantOpenAICalls: 1,
		},
		{
			name:            "both down",
			gemini:          &llmmock.Provider{Errs: []error{errQuota}},
			openai:          &llmmock.Provider{Errs: []error{errDown}},
			wantAllFailed:   true,
			wantOpenAICalls: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fb := NewLLMFallback(tc.gemini, "gemini", FallbackConfig{})
			fb.AddFallback("openai", tc.openai)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if tc.wantAllFailed {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errQuota) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the quota error", err)
				}
			} else {
				if err != nil {
					t.Fatalf("Complete: %v", err)
				}
				if resp.Content != tc.wantContent || resp.Model != tc.wantModel {
					t.Errorf("response = %q from %q, want %q from %q", resp.Content, resp.Model, tc.wantContent, tc.wantModel)
				}
			}
			if n := tc.openai.CallCount(); n != tc.wantOpenAICalls {
				t.Errorf("openai calls = %d, want %d", n, tc.wantOpenAICalls)
			}
		})
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	t.Parallel()

	gemini := &llmmock.Provider{Errs: []error{errQuota}}
	openai := &llmmock.Provider{Responses: []string{"ok"}}
	fb := NewLLMFallback(gemini, "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("openai", openai)

	for range 3 {
		if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	if n := gemini.CallCount(); n != 1 {
		t.Errorf("gemini calls = %d, want 1 before its breaker opened", n)
	}
	if n := openai.CallCount(); n != 3 {
		t.Errorf("openai calls = %d, want 3", n)
	}
}

func TestLLMFallback_ModelIsPrimary(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{ModelName: "gemini-2.5-flash-lite"}, "gemini", FallbackConfig{})
	fb.AddFallback("openai", &llmmock.Provider{ModelName: "gpt-4o-mini"})
	if got := fb.Model(); got != "gemini-2.5-flash-lite" {
		t.Errorf("Model() = %q, want the primary's", got)
	}
}
