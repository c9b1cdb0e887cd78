// Package openai is an [llm.Provider] for the OpenAI chat completions API and
// compatible servers such as vLLM or LM Studio.
//
// Structured output uses json_schema response formats. The SDK's own
// retries are off by default because the summarization queue retries with
// its own backoff and rate limits.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/cashield/pkg/provider/llm"
)

// ErrTruncated is returned when the model stopped at the token limit. A cut
// off JSON summary cannot be parsed, so it is treated as a failure.
var ErrTruncated = errors.New("openai: completion truncated at max tokens")

// DefaultSchemaName names the response schema sent with structured requests.
const DefaultSchemaName = "incident_summary"

type Provider struct {
	client     oai.Client
	model      string
	schemaName string
	strict     bool
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	schemaName string
	strict     bool
}

type Option func(*settings)

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option { return func(s *settings) { s.baseURL = url } }

func WithHTTPClient(hc *http.Client) Option { return func(s *settings) { s.httpClient = hc } }

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option { return func(s *settings) { s.timeout = d } }

// WithSDKRetries lets the SDK retry transient errors itself. Default 0.
func WithSDKRetries(n int) Option { return func(s *settings) { s.retries = n } }

// WithStrictSchema enables strict schema adherence. The schema must then
// list every property as required and forbid additional ones.
func WithStrictSchema(on bool) Option { return func(s *settings) { s.strict = on } }

// WithSchemaName overrides [DefaultSchemaName].
func WithSchemaName(name string) Option { return func(s *settings) { s.schemaName = name } }

func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{schemaName: DefaultSchemaName}
	for _, o := range opts {
		o(&s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(s.retries),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	}
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(s.timeout))
	}
	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		schemaName: s.schemaName,
		strict:     s.strict,
	}, nil
}

func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return nil, ErrTruncated
	}
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("openai: model refused: %s", choice.Message.Refusal)
	}
	if strings.TrimSpace(choice.Message.Content) == "" {
		return nil, errors.New("openai: empty response")
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &llm.CompletionResponse{
		Content: choice.Message.Content,
		Model:   model,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// params maps req onto the SDK request. System text from SystemPrompt and
// system-role messages is sent as one leading system message.
func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var system []string
	if req.SystemPrompt != "" {
		system = append(system, req.SystemPrompt)
	}
	var turns []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleUser:
			turns = append(turns, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			turns = append(turns, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(turns) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no user or assistant messages")
	}

	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if len(system) > 0 {
		msgs = append(msgs, oai.SystemMessage(strings.Join(system, "\n\n")))
	}
	msgs = append(msgs, turns...)

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = oai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(req.MaxTokens))
	}
	if req.JSONSchema != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   p.schemaName,
					Schema: req.JSONSchema,
				},
			},
		}
	}
	if p.strict && params.ResponseFormat.OfJSONSchema != nil {
		params.ResponseFormat.OfJSONSchema.JSONSchema.Strict = oai.Bool(true)
	}
	return params, nil
}
