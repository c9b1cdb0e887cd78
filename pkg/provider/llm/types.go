package llm

// Role values for [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction injected before
	// Messages.
	SystemPrompt string

	// Temperature controls output randomness. Nil uses the provider default.
	Temperature *float64

	// MaxTokens caps the number of completion tokens. Zero means provider
	// default.
	MaxTokens int

	// JSONSchema, when non-nil, asks the backend to return a JSON object
	// conforming to this JSON Schema. Backends without schema support fall
	// back to plain JSON mode or prompt instructions.
	JSONSchema map[string]any
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Model is the model that served the request, as reported by the backend
	// when available.
	Model string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Float returns a pointer to v, for populating optional request fields.
func Float(v float64) *float64 { return &v }
