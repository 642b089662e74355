package core

import "time"

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reason constants for normalized results.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// Message is a single provider-agnostic conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Parameters carries the generation parameters forwarded to adapters.
// Zero values mean "not set" and are omitted from upstream requests.
type Parameters struct {
	Temperature float64  `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// Request is the ephemeral per-call context handed to an adapter.
// It is owned by the dispatcher for the lifetime of one inbound call
// and never persisted.
type Request struct {
	// RequestID correlates logs, metrics and client-visible errors.
	RequestID string

	// Model is the external model id the client asked for.
	Model string

	// NativeModel is the provider-native model id after mapping.
	NativeModel string

	Messages   []Message
	Parameters Parameters

	// Stream indicates the client asked for incremental delivery.
	Stream bool

	// RawBody is the unparsed inbound request body, kept for the proxy
	// adapter's byte-faithful passthrough. Nil for synthetic requests.
	RawBody []byte

	// Headers are the inbound request headers; the proxy adapter
	// forwards the whitelisted subset.
	Headers map[string][]string
}

// Usage tracks token consumption when the provider reports it.
// It is never fabricated; absent counts stay zero and Known is false.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Known            bool `json:"-"`
}

// Result is the canonical full (non-streaming) completion response.
type Result struct {
	ID           string        `json:"id"`
	Model        string        `json:"model"`
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Provider     string        `json:"provider,omitempty"`
	Latency      time.Duration `json:"-"`
	Created      int64         `json:"created"`
}

// Chunk is one incremental unit of a streaming response.
//
// A well-formed stream contains zero or more delta chunks followed by
// exactly one terminal chunk: either FinishReason is set, or Err is set.
type Chunk struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Delta        string `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// Terminal reports whether the chunk ends the stream.
func (c *Chunk) Terminal() bool {
	return c.Err != nil || c.FinishReason != ""
}

// ProbeResult records the outcome of a single health probe or operator
// test request. Recent results are retained in a bounded ring per
// provider; long-term retention belongs to the external log store.
type ProbeResult struct {
	Provider  string        `json:"provider"`
	Success   bool          `json:"success"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
