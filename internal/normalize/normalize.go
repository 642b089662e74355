// Package normalize maps raw adapter output onto the canonical
// chat-completion schema. Full responses and streaming chunks share
// the same shape rules: role, content, finish reason, usage when the
// provider reports it (never fabricated), provider-attributed latency.
package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/adapter"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
)

// wireResponse is the OpenAI-compatible completion response shape the
// HTTP-backed variants produce.
type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// spawnResponse is the structured shape a spawn-cli program may print.
// Plain text output is equally valid and becomes the content verbatim.
type spawnResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Model        string `json:"model"`
	Usage        *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Normalize maps a full raw response into the canonical result.
// Unusable output yields a malformed-response error; the proxy variant
// degrades to best-effort raw passthrough instead, since byte-faithful
// forwarding is its contract.
func Normalize(provider string, raw *adapter.Raw) (*core.Result, error) {
	switch raw.Variant {
	case config.AdapterSpawnCLI:
		return normalizeSpawn(provider, raw), nil
	case config.AdapterProxy:
		return normalizeWire(provider, raw, true)
	default:
		return normalizeWire(provider, raw, false)
	}
}

func normalizeWire(provider string, raw *adapter.Raw, passthrough bool) (*core.Result, error) {
	var wire wireResponse

	if err := json.Unmarshal(raw.Body, &wire); err != nil || len(wire.Choices) == 0 {
		if passthrough {
			return rawResult(provider, raw), nil
		}

		return nil, core.NewError(core.KindMalformedResponse, provider, "unparsable completion response", err)
	}

	if wire.Error != nil {
		return nil, core.NewError(core.KindUpstream, provider, wire.Error.Message, nil)
	}

	choice := wire.Choices[0]

	msg := choice.Message
	if msg == nil {
		msg = choice.Delta
	}

	if msg == nil {
		if passthrough {
			return rawResult(provider, raw), nil
		}

		return nil, core.NewError(core.KindMalformedResponse, provider, "response has no message", nil)
	}

	role := msg.Role
	if role == "" {
		role = core.RoleAssistant
	}

	result := &core.Result{
		ID:           wire.ID,
		Model:        wire.Model,
		Role:         role,
		Content:      msg.Content,
		FinishReason: finishReason(choice.FinishReason),
		Provider:     provider,
		Latency:      raw.Latency,
		Created:      createdAt(wire.Created),
	}

	if wire.Usage != nil {
		result.Usage = core.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
			Known:            true,
		}

		if result.Usage.TotalTokens == 0 {
			result.Usage.TotalTokens = result.Usage.PromptTokens + result.Usage.CompletionTokens
		}
	}

	return result, nil
}

func normalizeSpawn(provider string, raw *adapter.Raw) *core.Result {
	result := &core.Result{
		Role:         core.RoleAssistant,
		FinishReason: core.FinishReasonStop,
		Provider:     provider,
		Latency:      raw.Latency,
		Created:      time.Now().Unix(),
	}

	var structured spawnResponse
	if err := json.Unmarshal(raw.Body, &structured); err == nil && structured.Content != "" {
		result.Content = structured.Content
		result.Model = structured.Model

		if structured.FinishReason != "" {
			result.FinishReason = structured.FinishReason
		}

		if structured.Usage != nil {
			result.Usage = core.Usage{
				PromptTokens:     structured.Usage.PromptTokens,
				CompletionTokens: structured.Usage.CompletionTokens,
				TotalTokens:      structured.Usage.PromptTokens + structured.Usage.CompletionTokens,
				Known:            true,
			}
		}

		return result
	}

	// Plain text: the whole stdout is the content.
	result.Content = strings.TrimSpace(string(raw.Body))

	return result
}

func rawResult(provider string, raw *adapter.Raw) *core.Result {
	return &core.Result{
		Role:         core.RoleAssistant,
		Content:      string(raw.Body),
		FinishReason: core.FinishReasonStop,
		Provider:     provider,
		Latency:      raw.Latency,
		Created:      time.Now().Unix(),
	}
}

// Chunk maps one raw streaming unit into a canonical chunk. Chunks are
// normalized in arrival order and never buffered or reordered.
//
// Malformed payloads become explicit error chunks rather than being
// dropped, so a client stream always terminates with a success-finish
// or an error chunk, never by silent truncation. The proxy variant
// degrades unparsable payloads to raw passthrough instead, matching
// Normalize.
func Chunk(provider string, variant config.AdapterType, rc adapter.RawChunk) *core.Chunk {
	if rc.Err != nil {
		return &core.Chunk{Err: rc.Err}
	}

	if rc.Done {
		return &core.Chunk{FinishReason: core.FinishReasonStop}
	}

	if variant == config.AdapterSpawnCLI {
		return spawnChunk(provider, rc.Body)
	}

	return wireChunk(provider, rc.Body, variant == config.AdapterProxy)
}

func wireChunk(provider string, body []byte, passthrough bool) *core.Chunk {
	var wire wireResponse

	if err := json.Unmarshal(body, &wire); err != nil || len(wire.Choices) == 0 {
		if passthrough {
			return &core.Chunk{Delta: string(body)}
		}

		return &core.Chunk{
			Err: core.NewError(core.KindMalformedResponse, provider, "unparsable stream chunk", err),
		}
	}

	if wire.Error != nil {
		return &core.Chunk{
			Err: core.NewError(core.KindUpstream, provider, wire.Error.Message, nil),
		}
	}

	choice := wire.Choices[0]
	chunk := &core.Chunk{ID: wire.ID, Model: wire.Model}

	// An upstream that ignored the stream flag relays a full completion
	// as one chunk; the content then lives in message, not delta.
	switch {
	case choice.Delta != nil:
		chunk.Delta = choice.Delta.Content
	case choice.Message != nil:
		chunk.Delta = choice.Message.Content
	}

	chunk.FinishReason = finishReason(choice.FinishReason)

	if wire.Usage != nil {
		chunk.Usage = &core.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
			Known:            true,
		}
	}

	return chunk
}

// spawnChunk treats each stdout line as one delta. A line that parses
// as a structured chunk keeps its fields; anything else is raw text.
func spawnChunk(provider string, body []byte) *core.Chunk {
	var structured struct {
		Delta        string `json:"delta"`
		Content      string `json:"content"`
		FinishReason string `json:"finish_reason"`
	}

	if err := json.Unmarshal(body, &structured); err == nil {
		delta := structured.Delta
		if delta == "" {
			delta = structured.Content
		}

		if delta != "" || structured.FinishReason != "" {
			return &core.Chunk{Delta: delta, FinishReason: structured.FinishReason}
		}
	}

	return &core.Chunk{Delta: string(body) + "\n"}
}

func finishReason(reason *string) string {
	if reason == nil || *reason == "" || *reason == "null" {
		return ""
	}

	switch *reason {
	case "stop", "end_turn":
		return core.FinishReasonStop
	case "length", "max_tokens":
		return core.FinishReasonLength
	case "tool_calls", "tool_use", "function_call":
		return core.FinishReasonToolCalls
	case "content_filter":
		return core.FinishReasonContentFilter
	default:
		return core.FinishReasonStop
	}
}

func createdAt(ts int64) int64 {
	if ts > 0 {
		return ts
	}

	return time.Now().Unix()
}
