// Package adapter contains the four provider adapter variants behind a
// single contract: full invocation, streaming invocation and health
// probing. Adapters hand back raw provider output; mapping into the
// canonical schema is the normalizer's job.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
)

// Raw is an adapter's unnormalized full response.
type Raw struct {
	Variant config.AdapterType

	// Body is the raw response payload.
	Body []byte

	// StatusCode is set by HTTP-backed variants, 0 otherwise.
	StatusCode int

	// Latency is the provider-attributed call duration.
	Latency time.Duration
}

// RawChunk is one unnormalized unit of a streaming response. A stream
// is a channel of RawChunks closed by the adapter; Err, when set, is
// the final element.
type RawChunk struct {
	Body []byte

	// Done marks the upstream end-of-stream signal.
	Done bool

	// Err reports a mid-stream failure; the adapter closes the channel
	// after sending it.
	Err error
}

// Adapter is the uniform contract all provider variants implement.
//
// All methods honor context cancellation and deadlines: implementations
// translate them into the appropriate mechanism (process kill, HTTP
// request cancellation) and release their resources within a bounded
// grace period.
type Adapter interface {
	// Provider returns the owning provider's slug.
	Provider() string

	// Variant returns the adapter type.
	Variant() config.AdapterType

	// Invoke performs a full, synchronous completion call.
	Invoke(ctx context.Context, req *core.Request) (*Raw, error)

	// InvokeStream starts a streaming call. The returned channel is
	// closed when the stream ends; cancelling ctx stops the stream and
	// releases the underlying resource.
	InvokeStream(ctx context.Context, req *core.Request) (<-chan RawChunk, error)

	// HealthCheck performs a lightweight probe. It shares the invoke
	// path where the provider cannot distinguish probes from traffic,
	// but is marked as a probe in the gateway's own logs.
	HealthCheck(ctx context.Context) error

	// Close releases long-lived adapter resources.
	Close() error
}

// wireRequest is the OpenAI-compatible chat-completion request shape
// used by the HTTP-backed variants and the spawn-cli stdin payload.
type wireRequest struct {
	Model       string         `json:"model"`
	Messages    []core.Message `json:"messages"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	TopP        float64        `json:"top_p,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
}

// encodeWireRequest serializes a request for the upstream provider.
func encodeWireRequest(req *core.Request, stream bool) ([]byte, error) {
	return json.Marshal(wireRequest{
		Model:       req.NativeModel,
		Messages:    req.Messages,
		Temperature: req.Parameters.Temperature,
		MaxTokens:   req.Parameters.MaxTokens,
		TopP:        req.Parameters.TopP,
		Stop:        req.Parameters.Stop,
		Stream:      stream,
	})
}

// probeRequest is the minimal completion used by health checks that
// exercise the real invoke path.
func probeRequest(native string) *core.Request {
	return &core.Request{
		RequestID:   "probe",
		Model:       native,
		NativeModel: native,
		Messages:    []core.Message{{Role: core.RoleUser, Content: "ping"}},
		Parameters:  core.Parameters{MaxTokens: 1},
	}
}
