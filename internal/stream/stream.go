// Package stream delivers normalized chunks to clients as server-sent
// events. The pipeline owns the terminal guarantee: every stream it
// serves ends with exactly one terminal event, a finish or an error,
// followed by the [DONE] sentinel. Duplicate terminals from upstream
// are dropped and a silently closed channel gets a synthesized error
// so clients never see unmarked truncation.
package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/metrics"
)

const doneSentinel = "[DONE]"

// wireChunk is the OpenAI-compatible streaming event payload.
type wireChunk struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *core.Usage  `json:"usage,omitempty"`
}

type wireChoice struct {
	Index        int       `json:"index"`
	Delta        wireDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type wireDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// wireError is the error event payload. Only the sanitized message and
// the request id reach the client.
type wireError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

// Pipeline writes chunk channels out as SSE responses.
type Pipeline struct {
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPipeline creates the shared SSE writer.
func NewPipeline(m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{metrics: m, logger: logger}
}

// Serve drains chunks into w as SSE events until a terminal chunk or
// client disconnect. Each event is flushed immediately.
func (p *Pipeline) Serve(w http.ResponseWriter, req *core.Request, provider string, chunks <-chan *core.Chunk) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	rc.Flush()

	created := time.Now().Unix()
	terminated := false

	for chunk := range chunks {
		if terminated {
			// The terminal event has been written; anything after it is
			// dropped.
			continue
		}

		if chunk.Err != nil {
			p.writeError(w, rc, req, provider, chunk.Err)
			terminated = true

			continue
		}

		if err := p.writeChunk(w, rc, req, created, chunk); err != nil {
			// Client went away; drain the channel so the producer can
			// observe cancellation and exit.
			p.logger.Debug("Stream client disconnected",
				"request_id", req.RequestID,
				"provider", provider,
				"error", err,
			)

			terminated = true

			continue
		}

		p.metrics.RecordChunk(provider)

		if chunk.FinishReason != "" {
			terminated = true
		}
	}

	if !terminated {
		// Upstream closed without a terminal chunk.
		err := core.NewError(core.KindUpstream, provider, "stream ended without a terminal chunk", nil)

		p.logger.Warn("Stream truncated by upstream",
			"request_id", req.RequestID,
			"provider", provider,
		)

		p.writeError(w, rc, req, provider, err)
	}

	fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
	rc.Flush()
}

func (p *Pipeline) writeChunk(w http.ResponseWriter, rc *http.ResponseController, req *core.Request, created int64, chunk *core.Chunk) error {
	var finish *string
	if chunk.FinishReason != "" {
		finish = &chunk.FinishReason
	}

	event := wireChunk{
		ID:      chunk.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   req.Model,
		Choices: []wireChoice{{
			Delta:        wireDelta{Content: chunk.Delta},
			FinishReason: finish,
		}},
		Usage: chunk.Usage,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}

	return rc.Flush()
}

// writeError emits the sanitized error event. Raw upstream detail stays
// in the logs, keyed by request id.
func (p *Pipeline) writeError(w http.ResponseWriter, rc *http.ResponseController, req *core.Request, provider string, err error) {
	kind := core.KindOf(err)

	var event wireError
	event.Error.Message = core.SanitizedMessage(kind)
	event.Error.Type = string(kind)
	event.Error.RequestID = req.RequestID

	payload, merr := json.Marshal(event)
	if merr != nil {
		return
	}

	fmt.Fprintf(w, "data: %s\n\n", payload)
	rc.Flush()

	p.logger.Error("Stream terminated with error",
		"request_id", req.RequestID,
		"provider", provider,
		"kind", kind,
		"error", err,
	)
}
