// Package dispatch routes inbound completion requests to a provider
// adapter and feeds the outcome back into the health monitor. It owns
// provider selection, deadline budgeting and normalization; transport
// concerns stay in the server package.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"

	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/normalize"
	"github.com/modelrelay/modelrelay/internal/registry"
)

// deadlineMargin is reserved from the request budget so the gateway can
// still write a well-formed error response after an adapter timeout.
const deadlineMargin = 2 * time.Second

// Dispatcher selects a provider for each request and invokes it.
type Dispatcher struct {
	registry *registry.Registry
	health   *health.Monitor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	encoder  *tiktoken.Tiktoken
}

// New creates a dispatcher. timeout is the per-request budget applied
// when the inbound context carries no deadline of its own.
func New(reg *registry.Registry, mon *health.Monitor, m *metrics.Metrics, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	// Token counts are log-only estimates; a missing encoding just
	// disables them.
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("Token encoding unavailable, input token estimates disabled", "error", err)
		encoder = nil
	}

	return &Dispatcher{
		registry: reg,
		health:   mon,
		metrics:  m,
		logger:   logger,
		timeout:  timeout,
		encoder:  encoder,
	}
}

// Invoke routes a full completion request to the selected provider and
// returns the normalized result.
func (d *Dispatcher) Invoke(ctx context.Context, req *core.Request) (*core.Result, error) {
	candidate, err := d.route(req)
	if err != nil {
		d.metrics.RecordError("", core.KindOf(err))
		return nil, err
	}

	provider := candidate.Entry.Provider.Slug

	ctx, cancel := d.budget(ctx)
	defer cancel()

	start := time.Now()

	raw, err := candidate.Entry.Adapter.Invoke(ctx, req)
	if err != nil {
		return nil, d.finishError(req, provider, err)
	}

	result, err := normalize.Normalize(provider, raw)
	if err != nil {
		return nil, d.finishError(req, provider, err)
	}

	result.Model = req.Model
	if result.ID == "" {
		result.ID = "chatcmpl-" + req.RequestID
	}

	d.health.ReportSuccess(provider)
	d.metrics.RecordRequest(provider, req.Model, raw.Latency)

	d.logger.Info("Request completed",
		"request_id", req.RequestID,
		"provider", provider,
		"model", req.Model,
		"native_model", req.NativeModel,
		"latency", time.Since(start),
		"input_tokens", d.inputTokens(req),
		"finish_reason", result.FinishReason,
	)

	return result, nil
}

// InvokeStream routes a streaming request and returns the normalized
// chunk channel. The channel carries zero or more delta chunks and is
// closed after the adapter's stream ends; terminal-chunk enforcement
// happens in the stream pipeline. The request budget bounds the whole
// stream, so a provider that accepts the request and then goes silent
// still terminates with a timeout chunk.
func (d *Dispatcher) InvokeStream(ctx context.Context, req *core.Request) (<-chan *core.Chunk, string, error) {
	candidate, err := d.route(req)
	if err != nil {
		d.metrics.RecordError("", core.KindOf(err))
		return nil, "", err
	}

	provider := candidate.Entry.Provider.Slug
	variant := candidate.Entry.Provider.Type

	streamCtx, cancel := d.budget(ctx)

	raw, err := candidate.Entry.Adapter.InvokeStream(streamCtx, req)
	if err != nil {
		cancel()
		return nil, provider, d.finishError(req, provider, err)
	}

	start := time.Now()
	out := make(chan *core.Chunk)

	go func() {
		defer cancel()
		defer close(out)

		failed := false

		for rc := range raw {
			chunk := normalize.Chunk(provider, variant, rc)

			if chunk.Err != nil {
				failed = true
				d.recordFailure(req, provider, chunk.Err)
			}

			if chunk.ID == "" {
				chunk.ID = "chatcmpl-" + req.RequestID
			}

			chunk.Model = req.Model

			// Escape on the caller context, not the budget: a budget
			// expiry must still deliver the final timeout chunk to a
			// client that is still reading.
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}

			if chunk.Terminal() {
				break
			}
		}

		if !failed {
			d.health.ReportSuccess(provider)
			d.metrics.RecordRequest(provider, req.Model, time.Since(start))

			d.logger.Info("Stream completed",
				"request_id", req.RequestID,
				"provider", provider,
				"model", req.Model,
				"latency", time.Since(start),
				"input_tokens", d.inputTokens(req),
			)
		}
	}()

	return out, provider, nil
}

// route resolves the external model id to a single routable provider.
func (d *Dispatcher) route(req *core.Request) (*registry.Candidate, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	candidates := d.registry.Resolve(req.Model)
	if len(candidates) == 0 {
		return nil, core.NewError(core.KindNotFound, "", "no provider maps model "+req.Model, nil)
	}

	for i := range candidates {
		c := &candidates[i]
		slug := c.Entry.Provider.Slug

		status := d.health.Status(slug)
		if !status.State.Routable() {
			d.logger.Debug("Provider excluded from routing",
				"request_id", req.RequestID,
				"provider", slug,
				"state", status.State,
			)

			continue
		}

		req.NativeModel = c.Mapping.Native

		if i > 0 {
			d.logger.Info("Conflict winner unavailable, using fallback candidate",
				"request_id", req.RequestID,
				"model", req.Model,
				"provider", slug,
			)
		}

		return c, nil
	}

	return nil, core.NewError(core.KindAllProvidersUnhealthy, "",
		"all providers for model "+req.Model+" are excluded from routing", nil)
}

// budget derives the adapter context. The margin keeps enough of the
// inbound budget to report the timeout instead of racing the client.
func (d *Dispatcher) budget(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := d.timeout

	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining-deadlineMargin > 0 {
			remaining -= deadlineMargin
		}

		if remaining < timeout {
			timeout = remaining
		}
	}

	return context.WithTimeout(ctx, timeout)
}

// finishError records metrics and the health signal for a failed call
// and returns the error unchanged.
func (d *Dispatcher) finishError(req *core.Request, provider string, err error) error {
	d.recordFailure(req, provider, err)
	return err
}

func (d *Dispatcher) recordFailure(req *core.Request, provider string, err error) {
	kind := core.KindOf(err)

	d.metrics.RecordError(provider, kind)

	// Client cancellations say nothing about provider availability.
	if kind != core.KindCancelled {
		d.health.ReportFailure(provider, err)
	}

	d.logger.Error("Request failed",
		"request_id", req.RequestID,
		"provider", provider,
		"model", req.Model,
		"kind", kind,
		"retryable", core.Retryable(kind),
		"error", err,
	)
}

// inputTokens estimates the prompt token count for logging. Estimates
// use a fixed encoding, not the provider's own tokenizer.
func (d *Dispatcher) inputTokens(req *core.Request) int {
	if d.encoder == nil {
		return -1
	}

	total := 0
	for _, m := range req.Messages {
		total += len(d.encoder.Encode(m.Content, nil, nil))
	}

	return total
}
