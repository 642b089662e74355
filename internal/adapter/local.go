package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
)

// Local calls a co-located inference endpoint with a hard cap on
// concurrent in-flight calls. Callers beyond the cap wait for a slot
// for a short bound, then fail fast with an overloaded error rather
// than queueing indefinitely.
type Local struct {
	slug   string
	cfg    config.LocalConfig
	client *http.Client
	slots  chan struct{}
}

// NewLocal constructs the adapter with its concurrency semaphore.
func NewLocal(slug string, cfg config.LocalConfig) *Local {
	return &Local{
		slug:   slug,
		cfg:    cfg,
		client: &http.Client{},
		slots:  make(chan struct{}, cfg.MaxConcurrentRequests),
	}
}

func (a *Local) Provider() string {
	return a.slug
}

func (a *Local) Variant() config.AdapterType {
	return config.AdapterLocal
}

// Invoke performs a full call once a concurrency slot is held.
func (a *Local) Invoke(ctx context.Context, req *core.Request) (*Raw, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, latency, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewError(core.KindMalformedResponse, a.slug, "read response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	return &Raw{
		Variant:    config.AdapterLocal,
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}

// InvokeStream holds the slot for the stream's whole lifetime.
func (a *Local) InvokeStream(ctx context.Context, req *core.Request) (<-chan RawChunk, error) {
	release, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, _, err := a.send(ctx, req, true)
	if err != nil {
		release()
		return nil, err
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		release()

		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	out := make(chan RawChunk, 8)
	relay := make(chan RawChunk, 8)

	go scanSSE(ctx, resp, relay)

	go func() {
		defer close(out)
		defer release()

		for chunk := range relay {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// HealthCheck probes the endpoint through the real invoke path.
func (a *Local) HealthCheck(ctx context.Context) error {
	_, err := a.Invoke(ctx, probeRequest("health"))
	return err
}

func (a *Local) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// acquire takes a concurrency slot, waiting at most the configured
// queue bound.
func (a *Local) acquire(ctx context.Context) (func(), error) {
	select {
	case a.slots <- struct{}{}:
		return func() { <-a.slots }, nil
	default:
	}

	timer := time.NewTimer(a.cfg.QueueWait())
	defer timer.Stop()

	select {
	case a.slots <- struct{}{}:
		return func() { <-a.slots }, nil
	case <-timer.C:
		return nil, core.NewError(core.KindOverloaded, a.slug, "concurrency limit reached", nil)
	case <-ctx.Done():
		return nil, classifyTransportError(a.slug, ctx, ctx.Err())
	}
}

func (a *Local) send(ctx context.Context, req *core.Request, stream bool) (*http.Response, time.Duration, error) {
	payload, err := encodeWireRequest(req, stream)
	if err != nil {
		return nil, 0, core.NewError(core.KindUpstream, a.slug, "encode request", err)
	}

	url := strings.TrimSuffix(a.cfg.Endpoint, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, core.NewError(core.KindUpstream, a.slug, "create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, 0, classifyTransportError(a.slug, ctx, err)
	}

	return resp, time.Since(start), nil
}
