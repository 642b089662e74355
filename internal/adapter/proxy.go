package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// Proxy forwards requests nearly verbatim to an upstream base URL.
// The inbound client's credentials are stripped and replaced with the
// configured key under the upstream's auth header; beyond that and the
// model remap the body passes through byte-faithful, so unknown
// response shapes still reach the client as best-effort passthrough.
type Proxy struct {
	slug   string
	cfg    config.ProxyConfig
	client *http.Client
	apiKey string
}

// NewProxy constructs the adapter, resolving the upstream key.
func NewProxy(slug string, cfg config.ProxyConfig, resolver secrets.Resolver) (*Proxy, error) {
	key, err := resolver.Resolve(cfg.APIKeyRef)
	if err != nil {
		return nil, core.NewError(core.KindConfigurationInvalid, slug, "resolve api key", err)
	}

	return &Proxy{
		slug:   slug,
		cfg:    cfg,
		client: &http.Client{},
		apiKey: key,
	}, nil
}

func (a *Proxy) Provider() string {
	return a.slug
}

func (a *Proxy) Variant() config.AdapterType {
	return config.AdapterProxy
}

// Invoke forwards the request and returns the upstream body untouched.
func (a *Proxy) Invoke(ctx context.Context, req *core.Request) (*Raw, error) {
	resp, latency, err := a.forward(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, core.NewError(core.KindMalformedResponse, a.slug, "decompress response", err)
	}

	if closer, ok := reader.(io.Closer); ok {
		defer closer.Close()
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, core.NewError(core.KindMalformedResponse, a.slug, "read response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	return &Raw{
		Variant:    config.AdapterProxy,
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}

// InvokeStream forwards the request and relays the upstream stream.
func (a *Proxy) InvokeStream(ctx context.Context, req *core.Request) (<-chan RawChunk, error) {
	resp, _, err := a.forward(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	out := make(chan RawChunk, 8)

	// Some upstreams ignore the stream flag and return a buffered body;
	// relay it as a single chunk instead of misparsing it as SSE.
	if !isStreamingResponse(resp) {
		go func() {
			defer close(out)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				deliver(ctx, out, RawChunk{Err: core.NewError(core.KindMalformedResponse, a.slug, "read response", err)})
				return
			}

			if deliver(ctx, out, RawChunk{Body: body}) {
				deliver(ctx, out, RawChunk{Done: true})
			}
		}()

		return out, nil
	}

	go scanSSE(ctx, resp, out)

	return out, nil
}

// HealthCheck sends a minimal completion through the forward path.
func (a *Proxy) HealthCheck(ctx context.Context) error {
	_, err := a.Invoke(ctx, probeRequest("health"))
	return err
}

func (a *Proxy) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Proxy) forward(ctx context.Context, req *core.Request, stream bool) (*http.Response, time.Duration, error) {
	body, err := a.buildBody(req, stream)
	if err != nil {
		return nil, 0, err
	}

	url := strings.TrimSuffix(a.cfg.ProxyBaseURL, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, core.NewError(core.KindUpstream, a.slug, "create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(a.cfg.APIKeyHeaderName, a.apiKey)

	// Only whitelisted inbound headers forward; everything else,
	// including the client's own credentials, is dropped.
	for _, name := range a.cfg.ForwardHeaders {
		for _, v := range req.Headers[http.CanonicalHeaderKey(name)] {
			httpReq.Header.Add(name, v)
		}
	}

	start := time.Now()

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, 0, classifyTransportError(a.slug, ctx, err)
	}

	return resp, time.Since(start), nil
}

// buildBody keeps the inbound body byte-faithful where possible,
// rewriting only the model id and stream flag.
func (a *Proxy) buildBody(req *core.Request, stream bool) ([]byte, error) {
	if len(req.RawBody) == 0 {
		body, err := encodeWireRequest(req, stream)
		if err != nil {
			return nil, core.NewError(core.KindUpstream, a.slug, "encode request", err)
		}

		return body, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(req.RawBody, &payload); err != nil {
		// Not JSON we understand; forward as-is.
		return req.RawBody, nil
	}

	payload["model"] = req.NativeModel
	payload["stream"] = stream

	body, err := json.Marshal(payload)
	if err != nil {
		return req.RawBody, nil
	}

	return body, nil
}
