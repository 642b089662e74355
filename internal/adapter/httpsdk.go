package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// HTTPSDK calls a remote provider's native HTTP API with per-authType
// credential handling and model-prefix remapping.
//
// The adapter performs no retries; retry policy belongs to the layer
// above dispatch so adapter behavior stays deterministic.
type HTTPSDK struct {
	slug   string
	cfg    config.HTTPSDKConfig
	client *http.Client

	apiKey string
	oauth  *tokenSource
}

// NewHTTPSDK constructs the adapter, resolving credential references
// up front. Resolved material lives only in this instance.
func NewHTTPSDK(slug string, cfg config.HTTPSDKConfig, resolver secrets.Resolver) (*HTTPSDK, error) {
	a := &HTTPSDK{
		slug:   slug,
		cfg:    cfg,
		client: &http.Client{},
	}

	switch cfg.AuthType {
	case config.AuthAPIKey:
		key, err := resolver.Resolve(cfg.APIKeyRef)
		if err != nil {
			return nil, core.NewError(core.KindConfigurationInvalid, slug, "resolve api key", err)
		}

		a.apiKey = key

	case config.AuthOAuth:
		id, err := resolver.Resolve(cfg.OAuth.ClientIDRef)
		if err != nil {
			return nil, core.NewError(core.KindConfigurationInvalid, slug, "resolve oauth client id", err)
		}

		secret, err := resolver.Resolve(cfg.OAuth.ClientSecretRef)
		if err != nil {
			return nil, core.NewError(core.KindConfigurationInvalid, slug, "resolve oauth client secret", err)
		}

		a.oauth = newTokenSource(cfg.OAuth.TokenURL, id, secret, cfg.OAuth.Scopes, a.client)

	case config.AuthRole:
		// Ambient credentials resolved per request.
	}

	return a, nil
}

func (a *HTTPSDK) Provider() string {
	return a.slug
}

func (a *HTTPSDK) Variant() config.AdapterType {
	return config.AdapterHTTPSDK
}

// Invoke performs a full completion call against the provider API.
func (a *HTTPSDK) Invoke(ctx context.Context, req *core.Request) (*Raw, error) {
	resp, latency, err := a.send(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := a.readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	return &Raw{
		Variant:    config.AdapterHTTPSDK,
		Body:       body,
		StatusCode: resp.StatusCode,
		Latency:    latency,
	}, nil
}

// InvokeStream performs a streaming call; chunks arrive as SSE data
// payloads until the upstream terminator.
func (a *HTTPSDK) InvokeStream(ctx context.Context, req *core.Request) (<-chan RawChunk, error) {
	resp, _, err := a.send(ctx, req, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		body, readErr := a.readBody(resp)
		resp.Body.Close()

		if readErr != nil {
			return nil, readErr
		}

		return nil, upstreamError(a.slug, resp.StatusCode, body)
	}

	out := make(chan RawChunk, 8)
	go scanSSE(ctx, resp, out)

	return out, nil
}

// HealthCheck sends a minimal completion through the real invoke path
// so the probe exercises auth and routing like production traffic.
func (a *HTTPSDK) HealthCheck(ctx context.Context) error {
	probe := probeRequest(a.remapModel("health"))

	_, err := a.Invoke(ctx, probe)
	if err != nil {
		// A 4xx rejection of the probe model still proves the endpoint
		// and credentials work. 5xx and rate limiting stay unhealthy.
		var se *httpStatusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
			return nil
		}

		return err
	}

	return nil
}

func (a *HTTPSDK) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *HTTPSDK) send(ctx context.Context, req *core.Request, stream bool) (*http.Response, time.Duration, error) {
	remapped := *req
	remapped.NativeModel = a.remapModel(req.NativeModel)

	payload, err := encodeWireRequest(&remapped, stream)
	if err != nil {
		return nil, 0, core.NewError(core.KindUpstream, a.slug, "encode request", err)
	}

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, core.NewError(core.KindUpstream, a.slug, "create request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if err := a.authorize(ctx, httpReq); err != nil {
		return nil, 0, err
	}

	start := time.Now()

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, 0, classifyTransportError(a.slug, ctx, err)
	}

	return resp, time.Since(start), nil
}

func (a *HTTPSDK) authorize(ctx context.Context, req *http.Request) error {
	switch a.cfg.AuthType {
	case config.AuthAPIKey:
		req.Header.Set("Authorization", "Bearer "+a.apiKey)

	case config.AuthOAuth:
		token, err := a.oauth.Token(ctx)
		if err != nil {
			return core.NewError(core.KindUpstream, a.slug, "acquire oauth token", err)
		}

		req.Header.Set("Authorization", "Bearer "+token)

	case config.AuthRole:
		// Ambient credential resolution: role-scoped token from the
		// runtime environment, optionally region-qualified.
		name := "MODELRELAY_ROLE_TOKEN"
		if a.cfg.Region != "" {
			name = fmt.Sprintf("MODELRELAY_ROLE_TOKEN_%s", strings.ToUpper(strings.ReplaceAll(a.cfg.Region, "-", "_")))
		}

		token := os.Getenv(name)
		if token == "" {
			return core.NewError(core.KindConfigurationInvalid, a.slug, "ambient role credential not available", nil)
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	return nil
}

// remapModel applies the configured prefix when entering the provider's
// native model namespace.
func (a *HTTPSDK) remapModel(native string) string {
	if a.cfg.ModelPrefix == "" || strings.HasPrefix(native, a.cfg.ModelPrefix) {
		return native
	}

	return a.cfg.ModelPrefix + native
}

func (a *HTTPSDK) readBody(resp *http.Response) ([]byte, error) {
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

	return body, nil
}

// classifyTransportError maps a transport failure onto the error
// taxonomy, distinguishing deadline expiry and caller cancellation.
func classifyTransportError(slug string, ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return core.NewError(core.KindTimeout, slug, "request deadline exceeded", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return core.NewError(core.KindCancelled, slug, "request cancelled", err)
	default:
		return core.NewError(core.KindUpstream, slug, "request failed", err)
	}
}

// httpStatusError preserves the upstream status code through the error
// chain for callers that need it, like the health probe.
type httpStatusError struct {
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.code)
}

// upstreamError wraps a non-2xx provider response, keeping a bounded
// body excerpt for operator diagnosis.
func upstreamError(slug string, status int, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 512 {
		excerpt = excerpt[:512]
	}

	kind := core.KindUpstream
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		kind = core.KindOverloaded
	}

	return core.NewError(kind, slug, fmt.Sprintf("upstream status %d: %s", status, excerpt), &httpStatusError{code: status})
}
