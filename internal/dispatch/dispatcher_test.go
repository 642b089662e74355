package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/health"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
	"github.com/modelrelay/modelrelay/internal/secrets"
	"github.com/modelrelay/modelrelay/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httpProvider(slug, external, native, baseURL string, enabledAt time.Time) config.Provider {
	return config.Provider{
		Name:      "Provider " + slug,
		Slug:      slug,
		Type:      config.AdapterHTTPSDK,
		Enabled:   true,
		EnabledAt: enabledAt,
		HTTPSDK: &config.HTTPSDKConfig{
			BaseURL:   baseURL,
			AuthType:  config.AuthAPIKey,
			APIKeyRef: "literal-key",
		},
		Models: []config.ModelMapping{{External: external, Native: native}},
	}
}

type fixture struct {
	dispatcher *Dispatcher
	monitor    *health.Monitor
	registry   *registry.Registry
}

func newFixture(t *testing.T, providers ...config.Provider) *fixture {
	t.Helper()

	reg := registry.New(secrets.NewResolver(), testLogger())
	reg.Apply(&config.Config{Providers: providers})
	t.Cleanup(reg.Close)

	mon := health.NewMonitor(reg, store.NewMemory(8), metrics.New(), testLogger(),
		config.HealthConfig{FailureThreshold: 3})
	mon.Sync()

	return &fixture{
		dispatcher: New(reg, mon, metrics.New(), testLogger(), 30*time.Second),
		monitor:    mon,
		registry:   reg,
	}
}

func completionServer(t *testing.T, content string, gotModel *string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Model string `json:"model"`
		}

		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &payload)

		if gotModel != nil {
			*gotModel = payload.Model
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-up1",
			"model": payload.Model,
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		})
	}))
}

func chatRequest(model string) *core.Request {
	return &core.Request{
		Model:    model,
		Messages: []core.Message{{Role: core.RoleUser, Content: "hello there"}},
	}
}

func TestInvoke_Success(t *testing.T) {
	var gotModel string

	srv := completionServer(t, "hi!", &gotModel)
	defer srv.Close()

	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", srv.URL, time.Now()))

	result, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-a"))
	require.NoError(t, err)

	assert.Equal(t, "hi!", result.Content)
	assert.Equal(t, "model-a", result.Model, "clients see the external id, not the native one")
	assert.Equal(t, "alpha-v1", gotModel, "the provider sees the native id")
	assert.True(t, result.Usage.Known)

	// A production success doubles as a health signal.
	assert.Equal(t, core.HealthHealthy, f.monitor.Status("alpha").State)
}

func TestInvoke_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Invoke(context.Background(), chatRequest("ghost-model"))
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestInvoke_AllProvidersUnhealthy(t *testing.T) {
	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", "http://127.0.0.1:1", time.Now()))

	for i := 0; i < 3; i++ {
		f.monitor.ReportFailure("alpha", errors.New("down"))
	}

	require.Equal(t, core.HealthUnhealthy, f.monitor.Status("alpha").State)

	_, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-a"))
	require.Error(t, err)
	assert.Equal(t, core.KindAllProvidersUnhealthy, core.KindOf(err))
}

func TestInvoke_NotFoundBeatsUnhealthyForUnknownModel(t *testing.T) {
	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", "http://127.0.0.1:1", time.Now()))

	for i := 0; i < 3; i++ {
		f.monitor.ReportFailure("alpha", errors.New("down"))
	}

	_, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-b"))
	assert.Equal(t, core.KindNotFound, core.KindOf(err), "unknown model is not_found even when providers are down")
}

func TestInvoke_FailureFeedsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", srv.URL, time.Now()))

	_, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-a"))
	require.Error(t, err)
	assert.Equal(t, core.KindUpstream, core.KindOf(err))

	status := f.monitor.Status("alpha")
	assert.Equal(t, core.HealthDegraded, status.State, "dispatch failures reach the monitor without waiting for a probe")
	assert.Equal(t, 1, status.ConsecutiveFailures)
}

func TestInvoke_FallsBackWhenWinnerUnhealthy(t *testing.T) {
	srv := completionServer(t, "from older", nil)
	defer srv.Close()

	older := httpProvider("older", "shared", "older-v1", srv.URL, time.Now().Add(-time.Hour))
	newer := httpProvider("newer", "shared", "newer-v1", "http://127.0.0.1:1", time.Now())

	f := newFixture(t, older, newer)

	for i := 0; i < 3; i++ {
		f.monitor.ReportFailure("newer", errors.New("down"))
	}

	result, err := f.dispatcher.Invoke(context.Background(), chatRequest("shared"))
	require.NoError(t, err)
	assert.Equal(t, "from older", result.Content)
}

func TestInvoke_AssignsRequestID(t *testing.T) {
	srv := completionServer(t, "ok", nil)
	defer srv.Close()

	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", srv.URL, time.Now()))

	req := chatRequest("model-a")
	_, err := f.dispatcher.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, req.RequestID)
}

func TestInvokeStream_DeliversChunksAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		flusher := w.(http.Flusher)

		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", srv.URL, time.Now()))

	req := chatRequest("model-a")
	req.Stream = true

	chunks, provider, err := f.dispatcher.InvokeStream(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "alpha", provider)

	var (
		text      string
		terminals int
	)

	for chunk := range chunks {
		require.NoError(t, chunk.Err)

		text += chunk.Delta

		if chunk.Terminal() {
			terminals++
		}
	}

	assert.Equal(t, "hello", text)
	assert.Equal(t, 1, terminals, "exactly one terminal chunk")
	assert.Equal(t, core.HealthHealthy, f.monitor.Status("alpha").State)
}

func TestInvokeStream_BudgetBoundsSilentProvider(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		flusher := w.(http.Flusher)
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		flusher.Flush()

		// Accept the request, then go silent.
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newFixture(t, httpProvider("alpha", "model-a", "alpha-v1", srv.URL, time.Now()))
	d := New(f.registry, f.monitor, metrics.New(), testLogger(), 200*time.Millisecond)

	req := chatRequest("model-a")
	req.Stream = true

	chunks, _, err := d.InvokeStream(context.Background(), req)
	require.NoError(t, err)

	var last *core.Chunk

	deadline := time.After(5 * time.Second)

	for open := true; open; {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				open = false
			} else {
				last = chunk
			}
		case <-deadline:
			t.Fatal("stream did not terminate within the request budget")
		}
	}

	require.NotNil(t, last)
	require.Error(t, last.Err)
	assert.Equal(t, core.KindTimeout, core.KindOf(last.Err))
}

func TestInvoke_SlowProviderDoesNotBlockOthers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"slow"},"finish_reason":"stop"}]}`)
	}))
	defer slowSrv.Close()

	fastSrv := completionServer(t, "fast", nil)
	defer fastSrv.Close()

	f := newFixture(t,
		httpProvider("slow", "model-slow", "slow-v1", slowSrv.URL, time.Now()),
		httpProvider("fast", "model-fast", "fast-v1", fastSrv.URL, time.Now()),
	)

	done := make(chan error, 1)

	go func() {
		_, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-slow"))
		done <- err
	}()

	<-entered

	// The slow provider is parked inside its upstream; the fast one
	// completes anyway.
	result, err := f.dispatcher.Invoke(context.Background(), chatRequest("model-fast"))
	require.NoError(t, err)
	assert.Equal(t, "fast", result.Content)

	select {
	case <-done:
		t.Fatal("slow request finished before its upstream replied")
	default:
	}

	close(release)
	require.NoError(t, <-done)
}

func TestInvokeStream_RouteErrors(t *testing.T) {
	f := newFixture(t)

	req := chatRequest("ghost-model")
	req.Stream = true

	_, _, err := f.dispatcher.InvokeStream(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}
