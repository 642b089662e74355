package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httpProvider(slug, external string, enabledAt time.Time) config.Provider {
	return config.Provider{
		Name:      "Provider " + slug,
		Slug:      slug,
		Type:      config.AdapterHTTPSDK,
		Enabled:   true,
		EnabledAt: enabledAt,
		HTTPSDK: &config.HTTPSDKConfig{
			BaseURL:   "https://api.example.com/v1",
			AuthType:  config.AuthAPIKey,
			APIKeyRef: "literal-test-key",
		},
		Models: []config.ModelMapping{{External: external, Native: slug + "-native"}},
	}
}

func TestApply_IndexesEnabledProviders(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	disabled := httpProvider("dormant", "dormant-1", time.Now())
	disabled.Enabled = false

	r.Apply(&config.Config{Providers: []config.Provider{
		httpProvider("alpha", "model-a", time.Now()),
		disabled,
	}})

	_, ok := r.Get("alpha")
	assert.True(t, ok)

	// Disabled providers are registered but not routable.
	_, ok = r.Get("dormant")
	assert.True(t, ok)
	assert.Empty(t, r.Resolve("dormant-1"))

	assert.Equal(t, []string{"model-a"}, r.Models())
}

func TestApply_ConflictWinnerIsMostRecentlyEnabled(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	older := httpProvider("older", "shared-model", time.Now().Add(-time.Hour))
	newer := httpProvider("newer", "shared-model", time.Now())

	// Declaration order must not matter.
	r.Apply(&config.Config{Providers: []config.Provider{older, newer}})

	candidates := r.Resolve("shared-model")
	require.Len(t, candidates, 2)
	assert.Equal(t, "newer", candidates[0].Entry.Provider.Slug)
	assert.Equal(t, "newer-native", candidates[0].Mapping.Native)

	r.Apply(&config.Config{Providers: []config.Provider{newer, older}})

	candidates = r.Resolve("shared-model")
	require.Len(t, candidates, 2)
	assert.Equal(t, "newer", candidates[0].Entry.Provider.Slug)
}

func TestApply_ReusesUnchangedAdapters(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	p := httpProvider("alpha", "model-a", time.Now())

	r.Apply(&config.Config{Providers: []config.Provider{p}})
	first, ok := r.Get("alpha")
	require.True(t, ok)

	r.Apply(&config.Config{Providers: []config.Provider{p}})
	second, ok := r.Get("alpha")
	require.True(t, ok)

	assert.Same(t, first.Adapter, second.Adapter, "unchanged provider should keep its adapter instance")

	// A changed base URL forces a rebuild.
	changed := p
	sdk := *p.HTTPSDK
	sdk.BaseURL = "https://api2.example.com/v1"
	changed.HTTPSDK = &sdk

	r.Apply(&config.Config{Providers: []config.Provider{changed}})
	third, ok := r.Get("alpha")
	require.True(t, ok)

	assert.NotSame(t, first.Adapter, third.Adapter)
}

func TestApply_SkipsInvalidProvider(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	broken := httpProvider("broken", "model-b", time.Now())
	broken.HTTPSDK.BaseURL = "not-a-url"

	r.Apply(&config.Config{Providers: []config.Provider{
		httpProvider("alpha", "model-a", time.Now()),
		broken,
	}})

	_, ok := r.Get("alpha")
	assert.True(t, ok)

	_, ok = r.Get("broken")
	assert.False(t, ok, "invalid providers must be excluded, not partially registered")
}

func TestApply_RemovedProviderDisappears(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	r.Apply(&config.Config{Providers: []config.Provider{
		httpProvider("alpha", "model-a", time.Now()),
		httpProvider("beta", "model-b", time.Now()),
	}})

	r.Apply(&config.Config{Providers: []config.Provider{
		httpProvider("alpha", "model-a", time.Now()),
	}})

	_, ok := r.Get("beta")
	assert.False(t, ok)
	assert.Empty(t, r.Resolve("model-b"))
	assert.Equal(t, []string{"model-a"}, r.Models())
}

func TestRegistry_ConcurrentReadsDuringApply(t *testing.T) {
	r := New(secrets.NewResolver(), testLogger())

	r.Apply(&config.Config{Providers: []config.Provider{
		httpProvider("alpha", "model-a", time.Now()),
	}})

	var wg sync.WaitGroup

	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				// A reader must always observe a complete snapshot.
				for _, c := range r.Resolve("model-a") {
					assert.NotNil(t, c.Entry.Adapter)
				}

				r.Models()
			}
		}()
	}

	for i := 0; i < 50; i++ {
		r.Apply(&config.Config{Providers: []config.Provider{
			httpProvider("alpha", "model-a", time.Now()),
			httpProvider("beta", "model-a", time.Now().Add(time.Duration(i) * time.Second)),
		}})
	}

	close(stop)
	wg.Wait()
}
