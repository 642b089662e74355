package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpawnProvider() Provider {
	return Provider{
		Name:    "Echo CLI",
		Slug:    "echo-cli",
		Type:    AdapterSpawnCLI,
		Enabled: true,
		SpawnCLI: &SpawnCLIConfig{
			Command:      "/usr/local/bin/echo-llm",
			SandboxImage: "modelrelay/sandbox:latest",
		},
		Models: []ModelMapping{{External: "echo-1", Native: "echo"}},
	}
}

func validHTTPProvider(slug string) Provider {
	return Provider{
		Name:    "Remote API",
		Slug:    slug,
		Type:    AdapterHTTPSDK,
		Enabled: true,
		HTTPSDK: &HTTPSDKConfig{
			BaseURL:   "https://api.example.com/v1",
			AuthType:  AuthAPIKey,
			APIKeyRef: "env:EXAMPLE_KEY",
		},
		Models: []ModelMapping{{External: "remote-1", Native: "remote-v1"}},
	}
}

func TestProviderValidate_SpawnCLI(t *testing.T) {
	p := validSpawnProvider()
	require.NoError(t, p.Validate())

	t.Run("missing command", func(t *testing.T) {
		p := validSpawnProvider()
		p.SpawnCLI.Command = ""
		assert.ErrorContains(t, p.Validate(), "command is required")
	})

	t.Run("invalid input mode", func(t *testing.T) {
		p := validSpawnProvider()
		p.SpawnCLI.InputMode = "pipe"
		assert.ErrorContains(t, p.Validate(), "input_mode")
	})

	t.Run("sandbox on requires image", func(t *testing.T) {
		p := validSpawnProvider()
		p.SpawnCLI.SandboxImage = ""
		assert.ErrorContains(t, p.Validate(), "sandbox_image")
	})

	t.Run("sandbox off allows missing image", func(t *testing.T) {
		p := validSpawnProvider()
		off := false
		p.SpawnCLI.Sandbox = &off
		p.SpawnCLI.SandboxImage = ""
		assert.NoError(t, p.Validate())
	})
}

func TestProviderValidate_HTTPSDK(t *testing.T) {
	p := validHTTPProvider("remote")
	require.NoError(t, p.Validate())

	t.Run("relative base url", func(t *testing.T) {
		p := validHTTPProvider("remote")
		p.HTTPSDK.BaseURL = "/v1"
		assert.ErrorContains(t, p.Validate(), "absolute URL")
	})

	t.Run("api-key auth needs key ref", func(t *testing.T) {
		p := validHTTPProvider("remote")
		p.HTTPSDK.APIKeyRef = ""
		assert.ErrorContains(t, p.Validate(), "api_key_ref")
	})

	t.Run("oauth auth needs oauth block", func(t *testing.T) {
		p := validHTTPProvider("remote")
		p.HTTPSDK.AuthType = AuthOAuth
		assert.ErrorContains(t, p.Validate(), "oauth")
	})

	t.Run("role auth needs no refs", func(t *testing.T) {
		p := validHTTPProvider("remote")
		p.HTTPSDK.AuthType = AuthRole
		p.HTTPSDK.APIKeyRef = ""
		assert.NoError(t, p.Validate())
	})
}

func TestProviderValidate_TaggedUnion(t *testing.T) {
	t.Run("no variant payload", func(t *testing.T) {
		p := validSpawnProvider()
		p.SpawnCLI = nil
		assert.ErrorContains(t, p.Validate(), "missing spawn-cli configuration")
	})

	t.Run("two variant payloads", func(t *testing.T) {
		p := validSpawnProvider()
		p.Local = &LocalConfig{Endpoint: "http://127.0.0.1:8080", Protocol: "http", MaxConcurrentRequests: 1}
		assert.ErrorContains(t, p.Validate(), "multiple adapter configurations")
	})

	t.Run("payload does not match type", func(t *testing.T) {
		p := validSpawnProvider()
		p.Type = AdapterHTTPSDK
		assert.ErrorContains(t, p.Validate(), `type is "http-sdk"`)
	})
}

func TestProviderValidate_Proxy(t *testing.T) {
	p := Provider{
		Name:    "Corp Proxy",
		Slug:    "corp-proxy",
		Type:    AdapterProxy,
		Enabled: true,
		Proxy: &ProxyConfig{
			ProxyBaseURL:     "https://llm-proxy.corp.example.com/v1",
			APIKeyHeaderName: "X-Proxy-Key",
			APIKeyRef:        "env:PROXY_KEY",
		},
		Models: []ModelMapping{{External: "proxy-1", Native: "gpt-4o"}},
	}
	require.NoError(t, p.Validate())

	p.Proxy.APIKeyHeaderName = ""
	assert.ErrorContains(t, p.Validate(), "api_key_header_name")
}

func TestProviderValidate_Local(t *testing.T) {
	p := Provider{
		Name:    "Llama Box",
		Slug:    "llama-box",
		Type:    AdapterLocal,
		Enabled: true,
		Local: &LocalConfig{
			Endpoint:              "http://127.0.0.1:11434/v1",
			Protocol:              "http",
			MaxConcurrentRequests: 2,
		},
		Models: []ModelMapping{{External: "llama-local", Native: "llama3:8b"}},
	}
	require.NoError(t, p.Validate())

	t.Run("grpc protocol rejected", func(t *testing.T) {
		p := p
		local := *p.Local
		local.Protocol = "grpc"
		p.Local = &local
		assert.ErrorContains(t, p.Validate(), "unsupported local protocol")
	})

	t.Run("zero concurrency rejected", func(t *testing.T) {
		p := p
		local := *p.Local
		local.MaxConcurrentRequests = 0
		p.Local = &local
		assert.ErrorContains(t, p.Validate(), "max_concurrent_requests")
	})
}

func TestProviderValidate_Slug(t *testing.T) {
	for _, slug := range []string{"UPPER", "has space", "trailing-", "-leading", "double--dash", ""} {
		p := validHTTPProvider("placeholder")
		p.Slug = slug
		assert.Error(t, p.Validate(), "slug %q should be rejected", slug)
	}

	for _, slug := range []string{"a", "abc", "my-provider-2"} {
		p := validHTTPProvider(slug)
		assert.NoError(t, p.Validate(), "slug %q should be accepted", slug)
	}
}

func TestConfigValidate_DuplicateSlug(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{validHTTPProvider("same"), validHTTPProvider("same")},
	}

	assert.ErrorContains(t, cfg.Validate(), "duplicate provider slug")
}

func TestConfigValidate_Port(t *testing.T) {
	cfg := &Config{Port: 70000}
	assert.ErrorContains(t, cfg.Validate(), "invalid port")
}

func TestSpawnCLIConfig_Defaults(t *testing.T) {
	s := &SpawnCLIConfig{}

	assert.True(t, s.Sandboxed(), "sandbox should default to on")
	assert.Equal(t, 60*time.Second, s.Timeout())

	off := false
	s.Sandbox = &off
	assert.False(t, s.Sandboxed())
}
