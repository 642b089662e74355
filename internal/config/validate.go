package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Validate checks the whole configuration. Provider-level failures are
// reported with the provider slug so operators can locate them.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	seen := make(map[string]int, len(c.Providers))

	for i := range c.Providers {
		p := &c.Providers[i]

		if err := p.Validate(); err != nil {
			return err
		}

		if prev, dup := seen[p.Slug]; dup {
			return fmt.Errorf("duplicate provider slug %q (providers %d and %d)", p.Slug, prev, i)
		}

		seen[p.Slug] = i
	}

	return nil
}

// Validate checks one provider record against its variant schema.
// A provider that fails here is never eligible for dispatch.
func (p *Provider) Validate() error {
	if p.Slug == "" {
		return fmt.Errorf("provider %q: slug is required", p.Name)
	}

	if !slugPattern.MatchString(p.Slug) {
		return fmt.Errorf("provider %q: slug must be lowercase alphanumeric with hyphens", p.Slug)
	}

	if p.Name == "" {
		return fmt.Errorf("provider %q: name is required", p.Slug)
	}

	if len(p.Models) == 0 {
		return fmt.Errorf("provider %q: at least one model mapping is required", p.Slug)
	}

	for i, m := range p.Models {
		if m.External == "" || m.Native == "" {
			return fmt.Errorf("provider %q: model mapping %d needs both external and native ids", p.Slug, i)
		}
	}

	if err := p.validateVariant(); err != nil {
		return err
	}

	return nil
}

// validateVariant enforces the tagged union: exactly one payload, and
// it must be the one named by Type. This is what stops an http-sdk
// provider from silently accepting spawn-cli fields.
func (p *Provider) validateVariant() error {
	var set []string

	if p.SpawnCLI != nil {
		set = append(set, string(AdapterSpawnCLI))
	}

	if p.HTTPSDK != nil {
		set = append(set, string(AdapterHTTPSDK))
	}

	if p.Proxy != nil {
		set = append(set, string(AdapterProxy))
	}

	if p.Local != nil {
		set = append(set, string(AdapterLocal))
	}

	if len(set) == 0 {
		return fmt.Errorf("provider %q: missing %s configuration", p.Slug, p.Type)
	}

	if len(set) > 1 {
		return fmt.Errorf("provider %q: multiple adapter configurations present (%s)", p.Slug, strings.Join(set, ", "))
	}

	if set[0] != string(p.Type) {
		return fmt.Errorf("provider %q: type is %q but configuration is for %q", p.Slug, p.Type, set[0])
	}

	switch p.Type {
	case AdapterSpawnCLI:
		return p.validateSpawnCLI()
	case AdapterHTTPSDK:
		return p.validateHTTPSDK()
	case AdapterProxy:
		return p.validateProxy()
	case AdapterLocal:
		return p.validateLocal()
	default:
		return fmt.Errorf("provider %q: unknown adapter type %q", p.Slug, p.Type)
	}
}

func (p *Provider) validateSpawnCLI() error {
	s := p.SpawnCLI

	if s.Command == "" {
		return fmt.Errorf("provider %q: spawn-cli command is required", p.Slug)
	}

	switch s.InputMode {
	case "", "stdin", "arg":
	default:
		return fmt.Errorf("provider %q: invalid input_mode %q (want stdin or arg)", p.Slug, s.InputMode)
	}

	if s.TimeoutSeconds < 0 {
		return fmt.Errorf("provider %q: timeout_seconds must not be negative", p.Slug)
	}

	if s.Sandboxed() && s.SandboxImage == "" {
		return fmt.Errorf("provider %q: sandbox_image is required when sandboxing is enabled", p.Slug)
	}

	return nil
}

func (p *Provider) validateHTTPSDK() error {
	h := p.HTTPSDK

	if err := requireURL(p.Slug, "base_url", h.BaseURL); err != nil {
		return err
	}

	switch h.AuthType {
	case AuthAPIKey:
		if h.APIKeyRef == "" {
			return fmt.Errorf("provider %q: api_key_ref is required for api-key auth", p.Slug)
		}
	case AuthOAuth:
		if h.OAuth == nil {
			return fmt.Errorf("provider %q: oauth configuration is required for oauth auth", p.Slug)
		}

		if h.OAuth.TokenURL == "" || h.OAuth.ClientIDRef == "" || h.OAuth.ClientSecretRef == "" {
			return fmt.Errorf("provider %q: oauth needs token_url, client_id_ref and client_secret_ref", p.Slug)
		}
	case AuthRole:
		// Ambient credentials; region is optional.
	default:
		return fmt.Errorf("provider %q: invalid auth_type %q", p.Slug, h.AuthType)
	}

	return nil
}

func (p *Provider) validateProxy() error {
	pr := p.Proxy

	if err := requireURL(p.Slug, "proxy_base_url", pr.ProxyBaseURL); err != nil {
		return err
	}

	if pr.APIKeyHeaderName == "" {
		return fmt.Errorf("provider %q: api_key_header_name is required", p.Slug)
	}

	return nil
}

func (p *Provider) validateLocal() error {
	l := p.Local

	if err := requireURL(p.Slug, "endpoint", l.Endpoint); err != nil {
		return err
	}

	if l.Protocol != "http" {
		return fmt.Errorf("provider %q: unsupported local protocol %q", p.Slug, l.Protocol)
	}

	if l.MaxConcurrentRequests < 1 {
		return fmt.Errorf("provider %q: max_concurrent_requests must be at least 1", p.Slug)
	}

	return nil
}

func requireURL(slug, field, raw string) error {
	if raw == "" {
		return fmt.Errorf("provider %q: %s is required", slug, field)
	}

	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("provider %q: %s must be an absolute URL", slug, field)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provider %q: %s must use http or https", slug, field)
	}

	return nil
}
