// Package registry is the in-memory source of truth for dispatch: which
// providers exist, their adapter instances, and the external-model
// index. Readers get an immutable snapshot; admin mutations build a new
// snapshot and swap it atomically, so dispatch never observes a
// partially updated provider record.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/modelrelay/modelrelay/internal/adapter"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// Entry pairs a provider record with its live adapter instance.
type Entry struct {
	Provider config.Provider
	Adapter  adapter.Adapter
}

// Candidate is one (provider, model mapping) pair for an external id.
type Candidate struct {
	Entry   *Entry
	Mapping config.ModelMapping
}

type snapshot struct {
	bySlug  map[string]*Entry
	byModel map[string][]Candidate
	models  []string
}

// Registry holds the active provider snapshot.
type Registry struct {
	resolver secrets.Resolver
	logger   *slog.Logger

	// mu serializes snapshot rebuilds; reads go through current.
	mu      sync.Mutex
	current atomic.Value // *snapshot
}

// New creates an empty registry.
func New(resolver secrets.Resolver, logger *slog.Logger) *Registry {
	r := &Registry{resolver: resolver, logger: logger}
	r.current.Store(&snapshot{
		bySlug:  map[string]*Entry{},
		byModel: map[string][]Candidate{},
	})

	return r
}

// Apply rebuilds the snapshot from cfg and swaps it in. Providers whose
// configuration fails activation validation are skipped with a log
// entry rather than aborting the whole reload; disabled providers are
// registered but excluded from the model index.
func (r *Registry) Apply(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snapshot()

	next := &snapshot{
		bySlug:  make(map[string]*Entry, len(cfg.Providers)),
		byModel: make(map[string][]Candidate),
	}

	for i := range cfg.Providers {
		p := cfg.Providers[i]

		if err := p.Validate(); err != nil {
			r.logger.Error("Provider failed activation validation, excluded from registry",
				"provider", p.Slug,
				"error", err,
			)

			continue
		}

		entry := &Entry{Provider: p}

		// Reuse the existing adapter when the provider config is
		// unchanged, so long-lived state (connection pools, token
		// caches) survives unrelated reloads.
		if prev, ok := old.bySlug[p.Slug]; ok && providerEqual(&prev.Provider, &p) {
			entry.Adapter = prev.Adapter
		} else {
			a, err := adapter.New(&p, r.resolver)
			if err != nil {
				r.logger.Error("Adapter construction failed, provider excluded",
					"provider", p.Slug,
					"error", err,
				)

				continue
			}

			entry.Adapter = a
		}

		next.bySlug[p.Slug] = entry

		if !p.Enabled {
			continue
		}

		for _, m := range p.Models {
			next.byModel[m.External] = append(next.byModel[m.External], Candidate{Entry: entry, Mapping: m})
		}
	}

	for external, candidates := range next.byModel {
		// Most recently enabled first; this is the documented conflict
		// tie-break for ambiguous external ids.
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Entry.Provider.EnabledAt.After(candidates[j].Entry.Provider.EnabledAt)
		})

		next.byModel[external] = candidates
		next.models = append(next.models, external)

		if len(candidates) > 1 {
			r.logger.Warn("External model id mapped by multiple enabled providers",
				"model", external,
				"selected", candidates[0].Entry.Provider.Slug,
				"candidates", len(candidates),
			)
		}
	}

	sort.Strings(next.models)
	r.current.Store(next)

	// Close adapters that did not carry over.
	for slug, prev := range old.bySlug {
		if entry, ok := next.bySlug[slug]; !ok || entry.Adapter != prev.Adapter {
			prev.Adapter.Close()
		}
	}

	r.logger.Info("Provider registry updated",
		"providers", len(next.bySlug),
		"models", len(next.models),
	)
}

// Resolve returns the candidates for an external model id, conflict
// winner first. The returned slice is shared snapshot data and must
// not be mutated.
func (r *Registry) Resolve(external string) []Candidate {
	return r.snapshot().byModel[external]
}

// Get returns the entry for a provider slug.
func (r *Registry) Get(slug string) (*Entry, bool) {
	e, ok := r.snapshot().bySlug[slug]
	return e, ok
}

// List returns all registered entries, enabled or not.
func (r *Registry) List() []*Entry {
	snap := r.snapshot()

	entries := make([]*Entry, 0, len(snap.bySlug))
	for _, e := range snap.bySlug {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Provider.Slug < entries[j].Provider.Slug
	})

	return entries
}

// Models returns the sorted external model ids currently routable.
func (r *Registry) Models() []string {
	return r.snapshot().models
}

// Close releases every adapter in the current snapshot.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.snapshot().bySlug {
		e.Adapter.Close()
	}
}

func (r *Registry) snapshot() *snapshot {
	return r.current.Load().(*snapshot)
}

// providerEqual reports whether two provider records describe the same
// adapter configuration. Model mappings and the enabled flag do not
// affect the adapter instance itself.
func providerEqual(a, b *config.Provider) bool {
	if a.Type != b.Type {
		return false
	}

	switch a.Type {
	case config.AdapterSpawnCLI:
		return spawnEqual(a.SpawnCLI, b.SpawnCLI)
	case config.AdapterHTTPSDK:
		return httpEqual(a.HTTPSDK, b.HTTPSDK)
	case config.AdapterProxy:
		return proxyEqual(a.Proxy, b.Proxy)
	case config.AdapterLocal:
		return localEqual(a.Local, b.Local)
	default:
		return false
	}
}

func spawnEqual(a, b *config.SpawnCLIConfig) bool {
	if a.Command != b.Command || a.InputMode != b.InputMode ||
		a.SandboxImage != b.SandboxImage || a.Sandboxed() != b.Sandboxed() ||
		a.TimeoutSeconds != b.TimeoutSeconds || len(a.Args) != len(b.Args) || len(a.Env) != len(b.Env) {
		return false
	}

	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}

	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}

	return true
}

func httpEqual(a, b *config.HTTPSDKConfig) bool {
	if a.BaseURL != b.BaseURL || a.AuthType != b.AuthType ||
		a.APIKeyRef != b.APIKeyRef || a.Region != b.Region || a.ModelPrefix != b.ModelPrefix {
		return false
	}

	if (a.OAuth == nil) != (b.OAuth == nil) {
		return false
	}

	if a.OAuth != nil {
		if a.OAuth.TokenURL != b.OAuth.TokenURL ||
			a.OAuth.ClientIDRef != b.OAuth.ClientIDRef ||
			a.OAuth.ClientSecretRef != b.OAuth.ClientSecretRef {
			return false
		}
	}

	return true
}

func proxyEqual(a, b *config.ProxyConfig) bool {
	if a.ProxyBaseURL != b.ProxyBaseURL || a.APIKeyHeaderName != b.APIKeyHeaderName ||
		a.APIKeyRef != b.APIKeyRef || len(a.ForwardHeaders) != len(b.ForwardHeaders) {
		return false
	}

	for i := range a.ForwardHeaders {
		if a.ForwardHeaders[i] != b.ForwardHeaders[i] {
			return false
		}
	}

	return true
}

func localEqual(a, b *config.LocalConfig) bool {
	return a.Endpoint == b.Endpoint && a.Protocol == b.Protocol &&
		a.MaxConcurrentRequests == b.MaxConcurrentRequests && a.QueueWaitMillis == b.QueueWaitMillis
}
