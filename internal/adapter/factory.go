package adapter

import (
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/core"
	"github.com/modelrelay/modelrelay/internal/secrets"
)

// New constructs the adapter for a validated provider record. The
// switch is exhaustive over the closed variant set; config validation
// guarantees the matching payload is present.
func New(p *config.Provider, resolver secrets.Resolver) (Adapter, error) {
	switch p.Type {
	case config.AdapterSpawnCLI:
		return NewSpawnCLI(p.Slug, *p.SpawnCLI, resolver)
	case config.AdapterHTTPSDK:
		return NewHTTPSDK(p.Slug, *p.HTTPSDK, resolver)
	case config.AdapterProxy:
		return NewProxy(p.Slug, *p.Proxy, resolver)
	case config.AdapterLocal:
		return NewLocal(p.Slug, *p.Local), nil
	default:
		return nil, core.NewError(core.KindConfigurationInvalid, p.Slug, "unknown adapter type "+string(p.Type), nil)
	}
}
