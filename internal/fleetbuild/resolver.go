package fleetbuild

import (
	"fmt"

	"github.com/relayfleet/relayfleet/internal/escaper"
	"github.com/relayfleet/relayfleet/internal/reload"
	"github.com/relayfleet/relayfleet/internal/registry"
)

// ResolverEntity adapts escaper.Resolver to reload.Entity. A resolver has
// no narrower in-place update story (there is nothing to change about a
// SystemResolver short of which net.Resolver it wraps, which is a
// respawn), so Reload/UpdateInPlace are unreachable no-ops kept only to
// satisfy the interface — the driver always takes the ReloadAndRespawn
// path via Factory instead.
type ResolverEntity struct {
	escaper.Resolver
}

func (r ResolverEntity) Reload(cfg registry.Config) error                     { return nil }
func (r ResolverEntity) UpdateInPlace(cfg registry.Config, flags uint64) error { return nil }

// BuildResolverFactory returns the reload.Factory that constructs a
// ResolverEntity from a "resolver" kind document. "system" is the only
// type wired today: spec §6.2 names resolvers as a distinct config kind
// so escapers can reference one by name, but internal/escaper currently
// ships only SystemResolver.
func BuildResolverFactory() reload.Factory[ResolverEntity] {
	return func(cfg registry.Config) (ResolverEntity, error) {
		dc, ok := asDocConfig(cfg)
		if !ok {
			return ResolverEntity{}, fmt.Errorf("fleetbuild: resolver %s: unexpected config type", cfg.Name())
		}
		switch dc.Doc.Type {
		case "", "system":
			return ResolverEntity{Resolver: escaper.NewSystemResolver(nil)}, nil
		default:
			return ResolverEntity{}, fmt.Errorf("fleetbuild: resolver %s: unknown type %q", dc.Doc.Name, dc.Doc.Type)
		}
	}
}
