// Package fleetbuild is the wiring layer between internal/fleetconfig's
// raw YAML documents and internal/registry + internal/reload's generic
// machinery: one registry.Config wrapper and one reload.Factory per
// entity kind (escaper, resolver, server), plus the controlrpc.Backend
// implementation cmd/relayfleet's admin server drives. Grounded on the
// teacher's cmd/resin/main.go wiring style (small adapter types bridging
// a generic driver to a concrete domain), generalized from VPN node pools
// to the escaper/server/resolver DAG spec §4.6 describes.
package fleetbuild

import (
	"github.com/relayfleet/relayfleet/internal/fleetconfig"
	"github.com/relayfleet/relayfleet/internal/fleetid"
	"github.com/relayfleet/relayfleet/internal/registry"
)

// docConfig adapts a fleetconfig.Document to registry.Config. All three
// entity kinds use the identical shape — only BaseConfig.EntityKind and
// the Document.Type discriminator differ — so one wrapper serves all of
// them rather than three near-identical structs.
type docConfig struct {
	registry.BaseConfig
	Doc fleetconfig.Document
}

func newDocConfig(kind string, doc fleetconfig.Document) docConfig {
	return docConfig{
		BaseConfig: registry.BaseConfig{
			EntityName: fleetid.Name(doc.Name),
			EntityKind: kind,
			Hash:       doc.ContentHash(),
			Deps:       doc.Deps(),
		},
		Doc: doc,
	}
}

// configsForKind converts every document of kind into a registry.Config
// map keyed by name, the shape reload.Driver.Apply expects.
func configsForKind(kind string, docs map[fleetid.Name]fleetconfig.Document) map[fleetid.Name]registry.Config {
	out := make(map[fleetid.Name]registry.Config, len(docs))
	for name, doc := range docs {
		out[name] = newDocConfig(kind, doc)
	}
	return out
}

// asDocConfig recovers the Document a Factory was handed back from the
// registry.Config interface Driver.Apply passes it as.
func asDocConfig(cfg registry.Config) (docConfig, bool) {
	dc, ok := cfg.(docConfig)
	return dc, ok
}
