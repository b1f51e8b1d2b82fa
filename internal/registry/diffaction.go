// Package registry implements the reload machinery shared by every entity
// kind (escaper, server, resolver, user-group, auditor): per-kind Registry
// tables with atomic single-entry swap, a reference-counted handle so a
// retired entity's stats can still be read until truly unreferenced, and
// TopoMap for computing the dependent-reload order (§4.6).
package registry

import "github.com/relayfleet/relayfleet/internal/fleetid"

// DiffActionKind is the verb diff_action returns when comparing a new config
// snapshot against the one currently live under the same name.
type DiffActionKind int

const (
	// NoAction: configs are equivalent: nothing to do.
	NoAction DiffActionKind = iota
	// SpawnNew: no prior entity exists under this name; construct fresh.
	SpawnNew
	// ReloadNoRespawn: entity's _reload(config, registry) is called; the
	// prior stats handle may be shared forward.
	ReloadNoRespawn
	// ReloadAndRespawn: like ReloadNoRespawn, but the entity must be torn
	// down and rebuilt (a field changed that cannot be updated live).
	ReloadAndRespawn
	// UpdateInPlace: the entity mutates itself; Flags carries which fields
	// changed so the entity can reinterpret them narrowly.
	UpdateInPlace
)

func (k DiffActionKind) String() string {
	switch k {
	case NoAction:
		return "no_action"
	case SpawnNew:
		return "spawn_new"
	case ReloadNoRespawn:
		return "reload_no_respawn"
	case ReloadAndRespawn:
		return "reload_and_respawn"
	case UpdateInPlace:
		return "update_in_place"
	default:
		return "unknown"
	}
}

// DiffAction is the result of comparing two config snapshots for the same
// NodeName. Flags is only meaningful when Kind is UpdateInPlace: an opaque
// bitset the entity interprets for fine-grained in-place update.
type DiffAction struct {
	Kind  DiffActionKind
	Flags uint64
}

// Config is an immutable per-entity snapshot: the entity's name, kind,
// content identity, and the dependency edges TopoMap needs to compute
// reload order. Concrete config types (EscaperConfig, ServerConfig, ...)
// embed BaseConfig and implement DiffAction for their own respawn rules.
type Config interface {
	Name() fleetid.Name
	Kind() string
	ContentHash() fleetid.ContentHash
	// Children lists the names of entities this one depends on (e.g. a
	// RouteSelect escaper's member escapers, a server's escaper).
	Children() []fleetid.Name
	// DiffAction compares this (new) config against prev, the config
	// currently live under the same name. prev is nil when this is the
	// first-ever config for the name (the caller should treat that as
	// SpawnNew without calling DiffAction).
	DiffAction(prev Config) DiffAction
}

// BaseConfig provides the default diff_action rule — content hash equal
// means NoAction, content hash different means ReloadAndRespawn — for
// entity kinds that have no narrower in-place update story. Embed it and
// override DiffAction to add ReloadNoRespawn/UpdateInPlace cases.
type BaseConfig struct {
	EntityName Name
	EntityKind string
	Hash       fleetid.ContentHash
	Deps       []Name
}

// Name is an alias kept local to avoid import noise in embedders' literals.
type Name = fleetid.Name

func (c BaseConfig) Name() Name                    { return c.EntityName }
func (c BaseConfig) Kind() string                   { return c.EntityKind }
func (c BaseConfig) ContentHash() fleetid.ContentHash { return c.Hash }
func (c BaseConfig) Children() []Name               { return c.Deps }

// DiffAction implements the default rule. Embedders that need
// ReloadNoRespawn/UpdateInPlace granularity should shadow this method.
func (c BaseConfig) DiffAction(prev Config) DiffAction {
	if prev == nil {
		return DiffAction{Kind: SpawnNew}
	}
	if prev.ContentHash() == c.Hash {
		return DiffAction{Kind: NoAction}
	}
	return DiffAction{Kind: ReloadAndRespawn}
}
