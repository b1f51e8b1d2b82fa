// Package reload is the orchestrator spec §4.6 describes on top of
// internal/registry's data model: a per-entity reload driver that walks a
// new config snapshot against the live registry in dependency order,
// applies each name's diff_action, and propagates reload to transitive
// dependents; a process-wide ops lock serializing reload operations; and
// the two-process graceful-handover state machine (QuitAction). Grounded
// on the teacher's internal/topology (diff_action dispatch shape — see
// DESIGN.md's "Deleted teacher packages" entry) generalized from node-pool
// topology diffing to the escaper/server/resolver/user-group/auditor
// entities internal/registry now manages.
package reload

import (
	"fmt"
	"sync"

	"github.com/relayfleet/relayfleet/internal/fleetid"
	"github.com/relayfleet/relayfleet/internal/registry"
)

// Entity is what a reloadable value must support beyond construction: the
// two in-place update paths diff_action can request instead of a full
// respawn.
type Entity interface {
	// Reload is invoked for ReloadNoRespawn actions only, and the same
	// Handle (and its stats) carries forward; for ReloadAndRespawn the driver constructs a fresh value via Factory
	// instead of calling Reload on the old one.
	Reload(cfg registry.Config) error
	// UpdateInPlace applies a narrower change described by flags, for
	// diff_action's UpdateInPlace verb.
	UpdateInPlace(cfg registry.Config, flags uint64) error
}

// Factory constructs a brand-new entity value from cfg, used for SpawnNew
// and ReloadAndRespawn.
type Factory[T Entity] func(cfg registry.Config) (T, error)

// Driver applies successive config snapshots to one kind's Registry,
// computing and executing diff_action per name and propagating reload to
// dependents per §4.6 point 4.
type Driver[T Entity] struct {
	reg     *registry.Registry[T]
	factory Factory[T]

	mu      sync.Mutex
	configs map[fleetid.Name]registry.Config // last-applied config per name
}

// NewDriver returns a Driver managing reg, constructing new/respawned
// values with factory.
func NewDriver[T Entity](reg *registry.Registry[T], factory Factory[T]) *Driver[T] {
	return &Driver[T]{
		reg:     reg,
		factory: factory,
		configs: make(map[fleetid.Name]registry.Config),
	}
}

// Apply reconciles the registry against the new config snapshot: computes
// each name's diff_action, applies it (in dependency order, via TopoMap),
// force-reloads transitive dependents of anything that actually changed,
// and deletes names no longer present. Callers are expected to hold a
// process-wide OpsLock around Apply so concurrent reloads of different
// kinds never interleave in a way that could observe a half-applied
// dependency.
func (d *Driver[T]) Apply(configs map[fleetid.Name]registry.Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	children := make(map[fleetid.Name][]fleetid.Name, len(configs))
	for name, cfg := range configs {
		children[name] = cfg.Children()
	}
	topo, err := registry.BuildTopoMap(children)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	actions := make(map[fleetid.Name]registry.DiffAction, len(configs))
	changed := make(map[fleetid.Name]bool)
	for name, cfg := range configs {
		prev, hadPrev := d.configs[name]
		var action registry.DiffAction
		if !hadPrev {
			action = registry.DiffAction{Kind: registry.SpawnNew}
		} else {
			action = cfg.DiffAction(prev)
		}
		actions[name] = action
		if action.Kind != registry.NoAction {
			changed[name] = true
		}
	}

	// Anything transitively depending on a changed name must also reload,
	// even if its own config's content hash is unchanged, because the
	// child it resolves by name has new identity behind it.
	for name := range changed {
		for _, dependent := range topo.TransitiveDependents(name) {
			if _, alreadyChanged := changed[dependent]; alreadyChanged {
				continue
			}
			if actions[dependent].Kind == registry.NoAction {
				actions[dependent] = registry.DiffAction{Kind: registry.ReloadNoRespawn}
			}
		}
	}

	for _, name := range topo.SortedNodes() {
		cfg, ok := configs[name]
		if !ok {
			continue
		}
		if err := d.applyOne(name, cfg, actions[name]); err != nil {
			return fmt.Errorf("reload: %s: %w", name, err)
		}
		d.configs[name] = cfg
	}

	for name := range d.configs {
		if _, stillPresent := configs[name]; !stillPresent {
			d.reg.Delete(name)
			delete(d.configs, name)
		}
	}

	return nil
}

func (d *Driver[T]) applyOne(name fleetid.Name, cfg registry.Config, action registry.DiffAction) error {
	switch action.Kind {
	case registry.NoAction:
		return nil

	case registry.SpawnNew:
		value, err := d.factory(cfg)
		if err != nil {
			return err
		}
		d.reg.Store(name, registry.NewHandle(value))
		return nil

	case registry.ReloadNoRespawn:
		handle, exists := d.reg.Get(name)
		if !exists {
			value, err := d.factory(cfg)
			if err != nil {
				return err
			}
			d.reg.Store(name, registry.NewHandle(value))
			return nil
		}
		return handle.Value().Reload(cfg)

	case registry.ReloadAndRespawn:
		value, err := d.factory(cfg)
		if err != nil {
			return err
		}
		d.reg.Swap(name, registry.NewHandle(value))
		return nil

	case registry.UpdateInPlace:
		handle, exists := d.reg.Get(name)
		if !exists {
			value, err := d.factory(cfg)
			if err != nil {
				return err
			}
			d.reg.Store(name, registry.NewHandle(value))
			return nil
		}
		return handle.Value().UpdateInPlace(cfg, action.Flags)

	default:
		return fmt.Errorf("unhandled diff_action kind %v", action.Kind)
	}
}

// ForceQuit removes name unconditionally, the way controlrpc's
// force-quit command does: the handle moves to the registry's retiring set
// exactly as a config-driven delete would.
func (d *Driver[T]) ForceQuit(name fleetid.Name) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.configs, name)
	_, existed := d.reg.Delete(name)
	return existed
}

// ForceQuitAll removes every currently tracked name.
func (d *Driver[T]) ForceQuitAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name := range d.configs {
		d.reg.Delete(name)
		delete(d.configs, name)
	}
}

// OpsLock is the single process-wide lock that serializes reload
// operations across every entity kind (escapers, servers, resolvers,
// user-groups, auditors), per §4.6's "global ops lock". Kept as its own
// type, rather than folded into a single Driver, because each kind's
// Driver is parameterized over a different concrete entity type.
type OpsLock struct {
	mu sync.Mutex
}

// NewOpsLock returns an unlocked OpsLock.
func NewOpsLock() *OpsLock {
	return &OpsLock{}
}

// Do runs fn while holding the lock.
func (l *OpsLock) Do(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}
