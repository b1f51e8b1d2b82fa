package registry

import (
	"testing"

	"github.com/relayfleet/relayfleet/internal/fleetid"
)

func TestBaseConfig_DiffAction_NoPriorIsSpawnNew(t *testing.T) {
	c := BaseConfig{EntityName: "a", Hash: fleetid.HashConfig([]byte(`{"x":1}`))}
	action := c.DiffAction(nil)
	if action.Kind != SpawnNew {
		t.Fatalf("expected SpawnNew, got %v", action.Kind)
	}
}

func TestBaseConfig_DiffAction_SameHashIsNoAction(t *testing.T) {
	hash := fleetid.HashConfig([]byte(`{"x":1}`))
	prev := BaseConfig{EntityName: "a", Hash: hash}
	next := BaseConfig{EntityName: "a", Hash: hash}

	action := next.DiffAction(prev)
	if action.Kind != NoAction {
		t.Fatalf("expected NoAction for identical content hash, got %v", action.Kind)
	}
}

func TestBaseConfig_DiffAction_DifferentHashIsReloadAndRespawn(t *testing.T) {
	prev := BaseConfig{EntityName: "a", Hash: fleetid.HashConfig([]byte(`{"x":1}`))}
	next := BaseConfig{EntityName: "a", Hash: fleetid.HashConfig([]byte(`{"x":2}`))}

	action := next.DiffAction(prev)
	if action.Kind != ReloadAndRespawn {
		t.Fatalf("expected ReloadAndRespawn for changed content hash, got %v", action.Kind)
	}
}

func TestDiffActionKind_String(t *testing.T) {
	tests := map[DiffActionKind]string{
		NoAction:          "no_action",
		SpawnNew:          "spawn_new",
		ReloadNoRespawn:   "reload_no_respawn",
		ReloadAndRespawn:  "reload_and_respawn",
		UpdateInPlace:     "update_in_place",
		DiffActionKind(99): "unknown",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}
