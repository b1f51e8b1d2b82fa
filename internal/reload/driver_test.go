package reload

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayfleet/relayfleet/internal/fleetid"
	"github.com/relayfleet/relayfleet/internal/registry"
)

type testConfig struct {
	registry.BaseConfig
}

func newTestConfig(name string, hash byte, children ...string) testConfig {
	var deps []fleetid.Name
	for _, c := range children {
		deps = append(deps, fleetid.Name(c))
	}
	var h fleetid.ContentHash
	h[0] = hash
	return testConfig{BaseConfig: registry.BaseConfig{
		EntityName: fleetid.Name(name),
		EntityKind: "test",
		Hash:       h,
		Deps:       deps,
	}}
}

type testEntity struct {
	name          string
	reloadCount   int
	updateCount   int
	lastFlags     uint64
	constructedAt int
}

func (e *testEntity) Reload(cfg registry.Config) error {
	e.reloadCount++
	return nil
}

func (e *testEntity) UpdateInPlace(cfg registry.Config, flags uint64) error {
	e.updateCount++
	e.lastFlags = flags
	return nil
}

func newTestDriver() (*Driver[*testEntity], *registry.Registry[*testEntity], *int) {
	reg := registry.New[*testEntity]()
	constructCount := 0
	factory := func(cfg registry.Config) (*testEntity, error) {
		constructCount++
		return &testEntity{name: string(cfg.Name()), constructedAt: constructCount}, nil
	}
	return NewDriver(reg, factory), reg, &constructCount
}

func TestDriver_SpawnNew(t *testing.T) {
	d, reg, constructed := newTestDriver()
	cfg := newTestConfig("esc1", 1)
	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": cfg}); err != nil {
		t.Fatal(err)
	}
	if *constructed != 1 {
		t.Fatalf("got %d constructions", *constructed)
	}
	h, ok := reg.Get("esc1")
	if !ok {
		t.Fatal("expected esc1 registered")
	}
	if h.Value().name != "esc1" {
		t.Fatalf("got %q", h.Value().name)
	}
}

func TestDriver_NoActionOnUnchangedHash(t *testing.T) {
	d, _, constructed := newTestDriver()
	cfg := newTestConfig("esc1", 1)
	configs := map[fleetid.Name]registry.Config{"esc1": cfg}
	if err := d.Apply(configs); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(configs); err != nil {
		t.Fatal(err)
	}
	if *constructed != 1 {
		t.Fatalf("expected exactly one construction, got %d", *constructed)
	}
}

func TestDriver_ReloadAndRespawnOnHashChange(t *testing.T) {
	d, reg, constructed := newTestDriver()
	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": newTestConfig("esc1", 1)}); err != nil {
		t.Fatal(err)
	}
	first, _ := reg.Get("esc1")

	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": newTestConfig("esc1", 2)}); err != nil {
		t.Fatal(err)
	}
	if *constructed != 2 {
		t.Fatalf("expected respawn to construct a new value, got %d total", *constructed)
	}
	second, _ := reg.Get("esc1")
	if first == second {
		t.Fatal("expected a new handle after respawn")
	}
	if reg.RetiringCount() != 1 {
		t.Fatalf("expected the old handle to move to retiring, got count %d", reg.RetiringCount())
	}
}

func TestDriver_DeletesRemovedNames(t *testing.T) {
	d, reg, _ := newTestDriver()
	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": newTestConfig("esc1", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := d.Apply(map[fleetid.Name]registry.Config{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("esc1"); ok {
		t.Fatal("expected esc1 to be removed")
	}
}

func TestDriver_DependentsReloadTransitivelyOnChildRespawn(t *testing.T) {
	d, reg, _ := newTestDriver()
	configs := map[fleetid.Name]registry.Config{
		"child":  newTestConfig("child", 1),
		"parent": newTestConfig("parent", 1, "child"),
	}
	if err := d.Apply(configs); err != nil {
		t.Fatal(err)
	}
	parentHandle, _ := reg.Get("parent")
	if parentHandle.Value().reloadCount != 0 {
		t.Fatalf("unexpected reload on first apply: %d", parentHandle.Value().reloadCount)
	}

	// Child's content hash changes; parent's own config is byte-identical,
	// but it must still be reloaded because its child respawned.
	configs["child"] = newTestConfig("child", 2)
	if err := d.Apply(configs); err != nil {
		t.Fatal(err)
	}
	if parentHandle.Value().reloadCount != 1 {
		t.Fatalf("expected parent to be force-reloaded once, got %d", parentHandle.Value().reloadCount)
	}
}

func TestDriver_CycleRejected(t *testing.T) {
	d, _, _ := newTestDriver()
	configs := map[fleetid.Name]registry.Config{
		"a": newTestConfig("a", 1, "b"),
		"b": newTestConfig("b", 1, "a"),
	}
	if err := d.Apply(configs); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestDriver_ForceQuit(t *testing.T) {
	d, reg, _ := newTestDriver()
	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": newTestConfig("esc1", 1)}); err != nil {
		t.Fatal(err)
	}
	if !d.ForceQuit("esc1") {
		t.Fatal("expected ForceQuit to report existence")
	}
	if _, ok := reg.Get("esc1"); ok {
		t.Fatal("expected esc1 removed")
	}
	// Reapplying the same config should now SpawnNew again, not NoAction.
	if err := d.Apply(map[fleetid.Name]registry.Config{"esc1": newTestConfig("esc1", 1)}); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("esc1"); !ok {
		t.Fatal("expected esc1 respawned after force-quit")
	}
}

func TestOpsLock_SerializesCallers(t *testing.T) {
	lock := NewOpsLock()
	var concurrent, maxConcurrent int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lock.Do(func() error {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("expected at most 1 concurrent critical section, observed %d", maxConcurrent)
	}
}
