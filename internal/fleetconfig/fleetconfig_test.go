package fleetconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayfleet/relayfleet/internal/fleetid"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir_GroupsByKind(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "escapers.yaml", `
name: direct-out
kind: escaper
type: direct
settings:
  strategy: happy_eyeballs
---
name: deny-all
kind: escaper
type: dummy_deny
`)
	writeFile(t, dir, "servers.yaml", `
name: http-in
kind: server
type: http_forward
depends_on: [direct-out]
settings:
  listen: "127.0.0.1:8080"
`)
	writeFile(t, dir, "ignored.txt", "not yaml")

	snap, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	escapers := snap.ByKind("escaper")
	if len(escapers) != 2 {
		t.Fatalf("got %d escaper docs", len(escapers))
	}
	if escapers[fleetid.Name("direct-out")].Type != "direct" {
		t.Fatalf("unexpected type %q", escapers[fleetid.Name("direct-out")].Type)
	}

	servers := snap.ByKind("server")
	if len(servers) != 1 {
		t.Fatalf("got %d server docs", len(servers))
	}
	srv := servers[fleetid.Name("http-in")]
	if len(srv.Deps()) != 1 || srv.Deps()[0] != fleetid.Name("direct-out") {
		t.Fatalf("unexpected deps %v", srv.Deps())
	}
	var settings struct {
		Listen string `yaml:"listen"`
	}
	if err := srv.DecodeSettings(&settings); err != nil {
		t.Fatal(err)
	}
	if settings.Listen != "127.0.0.1:8080" {
		t.Fatalf("got %q", settings.Listen)
	}
}

func TestDocument_ContentHash_IgnoresNameChangesStable(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `
name: one
kind: escaper
type: direct
settings:
  strategy: happy_eyeballs
`)
	writeFile(t, dir, "b.yaml", `
name: two
kind: escaper
type: direct
settings:
  strategy: happy_eyeballs
`)
	snap, err := LoadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	docs := snap.ByKind("escaper")
	one := docs[fleetid.Name("one")]
	two := docs[fleetid.Name("two")]
	if one.ContentHash() != two.ContentHash() {
		t.Fatal("expected identical settings under different names to hash equal")
	}
}

func TestLoadDir_MissingNameOrKindErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
type: direct
`)
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("expected error for missing name/kind")
	}
}
