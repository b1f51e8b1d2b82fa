package fleetid

import "testing"

func TestHashConfig_Deterministic(t *testing.T) {
	raw := []byte(`{"kind":"direct_fixed","bind":"1.2.3.4","happy_eyeballs":true}`)
	h1 := HashConfig(raw)
	h2 := HashConfig(raw)
	if h1 != h2 {
		t.Fatalf("same input produced different hashes: %s vs %s", h1.Hex(), h2.Hex())
	}
	if h1.IsZero() {
		t.Fatal("hash should not be zero for valid input")
	}
}

func TestHashConfig_IgnoresName(t *testing.T) {
	withName := []byte(`{"kind":"proxy_http","name":"escaper-us-1","upstream":"1.2.3.4:8080"}`)
	withoutName := []byte(`{"kind":"proxy_http","upstream":"1.2.3.4:8080"}`)
	differentName := []byte(`{"kind":"proxy_http","name":"escaper-jp-2","upstream":"1.2.3.4:8080"}`)

	h1 := HashConfig(withName)
	h2 := HashConfig(withoutName)
	h3 := HashConfig(differentName)

	if h1 != h2 {
		t.Fatalf("name should be ignored: with-name=%s, without-name=%s", h1.Hex(), h2.Hex())
	}
	if h1 != h3 {
		t.Fatalf("different names should produce same hash: %s vs %s", h1.Hex(), h3.Hex())
	}
}

func TestHashConfig_DifferentConfigs(t *testing.T) {
	a := []byte(`{"kind":"direct_fixed","bind":"1.2.3.4"}`)
	b := []byte(`{"kind":"direct_fixed","bind":"5.6.7.8"}`)

	ha := HashConfig(a)
	hb := HashConfig(b)
	if ha == hb {
		t.Fatal("different configs should produce different hashes")
	}
}

func TestHashConfig_KeyOrderIndependent(t *testing.T) {
	a := []byte(`{"kind":"direct_fixed","bind":"1.2.3.4","port":443}`)
	b := []byte(`{"port":443,"bind":"1.2.3.4","kind":"direct_fixed"}`)

	ha := HashConfig(a)
	hb := HashConfig(b)
	if ha != hb {
		t.Fatalf("key order should not affect hash: %s vs %s", ha.Hex(), hb.Hex())
	}
}

func TestHashConfig_InvalidJSON_Fallback(t *testing.T) {
	raw := []byte(`not valid json`)
	h := HashConfig(raw)
	if h.IsZero() {
		t.Fatal("invalid JSON should still produce a non-zero hash via fallback")
	}

	h2 := HashConfig(raw)
	if h != h2 {
		t.Fatalf("fallback hash not deterministic: %s vs %s", h.Hex(), h2.Hex())
	}
}

func TestContentHash_HexRoundTrip(t *testing.T) {
	raw := []byte(`{"kind":"route_geoip","country":["jp","us"]}`)
	original := HashConfig(raw)

	hexStr := original.Hex()
	if len(hexStr) != 32 {
		t.Fatalf("hex string should be 32 chars, got %d: %s", len(hexStr), hexStr)
	}

	parsed, err := ParseHex(hexStr)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != original {
		t.Fatalf("round-trip failed: %s != %s", parsed.Hex(), original.Hex())
	}
}

func TestParseHex_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abcd"},
		{"too long", "aabbccddaabbccddaabbccddaabbccddaa"},
		{"invalid chars", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHex(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestContentHash_IsZero(t *testing.T) {
	var h ContentHash
	if !h.IsZero() {
		t.Fatal("default ContentHash should be zero")
	}

	h2 := HashConfig([]byte(`{"kind":"dummy_deny"}`))
	if h2.IsZero() {
		t.Fatal("computed ContentHash should not be zero")
	}
}

func TestName_IsZero(t *testing.T) {
	var n Name
	if !n.IsZero() {
		t.Fatal("empty Name should be zero")
	}
	if Name("escaper-us-1").IsZero() {
		t.Fatal("non-empty Name should not be zero")
	}
}
