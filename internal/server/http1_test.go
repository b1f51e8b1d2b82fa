package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStripHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom")
	h.Set("X-Custom", "drop-me")
	h.Set("Proxy-Authorization", "Basic xyz")
	h.Set("Content-Type", "text/plain")
	stripHopByHopHeaders(h)
	if h.Get("X-Custom") != "" || h.Get("Proxy-Authorization") != "" || h.Get("Connection") != "" {
		t.Fatalf("expected hop-by-hop headers stripped, got %v", h)
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Fatal("expected end-to-end header preserved")
	}
}

func TestHttpProxy_RequiresAuthWhenConfigured(t *testing.T) {
	p := NewHttpProxy(HttpProxyConfig{Escaper: directEscaper(), ProxyUsername: "u", ProxyPassword: "p"})
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	if w.Code != http.StatusProxyAuthRequired {
		t.Fatalf("got %d", w.Code)
	}
}

func TestHttpProxy_ForwardsPlainRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	p := NewHttpProxy(HttpProxyConfig{Escaper: directEscaper()})
	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/", nil)
	w := httptest.NewRecorder()
	p.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "ok" {
		t.Fatalf("got body %q", w.Body.String())
	}
}
