// Package controlrpc is the minimal admin control surface (spec §6.4):
// version, offline, force-quit{,-all}, list, reload-<kind>, get-<kind>.
// Grounded on the teacher's internal/api server: a bearer-token-gated
// http.ServeMux with a JSON envelope, generalized from the VPN daemon's
// REST resource routes to a fixed, small command set operating on
// registry entities rather than platforms/leases/subscriptions.
package controlrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind names one of the five entity classes the control surface can list,
// inspect, reload, or force-quit.
type Kind string

const (
	KindUserGroup Kind = "user-group"
	KindResolver  Kind = "resolver"
	KindAuditor   Kind = "auditor"
	KindEscaper   Kind = "escaper"
	KindServer    Kind = "server"
)

var validKinds = map[Kind]bool{
	KindUserGroup: true,
	KindResolver:  true,
	KindAuditor:   true,
	KindEscaper:   true,
	KindServer:    true,
}

func parseKind(s string) (Kind, bool) {
	k := Kind(s)
	return k, validKinds[k]
}

// EntitySummary is one row of a `list <kind>` response.
type EntitySummary struct {
	Name   string `json:"name"`
	Kind   Kind   `json:"kind"`
	Status string `json:"status"`
}

// EntityDetail is the full `get-<kind> <name>` response: a capability
// handle's worth of inspectable state, shaped per entity kind.
type EntityDetail struct {
	EntitySummary
	Detail map[string]any `json:"detail,omitempty"`
}

// Backend is what controlrpc drives to actually perform a command. It is
// satisfied by the reload orchestrator plus the live registries it manages;
// controlrpc itself holds no entity state.
type Backend interface {
	// SetOffline toggles whether new connections are accepted fleet-wide
	// (servers keep draining in-flight work either way).
	SetOffline(ctx context.Context, offline bool) error
	// ForceQuit immediately tears down one named entity of the given kind.
	ForceQuit(ctx context.Context, kind Kind, name string) error
	// ForceQuitAll tears down every entity, used ahead of process exit.
	ForceQuitAll(ctx context.Context) error
	// List returns a summary of every live entity of the given kind.
	List(ctx context.Context, kind Kind) ([]EntitySummary, error)
	// Reload re-reads the current config for the named entity and applies
	// whatever diff_action its comparison against the live instance yields.
	Reload(ctx context.Context, kind Kind, name string) error
	// Get returns the full inspectable detail for one named entity.
	Get(ctx context.Context, kind Kind, name string) (EntityDetail, error)
}

// Server is the HTTP front end for Backend, gated by a single bearer token
// the way the teacher's API server gates its admin routes.
type Server struct {
	backend    Backend
	adminToken string
	version    string
	mux        *http.ServeMux
}

// NewServer builds the control-RPC mux. version is returned verbatim by the
// `version` command (typically buildinfo.Version).
func NewServer(backend Backend, adminToken, version string) *Server {
	s := &Server{backend: backend, adminToken: adminToken, version: version}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /offline", s.handleOffline)
	mux.HandleFunc("POST /force-quit/{kind}/{name}", s.handleForceQuit)
	mux.HandleFunc("POST /force-quit-all", s.handleForceQuitAll)
	mux.HandleFunc("GET /list/{kind}", s.handleList)
	mux.HandleFunc("POST /reload/{kind}/{name}", s.handleReload)
	mux.HandleFunc("GET /get/{kind}/{name}", s.handleGet)

	s.mux = http.NewServeMux()
	s.mux.Handle("/", s.authMiddleware(mux))
	return s
}

// Handler returns the underlying http.Handler, for use with an
// internal/server listener or for testing.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || auth[len(prefix):] != s.adminToken {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type versionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: s.version})
}

type offlineRequest struct {
	Offline bool `json:"offline"`
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request) {
	var req offlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := s.backend.SetOffline(r.Context(), req.Offline); err != nil {
		writeError(w, http.StatusInternalServerError, "OFFLINE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, offlineRequest{Offline: req.Offline})
}

func (s *Server) handleForceQuit(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_KIND", fmt.Sprintf("unknown kind %q", r.PathValue("kind")))
		return
	}
	name := r.PathValue("name")
	if err := s.backend.ForceQuit(r.Context(), kind, name); err != nil {
		writeError(w, http.StatusInternalServerError, "FORCE_QUIT_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceQuitAll(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ForceQuitAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "FORCE_QUIT_ALL_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_KIND", fmt.Sprintf("unknown kind %q", r.PathValue("kind")))
		return
	}
	entities, err := s.backend.List(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_KIND", fmt.Sprintf("unknown kind %q", r.PathValue("kind")))
		return
	}
	name := r.PathValue("name")
	if err := s.backend.Reload(r.Context(), kind, name); err != nil {
		// Reload failures return the error chain as text per spec §6.4,
		// not a generic message — the caller needs to see the cause
		// (e.g. a reported dependency cycle).
		writeError(w, http.StatusConflict, "RELOAD_FAILED", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_KIND", fmt.Sprintf("unknown kind %q", r.PathValue("kind")))
		return
	}
	name := r.PathValue("name")
	detail, err := s.backend.Get(r.Context(), kind, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{Code: code, Message: message}})
}
