package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vitalsync.ai/internal/persistence/indexdb"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/vitals"
)

// adminAPI serves local-only debug endpoints. Every mutation goes through the
// host loop like a peer request.
type adminAPI struct {
	h   *host.Host
	idx *indexdb.SQLiteIndex
}

func (a adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", a.loopbackOnly(a.handleState))
	mux.HandleFunc("/admin/v1/tune", a.loopbackOnly(a.handleTune))
	mux.HandleFunc("/admin/v1/spawn", a.loopbackOnly(a.handleSpawn))
	mux.HandleFunc("/admin/v1/active", a.loopbackOnly(a.handleActive))
	mux.HandleFunc("/admin/v1/snapshot", a.loopbackOnly(a.handleSnapshot))
	mux.HandleFunc("/admin/v1/transitions", a.loopbackOnly(a.handleTransitions))
}

func (a adminAPI) loopbackOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		fn(rw, r)
	}
}

func (a adminAPI) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	st, err := a.h.State(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

type tuneBody struct {
	EntityID string  `json:"entity_id"`
	Kind     string  `json:"kind"`
	Op       string  `json:"op"`
	Value    float64 `json:"value"`
}

func (a adminAPI) handleTune(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body tuneBody
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 64*1024)).Decode(&body); err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json: " + err.Error()})
		return
	}
	req := vitals.Request{
		Entity: vitals.EntityID(body.EntityID),
		Kind:   vitals.Kind(strings.ToUpper(body.Kind)),
		Op:     vitals.Op(strings.ToUpper(body.Op)),
		Value:  body.Value,
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.h.Tune(ctx, req); err != nil {
		writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a adminAPI) handleSpawn(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	id, err := a.h.Spawn(ctx, strings.TrimSpace(r.URL.Query().Get("name")))
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "entity_id": id})
}

func (a adminAPI) handleActive(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	active, err := strconv.ParseBool(q.Get("active"))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "active must be a bool"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.h.SetActive(ctx, vitals.EntityID(q.Get("entity_id")), active); err != nil {
		writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a adminAPI) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tick, err := a.h.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
}

func (a adminAPI) handleTransitions(rw http.ResponseWriter, r *http.Request) {
	if a.idx == nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "index disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	trs, err := a.idx.RecentTransitions(r.Context(), limit)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "transitions": trs})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, host.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	hostname := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		hostname = h
	}
	hostname = strings.TrimPrefix(hostname, "[")
	hostname = strings.TrimSuffix(hostname, "]")
	ip := net.ParseIP(hostname)
	return ip != nil && ip.IsLoopback()
}
