package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vitalsync.ai/internal/persistence/indexdb"
	"vitalsync.ai/internal/persistence/snapshot"
	"vitalsync.ai/internal/sim/clock"
	"vitalsync.ai/internal/sim/host"
	"vitalsync.ai/internal/sim/vitals"
)

func newAdminMux(t *testing.T) (*http.ServeMux, *host.Host, *indexdb.SQLiteIndex) {
	t.Helper()
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "host.sqlite"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	h := host.New(host.DefaultConfig(), host.Options{Clock: clock.NewFake(time.Unix(0, 0))})
	h.SetEventLogger(multiEventLogger{idx})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = idx.Close()
	})

	mux := http.NewServeMux()
	adminAPI{h: h, idx: idx}.register(mux)
	return mux, h, idx
}

func do(t *testing.T, mux *http.ServeMux, method, target, body string) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var out map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr.Code, out
}

func TestAdmin_SpawnTuneAndState(t *testing.T) {
	mux, _, _ := newAdminMux(t)

	code, out := do(t, mux, http.MethodPost, "/admin/v1/spawn?name=dummy", "")
	if code != http.StatusOK || out["entity_id"] != "E1" {
		t.Fatalf("spawn: %d %v", code, out)
	}
	code, out = do(t, mux, http.MethodPost, "/admin/v1/tune", `{"entity_id":"E1","kind":"health","op":"change","value":-30}`)
	if code != http.StatusOK {
		t.Fatalf("tune: %d %v", code, out)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var st host.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("state: %v", err)
	}
	if len(st.Entities) != 1 || st.Entities[0].Name != "dummy" {
		t.Fatalf("state: %+v", st)
	}
	for _, v := range st.Entities[0].Vitals {
		if v.Kind == vitals.KindHealth && v.Value != 70 {
			t.Fatalf("health: %+v", v)
		}
	}
}

func TestAdmin_TuneErrors(t *testing.T) {
	mux, _, _ := newAdminMux(t)

	if code, _ := do(t, mux, http.MethodGet, "/admin/v1/tune", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET tune: %d", code)
	}
	if code, _ := do(t, mux, http.MethodPost, "/admin/v1/tune", `{`); code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", code)
	}
	if code, _ := do(t, mux, http.MethodPost, "/admin/v1/tune", `{"entity_id":"E9","kind":"HEALTH","op":"SET","value":1}`); code != http.StatusNotFound {
		t.Fatalf("unknown entity: %d", code)
	}
	if code, _ := do(t, mux, http.MethodPost, "/admin/v1/tune", `{"kind":"MANA","op":"SET","value":1}`); code != http.StatusBadRequest {
		t.Fatalf("unknown kind: %d", code)
	}
	if code, _ := do(t, mux, http.MethodPost, "/admin/v1/active?entity_id=E1&active=maybe", ""); code != http.StatusBadRequest {
		t.Fatalf("bad active: %d", code)
	}
}

func TestAdmin_RejectsRemoteCallers(t *testing.T) {
	mux, _, _ := newAdminMux(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAdmin_TransitionsFromIndex(t *testing.T) {
	mux, _, _ := newAdminMux(t)
	do(t, mux, http.MethodPost, "/admin/v1/spawn", "")
	if code, out := do(t, mux, http.MethodPost, "/admin/v1/tune", `{"entity_id":"E1","kind":"HEALTH","op":"SET","value":0}`); code != http.StatusOK {
		t.Fatalf("tune: %d %v", code, out)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, out := do(t, mux, http.MethodGet, "/admin/v1/transitions?limit=5", "")
		if trs, _ := out["transitions"].([]any); len(trs) == 1 {
			tr := trs[0].(map[string]any)
			if tr["entity_id"] != "E1" || tr["kind"] != "HEALTH" || tr["tripped"] != true {
				t.Fatalf("transition: %v", tr)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("transition never indexed: %v", out)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAdmin_SnapshotWithoutSink(t *testing.T) {
	mux, _, _ := newAdminMux(t)
	code, out := do(t, mux, http.MethodPost, "/admin/v1/snapshot", "")
	if code != http.StatusServiceUnavailable || out["ok"] != false {
		t.Fatalf("snapshot: %d %v", code, out)
	}
}

type failingLogger struct{ n int }

func (f *failingLogger) WriteEvent(host.EventLogEntry) error {
	f.n++
	return errors.New("disk full")
}

type countingLogger struct{ n int }

func (c *countingLogger) WriteEvent(host.EventLogEntry) error {
	c.n++
	return nil
}

func TestMultiEventLogger_WritesAll(t *testing.T) {
	bad, good := &failingLogger{}, &countingLogger{}
	m := multiEventLogger{bad, nil, good}
	if err := m.WriteEvent(host.EventLogEntry{Tick: 1}); err == nil {
		t.Fatalf("expected first error")
	}
	if bad.n != 1 || good.n != 1 {
		t.Fatalf("writes bad=%d good=%d", bad.n, good.n)
	}
}

func TestWriteSnapshots(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan snapshot.SnapshotV1, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		writeSnapshots(ctx, in, dir, nil, nil, log.New(io.Discard, "", 0))
	}()

	in <- snapshot.SnapshotV1{Header: snapshot.Header{Version: 1, HostID: "host_1", Tick: 42}}
	path := snapshot.Path(dir, 42)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot not written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	snap, err := snapshot.ReadSnapshot(path)
	if err != nil || snap.Header.Tick != 42 {
		t.Fatalf("read: %+v %v", snap.Header, err)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:80":       true,
		"10.0.0.1:80":    false,
		"not-an-address": false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v", addr, got)
		}
	}
}
