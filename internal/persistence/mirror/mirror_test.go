package mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
	calls int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("unavailable")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMirror_UploadsRelativeKeysWithRetry(t *testing.T) {
	dir := t.TempDir()
	events := filepath.Join(dir, "hosts", "host_1", "events", "events-2026-03-01-10.jsonl.zst")
	snap := filepath.Join(dir, "hosts", "host_1", "snapshots", "6000.snap.zst")
	writeFile(t, events, "e")
	writeFile(t, snap, "s")

	up := &fakeUploader{fails: 1}
	m := New(up, dir, "/backups/", Options{})
	m.backoff = func(int) time.Duration { return 0 }
	m.Enqueue(events)
	m.Enqueue(snap)
	m.Enqueue(filepath.Join(t.TempDir(), "outside.snap.zst"))
	m.Close()
	m.Close()

	want := map[string]bool{
		"backups/hosts/host_1/events/events-2026-03-01-10.jsonl.zst": true,
		"backups/hosts/host_1/snapshots/6000.snap.zst":               true,
	}
	if len(up.keys) != 2 || !want[up.keys[0]] || !want[up.keys[1]] {
		t.Fatalf("keys: %v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 3 || st.UploadSuccessTotal != 2 || st.UploadFailTotal != 1 || st.DroppedTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if up.calls != 3 {
		t.Fatalf("calls=%d want 3 (one retry)", up.calls)
	}
}

func TestMirror_GivesUpAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.snap.zst")
	writeFile(t, p, "a")

	up := &fakeUploader{fails: 10}
	m := New(up, dir, "", Options{MaxAttempts: 2})
	m.backoff = func(int) time.Duration { return 0 }
	m.Enqueue(p)
	m.Close()

	if st := m.Stats(); st.UploadFailTotal != 1 || st.LastErrorUnix == 0 || st.UploadSuccessTotal != 0 {
		t.Fatalf("stats: %+v", st)
	}
	if up.calls != 2 {
		t.Fatalf("calls=%d want 2", up.calls)
	}
}

func TestMirror_DropsWhenSaturated(t *testing.T) {
	m := &Mirror{up: &fakeUploader{}, jobs: make(chan string, 1), enqueueWait: time.Millisecond}
	m.Enqueue("a")
	m.Enqueue("b")

	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.QueueSaturatedTotal != 1 || st.DroppedTotal != 1 || st.QueueDepth != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"/a/b.zst":    "a/b.zst",
		`a\b.zst`:     "a/b.zst",
		"a/../../etc": "etc",
		"  ":          "",
		"/":           "",
		"a/./b/../c":  "a/c",
		"../x":        "x",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}

type recordingTransport struct {
	mu     sync.Mutex
	method string
	path   string
	body   string
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b, _ := io.ReadAll(req.Body)
	rt.mu.Lock()
	rt.method, rt.path, rt.body = req.Method, req.URL.Path, string(b)
	rt.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": {`"etag"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestS3Client_PutFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "1.snap.zst")
	writeFile(t, p, "snapshot-bytes")

	rt := &recordingTransport{}
	c, err := NewS3(context.Background(), S3Config{
		Endpoint:        "http://mock.s3.local",
		Bucket:          "vitals",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
	}, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.PutFile(context.Background(), "/hosts/host_1/1.snap.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}
	if rt.method != http.MethodPut || rt.path != "/vitals/hosts/host_1/1.snap.zst" {
		t.Fatalf("request: %s %s", rt.method, rt.path)
	}
	if !strings.Contains(rt.body, "snapshot-bytes") {
		t.Fatalf("body: %q", rt.body)
	}

	if err := c.PutFile(context.Background(), "/", p); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := NewS3(context.Background(), S3Config{Bucket: "b", AccessKeyID: "only-id"}); err == nil {
		t.Fatalf("expected error for half-set credentials")
	}
}
