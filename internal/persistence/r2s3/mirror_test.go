package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakePutter struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakePutter) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("503")
	}
	f.keys = append(f.keys, key)
	return nil
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("snap"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestMirror_UploadsWithPrefixAndRetry(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "snapshots", "progress-1.snap.zst")
	writeFile(t, local)

	fp := &fakePutter{fails: 2}
	m := NewMirror(fp, dir, "/prod/", 1, 4, 0, nil)
	m.backoff = time.Millisecond
	m.Enqueue(local)
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.snap.zst"))
	m.Close()

	if len(fp.keys) != 1 || fp.keys[0] != "prod/snapshots/progress-1.snap.zst" {
		t.Fatalf("keys=%v", fp.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_NilSafe(t *testing.T) {
	var m *Mirror
	m.Enqueue("x")
	m.Close()
	if m.Stats() != (Stats{}) {
		t.Fatalf("nil mirror stats must be zero")
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"a/b":         "a/b",
		"\\a\\b":      "a/b",
		"/a/./b/../c": "a/c",
		"../etc":      "",
		"   ":         "",
		"/":           "",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestClient_PutFilePathStyle(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(context.Background(), srv.URL, "backups", "AKID", "SECRET")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	local := filepath.Join(t.TempDir(), "f.snap.zst")
	writeFile(t, local)
	if err := c.PutFile(context.Background(), "snapshots/f.snap.zst", local); err != nil {
		t.Fatalf("put: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/backups/snapshots/f.snap.zst" {
		t.Fatalf("request=%s %s", method, path)
	}

	if _, err := New(context.Background(), "", "b", "k", "s"); err == nil {
		t.Fatalf("expected error for missing endpoint")
	}
}
