package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// flakyServer fails the first failures requests with a 503 and then serves
// body.
type flakyServer struct {
	mu       sync.Mutex
	failures int
	calls    int
	body     string
}

func (s *flakyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()

	if fail {
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte(s.body))
}

func (s *flakyServer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestFetchAlwaysFailingExhaustsAttempts(t *testing.T) {
	fs := &flakyServer{failures: 1000}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "scene.tar.gz")
	f := New(Config{MaxRetries: 3}, srv.Client())

	_, err := f.Fetch(context.Background(), srv.URL+"/scene.tar.gz", dest)

	var tfe *TransientFetchError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TransientFetchError, got %v", err)
	}
	if tfe.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", tfe.Attempts)
	}
	if !strings.Contains(tfe.Err.Error(), "503") {
		t.Errorf("last error should carry the status: %v", tfe.Err)
	}
	if fs.Calls() != 3 {
		t.Errorf("server saw %d requests, want 3", fs.Calls())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination must not exist after failure")
	}
}

func TestFetchSucceedsOnLastAttempt(t *testing.T) {
	fs := &flakyServer{failures: 2, body: "payload"}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "nested", "scene.tar.gz")
	f := New(Config{MaxRetries: 3}, srv.Client())

	got, err := f.Fetch(context.Background(), srv.URL+"/scene.tar.gz", dest)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got != dest {
		t.Errorf("path = %s, want %s", got, dest)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}
	if fs.Calls() != 3 {
		t.Errorf("server saw %d requests, want 3", fs.Calls())
	}

	entries, _ := os.ReadDir(filepath.Dir(dest))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestFetchZeroRetriesMeansOneAttempt(t *testing.T) {
	fs := &flakyServer{failures: 1000}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	f := New(Config{}, srv.Client())
	_, err := f.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if fs.Calls() != 1 {
		t.Errorf("server saw %d requests, want 1", fs.Calls())
	}
}

func TestFetchCancelledContext(t *testing.T) {
	fs := &flakyServer{failures: 1000}
	srv := httptest.NewServer(fs)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(Config{MaxRetries: 5}, srv.Client())
	_, err := f.Fetch(ctx, srv.URL, filepath.Join(t.TempDir(), "x"))

	var tfe *TransientFetchError
	if !errors.As(err, &tfe) {
		t.Fatalf("expected TransientFetchError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected wrapped context.Canceled, got %v", err)
	}
}
