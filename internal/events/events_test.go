package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func TestComputeHashIgnoresHashField(t *testing.T) {
	evt := Event{
		Version:   schemaVersion,
		EventID:   "id-1",
		Type:      TypeArtifactDelivered,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		OrderID:   "espa-1",
		Item:      "LC08_A",
		Path:      "/data/LC08_A",
		Fresh:     true,
	}

	first := ComputeHash(evt)
	evt.Hash = "sha256:something"
	if ComputeHash(evt) != first {
		t.Error("hash must not depend on the Hash field")
	}

	evt.Item = "LC08_B"
	if ComputeHash(evt) == first {
		t.Error("hash must change when content changes")
	}
	if first[:7] != "sha256:" {
		t.Errorf("hash should start with sha256:, got %s", first)
	}
}

func TestFileOnlyEmitterChainsPerOrder(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileOnlyEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileOnlyEmitter failed: %v", err)
	}

	ctx := context.Background()
	e.Emit(ctx, Event{Type: TypeArtifactDelivered, OrderID: "espa-1", Item: "A"})
	e.Emit(ctx, Event{Type: TypeArtifactDelivered, OrderID: "espa-2", Item: "B"})
	e.Emit(ctx, Event{Type: TypeOrderSettled, OrderID: "espa-1", Delivered: 1})

	entries, _ := os.ReadDir(dir)
	if len(entries) != 3 {
		t.Fatalf("expected 3 event files, got %d", len(entries))
	}

	var events []Event
	for _, entry := range entries {
		data, _ := os.ReadFile(dir + "/" + entry.Name())
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode %s: %v", entry.Name(), err)
		}
		events = append(events, evt)
	}

	byType := map[string]Event{}
	for _, evt := range events {
		byType[evt.OrderID+"/"+evt.Type] = evt
	}

	delivered := byType["espa-1/"+TypeArtifactDelivered]
	settled := byType["espa-1/"+TypeOrderSettled]
	other := byType["espa-2/"+TypeArtifactDelivered]

	if delivered.PrevHash != "" {
		t.Errorf("first event of an order should have no prev hash, got %s", delivered.PrevHash)
	}
	if settled.PrevHash != delivered.Hash {
		t.Errorf("settled prev hash = %s, want %s", settled.PrevHash, delivered.Hash)
	}
	if other.PrevHash != "" {
		t.Error("chains must be independent per order")
	}
	if settled.EventID == "" || settled.Version != schemaVersion {
		t.Errorf("event identity not filled: %+v", settled)
	}
}

func TestHTTPEmitterRetries(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var received Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			http.Error(w, "try again", http.StatusBadGateway)
			return
		}
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Endpoint: srv.URL, BackupDir: t.TempDir(), Retries: 3, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("NewHTTPEmitter failed: %v", err)
	}

	if err := e.Emit(context.Background(), Event{Type: TypeArtifactDelivered, OrderID: "espa-1", Item: "A"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if received.OrderID != "espa-1" || received.Hash == "" {
		t.Errorf("received = %+v", received)
	}
}

func TestHTTPEmitterGivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, _ := NewHTTPEmitter(Config{Endpoint: srv.URL, BackupDir: dir, Retries: 2, RetryDelay: time.Millisecond})

	if err := e.Emit(context.Background(), Event{Type: TypeOrderSettled, OrderID: "espa-1"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("event should still be backed up locally, found %d files", len(entries))
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	e := NewEmitter(Config{Enabled: false})
	if _, ok := e.(*noopEmitter); !ok {
		t.Errorf("disabled config should give no-op emitter, got %T", e)
	}
	if err := e.Emit(context.Background(), Event{}); err != nil {
		t.Errorf("noop Emit failed: %v", err)
	}
}
