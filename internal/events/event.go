// Package events publishes delivery audit events for fulfilled orders.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeArtifactDelivered = "artifact_delivered"
	TypeOrderSettled      = "order_settled"
)

const schemaVersion = "1.0"

// Event describes one delivery or settlement. Events of one order form a
// hash chain through PrevHash.
type Event struct {
	Version   string    `json:"version"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	OrderID   string    `json:"order_id"`
	Item      string    `json:"item,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Path      string    `json:"path,omitempty"`
	Fresh     bool      `json:"fresh"`
	Delivered int       `json:"delivered,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	PrevHash  string    `json:"prev_event_hash"`
	Hash      string    `json:"event_hash"`
}

// ComputeHash returns the sha256 of the event with Hash cleared.
func ComputeHash(evt Event) string {
	evt.Hash = ""
	data, _ := json.Marshal(evt)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// chain tracks the last event hash per order.
type chain struct {
	mu    sync.Mutex
	heads map[string]string
}

func newChain() *chain {
	return &chain{heads: make(map[string]string)}
}

// seal fills in the identity and chain fields of evt and advances the head.
func (c *chain) seal(evt *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evt.Version = schemaVersion
	evt.EventID = uuid.New().String()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.PrevHash = c.heads[evt.OrderID]
	evt.Hash = ComputeHash(*evt)
	c.heads[evt.OrderID] = evt.Hash
}
