// Package checkpoint records per-order delivery progress so interrupted runs
// can report and resume unsettled orders.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint is the delivery progress of one order.
type Checkpoint struct {
	OrderID   string    `json:"order_id"`
	Delivered []string  `json:"delivered"`
	Failed    []string  `json:"failed,omitempty"`
	Abandoned []string  `json:"abandoned,omitempty"` // never retried
	Settled   bool      `json:"settled"`
	Polls     int       `json:"polls"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarkDelivered records item as delivered and clears any earlier failure.
func (c *Checkpoint) MarkDelivered(item string) {
	c.Failed = slices.DeleteFunc(c.Failed, func(s string) bool { return s == item })
	if !slices.Contains(c.Delivered, item) {
		c.Delivered = append(c.Delivered, item)
	}
}

// MarkFailed records a failed delivery of item.
func (c *Checkpoint) MarkFailed(item string) {
	if !slices.Contains(c.Failed, item) {
		c.Failed = append(c.Failed, item)
	}
}

// MarkAbandoned records item as permanently undeliverable. Abandoned items
// do not keep an order unsettled.
func (c *Checkpoint) MarkAbandoned(item string) {
	c.Failed = slices.DeleteFunc(c.Failed, func(s string) bool { return s == item })
	if !slices.Contains(c.Abandoned, item) {
		c.Abandoned = append(c.Abandoned, item)
	}
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint of an order.
	Load(ctx context.Context, orderID string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Unsettled returns the order IDs whose last checkpoint is not settled.
	Unsettled(ctx context.Context) ([]string, error)
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	// Ensure checkpoint directory exists
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

const filePrefix = "checkpoint_"

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

// checkpointPath returns the path to the checkpoint file for an order.
func (m *fileManager) checkpointPath(orderID string) string {
	filename := fmt.Sprintf("%s%s.json", filePrefix, orderID)
	return filepath.Join(m.dir, filename)
}

// Load reads the checkpoint of orderID from file.
func (m *fileManager) Load(ctx context.Context, orderID string) (*Checkpoint, error) {
	return m.loadFromPath(m.checkpointPath(orderID))
}

// loadFromPath reads a checkpoint from a specific file.
func (m *fileManager) loadFromPath(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.OrderID == "" {
		return fmt.Errorf("checkpoint has no order ID")
	}
	path := m.checkpointPath(cp.OrderID)

	cp.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Unsettled scans the checkpoint directory for orders not yet settled.
func (m *fileManager) Unsettled(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || !strings.HasPrefix(name, filePrefix) {
			continue
		}

		cp, err := m.loadFromPath(filepath.Join(m.dir, name))
		if err != nil {
			return nil, err
		}
		if !cp.Settled {
			ids = append(ids, cp.OrderID)
		}
	}

	sort.Strings(ids)
	return ids, nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, orderID string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

func (m *noopManager) Unsettled(ctx context.Context) ([]string, error) {
	return nil, nil
}
