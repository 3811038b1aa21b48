package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
)

// FileBackup saves events to local files for audit.
type FileBackup struct {
	dir string
}

// NewFileBackup creates a new file backup handler.
func NewFileBackup(dir string) (*FileBackup, error) {
	if dir == "" {
		dir = "./espa-events"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	return &FileBackup{dir: dir}, nil
}

// Save writes an event to {order}_{type}_{event id}.json.
func (f *FileBackup) Save(evt *Event) error {
	filename := fmt.Sprintf("%s_%s_%s.json", evt.OrderID, evt.Type, evt.EventID)
	path := filepath.Join(f.dir, filename)

	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	logging.Component("events").Debug("backed up event", "path", path)
	return nil
}

// FileOnlyEmitter writes events to files only.
type FileOnlyEmitter struct {
	chain  *chain
	backup *FileBackup
}

// NewFileOnlyEmitter creates an emitter that only writes to local files.
func NewFileOnlyEmitter(backupDir string) (*FileOnlyEmitter, error) {
	backup, err := NewFileBackup(backupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	return &FileOnlyEmitter{chain: newChain(), backup: backup}, nil
}

// Emit writes evt to a local file.
func (e *FileOnlyEmitter) Emit(_ context.Context, evt Event) error {
	e.chain.seal(&evt)
	return e.backup.Save(&evt)
}

// Close releases resources.
func (e *FileOnlyEmitter) Close() error {
	return nil
}
