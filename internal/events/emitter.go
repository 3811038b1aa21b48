package events

import (
	"context"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
)

// Emitter publishes events.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// Config configures event emission.
type Config struct {
	Enabled    bool
	Endpoint   string // webhook URL; empty writes files only
	BackupDir  string
	Retries    int
	RetryDelay time.Duration
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := logging.Component("events")

	if !cfg.Enabled {
		log.Info("disabled, using no-op emitter")
		return &noopEmitter{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return createFileOnlyEmitter(cfg)
		}
		log.Info("using HTTP emitter", "endpoint", cfg.Endpoint)
		return emitter
	}

	return createFileOnlyEmitter(cfg)
}

func createFileOnlyEmitter(cfg Config) Emitter {
	log := logging.Component("events")

	emitter, err := NewFileOnlyEmitter(cfg.BackupDir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return &noopEmitter{}
	}
	log.Info("using file-only emitter", "dir", emitter.backup.dir)
	return emitter
}

// Noop returns an emitter that discards all events.
func Noop() Emitter {
	return &noopEmitter{}
}

// noopEmitter discards all events.
type noopEmitter struct{}

func (n *noopEmitter) Emit(_ context.Context, _ Event) error {
	return nil
}

func (n *noopEmitter) Close() error {
	return nil
}
