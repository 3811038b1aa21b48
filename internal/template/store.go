package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/storage"
)

var (
	// ErrTemplateNotFound is returned when no document exists for a name.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrEmptyTemplate is returned when saving or using a template that has
	// no content.
	ErrEmptyTemplate = errors.New("template has no content")
)

const suffix = ".json"

// Store persists templates as indented JSON documents named <name>.json.
type Store struct {
	bucket *blob.Bucket
}

// NewStore creates a Store over bucket.
func NewStore(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Key returns the object key holding the template called name.
func Key(name string) string {
	return name + suffix
}

// Load reads the template called name.
func (s *Store) Load(ctx context.Context, name string) (*Content, error) {
	data, err := s.bucket.ReadAll(ctx, Key(name))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("read template %s: %w", name, err)
	}

	var c Content
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}

	logging.Component("template").Info("loaded template", "name", name, "products", len(c.Products))
	return &c, nil
}

// Save writes c under name.
func (s *Store) Save(ctx context.Context, name string, c *Content) error {
	if c == nil {
		return fmt.Errorf("%w: %s", ErrEmptyTemplate, name)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal template %s: %w", name, err)
	}

	if err := storage.WriteAll(ctx, s.bucket, Key(name), "application/json", data); err != nil {
		return fmt.Errorf("save template %s: %w", name, err)
	}
	return nil
}

// Exists reports whether a template called name is stored.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return s.bucket.Exists(ctx, Key(name))
}

// List returns the stored template names, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	keys, err := storage.ListKeys(ctx, s.bucket, suffix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = strings.TrimSuffix(k, suffix)
	}
	return names, nil
}

// Template returns a handle on the template called name. Nothing is read
// until Content is first called.
func (s *Store) Template(name string) *Template {
	return &Template{name: name, store: s}
}

// Template is a named template whose content is loaded lazily.
type Template struct {
	name  string
	store *Store

	mu      sync.Mutex
	content *Content
}

// Name returns the template name.
func (t *Template) Name() string {
	return t.name
}

// Content returns the template content, loading it on first use.
func (t *Template) Content(ctx context.Context) (*Content, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.content != nil {
		return t.content, nil
	}

	c, err := t.store.Load(ctx, t.name)
	if err != nil {
		return nil, err
	}
	t.content = c
	return c, nil
}

// Set replaces the in-memory content. It is persisted only by Save.
func (t *Template) Set(c *Content) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content = c
}

// Save persists the in-memory content.
func (t *Template) Save(ctx context.Context) error {
	t.mu.Lock()
	c := t.content
	t.mu.Unlock()

	return t.store.Save(ctx, t.name, c)
}

// CopyFrom replaces this template's content with a copy of the template
// called other.
func (t *Template) CopyFrom(ctx context.Context, other string) error {
	c, err := t.store.Load(ctx, other)
	if err != nil {
		return err
	}
	t.Set(c.Clone())
	return nil
}
