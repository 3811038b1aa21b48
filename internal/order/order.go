// Package order builds submittable ESPA orders from template content and
// submits them without duplicating earlier runs.
package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/template"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/tiles"
)

var (
	// ErrInvalidOrderNote is returned when a required note is empty.
	ErrInvalidOrderNote = errors.New("order note must not be empty")

	// ErrEmptyOrderTemplate is returned when there is no template content to
	// build an order from.
	ErrEmptyOrderTemplate = errors.New("order template is empty")

	// ErrUnknownProduct is returned when tiles target a product the template
	// does not define.
	ErrUnknownProduct = errors.New("product is not in template")

	// ErrInvalidClient is returned when Submit is given no gateway.
	ErrInvalidClient = errors.New("order gateway is required")
)

// Order is one submittable request. It owns a private copy of the template
// content it was built from; write edits back to a template explicitly with
// Content.
type Order struct {
	content     *template.Content
	recognizer  *tiles.Recognizer
	extractor   tiles.Extractor
	enforceNote bool
}

// Option configures an Order.
type Option func(*Order)

// WithoutNoteEnforcement allows an empty note. Orders without a note are
// never deduplicated.
func WithoutNoteEnforcement() Option {
	return func(o *Order) { o.enforceNote = false }
}

// WithRecognizer sets the recognizer used to validate added tiles.
func WithRecognizer(r *tiles.Recognizer) Option {
	return func(o *Order) { o.recognizer = r }
}

// WithExtractor sets how rejected tiles are found in a rejection body.
func WithExtractor(e tiles.Extractor) Option {
	return func(o *Order) { o.extractor = e }
}

// New builds an Order from a snapshot of content.
func New(content *template.Content, note string, opts ...Option) (*Order, error) {
	if content == nil || len(content.Products) == 0 {
		return nil, ErrEmptyOrderTemplate
	}

	recognizer := tiles.Default()
	o := &Order{
		content:     content.Clone(),
		recognizer:  recognizer,
		extractor:   recognizer,
		enforceNote: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if err := o.SetNote(note); err != nil {
		return nil, err
	}
	return o, nil
}

// FromTemplate loads t and builds an Order from it.
func FromTemplate(ctx context.Context, t *template.Template, note string, opts ...Option) (*Order, error) {
	if t == nil {
		return nil, ErrEmptyOrderTemplate
	}
	content, err := t.Content(ctx)
	if err != nil {
		if errors.Is(err, template.ErrTemplateNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrEmptyOrderTemplate, err)
		}
		return nil, err
	}
	return New(content, note, opts...)
}

// Note returns the order note.
func (o *Order) Note() string {
	return o.content.Note
}

// SetNote replaces the note.
func (o *Order) SetNote(note string) error {
	if o.enforceNote && strings.TrimSpace(note) == "" {
		return ErrInvalidOrderNote
	}
	o.content.Note = note
	return nil
}

// Products returns the product keys of the order, sorted.
func (o *Order) Products() []string {
	return o.content.ProductKeys()
}

// Tiles returns a copy of the inputs of product.
func (o *Order) Tiles(product string) []string {
	p, ok := o.content.Products[product]
	if !ok {
		return nil
	}
	return slices.Clone(p.Inputs)
}

// AddTiles appends tiles to product's inputs. Every tile is validated before
// any is added. Duplicates are kept.
func (o *Order) AddTiles(product string, tiles ...string) error {
	p, ok := o.content.Products[product]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}
	if err := o.recognizer.Validate(product, tiles); err != nil {
		return err
	}
	p.Inputs = append(p.Inputs, tiles...)
	return nil
}

// RemoveTiles deletes every occurrence of tiles from product's inputs and
// returns how many entries were removed.
func (o *Order) RemoveTiles(product string, tiles ...string) (int, error) {
	p, ok := o.content.Products[product]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownProduct, product)
	}

	before := len(p.Inputs)
	p.Inputs = slices.DeleteFunc(p.Inputs, func(t string) bool {
		return slices.Contains(tiles, t)
	})
	return before - len(p.Inputs), nil
}

// Content returns a copy of the order content, for saving back to a template.
func (o *Order) Content() *template.Content {
	return o.content.Clone()
}

// Payload returns the JSON body to submit. Product entries without inputs
// are left out.
func (o *Order) Payload() ([]byte, error) {
	c := o.content.Clone()
	for k, p := range c.Products {
		if len(p.Inputs) == 0 {
			delete(c.Products, k)
		}
	}

	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}
	return data, nil
}
