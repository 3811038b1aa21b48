// Package template holds reusable order templates and the store that
// persists them by name.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ProductRequest is one product entry of an order: the input scenes and the
// derived outputs wanted for them.
type ProductRequest struct {
	Inputs   []string
	Products []string

	extra map[string]json.RawMessage
}

func (p *ProductRequest) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.extra)+2)
	for k, v := range p.extra {
		out[k] = v
	}
	inputs := p.Inputs
	if inputs == nil {
		inputs = []string{}
	}
	products := p.Products
	if products == nil {
		products = []string{}
	}
	out["inputs"] = inputs
	out["products"] = products
	return json.Marshal(out)
}

func (p *ProductRequest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = ProductRequest{}
	for k, v := range raw {
		switch k {
		case "inputs":
			if err := json.Unmarshal(v, &p.Inputs); err != nil {
				return fmt.Errorf("decode inputs: %w", err)
			}
		case "products":
			if err := json.Unmarshal(v, &p.Products); err != nil {
				return fmt.Errorf("decode products: %w", err)
			}
		default:
			if p.extra == nil {
				p.extra = make(map[string]json.RawMessage)
			}
			p.extra[k] = v
		}
	}
	return nil
}

func (p *ProductRequest) clone() *ProductRequest {
	c := &ProductRequest{
		Inputs:   append([]string(nil), p.Inputs...),
		Products: append([]string(nil), p.Products...),
	}
	if p.extra != nil {
		c.extra = make(map[string]json.RawMessage, len(p.extra))
		for k, v := range p.extra {
			c.extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// Content is the document a template stores. Top-level objects carrying an
// "inputs" key are product entries; keys the fetcher does not model are kept
// verbatim in Extra.
type Content struct {
	Products     map[string]*ProductRequest
	Format       string
	Projection   json.RawMessage
	ImageExtents json.RawMessage
	Note         string
	Extra        map[string]json.RawMessage
}

// ProductKeys returns the product entry names, sorted.
func (c *Content) ProductKeys() []string {
	keys := make([]string, 0, len(c.Products))
	for k := range c.Products {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Content) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+len(c.Products)+4)
	for k, v := range c.Extra {
		out[k] = v
	}
	for k, v := range c.Products {
		out[k] = v
	}
	if c.Format != "" {
		out["format"] = c.Format
	}
	if len(c.Projection) > 0 {
		out["projection"] = c.Projection
	}
	if len(c.ImageExtents) > 0 {
		out["image_extents"] = c.ImageExtents
	}
	out["note"] = c.Note
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = Content{Products: make(map[string]*ProductRequest)}
	for k, v := range raw {
		switch k {
		case "format":
			if err := json.Unmarshal(v, &c.Format); err != nil {
				return fmt.Errorf("decode format: %w", err)
			}
		case "note":
			var note *string
			if err := json.Unmarshal(v, &note); err != nil {
				return fmt.Errorf("decode note: %w", err)
			}
			if note != nil {
				c.Note = *note
			}
		case "projection":
			c.Projection = v
		case "image_extents":
			c.ImageExtents = v
		default:
			if isProductEntry(v) {
				var p ProductRequest
				if err := json.Unmarshal(v, &p); err != nil {
					return fmt.Errorf("decode product %s: %w", k, err)
				}
				c.Products[k] = &p
				continue
			}
			if c.Extra == nil {
				c.Extra = make(map[string]json.RawMessage)
			}
			c.Extra[k] = v
		}
	}
	return nil
}

func isProductEntry(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || v[0] != '{' {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(v, &probe); err != nil {
		return false
	}
	_, ok := probe["inputs"]
	return ok
}

// Clone returns a deep copy of c.
func (c *Content) Clone() *Content {
	out := &Content{
		Products:     make(map[string]*ProductRequest, len(c.Products)),
		Format:       c.Format,
		Projection:   append(json.RawMessage(nil), c.Projection...),
		ImageExtents: append(json.RawMessage(nil), c.ImageExtents...),
		Note:         c.Note,
	}
	for k, v := range c.Products {
		out.Products[k] = v.clone()
	}
	if c.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
