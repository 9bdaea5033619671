package schema

import (
	"fmt"

	"github.com/Microsoft/go-winio/pkg/guid"

	"etw_decoder/internal/buffer"
)

// Schema is the layout of one (category, version, subtype) payload. Fields
// are listed in the order the producer serializes them.
type Schema struct {
	Category guid.GUID
	Version  uint8
	Subtype  uint8
	Name     string
	Fields   []Field
}

// Decode reads every field in order from r. It stops at the first field that
// cannot be decoded; the partial result is discarded.
func (s *Schema) Decode(ctx Context, r *buffer.Reader) (map[string]any, error) {
	values := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, err := f.Type.Decode(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("%s: field %s (%s) at offset %d: %w", s.Name, f.Name, f.Type.Name, r.Offset(), err)
		}
		values[f.Name] = v
	}
	return values, nil
}

// Encode serializes values in field order. Missing values are written as
// the zero value of their field type.
func (s *Schema) Encode(ctx Context, values map[string]any) ([]byte, error) {
	w := buffer.NewWriter()
	if err := s.EncodeTo(ctx, w, values); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// EncodeTo is Encode into a caller-supplied writer.
func (s *Schema) EncodeTo(ctx Context, w *buffer.Writer, values map[string]any) error {
	for _, f := range s.Fields {
		if err := f.Type.Encode(ctx, w, values[f.Name]); err != nil {
			return fmt.Errorf("%s: field %s (%s): %w", s.Name, f.Name, f.Type.Name, err)
		}
	}
	return nil
}

// Class groups the subtypes of a category that share one field layout, the
// way kernel event classes are declared.
type Class struct {
	Name     string
	Subtypes map[uint8]string // subtype -> event name, e.g. 1 -> "Start"
	Fields   []Field
}

// Category declares every class of one category at one version.
type Category struct {
	Name    string
	GUID    guid.GUID
	Version uint8
	Classes []Class
}

// Schemas expands the category into one Schema per subtype.
func (c *Category) Schemas() []*Schema {
	var out []*Schema
	for _, cl := range c.Classes {
		for _, st := range sortedSubtypes(cl.Subtypes) {
			out = append(out, &Schema{
				Category: c.GUID,
				Version:  c.Version,
				Subtype:  st,
				Name:     c.Name + "/" + cl.Subtypes[st],
				Fields:   cl.Fields,
			})
		}
	}
	return out
}
