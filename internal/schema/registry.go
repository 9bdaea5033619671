package schema

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// ErrDuplicateSchema is returned when a (category, version, subtype) key is
// registered twice.
var ErrDuplicateSchema = errors.New("duplicate schema")

// Key identifies one schema.
type Key struct {
	Category guid.GUID
	Version  uint8
	Subtype  uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%s v%d/%d", k.Category, k.Version, k.Subtype)
}

// Registry maps (category, version, subtype) to a Schema. It is filled at
// start-up and only read afterwards; lookups are safe from any goroutine.
type Registry struct {
	mu         sync.RWMutex
	schemas    map[Key]*Schema
	categories map[guid.GUID]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas:    make(map[Key]*Schema),
		categories: make(map[guid.GUID]string),
	}
}

// Register inserts schemas under category/version, each keyed by its own
// subtype. A key that already exists, or appears twice in schemas, rejects
// the whole call with ErrDuplicateSchema and leaves the registry unchanged.
func (r *Registry) Register(category guid.GUID, version uint8, schemas ...*Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[Key]*Schema, len(schemas))
	for _, s := range schemas {
		k := Key{Category: category, Version: version, Subtype: s.Subtype}
		if _, exists := r.schemas[k]; exists {
			return fmt.Errorf("%w: %s (%s)", ErrDuplicateSchema, k, s.Name)
		}
		if _, exists := batch[k]; exists {
			return fmt.Errorf("%w: %s (%s) declared twice", ErrDuplicateSchema, k, s.Name)
		}
		batch[k] = s
	}
	for k, s := range batch {
		s.Category, s.Version = category, version
		r.schemas[k] = s
	}
	return nil
}

// RegisterCategories registers every schema of every category. It stops at
// the first conflict.
func (r *Registry) RegisterCategories(categories ...*Category) error {
	for _, c := range categories {
		if err := r.Register(c.GUID, c.Version, c.Schemas()...); err != nil {
			return fmt.Errorf("category %s: %w", c.Name, err)
		}
		r.mu.Lock()
		r.categories[c.GUID] = c.Name
		r.mu.Unlock()
	}
	return nil
}

// Lookup returns the schema for the key. A miss is the normal outcome for
// event kinds nobody declared.
func (r *Registry) Lookup(category guid.GUID, version, subtype uint8) (*Schema, bool) {
	r.mu.RLock()
	s, ok := r.schemas[Key{Category: category, Version: version, Subtype: subtype}]
	r.mu.RUnlock()
	return s, ok
}

// CategoryName returns the declared name of a category GUID, or its string
// form when the category was registered without a name.
func (r *Registry) CategoryName(category guid.GUID) string {
	r.mu.RLock()
	name, ok := r.categories[category]
	r.mu.RUnlock()
	if ok {
		return name
	}
	return category.String()
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.schemas))
	for k := range r.schemas {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b Key) int {
	if c := compareGUID(a.Category, b.Category); c != 0 {
		return c
	}
	if a.Version != b.Version {
		return int(a.Version) - int(b.Version)
	}
	return int(a.Subtype) - int(b.Subtype)
}

func compareGUID(a, b guid.GUID) int {
	switch {
	case a.String() < b.String():
		return -1
	case a.String() > b.String():
		return 1
	}
	return 0
}

func sortedSubtypes(m map[uint8]string) []uint8 {
	out := make([]uint8, 0, len(m))
	for st := range m {
		out = append(out, st)
	}
	slices.Sort(out)
	return out
}
