package handlers

import (
	"slices"

	"github.com/Microsoft/go-winio/pkg/guid"
)

// Key is the (category, subtype) pair handlers are bound to.
type Key struct {
	Category guid.GUID
	Subtype  uint8
}

// Table is a flat set of handler bindings.
type Table map[Key]HandlerFunc

// Consumer is implemented by anything that declares handler bindings.
type Consumer interface {
	EventHandlers() Table
}

// DerivedConsumer is a Consumer that extends other consumers. Its table is
// the union of its bases' tables and its own, its own bindings winning.
type DerivedConsumer interface {
	Consumer
	Bases() []Consumer
}

// Routes builds a table for one category from a subtype map literal.
func Routes(category guid.GUID, routes map[uint8]HandlerFunc) Table {
	t := make(Table, len(routes))
	for subtype, h := range routes {
		t[Key{Category: category, Subtype: subtype}] = h
	}
	return t
}

// Merge copies every binding of src into t, replacing existing keys.
func (t Table) Merge(src Table) Table {
	for k, h := range src {
		t[k] = h
	}
	return t
}

// SortedKeys returns the table keys in a stable order.
func (t Table) SortedKeys() []Key {
	keys := make([]Key, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Category != b.Category {
			if a.Category.String() < b.Category.String() {
				return -1
			}
			return 1
		}
		return int(a.Subtype) - int(b.Subtype)
	})
	return keys
}

// maxDepth bounds the ancestor walk so a consumer listing itself as a base
// cannot recurse forever.
const maxDepth = 32

// BuildTable flattens c and its ancestors into one table. Ancestors are
// applied first, depth first and in declaration order, so a later base
// overrides an earlier one and c overrides all of them.
func BuildTable(c Consumer) Table {
	return buildTable(c, 0)
}

func buildTable(c Consumer, depth int) Table {
	t := make(Table)
	if depth > maxDepth {
		return t
	}
	if d, ok := c.(DerivedConsumer); ok {
		for _, base := range d.Bases() {
			t.Merge(buildTable(base, depth+1))
		}
	}
	return t.Merge(c.EventHandlers())
}

// Register adds every binding of c, including inherited ones, to router in
// a stable order.
func Register(router Router, c Consumer) {
	t := BuildTable(c)
	for _, k := range t.SortedKeys() {
		router.AddRoute(k.Category, k.Subtype, t[k])
	}
}

// RegisterRoutesForGUID registers multiple event handlers for a specific category GUID.
func RegisterRoutesForGUID(router Router, category guid.GUID, routes map[uint8]HandlerFunc) {
	subtypes := make([]uint8, 0, len(routes))
	for st := range routes {
		subtypes = append(subtypes, st)
	}
	slices.Sort(subtypes)
	for _, st := range subtypes {
		router.AddRoute(category, st, routes[st])
	}
}
