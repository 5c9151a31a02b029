// Package arenas tracks memory arenas and the objects ("things") they are
// associated with.
//
// Identifiers follow the "Type:Address" convention of the trace log, e.g.
// "ArenaAllocator:0x976d1300". Things and arenas are created on first
// reference.
package arenas

import (
	"sort"
	"strings"

	"github.com/grafana/cachelog/pkg/ranges"
)

const (
	// ArenaType is the type of identifiers that always denote arenas.
	ArenaType = "ArenaAllocator"
	// UnknownType is assigned to identifiers without a type prefix.
	UnknownType = "Unknown"
)

// TypeOf returns the type part of a "Type:Address" identifier.
func TypeOf(ident string) string {
	if i := strings.IndexByte(ident, ':'); i > 0 {
		return ident[:i]
	}
	return UnknownType
}

// Thing is a named entity with typed links to other things and free-form
// properties. A thing holds one link per type; the last one wins.
type Thing struct {
	Ident      string
	associated map[string]string
	properties map[string]string
}

func newThing(ident string) *Thing {
	return &Thing{
		Ident:      ident,
		associated: make(map[string]string),
		properties: make(map[string]string),
	}
}

func (t *Thing) associate(thingType, ident string) { t.associated[thingType] = ident }

func (t *Thing) setProperty(name, value string) { t.properties[name] = value }

// Property returns the value of a property.
func (t *Thing) Property(name string) (string, bool) {
	v, ok := t.properties[name]
	return v, ok
}

// Associated returns the identifier linked under the given type.
func (t *Thing) Associated(thingType string) (string, bool) {
	v, ok := t.associated[thingType]
	return v, ok
}

// Arena is a thing that owns a set of allocated chunks.
type Arena struct {
	Thing
	chunks ranges.Set
}

// Ranges returns the address ranges currently allocated in the arena.
func (a *Arena) Ranges() *ranges.Set { return &a.chunks }

// Registry holds the arenas and things of one analysis run.
type Registry struct {
	arenas map[string]*Arena
	order  []string
	things map[string]*Thing
}

func New() *Registry {
	return &Registry{
		arenas: make(map[string]*Arena),
		things: make(map[string]*Thing),
	}
}

func (r *Registry) arena(ident string) *Arena {
	a, ok := r.arenas[ident]
	if !ok {
		a = &Arena{Thing: *newThing(ident)}
		r.arenas[ident] = a
		r.order = append(r.order, ident)
	}
	return a
}

func (r *Registry) thing(ident string) *Thing {
	t, ok := r.things[ident]
	if !ok {
		t = newThing(ident)
		r.things[ident] = t
	}
	return t
}

// IsArena reports whether ident names an arena: either it has been seen as
// one, or its type is ArenaType.
func (r *Registry) IsArena(ident string) bool {
	if _, ok := r.arenas[ident]; ok {
		return true
	}
	return TypeOf(ident) == ArenaType
}

// Arenas returns arena identifiers in order of first reference.
func (r *Registry) Arenas() []string {
	return append([]string(nil), r.order...)
}

// Arena returns the arena with the given identifier, if it exists.
func (r *Registry) Arena(ident string) (*Arena, bool) {
	a, ok := r.arenas[ident]
	return a, ok
}

// Thing returns the thing with the given identifier, if it exists.
func (r *Registry) Thing(ident string) (*Thing, bool) {
	t, ok := r.things[ident]
	return t, ok
}

func (r *Registry) AllocateChunk(ident string, start, size uint64) {
	r.arena(ident).chunks.Add(start, size)
}

func (r *Registry) DeallocateChunk(ident string, start, size uint64) {
	r.arena(ident).chunks.Remove(start, size)
}

// AssociateThingWithThing links two things in both directions.
func (r *Registry) AssociateThingWithThing(type1, ident1, type2, ident2 string) {
	r.thing(ident1).associate(type2, ident2)
	r.thing(ident2).associate(type1, ident1)
}

// AssociateArenaWithThing links an arena to a thing. The link is one-way.
func (r *Registry) AssociateArenaWithThing(arenaIdent, thingType, thingIdent string) {
	r.arena(arenaIdent).associate(thingType, thingIdent)
}

// Associate records a "[ident1] has [ident2]" association, deriving both
// types from the identifiers. When either side is an arena the link goes
// from the arena to the other side.
func (r *Registry) Associate(ident1, ident2 string) {
	switch {
	case r.IsArena(ident2):
		r.AssociateArenaWithThing(ident2, TypeOf(ident1), ident1)
	case r.IsArena(ident1):
		r.AssociateArenaWithThing(ident1, TypeOf(ident2), ident2)
	default:
		r.AssociateThingWithThing(TypeOf(ident1), ident1, TypeOf(ident2), ident2)
	}
}

// SetThingProperty upserts a property. Properties of arenas are stored on
// the arena itself.
func (r *Registry) SetThingProperty(ident, name, value string) {
	if a, ok := r.arenas[ident]; ok {
		a.setProperty(name, value)
		return
	}
	r.thing(ident).setProperty(name, value)
}

// ArenaCoveringAddress returns the arena that has addr allocated.
func (r *Registry) ArenaCoveringAddress(addr uint64) (string, bool) {
	for _, ident := range r.order {
		if r.arenas[ident].chunks.Contains(addr) {
			return ident, true
		}
	}
	return "", false
}

// ArenaDescription renders the things associated with an arena, nested, e.g.
//
//	{ nsPresArena:0x4: { PresShell:0x5: { url: dl-test.html } } }
//
// A thing already being described further up is not expanded again.
func (r *Registry) ArenaDescription(ident string) string {
	return r.describe(&r.arena(ident).Thing, make(map[string]struct{}))
}

func (r *Registry) describe(t *Thing, path map[string]struct{}) string {
	path[t.Ident] = struct{}{}
	defer delete(path, t.Ident)

	types := make([]string, 0, len(t.associated))
	for typ := range t.associated {
		types = append(types, typ)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types)+len(t.properties))
	for _, typ := range types {
		ident := t.associated[typ]
		if _, ok := path[ident]; ok {
			continue
		}
		sub, ok := r.things[ident]
		if !ok {
			sub = newThing(ident)
		}
		parts = append(parts, ident+": "+r.describe(sub, path))
	}
	names := make([]string, 0, len(t.properties))
	for name := range t.properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+": "+t.properties[name])
	}
	return "{ " + strings.Join(parts, ", ") + " }"
}
