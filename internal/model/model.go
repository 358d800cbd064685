// Package model holds the immutable effective statement forest produced by
// a completed build. Once constructed it is safe for arbitrarily many
// concurrent readers; no mutation entry point exists.
package model

import (
	"fmt"
	"strings"

	"modelforge/internal/source"
)

// Provenance records how an effective statement entered the model.
type Provenance uint8

const (
	// ProvenanceNone marks a directly declared statement.
	ProvenanceNone Provenance = iota
	// ProvenanceEmbed marks a statement copied in by group reuse.
	ProvenanceEmbed
	// ProvenanceExtend marks a statement grafted in by an extend.
	ProvenanceExtend
)

func (p Provenance) String() string {
	switch p {
	case ProvenanceEmbed:
		return "embed"
	case ProvenanceExtend:
		return "extend"
	default:
		return "declared"
	}
}

// Statement is one fully resolved, immutable effective statement.
type Statement struct {
	keyword  string
	argument string
	loc      source.Location
	prov     Provenance
	children []*Statement
	origin   *Statement
}

// NewStatement constructs an effective statement. It is intended for the
// build reactor; consumers only read.
func NewStatement(keyword, argument string, loc source.Location, prov Provenance, children []*Statement) *Statement {
	return &Statement{keyword: keyword, argument: argument, loc: loc, prov: prov, children: children}
}

// LinkOrigin records the original incarnation of a copied statement. Only
// the build reactor calls this, before the model is published.
func (e *Statement) LinkOrigin(origin *Statement) { e.origin = origin }

func (e *Statement) Keyword() string        { return e.keyword }
func (e *Statement) Argument() string       { return e.argument }
func (e *Statement) Loc() source.Location   { return e.loc }
func (e *Statement) Provenance() Provenance { return e.prov }

// Origin returns the statement this one was copied from, following the copy
// chain to its true original. A directly declared statement is its own
// origin.
func (e *Statement) Origin() *Statement {
	if e.origin == nil {
		return e
	}
	return e.origin
}

// Substatements returns the ordered effective substatements. Callers must
// not modify the returned slice.
func (e *Statement) Substatements() []*Statement { return e.children }

// Child returns the first substatement with the given keyword, or nil.
func (e *Statement) Child(keyword string) *Statement {
	for _, c := range e.children {
		if c.keyword == keyword {
			return c
		}
	}
	return nil
}

// Find descends through named substatements (matching arguments) and
// returns the statement at the end of the path, or nil.
func (e *Statement) Find(path ...string) *Statement {
	cur := e
	for _, name := range path {
		var next *Statement
		for _, c := range cur.children {
			if c.argument == name {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func (e *Statement) String() string {
	if e.argument == "" {
		return e.keyword
	}
	return e.keyword + " " + e.argument
}

// Model is the finished effective model: one effective tree per source
// document plus the frozen cross-reference surface.
type Model struct {
	order   []string
	schemas map[string]*Statement
	aliases map[string]map[string]string
}

// New assembles a model. schemas must be keyed by canonical schema name;
// order fixes deterministic iteration; aliases maps schema name to its
// import-alias table (alias -> canonical schema name).
func New(order []string, schemas map[string]*Statement, aliases map[string]map[string]string) *Model {
	return &Model{order: order, schemas: schemas, aliases: aliases}
}

// Schema returns the effective tree for the named schema.
func (m *Model) Schema(name string) *Statement { return m.schemas[name] }

// SchemaNames returns schema names in document order.
func (m *Model) SchemaNames() []string { return append([]string(nil), m.order...) }

// ResolveAlias maps an import alias within schema to the canonical schema
// name it refers to.
func (m *Model) ResolveAlias(schema, alias string) (string, bool) {
	name, ok := m.aliases[schema][alias]
	return name, ok
}

// Resolve walks a path of statement names starting at the named schema. The
// first path segment may carry an import alias prefix ("a:name").
func (m *Model) Resolve(schema string, path ...string) (*Statement, error) {
	root := m.Schema(schema)
	if root == nil {
		return nil, fmt.Errorf("unknown schema %q", schema)
	}
	if len(path) > 0 {
		if i := strings.IndexByte(path[0], ':'); i >= 0 {
			canonical, ok := m.ResolveAlias(schema, path[0][:i])
			if !ok {
				return nil, fmt.Errorf("unknown alias %q in schema %q", path[0][:i], schema)
			}
			return m.Resolve(canonical, append([]string{path[0][i+1:]}, path[1:]...)...)
		}
	}
	st := root.Find(path...)
	if st == nil {
		return nil, fmt.Errorf("no statement at /%s in schema %q", strings.Join(path, "/"), schema)
	}
	return st, nil
}
