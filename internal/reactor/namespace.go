package reactor

import (
	"fmt"
	"reflect"
)

// Behaviour governs how a namespace scopes its keys.
type Behaviour uint8

const (
	// Global keeps one map for the whole build.
	Global Behaviour = iota
	// TreeScoped roots storage at an ancestor context; lookup walks from the
	// reference point toward the document root, nearest-enclosing-first.
	TreeScoped
	// SourceLocal keeps one map per top-level source document.
	SourceLocal
	// Derived computes its entries lazily as a projection over another
	// namespace and caches them per key.
	Derived
)

func (b Behaviour) String() string {
	switch b {
	case Global:
		return "GLOBAL"
	case TreeScoped:
		return "TREE_SCOPED"
	case SourceLocal:
		return "SOURCE_LOCAL"
	case Derived:
		return "DERIVED"
	default:
		return "UNKNOWN"
	}
}

// Namespace identifies a typed key registry used for cross-referencing.
// Values are context Handles for declaration namespaces and plain values for
// derived ones.
type Namespace struct {
	ID        string
	Behaviour Behaviour
}

// Built-in namespaces of the schema language.
var (
	// SchemaNS maps schema name to document root.
	SchemaNS = Namespace{"schema", Global}
	// AliasNS maps an import alias to the imported document root, one map
	// per document.
	AliasNS = Namespace{"alias", SourceLocal}
	// CanonicalNS projects an import alias to the canonical schema name.
	CanonicalNS = Namespace{"canonical", Derived}
	// GroupNS maps group name to its defining context, lexically scoped.
	GroupNS = Namespace{"group", TreeScoped}
	// DefineNS maps named type definitions, lexically scoped.
	DefineNS = Namespace{"define", TreeScoped}
	// FeatureNS maps declared feature names, lexically scoped.
	FeatureNS = Namespace{"feature", TreeScoped}
	// ChildNS maps a named child statement under its parent context; path
	// resolution hops through it one context at a time.
	ChildNS = Namespace{"child", TreeScoped}
)

// DerivedSpec describes a derived namespace: a projection applied to the
// base namespace's entry for the same key.
type DerivedSpec struct {
	Base    Namespace
	Project func(s *BuildSession, from Handle, key string, base any) (any, bool)
}

type derivedState struct {
	spec  DerivedSpec
	cache map[derivedKey]any
}

type derivedKey struct {
	doc int
	key string
}

// nsWaiter re-checks a pending namespace lookup whenever the namespace gains
// an entry. check returns true once the waiter is satisfied (or obsolete)
// and should be dropped.
type nsWaiter struct {
	check func() bool
}

// AddTo binds key in ns. For TreeScoped namespaces the entry is stored at
// the context at; for SourceLocal it lands in at's document; Global ignores
// at. Binding a key twice with an equal value is a silent no-op; binding a
// different value is a hard duplicate-key error, recorded and returned.
func (s *BuildSession) AddTo(ns Namespace, at Handle, key string, value any) error {
	m := s.storageFor(ns, at, true)
	if existing, ok := m[key]; ok {
		if reflect.DeepEqual(existing, value) {
			return nil
		}
		be := BuildError{
			Kind:      ErrDuplicateKey,
			Stmt:      s.describe(at),
			Loc:       s.ctx(at).loc,
			Phase:     s.phase,
			Namespace: ns.ID,
			Key:       key,
			Msg:       "key already bound to a different value",
		}
		s.errs = append(s.errs, be)
		return be
	}
	m[key] = value
	s.log.Debug("namespace %s: bound %q at %s", ns.ID, key, s.describe(at))
	s.notifyNamespace(ns)
	return nil
}

// LookupFrom resolves key in ns as seen from context from. TreeScoped
// resolution walks ancestors nearest-enclosing-first. Callers that cannot
// tolerate absence must not poll; they register a Prerequisite instead.
func (s *BuildSession) LookupFrom(ns Namespace, from Handle, key string) (any, bool) {
	switch ns.Behaviour {
	case Global:
		v, ok := s.global[ns.ID][key]
		return v, ok
	case SourceLocal:
		v, ok := s.docs[s.ctx(from).doc].ns[ns.ID][key]
		return v, ok
	case TreeScoped:
		for h := from; h != NoHandle; h = s.ctx(h).parent {
			if v, ok := s.lookupAt(ns, h, key); ok {
				return v, true
			}
		}
		return nil, false
	case Derived:
		return s.lookupDerived(ns, from, key)
	}
	return nil, false
}

// lookupAt checks exactly one context's hosted storage, without ancestor
// fallback. Path hops use this to hook a key onto a specific context's own
// namespace.
func (s *BuildSession) lookupAt(ns Namespace, at Handle, key string) (any, bool) {
	if ns.Behaviour != TreeScoped {
		return s.LookupFrom(ns, at, key)
	}
	c := s.ctx(at)
	if c.storage == nil {
		return nil, false
	}
	v, ok := c.storage[ns.ID][key]
	return v, ok
}

func (s *BuildSession) lookupDerived(ns Namespace, from Handle, key string) (any, bool) {
	ds, ok := s.derived[ns.ID]
	if !ok {
		panic(fmt.Sprintf("reactor: derived namespace %q not registered", ns.ID))
	}
	ck := derivedKey{doc: s.ctx(from).doc, key: key}
	if v, ok := ds.cache[ck]; ok {
		return v, true
	}
	base, ok := s.LookupFrom(ds.spec.Base, from, key)
	if !ok {
		return nil, false
	}
	v, ok := ds.spec.Project(s, from, key, base)
	if !ok {
		return nil, false
	}
	ds.cache[ck] = v
	return v, true
}

// RegisterDerived installs a derived namespace projection. Must be called
// before the build starts.
func (s *BuildSession) RegisterDerived(ns Namespace, spec DerivedSpec) {
	if ns.Behaviour != Derived {
		panic(fmt.Sprintf("reactor: RegisterDerived on %s namespace %q", ns.Behaviour, ns.ID))
	}
	s.derived[ns.ID] = &derivedState{spec: spec, cache: make(map[derivedKey]any)}
}

func (s *BuildSession) storageFor(ns Namespace, at Handle, create bool) map[string]any {
	switch ns.Behaviour {
	case Global:
		return nsMap(s.global, ns.ID, create)
	case SourceLocal:
		return nsMap(s.docs[s.ctx(at).doc].ns, ns.ID, create)
	case TreeScoped:
		c := s.ctx(at)
		if c.storage == nil {
			if !create {
				return nil
			}
			c.storage = make(map[string]map[string]any)
		}
		return nsMap(c.storage, ns.ID, create)
	case Derived:
		panic(fmt.Sprintf("reactor: derived namespace %q is not writable", ns.ID))
	}
	return nil
}

func nsMap(root map[string]map[string]any, id string, create bool) map[string]any {
	m, ok := root[id]
	if !ok && create {
		m = make(map[string]any)
		root[id] = m
	}
	return m
}

// waitNamespace registers check to be retried on every new binding in ns.
// check is run once immediately; if it reports satisfied no waiter is kept.
func (s *BuildSession) waitNamespace(ns Namespace, check func() bool) {
	if check() {
		return
	}
	s.nsWaiters[ns.ID] = append(s.nsWaiters[ns.ID], &nsWaiter{check: check})
}

func (s *BuildSession) notifyNamespace(ns Namespace) {
	s.notifyWaiters(ns.ID)
	// A binding in a base namespace can surface new derived entries.
	for id, ds := range s.derived {
		if ds.spec.Base.ID == ns.ID {
			s.notifyWaiters(id)
		}
	}
}

func (s *BuildSession) notifyWaiters(id string) {
	waiters := s.nsWaiters[id]
	if len(waiters) == 0 {
		return
	}
	// A check can register new waiters on this same namespace (a path
	// prerequisite resolving one hop hooks the next hop right away).
	// Detach the list before iterating and merge additions back afterwards
	// so they survive the reassignment.
	s.nsWaiters[id] = nil
	var remaining []*nsWaiter
	for _, w := range waiters {
		if !w.check() {
			remaining = append(remaining, w)
		}
	}
	s.nsWaiters[id] = append(remaining, s.nsWaiters[id]...)
}
