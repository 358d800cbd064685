package reactor

import (
	"fmt"
	"strings"

	"modelforge/internal/model"
)

// Statement keywords of the schema language.
const (
	kwSchema      = "schema"
	kwImport      = "import"
	kwAlias       = "alias"
	kwFeature     = "feature"
	kwWhenFeature = "when-feature"
	kwDefine      = "define"
	kwType        = "type"
	kwBlock       = "block"
	kwField       = "field"
	kwGroup       = "group"
	kwEmbed       = "embed"
	kwExtend      = "extend"
	kwDoc         = "doc"
	kwDefault     = "default"
	kwRequired    = "required"
)

// Cardinality bounds how often a substatement may occur. Max < 0 means
// unbounded.
type Cardinality struct {
	Min, Max int
}

var (
	one      = Cardinality{1, 1}
	optional = Cardinality{0, 1}
	many     = Cardinality{0, -1}
)

// KindSpec describes one statement kind: its argument and substatement
// grammar, its per-phase reactor hook, and how it projects into the
// effective model. Kinds form a closed registry rather than a type
// hierarchy; extending the language means registering another entry.
type KindSpec struct {
	Keyword     string
	ArgRequired bool

	// BindsChild registers the statement's argument in its parent's child
	// namespace during STATEMENT_DEFINITION (and again on copy).
	BindsChild bool

	// Hidden statements never appear in the effective model; they are
	// build-time machinery (imports, gates, reuse markers).
	Hidden bool

	// Substatements is the allowed child grammar.
	Substatements map[string]Cardinality

	// OnPhase runs exactly once per context when the scheduler first visits
	// it during phase.
	OnPhase func(s *BuildSession, h Handle, phase Phase)

	// Effective overrides the default effective-statement builder.
	Effective func(s *BuildSession, h Handle, children []*model.Statement) *model.Statement
}

// Registry maps keywords to kind specs for one build session.
type Registry struct {
	kinds map[string]*KindSpec
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]*KindSpec)}
}

// Register adds or replaces a kind.
func (r *Registry) Register(spec *KindSpec) {
	r.kinds[spec.Keyword] = spec
}

func (r *Registry) lookup(kw string) *KindSpec {
	return r.kinds[kw]
}

// splitRef splits "a:name" into alias and name; a plain reference has an
// empty alias.
func splitRef(ref string) (alias, name string) {
	if i := strings.IndexByte(ref, ':'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// childArg returns the argument of h's first child with the given keyword.
func (s *BuildSession) childArg(h Handle, kw string) string {
	for _, ch := range s.ctx(h).children {
		if c := s.ctx(ch); c.keyword == kw {
			return c.arg
		}
	}
	return ""
}

func (s *BuildSession) childOf(h Handle, kw string) Handle {
	for _, ch := range s.ctx(h).children {
		if s.ctx(ch).keyword == kw {
			return ch
		}
	}
	return NoHandle
}

// DefaultRegistry returns the built-in schema language kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(&KindSpec{
		Keyword:     kwSchema,
		ArgRequired: true,
		Substatements: map[string]Cardinality{
			kwImport: many, kwFeature: many, kwDefine: many, kwGroup: many,
			kwBlock: many, kwField: many, kwExtend: many, kwEmbed: many, kwDoc: optional,
		},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == SourceLinkage {
				s.AddTo(SchemaNS, h, s.ctx(h).arg, h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:     kwImport,
		ArgRequired: true,
		Hidden:      true,
		Substatements: map[string]Cardinality{
			kwAlias: one, kwDoc: optional,
		},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == SourceLinkage {
				s.resolveImport(h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:       kwAlias,
		ArgRequired:   true,
		Hidden:        true,
		Substatements: map[string]Cardinality{},
	})

	r.Register(&KindSpec{
		Keyword:       kwFeature,
		ArgRequired:   true,
		Substatements: map[string]Cardinality{kwDoc: optional},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == StatementDefinition {
				c := s.ctx(h)
				s.AddTo(FeatureNS, c.parent, c.arg, h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:       kwWhenFeature,
		ArgRequired:   true,
		Hidden:        true,
		Substatements: map[string]Cardinality{},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == StatementDefinition {
				s.gateByFeature(h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:     kwDefine,
		ArgRequired: true,
		Substatements: map[string]Cardinality{
			kwDoc: optional, kwDefault: optional, kwType: optional,
		},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == StatementDefinition {
				c := s.ctx(h)
				s.AddTo(DefineNS, c.parent, c.arg, h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:       kwType,
		ArgRequired:   true,
		Substatements: map[string]Cardinality{},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == FullDeclaration {
				s.resolveType(h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:     kwBlock,
		ArgRequired: true,
		BindsChild:  true,
		Substatements: map[string]Cardinality{
			kwDoc: optional, kwWhenFeature: optional, kwRequired: optional,
			kwField: many, kwBlock: many, kwEmbed: many,
		},
	})

	r.Register(&KindSpec{
		Keyword:     kwField,
		ArgRequired: true,
		BindsChild:  true,
		Substatements: map[string]Cardinality{
			kwDoc: optional, kwType: optional, kwDefault: optional,
			kwRequired: optional, kwWhenFeature: optional,
		},
		Effective: buildEffectiveField,
	})

	r.Register(&KindSpec{
		Keyword:     kwGroup,
		ArgRequired: true,
		Substatements: map[string]Cardinality{
			kwDoc: optional, kwField: many, kwBlock: many, kwEmbed: many,
		},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == StatementDefinition {
				c := s.ctx(h)
				s.AddTo(GroupNS, c.parent, c.arg, h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:       kwEmbed,
		ArgRequired:   true,
		Hidden:        true,
		Substatements: map[string]Cardinality{kwWhenFeature: optional},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == EffectiveModel {
				s.expandEmbed(h)
			}
		},
	})

	r.Register(&KindSpec{
		Keyword:     kwExtend,
		ArgRequired: true,
		Hidden:      true,
		Substatements: map[string]Cardinality{
			kwDoc: optional, kwWhenFeature: optional, kwField: many, kwBlock: many,
		},
		OnPhase: func(s *BuildSession, h Handle, phase Phase) {
			if phase == StatementDefinition {
				s.applyExtend(h)
			}
		},
	})

	r.Register(&KindSpec{Keyword: kwDoc, ArgRequired: true, Substatements: map[string]Cardinality{}})
	r.Register(&KindSpec{Keyword: kwDefault, ArgRequired: true, Substatements: map[string]Cardinality{}})
	r.Register(&KindSpec{Keyword: kwRequired, ArgRequired: true, Substatements: map[string]Cardinality{}})

	return r
}

// runKindHook runs grammar validation and the kind's phase hook for h. The
// scheduler guarantees it is invoked at most once per context and phase.
func (s *BuildSession) runKindHook(h Handle, phase Phase) {
	c := s.ctx(h)
	kind := s.kinds.lookup(c.keyword)
	if phase == StatementDefinition {
		s.checkGrammar(h, kind)
		if kind != nil && kind.BindsChild && c.parent != NoHandle {
			s.AddTo(ChildNS, c.parent, c.arg, h)
		}
	}
	if kind != nil && kind.OnPhase != nil {
		kind.OnPhase(s, h, phase)
	}
}

func (s *BuildSession) checkGrammar(h Handle, kind *KindSpec) {
	c := s.ctx(h)
	grammarErr := func(msg string) {
		s.errs = append(s.errs, BuildError{
			Kind:  ErrGrammar,
			Stmt:  s.describe(h),
			Loc:   c.loc,
			Phase: StatementDefinition,
			Msg:   msg,
		})
	}
	if kind == nil {
		grammarErr(fmt.Sprintf("unknown keyword %q", c.keyword))
		return
	}
	if kind.ArgRequired && c.raw == "" {
		grammarErr("missing argument")
	}
	counts := make(map[string]int)
	for _, ch := range c.children {
		cc := s.ctx(ch)
		if _, ok := kind.Substatements[cc.keyword]; !ok {
			grammarErr(fmt.Sprintf("substatement %q not allowed under %q", cc.keyword, c.keyword))
			continue
		}
		counts[cc.keyword]++
	}
	for kw, card := range kind.Substatements {
		n := counts[kw]
		if n < card.Min {
			grammarErr(fmt.Sprintf("requires at least %d %q substatement(s), has %d", card.Min, kw, n))
		}
		if card.Max >= 0 && n > card.Max {
			grammarErr(fmt.Sprintf("allows at most %d %q substatement(s), has %d", card.Max, kw, n))
		}
	}
}

// resolveImport wires an import statement: once the named schema root is
// linked globally, the alias binds in this document's alias namespace. The
// importing document cannot finish SOURCE_LINKAGE until then, which is also
// what turns mutual imports into a reported stall instead of a hang.
func (s *BuildSession) resolveImport(h Handle) {
	c := s.ctx(h)
	a := s.NewAction(h, "resolve-import "+c.arg)
	p := a.RequiresNamespace(h, SchemaNS, c.arg, SourceLinkage)
	a.Mutates(s.schemaRoot(h), SourceLinkage)
	a.Do(func() error {
		if p.Unavailable() {
			return nil
		}
		alias := s.childArg(h, kwAlias)
		if alias == "" {
			return nil // grammar already reported the missing alias
		}
		s.AddTo(AliasNS, h, alias, p.Context())
		return nil
	})
	a.Commit()
}

// gateByFeature evaluates a when-feature statement: the gated statement is
// the when-feature's parent. An undeclared feature stalls the build as an
// unresolved reference; a declared-but-unsupported feature prunes the parent
// silently.
func (s *BuildSession) gateByFeature(h Handle) {
	c := s.ctx(h)
	parent := c.parent
	a := s.NewAction(h, "feature-gate "+c.arg)
	alias, name := splitRef(c.arg)
	var p *Prerequisite
	if alias == "" {
		p = a.RequiresNamespace(h, FeatureNS, name, SourceLinkage)
	} else {
		p = a.RequiresPath(h, []PathStep{{AliasNS, alias}, {FeatureNS, name}},
			SourceLinkage, StatementDefinition)
	}
	a.Mutates(parent, StatementDefinition)
	a.Do(func() error {
		if p.Unavailable() {
			s.markUnsupported(parent)
			return nil
		}
		feature := p.Context()
		root := s.schemaRoot(feature)
		if !s.featureEnabled(s.ctx(root).arg, s.ctx(feature).arg) {
			s.log.Debug("pruning %s: feature %q unsupported", s.describe(parent), c.arg)
			s.markUnsupported(parent)
		}
		return nil
	})
	a.Commit()
}

// resolveType resolves a type reference to its define context, recording the
// target for default inheritance during effective construction.
func (s *BuildSession) resolveType(h Handle) {
	c := s.ctx(h)
	a := s.NewAction(h, "resolve-type "+c.arg)
	alias, name := splitRef(c.arg)
	var p *Prerequisite
	if alias == "" {
		p = a.RequiresNamespace(h, DefineNS, name, StatementDefinition)
	} else {
		p = a.RequiresPath(h, []PathStep{{AliasNS, alias}, {DefineNS, name}},
			StatementDefinition, FullDeclaration)
	}
	a.Mutates(h, FullDeclaration)
	a.Do(func() error {
		if p.Unavailable() {
			return nil
		}
		c.typeTarget = p.Context()
		return nil
	})
	a.Commit()
}

// applyExtend grafts an extend statement's children onto the context named
// by its path argument. The graft happens during STATEMENT_DEFINITION /
// FULL_DECLARATION so that FULL_DECLARATION's guarantee holds: every
// declared statement, including extension-contributed ones, exists in the
// tree before EFFECTIVE_MODEL starts.
func (s *BuildSession) applyExtend(h Handle) {
	c := s.ctx(h)
	if !strings.HasPrefix(c.arg, "/") {
		s.errs = append(s.errs, BuildError{
			Kind: ErrGrammar, Stmt: s.describe(h), Loc: c.loc,
			Phase: StatementDefinition, Msg: "extend path must start with '/'",
		})
		return
	}
	segs := strings.Split(strings.TrimPrefix(c.arg, "/"), "/")
	a := s.NewAction(h, "apply-extend "+c.arg)

	// The extend subtree must settle STATEMENT_DEFINITION first so feature
	// gates inside it are decided before anything is copied out.
	settled := a.RequiresCtx(h, StatementDefinition)

	var steps []PathStep
	alias, first := splitRef(segs[0])
	if alias != "" {
		steps = append(steps, PathStep{AliasNS, alias})
	}
	steps = append(steps, PathStep{ChildNS, first})
	for _, seg := range segs[1:] {
		steps = append(steps, PathStep{ChildNS, seg})
	}
	p := a.RequiresPath(h, steps, StatementDefinition, FullDeclaration)

	a.Do(func() error {
		if p.Unavailable() || settled.Unavailable() {
			return nil
		}
		target := p.Context()
		for _, ch := range s.ctx(h).children {
			if s.ctx(ch).keyword == kwWhenFeature {
				continue
			}
			if _, err := s.copyInto(ch, target, AddedByExtend, -1); err != nil {
				return err
			}
		}
		return nil
	})
	a.Commit()
}

// expandEmbed replaces an embed statement with copies of the referenced
// group's children, inserted at the embed's position in its parent.
func (s *BuildSession) expandEmbed(h Handle) {
	c := s.ctx(h)
	parent := c.parent
	a := s.NewAction(h, "expand-embed "+c.arg)
	alias, name := splitRef(c.arg)
	var p *Prerequisite
	if alias == "" {
		p = a.RequiresNamespace(h, GroupNS, name, FullDeclaration)
	} else {
		p = a.RequiresPath(h, []PathStep{{AliasNS, alias}, {GroupNS, name}},
			FullDeclaration, EffectiveModel)
	}
	a.Mutates(parent, EffectiveModel)
	a.Do(func() error {
		if p.Unavailable() {
			return nil
		}
		g := p.Context()
		if s.hasAncestor(h, g) || s.embedCycleFrom(g, make(map[Handle]bool)) {
			return kindErrorf(ErrCircularEmbed,
				"group %q transitively embeds itself", c.arg)
		}
		c.expanded = true
		pos := indexOf(s.ctx(parent).children, h) + 1
		for _, ch := range s.ctx(g).children {
			if s.ctx(ch).keyword == kwWhenFeature {
				continue
			}
			copied, err := s.copyInto(ch, parent, AddedByEmbed, pos)
			if err != nil {
				return err
			}
			if copied != NoHandle {
				pos++
			}
		}
		return nil
	})
	a.Commit()
}

// embedCycleFrom reports whether expanding g can recurse back into a group
// already on the expansion stack. Expansion copies are flat siblings of the
// embed that produced them, so the host ancestor chain alone cannot see a
// cycle routed through a second group; this walks the original group
// definitions instead.
func (s *BuildSession) embedCycleFrom(g Handle, stack map[Handle]bool) bool {
	if stack[g] {
		return true
	}
	stack[g] = true
	defer delete(stack, g)

	var walk func(h Handle) bool
	walk = func(h Handle) bool {
		for _, ch := range s.ctx(h).children {
			c := s.ctx(ch)
			if !c.supported {
				continue
			}
			if c.keyword == kwEmbed {
				if tgt, ok := s.resolveGroupRef(ch); ok && s.embedCycleFrom(tgt, stack) {
					return true
				}
				continue
			}
			if walk(ch) {
				return true
			}
		}
		return false
	}
	return walk(g)
}

// resolveGroupRef resolves an embed's group reference without blocking. At
// EFFECTIVE_MODEL time every reachable group is already bound, so a miss
// simply means the reference belongs to a different diagnostic.
func (s *BuildSession) resolveGroupRef(e Handle) (Handle, bool) {
	alias, name := splitRef(s.ctx(e).arg)
	if alias == "" {
		v, ok := s.LookupFrom(GroupNS, e, name)
		if !ok {
			return NoHandle, false
		}
		h, ok := v.(Handle)
		return h, ok
	}
	rv, ok := s.LookupFrom(AliasNS, e, alias)
	if !ok {
		return NoHandle, false
	}
	root, ok := rv.(Handle)
	if !ok {
		return NoHandle, false
	}
	v, ok := s.lookupAt(GroupNS, root, name)
	if !ok {
		return NoHandle, false
	}
	h, ok := v.(Handle)
	return h, ok
}

func indexOf(hs []Handle, h Handle) int {
	for i, x := range hs {
		if x == h {
			return i
		}
	}
	return -1
}

// buildEffectiveField builds a field's effective statement, inheriting a
// default from its resolved type definition when the field declares none.
func buildEffectiveField(s *BuildSession, h Handle, children []*model.Statement) *model.Statement {
	c := s.ctx(h)
	hasDefault := false
	for _, ch := range children {
		if ch.Keyword() == kwDefault {
			hasDefault = true
			break
		}
	}
	if !hasDefault {
		if t := s.childOf(h, kwType); t != NoHandle {
			if def := s.ctx(t).typeTarget; def != NoHandle {
				if dv := s.childArg(def, kwDefault); dv != "" {
					children = append(children,
						model.NewStatement(kwDefault, dv, s.ctx(def).loc, model.ProvenanceNone, nil))
				}
			}
		}
	}
	return model.NewStatement(c.keyword, c.arg, c.loc, provenanceOf(c.copyHist), children)
}
