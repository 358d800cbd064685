package reactor

import (
	"fmt"

	"modelforge/internal/source"
)

// Handle is an opaque index into the session's context arena. Contexts refer
// to each other exclusively by Handle (parent, children, namespace entries)
// so the tree carries no cyclic live references and can be snapshotted
// cheaply when it freezes.
type Handle int32

// NoHandle is the absent-context sentinel.
const NoHandle Handle = -1

// CopyHistory records how a context entered the tree.
type CopyHistory uint8

const (
	// CopyNone marks a context declared directly in a source document.
	CopyNone CopyHistory = iota
	// AddedByEmbed marks a context copied in by group reuse.
	AddedByEmbed
	// AddedByExtend marks a context grafted in by an extend statement.
	AddedByExtend
)

func (c CopyHistory) String() string {
	switch c {
	case AddedByEmbed:
		return "added-by-embed"
	case AddedByExtend:
		return "added-by-extend"
	default:
		return "none"
	}
}

// phaseListener is invoked exactly once when its phase completes for a
// context. available is false when the context was feature-excluded instead.
type phaseListener func(available bool)

// statementContext is one statement occurrence inside the mutable build
// tree. The parent exclusively owns its children; all mutation goes through
// the owning BuildSession until the tree freezes.
type statementContext struct {
	handle  Handle
	parent  Handle
	doc     int
	keyword string
	raw     string // raw argument text as declared
	arg     string // resolved argument (defaults to raw)
	loc     source.Location

	children []Handle

	// completed is the highest finished phase; phases complete strictly in
	// order, so a single watermark encodes the completed set.
	completed Phase
	// hooked is the highest phase whose kind hook has run for this context.
	hooked Phase

	mutations [EffectiveModel + 1]map[*obligation]struct{}
	listeners [EffectiveModel + 1][]phaseListener

	copyHist CopyHistory
	previous Handle // previous incarnation; NoHandle until copy resolution
	original Handle // cached original; NoHandle until first resolution

	supported bool

	// expanded marks an embed whose copies are already in the tree. Copying
	// a subtree skips expanded embeds; their products are siblings and are
	// copied in their own right.
	expanded bool

	// typeTarget is the resolved "define" context for a type reference,
	// filled in by the type-resolution action during FULL_DECLARATION.
	typeTarget Handle

	// storage hosts TREE_SCOPED namespace entries rooted at this context.
	storage map[string]map[string]any
}

func (s *BuildSession) ctx(h Handle) *statementContext {
	return s.arena[h]
}

func (s *BuildSession) newContext(parent Handle, doc int, kw, arg string, loc source.Location) Handle {
	h := Handle(len(s.arena))
	c := &statementContext{
		handle:     h,
		parent:     parent,
		doc:        doc,
		keyword:    kw,
		raw:        arg,
		arg:        arg,
		loc:        loc,
		supported:  true,
		previous:   NoHandle,
		original:   NoHandle,
		typeTarget: NoHandle,
	}
	s.arena = append(s.arena, c)
	if parent != NoHandle {
		p := s.ctx(parent)
		p.children = append(p.children, h)
	}
	return h
}

// describe renders a context head for diagnostics.
func (s *BuildSession) describe(h Handle) string {
	c := s.ctx(h)
	if c.arg == "" {
		return c.keyword
	}
	return fmt.Sprintf("%s %s", c.keyword, c.arg)
}

// addPhaseCompletedListener invokes cb exactly once when phase completes for
// h: immediately if already completed (or the context is already pruned),
// otherwise queued FIFO per phase.
func (s *BuildSession) addPhaseCompletedListener(h Handle, phase Phase, cb phaseListener) {
	c := s.ctx(h)
	if !c.supported {
		cb(false)
		return
	}
	if c.completed >= phase {
		cb(true)
		return
	}
	c.listeners[phase] = append(c.listeners[phase], cb)
}

// addMutation registers a blocking obligation: h cannot complete phase while
// the obligation is outstanding.
func (s *BuildSession) addMutation(h Handle, phase Phase, ob *obligation) {
	c := s.ctx(h)
	if c.completed >= phase {
		// Registering an obligation on an already-finished phase is a
		// programming error in a statement support hook.
		panic(fmt.Sprintf("reactor: mutation on %s for completed phase %s", s.describe(h), phase))
	}
	if c.mutations[phase] == nil {
		c.mutations[phase] = make(map[*obligation]struct{})
	}
	c.mutations[phase][ob] = struct{}{}
}

// removeMutation clears an obligation; clearing an unknown obligation is a
// no-op so apply paths stay idempotent.
func (s *BuildSession) removeMutation(h Handle, phase Phase, ob *obligation) {
	c := s.ctx(h)
	if c.mutations[phase] != nil {
		delete(c.mutations[phase], ob)
	}
}

// tryCompletePhase attempts post-order completion of phase for the subtree
// rooted at h: children first, then the zero-mutation check, then listeners
// fire and the context is marked complete. It reports whether anything new
// happened (hook run or completion) so the scheduler can detect fixed points.
func (s *BuildSession) tryCompletePhase(h Handle, phase Phase) bool {
	c := s.ctx(h)
	if !c.supported || c.completed >= phase {
		return false
	}
	progress := false
	if c.hooked < phase {
		c.hooked = phase
		s.runKindHook(h, phase)
		progress = true
	}
	ready := true
	// Children may be appended while earlier phases of a copy complete, so
	// iterate by index rather than over a snapshot.
	for i := 0; i < len(c.children); i++ {
		ch := c.children[i]
		if s.tryCompletePhase(ch, phase) {
			progress = true
		}
		cc := s.ctx(ch)
		if cc.supported && cc.completed < phase {
			ready = false
		}
	}
	if ready && len(c.mutations[phase]) == 0 {
		c.completed = phase
		s.fireCompleted(c, phase)
		progress = true
	}
	return progress
}

func (s *BuildSession) fireCompleted(c *statementContext, phase Phase) {
	ls := c.listeners[phase]
	c.listeners[phase] = nil
	for _, cb := range ls {
		cb(true)
	}
}

// markUnsupported prunes the subtree rooted at h: the statements disappear
// from the effective model without failing the build. Pending listeners are
// notified with the unavailable sentinel and actions owned by pruned
// statements are cancelled.
func (s *BuildSession) markUnsupported(h Handle) {
	c := s.ctx(h)
	if !c.supported {
		return
	}
	c.supported = false
	for p := c.completed + 1; p <= EffectiveModel; p++ {
		ls := c.listeners[p]
		c.listeners[p] = nil
		for _, cb := range ls {
			cb(false)
		}
		c.mutations[p] = nil
	}
	for _, ch := range c.children {
		s.markUnsupported(ch)
	}
	s.cancelActionsUnder(h)
}

// isSupportedByFeatures reports the feature gate for h, the read-only check
// used to prune conditional subtrees.
func (s *BuildSession) isSupportedByFeatures(h Handle) bool {
	return s.ctx(h).supported
}

// schemaRoot walks up to the document root owning h.
func (s *BuildSession) schemaRoot(h Handle) Handle {
	c := s.ctx(h)
	for c.parent != NoHandle {
		c = s.ctx(c.parent)
	}
	return c.handle
}

// hasAncestor reports whether anc appears on h's parent chain (h included).
func (s *BuildSession) hasAncestor(h, anc Handle) bool {
	for h != NoHandle {
		if h == anc {
			return true
		}
		h = s.ctx(h).parent
	}
	return false
}
