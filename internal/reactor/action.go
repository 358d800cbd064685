package reactor

import (
	"fmt"
	"strings"
)

type prereqState uint8

const (
	prereqPending prereqState = iota
	prereqResolved
	prereqUnavailable
)

// Prerequisite is a single-resolution handle for a value an action needs:
// either a (namespace, key) becoming populated once its owning context
// reaches a phase, or a context reaching a phase directly. Once resolved the
// value is cached permanently.
type Prerequisite struct {
	action *Action
	phase  Phase
	nsID   string
	key    string
	state  prereqState
	val    any
}

// Resolved reports whether the prerequisite has settled (including to the
// unavailable sentinel).
func (p *Prerequisite) Resolved() bool { return p.state != prereqPending }

// Unavailable reports whether the prerequisite settled to the explicit
// unavailable sentinel because its target was feature-excluded.
func (p *Prerequisite) Unavailable() bool { return p.state == prereqUnavailable }

// Value returns the resolved value. Reading it before resolution is a
// programming error.
func (p *Prerequisite) Value() any {
	if p.state == prereqPending {
		panic(fmt.Sprintf("reactor: prerequisite %s read before resolution", p.describe()))
	}
	return p.val
}

// Context returns the resolved value as a context handle, or NoHandle for
// the unavailable sentinel.
func (p *Prerequisite) Context() Handle {
	v := p.Value()
	if v == nil {
		return NoHandle
	}
	if h, ok := v.(Handle); ok {
		return h
	}
	return NoHandle
}

func (p *Prerequisite) describe() string {
	if p.key != "" {
		return fmt.Sprintf("%q in namespace %q at %s", p.key, p.nsID, p.phase)
	}
	return fmt.Sprintf("context at %s", p.phase)
}

// obligation is a blocking mutation: its target context cannot complete the
// given phase until the owning action has applied (or was cancelled).
type obligation struct {
	action *Action
	target Handle
	phase  Phase
	reason string
}

// Action is a unit of deferred work with declared prerequisites and declared
// mutations. It becomes eligible once every prerequisite has settled and its
// committed side effect fires exactly once.
type Action struct {
	s    *BuildSession
	stmt Handle
	name string

	prereqs     []*Prerequisite
	pending     int
	obligations []*obligation

	run           func() error
	onUnavailable func(*Prerequisite)
	onFailed      func(unmet []*Prerequisite)

	committed bool
	applied   bool
	cancelled bool
	queued    bool
}

// NewAction starts building an inference action owned by the statement stmt.
// Every prerequisite and mutation must be declared before Commit.
func (s *BuildSession) NewAction(stmt Handle, name string) *Action {
	return &Action{s: s, stmt: stmt, name: name}
}

// Do sets the committed side effect.
func (a *Action) Do(fn func() error) *Action {
	a.run = fn
	return a
}

// OnUnavailable installs the prerequisiteUnavailable notification: called
// when a required context is feature-excluded while the action is pending.
func (a *Action) OnUnavailable(fn func(*Prerequisite)) *Action {
	a.onUnavailable = fn
	return a
}

// OnFailed installs the prerequisiteFailed notification delivered at build
// failure with the action's still-unmet prerequisites.
func (a *Action) OnFailed(fn func(unmet []*Prerequisite)) *Action {
	a.onFailed = fn
	return a
}

func (a *Action) newPrereq(phase Phase, nsID, key string) *Prerequisite {
	p := &Prerequisite{action: a, phase: phase, nsID: nsID, key: key}
	a.prereqs = append(a.prereqs, p)
	a.pending++
	return p
}

// RequiresCtx declares that target must reach phase before the action runs.
func (a *Action) RequiresCtx(target Handle, phase Phase) *Prerequisite {
	p := a.newPrereq(phase, "", "")
	a.s.addPhaseCompletedListener(target, phase, func(available bool) {
		if available {
			a.s.resolvePrereq(p, target)
		} else {
			a.s.resolveUnavailable(p)
		}
	})
	return p
}

// RequiresNamespace declares that ns must bind key (as seen from context
// from) and, when the bound value is a context, that it must reach phase.
func (a *Action) RequiresNamespace(from Handle, ns Namespace, key string, phase Phase) *Prerequisite {
	p := a.newPrereq(phase, ns.ID, key)
	s := a.s
	s.waitNamespace(ns, func() bool {
		if p.state != prereqPending {
			return true
		}
		v, ok := s.LookupFrom(ns, from, key)
		if !ok {
			return false
		}
		s.hookResolvedValue(p, v, phase)
		return true
	})
	return p
}

// PathStep is one hop of a path prerequisite.
type PathStep struct {
	NS  Namespace
	Key string
}

// RequiresPath declares an ordered key sequence resolved one hop at a time:
// the first key resolves in its namespace as seen from start; each further
// key is hooked onto the previous hop's own namespace once that context
// reaches hopPhase. Every context the path transits accumulates a blocking
// mutation for blockPhase until the next hop is hooked; the final context
// keeps its mutation until the action applies.
func (a *Action) RequiresPath(start Handle, steps []PathStep, hopPhase, blockPhase Phase) *Prerequisite {
	if len(steps) == 0 {
		panic("reactor: empty path prerequisite")
	}
	keys := make([]string, len(steps))
	for i, st := range steps {
		keys[i] = st.Key
	}
	p := a.newPrereq(hopPhase, steps[len(steps)-1].NS.ID, strings.Join(keys, "/"))
	a.hookPathStep(p, start, steps, 0, hopPhase, blockPhase, nil)
	return p
}

func (a *Action) hookPathStep(p *Prerequisite, at Handle, steps []PathStep, i int, hopPhase, blockPhase Phase, release *obligation) {
	s := a.s
	step := steps[i]
	transit := &obligation{action: a, target: at, phase: blockPhase, reason: fmt.Sprintf("path hop %q in transit", step.Key)}
	if s.ctx(at).completed < blockPhase {
		s.addMutation(at, blockPhase, transit)
		a.obligations = append(a.obligations, transit)
	}
	if release != nil {
		s.removeMutation(release.target, release.phase, release)
	}

	lookup := func() (Handle, bool) {
		var v any
		var ok bool
		if i == 0 {
			v, ok = s.LookupFrom(step.NS, at, step.Key)
		} else {
			// Later hops resolve against the previous context's own
			// namespace, without ancestor fallback.
			v, ok = s.lookupAt(step.NS, at, step.Key)
		}
		if !ok {
			return NoHandle, false
		}
		h, isHandle := v.(Handle)
		return h, isHandle
	}

	s.waitNamespace(step.NS, func() bool {
		if p.state != prereqPending {
			return true
		}
		h, ok := lookup()
		if !ok {
			return false
		}
		s.addPhaseCompletedListener(h, hopPhase, func(available bool) {
			if !available {
				s.removeMutation(transit.target, transit.phase, transit)
				s.resolveUnavailable(p)
				return
			}
			if i+1 < len(steps) {
				a.hookPathStep(p, h, steps, i+1, hopPhase, blockPhase, transit)
				return
			}
			// Final hop: the declared mutation moves onto the resolved
			// target and stays until the action applies.
			final := &obligation{action: a, target: h, phase: blockPhase, reason: "awaiting " + a.name}
			if s.ctx(h).completed < blockPhase {
				s.addMutation(h, blockPhase, final)
				a.obligations = append(a.obligations, final)
			}
			s.removeMutation(transit.target, transit.phase, transit)
			s.resolvePrereq(p, h)
		})
		return true
	})
}

// Mutates declares a blocking obligation on target for phase, released when
// the action applies.
func (a *Action) Mutates(target Handle, phase Phase) *Action {
	ob := &obligation{action: a, target: target, phase: phase, reason: "awaiting " + a.name}
	a.obligations = append(a.obligations, ob)
	a.s.addMutation(target, phase, ob)
	return a
}

// Commit registers the fully declared action with the engine. Application is
// attempted immediately; if prerequisites are outstanding the action waits
// and is retried whenever a requirement source notifies a resolution event.
func (a *Action) Commit() {
	if a.committed {
		panic(fmt.Sprintf("reactor: action %q committed twice", a.name))
	}
	if a.run == nil {
		panic(fmt.Sprintf("reactor: action %q committed without side effect", a.name))
	}
	a.committed = true
	s := a.s
	s.actions = append(s.actions, a)
	if a.pending == 0 {
		s.enqueue(a)
	}
	s.log.Debug("action %q committed (%d prerequisites outstanding)", a.name, a.pending)
}

func (s *BuildSession) hookResolvedValue(p *Prerequisite, v any, phase Phase) {
	if h, ok := v.(Handle); ok {
		s.addPhaseCompletedListener(h, phase, func(available bool) {
			if available {
				s.resolvePrereq(p, h)
			} else {
				s.resolveUnavailable(p)
			}
		})
		return
	}
	// Plain (derived) values resolve as soon as the key is populated.
	s.resolvePrereq(p, v)
}

func (s *BuildSession) resolvePrereq(p *Prerequisite, v any) {
	if p.state != prereqPending {
		return
	}
	p.state = prereqResolved
	p.val = v
	s.settle(p.action)
}

func (s *BuildSession) resolveUnavailable(p *Prerequisite) {
	if p.state != prereqPending {
		return
	}
	p.state = prereqUnavailable
	p.val = nil
	if p.action.onUnavailable != nil {
		p.action.onUnavailable(p)
	}
	s.settle(p.action)
}

func (s *BuildSession) settle(a *Action) {
	a.pending--
	if a.committed && a.pending == 0 && !a.applied && !a.cancelled && !a.queued {
		s.enqueue(a)
	}
}

func (s *BuildSession) enqueue(a *Action) {
	a.queued = true
	s.ready = append(s.ready, a)
}

// drainReady applies every eligible action, releasing obligations as each
// one commits its side effect. Application is idempotent-observable: the
// applied flag guards the side effect regardless of re-application attempts.
func (s *BuildSession) drainReady() bool {
	progress := false
	for len(s.ready) > 0 {
		a := s.ready[0]
		s.ready = s.ready[1:]
		a.queued = false
		if a.applied || a.cancelled {
			continue
		}
		a.applied = true
		s.log.Debug("action %q applying", a.name)
		if err := a.run(); err != nil {
			s.errs = append(s.errs, BuildError{
				Kind:  errorKindOf(err),
				Stmt:  s.describe(a.stmt),
				Loc:   s.ctx(a.stmt).loc,
				Phase: s.phase,
				Msg:   err.Error(),
			})
		}
		a.releaseObligations()
		progress = true
	}
	return progress
}

func (a *Action) releaseObligations() {
	for _, ob := range a.obligations {
		a.s.removeMutation(ob.target, ob.phase, ob)
	}
	a.obligations = nil
}

// cancelActionsUnder cancels every pending action whose owning statement
// lies in the pruned subtree rooted at h, releasing its obligations so the
// rest of the tree can make progress.
func (s *BuildSession) cancelActionsUnder(h Handle) {
	for _, a := range s.actions {
		if a.applied || a.cancelled {
			continue
		}
		if s.hasAncestor(a.stmt, h) {
			a.cancelled = true
			a.releaseObligations()
			s.log.Debug("action %q cancelled: owner pruned", a.name)
		}
	}
}

// unmet returns the action's still-pending prerequisites.
func (a *Action) unmet() []*Prerequisite {
	var out []*Prerequisite
	for _, p := range a.prereqs {
		if p.state == prereqPending {
			out = append(out, p)
		}
	}
	return out
}

// errorKindOf maps action side-effect errors onto the diagnostic taxonomy.
func errorKindOf(err error) ErrorKind {
	switch {
	case isKind(err, ErrCircularEmbed):
		return ErrCircularEmbed
	case isKind(err, ErrDuplicateKey):
		return ErrDuplicateKey
	default:
		return ErrGrammar
	}
}

type kindedError struct {
	kind ErrorKind
	msg  string
}

func (e *kindedError) Error() string { return e.msg }

func kindErrorf(kind ErrorKind, format string, args ...any) error {
	return &kindedError{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func isKind(err error, kind ErrorKind) bool {
	ke, ok := err.(*kindedError)
	return ok && ke.kind == kind
}
