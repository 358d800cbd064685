package reactor

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"modelforge/internal/logging"
	"modelforge/internal/model"
	"modelforge/internal/source"
)

// Config configures one build session.
type Config struct {
	// Features is the supported-feature set, entries either "name" or
	// "schema:name". nil means every declared feature is supported; an
	// empty (non-nil) slice supports none.
	Features []string

	// Registry overrides the statement kind registry; nil uses the built-in
	// schema language kinds.
	Registry *Registry
}

type docState struct {
	name string
	root Handle
	ns   map[string]map[string]any
}

// BuildSession owns exactly one build: its context arena, namespaces,
// pending actions and phase progression. Sessions are single-threaded;
// independent sessions may run concurrently without sharing state.
type BuildSession struct {
	id    uuid.UUID
	cfg   Config
	kinds *Registry

	arena []*statementContext
	docs  []*docState

	global    map[string]map[string]any
	derived   map[string]*derivedState
	nsWaiters map[string][]*nsWaiter

	actions []*Action
	ready   []*Action

	phase Phase
	errs  []BuildError

	features map[string]struct{} // nil = all supported

	log   *logging.Logger
	sched *logging.Logger

	built bool
}

// NewBuildSession wraps the given raw documents into a fresh mutable context
// forest. Documents are ingested in the given order, which fixes the
// deterministic traversal order used for namespace tie-breaking.
func NewBuildSession(cfg Config, docs []*source.Document) (*BuildSession, error) {
	if len(docs) == 0 {
		return nil, errors.New("reactor: no source documents")
	}
	s := &BuildSession{
		id:        uuid.New(),
		cfg:       cfg,
		kinds:     cfg.Registry,
		global:    make(map[string]map[string]any),
		derived:   make(map[string]*derivedState),
		nsWaiters: make(map[string][]*nsWaiter),
		log:       logging.Get(logging.CategoryReactor),
		sched:     logging.Get(logging.CategoryScheduler),
	}
	if s.kinds == nil {
		s.kinds = DefaultRegistry()
	}
	if cfg.Features != nil {
		s.features = make(map[string]struct{}, len(cfg.Features))
		for _, f := range cfg.Features {
			s.features[f] = struct{}{}
		}
	}

	s.RegisterDerived(CanonicalNS, DerivedSpec{
		Base: AliasNS,
		Project: func(s *BuildSession, from Handle, key string, base any) (any, bool) {
			root, ok := base.(Handle)
			if !ok {
				return nil, false
			}
			return s.ctx(root).arg, true
		},
	})

	for i, doc := range docs {
		if err := doc.Validate(); err != nil {
			return nil, err
		}
		root := s.ingest(NoHandle, i, doc.Root)
		s.docs = append(s.docs, &docState{
			name: doc.Name,
			root: root,
			ns:   make(map[string]map[string]any),
		})
	}
	return s, nil
}

// ID returns the session's unique build identifier.
func (s *BuildSession) ID() uuid.UUID { return s.id }

func (s *BuildSession) ingest(parent Handle, doc int, raw *source.Statement) Handle {
	h := s.newContext(parent, doc, raw.Keyword, raw.Argument, raw.Loc)
	for _, child := range raw.Children {
		s.ingest(h, doc, child)
	}
	return h
}

func (s *BuildSession) featureEnabled(schema, name string) bool {
	if s.features == nil {
		return true
	}
	if _, ok := s.features[name]; ok {
		return true
	}
	_, ok := s.features[schema+":"+name]
	return ok
}

// Build drives the whole forest plus all registered actions through the
// ordered phases to a fixed point per phase. On success it returns the
// frozen effective model; afterwards the session cannot be reused.
//
// Per phase: repeat {depth-first document-order completion attempt over
// every context; apply every eligible action} until one full pass produces
// no new completions and no new applications. If anything remains below the
// phase at that fixed point, the build aborts with an aggregate diagnostic
// naming every stuck context and action.
func (s *BuildSession) Build() (*model.Model, error) {
	if s.built {
		return nil, errors.New("reactor: build session already consumed")
	}
	s.built = true

	for phase := SourceLinkage; ; phase++ {
		s.phase = phase
		t := logging.StartTimer(logging.CategoryScheduler, fmt.Sprintf("phase %s", phase))
		passes := 0
		for {
			passes++
			progress := false
			for _, d := range s.docs {
				if s.tryCompletePhase(d.root, phase) {
					progress = true
				}
			}
			if s.drainReady() {
				progress = true
			}
			if !progress {
				break
			}
		}
		t.Stop()
		s.sched.Debug("phase %s reached fixed point after %d pass(es)", phase, passes)

		if len(s.errs) > 0 {
			return nil, s.abort(phase)
		}
		if stuck := s.stuckContexts(phase); len(stuck) > 0 {
			return nil, s.stallError(phase, stuck)
		}
		if phase == EffectiveModel {
			break
		}
	}

	m := s.freeze()
	// The mutable machinery is done; drop it so the frozen model is the
	// only thing left alive.
	s.actions = nil
	s.ready = nil
	s.nsWaiters = nil
	return m, nil
}

// stuckContexts returns every supported context that holds outstanding
// obligations for the phase at fixed point. Ancestors that are merely
// waiting on them are derivative and not reported separately.
func (s *BuildSession) stuckContexts(phase Phase) []Handle {
	var stuck []Handle
	for _, c := range s.arena {
		if c.supported && c.completed < phase && len(c.mutations[phase]) > 0 {
			stuck = append(stuck, c.handle)
		}
	}
	return stuck
}

func (s *BuildSession) abort(phase Phase) error {
	return &AggregateError{Phase: phase, Errors: s.errs}
}

// stallError assembles the aggregate failure: every stuck context with its
// blocking obligations, and every pending action with its unmet
// prerequisites. Each pending action also receives its prerequisiteFailed
// notification.
func (s *BuildSession) stallError(phase Phase, stuck []Handle) error {
	errs := s.errs
	for _, h := range stuck {
		c := s.ctx(h)
		for ob := range c.mutations[phase] {
			errs = append(errs, BuildError{
				Kind:  ErrUnresolved,
				Stmt:  s.describe(h),
				Loc:   c.loc,
				Phase: phase,
				Msg:   ob.reason,
			})
		}
	}
	for _, a := range s.actions {
		if a.applied || a.cancelled {
			continue
		}
		unmet := a.unmet()
		if len(unmet) == 0 {
			continue
		}
		if a.onFailed != nil {
			a.onFailed(unmet)
		}
		for _, p := range unmet {
			errs = append(errs, BuildError{
				Kind:      ErrUnresolved,
				Stmt:      s.describe(a.stmt),
				Loc:       s.ctx(a.stmt).loc,
				Phase:     phase,
				Namespace: p.nsID,
				Key:       p.key,
				Msg:       "required by " + a.name,
			})
		}
	}
	return &AggregateError{Phase: phase, Errors: errs}
}
