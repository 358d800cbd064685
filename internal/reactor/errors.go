package reactor

import (
	"fmt"
	"strings"

	"modelforge/internal/source"
)

// ErrorKind classifies build diagnostics.
type ErrorKind uint8

const (
	// ErrUnresolved marks a fixed point reached with pending prerequisites:
	// missing imports, undefined groups or types, dangling extend paths.
	ErrUnresolved ErrorKind = iota

	// ErrGrammar marks a statement whose substatement set violates its
	// registered grammar.
	ErrGrammar

	// ErrDuplicateKey marks a namespace key rebound to a different value.
	ErrDuplicateKey

	// ErrCircularEmbed marks a group that transitively embeds itself.
	ErrCircularEmbed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnresolved:
		return "unresolved-reference"
	case ErrGrammar:
		return "grammar"
	case ErrDuplicateKey:
		return "duplicate-key"
	case ErrCircularEmbed:
		return "circular-embed"
	default:
		return "unknown"
	}
}

// BuildError is one independent failure discovered during a build.
type BuildError struct {
	Kind      ErrorKind
	Stmt      string
	Loc       source.Location
	Phase     Phase
	Namespace string
	Key       string
	Msg       string
}

func (e BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Stmt)
	if e.Loc != (source.Location{}) {
		fmt.Fprintf(&b, " (%s)", e.Loc)
	}
	if e.Phase != phaseNone {
		fmt.Fprintf(&b, " at %s", e.Phase)
	}
	if e.Key != "" {
		fmt.Fprintf(&b, ": missing %q in namespace %q", e.Key, e.Namespace)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	return b.String()
}

// AggregateError carries every independent failure discovered before the
// build aborted, so multiple problems can be fixed in one iteration.
type AggregateError struct {
	Phase  Phase
	Errors []BuildError
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build failed at %s with %d error(s):", e.Phase, len(e.Errors))
	for _, be := range e.Errors {
		b.WriteString("\n  ")
		b.WriteString(be.Error())
	}
	return b.String()
}

// Of reports whether any contained error has the given kind.
func (e *AggregateError) Of(kind ErrorKind) bool {
	for _, be := range e.Errors {
		if be.Kind == kind {
			return true
		}
	}
	return false
}
