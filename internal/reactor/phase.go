// Package reactor implements the multi-phase statement build reactor: the
// mutable statement context tree, scoped cross-reference namespaces, the
// inference action engine, and the fixed-point phase scheduler that drives a
// forest of raw statement trees into one immutable effective model.
//
// One BuildSession owns one build. There is no process-wide state; separate
// sessions may run concurrently in separate goroutines.
package reactor

// Phase is one of the four ordered build stages every statement passes
// through. The zero value means "nothing completed yet".
type Phase uint8

const (
	phaseNone Phase = iota

	// SourceLinkage establishes cross-document linkage: schema roots are
	// registered globally and imports resolve to their target documents.
	SourceLinkage

	// StatementDefinition establishes statement kind and argument validity
	// and binds declaration namespaces (groups, defines, features, children).
	StatementDefinition

	// FullDeclaration guarantees every declared statement exists in the
	// tree, including statements contributed by extension mechanisms, and
	// settles feature gates and type references.
	FullDeclaration

	// EffectiveModel expands subtree reuse, applies inheritance and yields
	// the immutable effective statement forest.
	EffectiveModel
)

func (p Phase) String() string {
	switch p {
	case SourceLinkage:
		return "SOURCE_LINKAGE"
	case StatementDefinition:
		return "STATEMENT_DEFINITION"
	case FullDeclaration:
		return "FULL_DECLARATION"
	case EffectiveModel:
		return "EFFECTIVE_MODEL"
	default:
		return "NONE"
	}
}
