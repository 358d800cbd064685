// Package source defines the raw statement trees the reactor consumes and a
// YAML loader that produces them. The reactor itself never parses text; this
// package is the input collaborator that feeds it pre-parsed declarations.
package source

import (
	"fmt"
	"regexp"
)

// Location identifies where a statement was declared.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" {
		return fmt.Sprintf("%d:%d", l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Statement is one raw keyword+argument declaration with nested children.
// It carries no resolved semantics; the reactor owns all cross-referencing.
type Statement struct {
	Keyword  string
	Argument string
	Loc      Location
	Children []*Statement
}

// Document is one top-level source document. Root is always a "schema"
// statement for well-formed input, but the loader does not enforce that;
// keyword-level validity is the reactor's concern.
type Document struct {
	Name string
	Root *Statement
}

var keywordPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// ShapeError reports malformed raw input. Shape errors are rejected before
// the reactor starts; they never become build diagnostics.
type ShapeError struct {
	Loc Location
	Msg string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Loc, e.Msg)
}

// Validate checks the raw tree for structural well-formedness: every
// statement has a lexically valid keyword and a non-nil child slice entry.
func (d *Document) Validate() error {
	if d.Root == nil {
		return &ShapeError{Msg: fmt.Sprintf("document %q has no root statement", d.Name)}
	}
	return validateStatement(d.Root)
}

func validateStatement(s *Statement) error {
	if s.Keyword == "" {
		return &ShapeError{Loc: s.Loc, Msg: "statement has empty keyword"}
	}
	if !keywordPattern.MatchString(s.Keyword) {
		return &ShapeError{Loc: s.Loc, Msg: fmt.Sprintf("invalid keyword %q", s.Keyword)}
	}
	for _, c := range s.Children {
		if c == nil {
			return &ShapeError{Loc: s.Loc, Msg: fmt.Sprintf("nil substatement under %q", s.Keyword)}
		}
		if err := validateStatement(c); err != nil {
			return err
		}
	}
	return nil
}

// String renders the statement head for diagnostics.
func (s *Statement) String() string {
	if s.Argument == "" {
		return s.Keyword
	}
	return s.Keyword + " " + s.Argument
}
