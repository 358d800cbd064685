package lint

// builtinRules is the default consistency program. Fact shape:
//
//	stmt(Id, Keyword, Argument, ParentId, Loc)
//
// Derived diagnostics land in finding(Rule, Subject, Loc). Additional rule
// files may contribute further finding/3 clauses against the same facts.
const builtinRules = `
Decl stmt(Id, Kw, Name, Parent, Loc).
Decl finding(Rule, Subject, Loc).
Decl has_child(Parent).
Decl field_typed(Parent).
Decl field_required(Parent).
Decl field_defaulted(Parent).

has_child(P) :- stmt(_, _, _, P, _).
field_typed(P) :- stmt(_, "type", _, P, _).
field_required(P) :- stmt(_, "required", _, P, _).
field_defaulted(P) :- stmt(_, "default", _, P, _).

# A block that declares nothing is usually a mistake.
finding("empty-block", Name, Loc) :-
    stmt(Id, "block", Name, _, Loc),
    !has_child(Id).

# A field without a type carries untyped free-form data.
finding("untyped-field", Name, Loc) :-
    stmt(Id, "field", Name, _, Loc),
    !field_typed(Id).

# A required field never falls back to its default, own or inherited
# from its type definition.
finding("required-with-default", Name, Loc) :-
    stmt(Id, "field", Name, _, Loc),
    field_required(Id),
    field_defaulted(Id).
`
