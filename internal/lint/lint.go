// Package lint runs datalog consistency rules over a built effective model.
// The model is projected into stmt/5 facts, the rule program derives
// finding/3 facts, and every derived finding comes back as a diagnostic.
// Rule authors extend the built-in program with additional .mg files.
package lint

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"modelforge/internal/logging"
	"modelforge/internal/model"
)

// Finding is one derived lint diagnostic.
type Finding struct {
	Rule    string // rule name, e.g. "empty-block"
	Subject string // the statement name the rule fired on
	Loc     string // source location carried through the facts
}

func (f Finding) String() string {
	if f.Loc == "" {
		return fmt.Sprintf("%s: %s", f.Rule, f.Subject)
	}
	return fmt.Sprintf("%s: %s (%s)", f.Rule, f.Subject, f.Loc)
}

// Engine evaluates lint rules against effective models. An engine is
// reusable across models; each Check runs on a fresh fact store.
type Engine struct {
	units []parse.SourceUnit
	log   *logging.Logger
}

// New returns an engine loaded with the built-in rules.
func New() (*Engine, error) {
	e := &Engine{log: logging.Get(logging.CategoryLint)}
	if err := e.LoadRulesString(builtinRules); err != nil {
		return nil, fmt.Errorf("built-in rules: %w", err)
	}
	return e, nil
}

// LoadRules loads and parses an additional Mangle rule file (.mg).
func (e *Engine) LoadRules(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read rule file %s: %w", path, err)
	}
	if err := e.LoadRulesString(string(data)); err != nil {
		return fmt.Errorf("rule file %s: %w", path, err)
	}
	return nil
}

// LoadRulesString parses additional rules from a string.
func (e *Engine) LoadRulesString(src string) error {
	unit, err := parse.Unit(bytes.NewReader([]byte(src)))
	if err != nil {
		return fmt.Errorf("failed to parse rules: %w", err)
	}
	e.units = append(e.units, unit)
	return nil
}

// Check projects the model into facts, evaluates the rule program and
// returns every derived finding, deterministically ordered.
func (e *Engine) Check(m *model.Model) ([]Finding, error) {
	timer := logging.StartTimer(logging.CategoryLint, "Check")
	defer timer.Stop()

	var clauses []ast.Clause
	var decls []ast.Decl
	for _, u := range e.units {
		clauses = append(clauses, u.Clauses...)
		decls = append(decls, u.Decls...)
	}
	programInfo, err := analysis.AnalyzeOneUnit(parse.SourceUnit{Clauses: clauses, Decls: decls}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to analyze rules: %w", err)
	}

	stmtSym, ok := predicate(programInfo, "stmt")
	if !ok {
		return nil, fmt.Errorf("rule program does not declare stmt/5")
	}
	findingSym, ok := predicate(programInfo, "finding")
	if !ok {
		return nil, fmt.Errorf("rule program does not declare finding/3")
	}

	store := factstore.NewSimpleInMemoryStore()
	facts := 0
	for _, name := range m.SchemaNames() {
		facts += projectStatement(store, stmtSym, m.Schema(name), "", 0)
	}
	e.log.Debug("projected %d statement fact(s)", facts)

	if _, err := mengine.EvalProgramWithStats(programInfo, store); err != nil {
		return nil, fmt.Errorf("rule evaluation failed: %w", err)
	}

	var findings []Finding
	err = store.GetFacts(ast.Atom{Predicate: findingSym}, func(a ast.Atom) error {
		if len(a.Args) != 3 {
			return fmt.Errorf("finding fact has %d args, want 3", len(a.Args))
		}
		findings = append(findings, Finding{
			Rule:    stringOf(a.Args[0]),
			Subject: stringOf(a.Args[1]),
			Loc:     stringOf(a.Args[2]),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Rule != findings[j].Rule {
			return findings[i].Rule < findings[j].Rule
		}
		if findings[i].Subject != findings[j].Subject {
			return findings[i].Subject < findings[j].Subject
		}
		return findings[i].Loc < findings[j].Loc
	})
	e.log.Info("lint produced %d finding(s)", len(findings))
	return findings, nil
}

// projectStatement emits one stmt/5 fact per effective statement:
// stmt(Id, Keyword, Argument, ParentId, Loc). Ids are child-index paths so
// duplicate names stay distinguishable.
func projectStatement(store factstore.FactStore, sym ast.PredicateSym, st *model.Statement, parent string, idx int) int {
	id := parent + "/" + strconv.Itoa(idx)
	store.Add(ast.Atom{Predicate: sym, Args: []ast.BaseTerm{
		ast.String(id),
		ast.String(st.Keyword()),
		ast.String(st.Argument()),
		ast.String(parent),
		ast.String(st.Loc().String()),
	}})
	n := 1
	for i, c := range st.Substatements() {
		n += projectStatement(store, sym, c, id, i)
	}
	return n
}

func predicate(info *analysis.ProgramInfo, symbol string) (ast.PredicateSym, bool) {
	for sym := range info.Decls {
		if sym.Symbol == symbol {
			return sym, true
		}
	}
	return ast.PredicateSym{}, false
}

func stringOf(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		switch c.Type {
		case ast.StringType, ast.NameType:
			return c.Symbol
		case ast.NumberType:
			return strconv.FormatInt(c.NumValue, 10)
		}
		return c.String()
	}
	return term.String()
}
