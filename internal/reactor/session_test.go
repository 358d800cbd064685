package reactor

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"modelforge/internal/model"
	"modelforge/internal/source"
)

func st(kw, arg string, children ...*source.Statement) *source.Statement {
	return &source.Statement{Keyword: kw, Argument: arg, Children: children}
}

func doc(name string, root *source.Statement) *source.Document {
	return &source.Document{Name: name, Root: root}
}

func mustBuild(t *testing.T, cfg Config, docs ...*source.Document) *model.Model {
	t.Helper()
	s, err := NewBuildSession(cfg, docs)
	if err != nil {
		t.Fatalf("NewBuildSession() error = %v", err)
	}
	m, err := s.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return m
}

func mustFail(t *testing.T, cfg Config, docs ...*source.Document) *AggregateError {
	t.Helper()
	s, err := NewBuildSession(cfg, docs)
	if err != nil {
		t.Fatalf("NewBuildSession() error = %v", err)
	}
	m, err := s.Build()
	if err == nil {
		t.Fatal("Build() succeeded, want failure")
	}
	if m != nil {
		t.Fatal("Build() returned a partial model alongside an error")
	}
	agg, ok := err.(*AggregateError)
	if !ok {
		t.Fatalf("Build() error type = %T, want *AggregateError", err)
	}
	return agg
}

// heads renders substatements as "keyword arg" strings for comparison.
func heads(sts []*model.Statement) []string {
	var out []string
	for _, s := range sts {
		out = append(out, s.String())
	}
	return out
}

func TestBuildSimpleSchema(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "conn",
				st("doc", "connection settings"),
				st("field", "host"),
				st("field", "port"),
			),
		),
	))

	if got := m.SchemaNames(); len(got) != 1 || got[0] != "s" {
		t.Fatalf("SchemaNames() = %v, want [s]", got)
	}
	conn := m.Schema("s").Find("conn")
	if conn == nil {
		t.Fatal("block conn missing from effective model")
	}
	want := []string{"doc connection settings", "field host", "field port"}
	if diff := cmp.Diff(want, heads(conn.Substatements())); diff != "" {
		t.Errorf("conn substatements mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildSessionConsumedAfterBuild(t *testing.T) {
	s, err := NewBuildSession(Config{}, []*source.Document{doc("s.yaml", st("schema", "s"))})
	if err != nil {
		t.Fatalf("NewBuildSession() error = %v", err)
	}
	if _, err := s.Build(); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	if _, err := s.Build(); err == nil {
		t.Fatal("second Build() succeeded, want consumed error")
	}
}

func TestEmbedExpandsGroupWithOriginIdentity(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("group", "g",
				st("field", "x"),
			),
			st("block", "c",
				st("embed", "g"),
			),
		),
	))

	c := m.Schema("s").Find("c")
	if c == nil {
		t.Fatal("block c missing from effective model")
	}
	subs := c.Substatements()
	if len(subs) != 1 {
		t.Fatalf("c has %d substatements %v, want exactly 1", len(subs), heads(subs))
	}
	x := subs[0]
	if x.String() != "field x" {
		t.Fatalf("c child = %q, want %q", x.String(), "field x")
	}
	if x.Provenance() != model.ProvenanceEmbed {
		t.Errorf("provenance = %s, want embed", x.Provenance())
	}
	declared := m.Schema("s").Find("g", "x")
	if declared == nil {
		t.Fatal("declared g/x missing from effective model")
	}
	if x.Origin() != declared {
		t.Errorf("Origin() != declared statement in group g")
	}
	if declared.Origin() != declared {
		t.Errorf("declared statement is not its own origin")
	}
}

func TestNestedEmbedExpandsOnce(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("group", "inner",
				st("field", "x"),
			),
			st("group", "outer",
				st("embed", "inner"),
				st("field", "y"),
			),
			st("block", "c",
				st("embed", "outer"),
			),
		),
	))

	c := m.Schema("s").Find("c")
	want := []string{"field x", "field y"}
	if diff := cmp.Diff(want, heads(c.Substatements())); diff != "" {
		t.Errorf("c substatements mismatch (-want +got):\n%s", diff)
	}
	x := c.Find("x")
	declared := m.Schema("s").Find("inner", "x")
	if x.Origin() != declared {
		t.Errorf("doubly copied field does not resolve to its declared original")
	}
}

func TestEmbedPositionPreserved(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("group", "g",
				st("field", "b"),
				st("field", "c"),
			),
			st("block", "blk",
				st("field", "a"),
				st("embed", "g"),
				st("field", "d"),
			),
		),
	))

	blk := m.Schema("s").Find("blk")
	want := []string{"field a", "field b", "field c", "field d"}
	if diff := cmp.Diff(want, heads(blk.Substatements())); diff != "" {
		t.Errorf("expansion position mismatch (-want +got):\n%s", diff)
	}
}

func TestCircularEmbedFailsDeterministically(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("group", "a",
				st("embed", "b"),
			),
			st("group", "b",
				st("embed", "a"),
			),
			st("block", "c",
				st("embed", "a"),
			),
		),
	))
	if !agg.Of(ErrCircularEmbed) {
		t.Fatalf("error = %v, want circular-embed diagnostic", agg)
	}
}

func TestSelfEmbedFails(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("group", "g",
				st("field", "x"),
				st("embed", "g"),
			),
			st("block", "c",
				st("embed", "g"),
			),
		),
	))
	if !agg.Of(ErrCircularEmbed) {
		t.Fatalf("error = %v, want circular-embed diagnostic", agg)
	}
}

func TestExtendGraftsIntoTarget(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "b",
				st("field", "x"),
			),
			st("extend", "/b",
				st("field", "y"),
			),
		),
	))

	b := m.Schema("s").Find("b")
	want := []string{"field x", "field y"}
	if diff := cmp.Diff(want, heads(b.Substatements())); diff != "" {
		t.Errorf("b substatements mismatch (-want +got):\n%s", diff)
	}
	if got := b.Find("y").Provenance(); got != model.ProvenanceExtend {
		t.Errorf("grafted field provenance = %s, want extend", got)
	}
}

func TestExtendNestedPath(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "outer",
				st("block", "inner"),
			),
			st("extend", "/outer/inner",
				st("field", "deep"),
			),
		),
	))
	if m.Schema("s").Find("outer", "inner", "deep") == nil {
		t.Fatal("field deep missing under /outer/inner")
	}
}

func TestExtendIntoExtendedContent(t *testing.T) {
	// The second extend's path passes through a block the first one
	// grafted; path hops must hold the host open until it resolves.
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "b"),
			st("extend", "/b",
				st("block", "added"),
			),
			st("extend", "/b/added",
				st("field", "leaf"),
			),
		),
	))
	if m.Schema("s").Find("b", "added", "leaf") == nil {
		t.Fatal("field leaf missing under grafted block")
	}
}

func TestExtendChainThreeDeep(t *testing.T) {
	// Each extend targets content the previous one grafted. Resolving a
	// hop can hook the next hop onto the same child namespace while that
	// namespace is mid-notification; the hook must not be dropped, or the
	// deepest path never resolves and the build stalls.
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "b"),
			st("extend", "/b",
				st("block", "x"),
			),
			st("extend", "/b/x",
				st("block", "y"),
			),
			st("extend", "/b/x/y",
				st("field", "leaf"),
			),
		),
	))
	leaf := m.Schema("s").Find("b", "x", "y", "leaf")
	if leaf == nil {
		t.Fatal("field leaf missing under /b/x/y")
	}
	if leaf.Provenance() != model.ProvenanceExtend {
		t.Errorf("leaf provenance = %s, want extend", leaf.Provenance())
	}
}

func TestExtendDanglingPathStalls(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "b"),
			st("extend", "/nope",
				st("field", "y"),
			),
		),
	))
	if !agg.Of(ErrUnresolved) {
		t.Fatalf("error = %v, want unresolved-reference diagnostic", agg)
	}
}

func TestFeatureGatedExtend(t *testing.T) {
	src := func() *source.Document {
		return doc("s.yaml",
			st("schema", "s",
				st("feature", "f"),
				st("block", "b"),
				st("extend", "/b",
					st("when-feature", "f"),
					st("field", "y"),
				),
			),
		)
	}

	// All features supported by default.
	m := mustBuild(t, Config{}, src())
	if m.Schema("s").Find("b", "y") == nil {
		t.Fatal("field y missing with features unrestricted")
	}

	// Empty (non-nil) feature set supports nothing.
	m = mustBuild(t, Config{Features: []string{}}, src())
	if got := m.Schema("s").Find("b").Substatements(); len(got) != 0 {
		t.Fatalf("b has %v with no features supported, want empty", heads(got))
	}

	// Qualified feature name.
	m = mustBuild(t, Config{Features: []string{"s:f"}}, src())
	if m.Schema("s").Find("b", "y") == nil {
		t.Fatal("field y missing with feature s:f supported")
	}
}

func TestFeatureGatedBlockPruned(t *testing.T) {
	m := mustBuild(t, Config{Features: []string{}}, doc("s.yaml",
		st("schema", "s",
			st("feature", "f"),
			st("block", "gated",
				st("when-feature", "f"),
				st("field", "x"),
			),
			st("block", "kept"),
		),
	))
	if m.Schema("s").Find("gated") != nil {
		t.Error("gated block present, want pruned")
	}
	if m.Schema("s").Find("kept") == nil {
		t.Error("unconditional block missing")
	}
}

func TestUndeclaredFeatureStalls(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "b",
				st("when-feature", "ghost"),
			),
		),
	))
	if !agg.Of(ErrUnresolved) {
		t.Fatalf("error = %v, want unresolved-reference diagnostic", agg)
	}
	if !strings.Contains(agg.Error(), "ghost") {
		t.Errorf("error does not name the missing feature: %v", agg)
	}
}

func TestImportAndAliasResolution(t *testing.T) {
	m := mustBuild(t, Config{},
		doc("a.yaml",
			st("schema", "a",
				st("import", "b",
					st("alias", "bb"),
				),
				st("block", "c",
					st("field", "ip",
						st("type", "bb:addr"),
					),
				),
			),
		),
		doc("b.yaml",
			st("schema", "b",
				st("define", "addr",
					st("default", "0.0.0.0"),
				),
			),
		),
	)

	if got, ok := m.ResolveAlias("a", "bb"); !ok || got != "b" {
		t.Fatalf("ResolveAlias(a, bb) = %q, %v; want b, true", got, ok)
	}
	ip, err := m.Resolve("a", "c", "ip")
	if err != nil {
		t.Fatalf("Resolve(a, c, ip) error = %v", err)
	}
	// The field declares no default, so it inherits the type's.
	def := ip.Child("default")
	if def == nil || def.Argument() != "0.0.0.0" {
		t.Fatalf("inherited default = %v, want 0.0.0.0", def)
	}
	// Alias-prefixed resolution crosses into the imported schema.
	if _, err := m.Resolve("a", "bb:addr"); err != nil {
		t.Fatalf("Resolve(a, bb:addr) error = %v", err)
	}
}

func TestFieldOwnDefaultWins(t *testing.T) {
	m := mustBuild(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("define", "port",
				st("default", "80"),
			),
			st("block", "c",
				st("field", "p",
					st("type", "port"),
					st("default", "8080"),
				),
			),
		),
	))
	p := m.Schema("s").Find("c", "p")
	if got := p.Child("default").Argument(); got != "8080" {
		t.Fatalf("default = %q, want declared 8080 over inherited 80", got)
	}
}

func TestMissingImportFailsWithoutPartialModel(t *testing.T) {
	agg := mustFail(t, Config{}, doc("a.yaml",
		st("schema", "a",
			st("import", "missing",
				st("alias", "m"),
			),
		),
	))
	if !agg.Of(ErrUnresolved) {
		t.Fatalf("error = %v, want unresolved-reference diagnostic", agg)
	}
	if agg.Phase != SourceLinkage {
		t.Errorf("failed at %s, want %s", agg.Phase, SourceLinkage)
	}
	if !strings.Contains(agg.Error(), "missing") {
		t.Errorf("error does not name the absent schema: %v", agg)
	}
}

func TestMutualImportsReportBothSchemas(t *testing.T) {
	agg := mustFail(t, Config{},
		doc("a.yaml",
			st("schema", "a",
				st("import", "b", st("alias", "b")),
			),
		),
		doc("b.yaml",
			st("schema", "b",
				st("import", "a", st("alias", "a")),
			),
		),
	)
	if !agg.Of(ErrUnresolved) {
		t.Fatalf("error = %v, want unresolved-reference diagnostic", agg)
	}
	msg := agg.Error()
	if !strings.Contains(msg, "resolve-import a") || !strings.Contains(msg, "resolve-import b") {
		t.Errorf("aggregate does not name both sides of the cycle:\n%s", msg)
	}
}

func TestUnresolvedTypeStalls(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("block", "c",
				st("field", "x",
					st("type", "nope"),
				),
			),
		),
	))
	if !agg.Of(ErrUnresolved) {
		t.Fatalf("error = %v, want unresolved-reference diagnostic", agg)
	}
	if agg.Phase != FullDeclaration {
		t.Errorf("failed at %s, want %s", agg.Phase, FullDeclaration)
	}
}

func TestDuplicateSchemaNameFails(t *testing.T) {
	agg := mustFail(t, Config{},
		doc("a.yaml", st("schema", "s")),
		doc("b.yaml", st("schema", "s")),
	)
	if !agg.Of(ErrDuplicateKey) {
		t.Fatalf("error = %v, want duplicate-key diagnostic", agg)
	}
}

func TestGrammarViolations(t *testing.T) {
	tests := []struct {
		name string
		root *source.Statement
	}{
		{"unknown keyword", st("schema", "s", st("bogus", "x"))},
		{"missing argument", st("schema", "s", st("block", ""))},
		{"disallowed substatement", st("schema", "s",
			st("field", "x", st("block", "nested")))},
		{"duplicate singleton", st("schema", "s",
			st("block", "b", st("doc", "one"), st("doc", "two")))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := mustFail(t, Config{}, doc("s.yaml", tt.root))
			if !agg.Of(ErrGrammar) {
				t.Fatalf("error = %v, want grammar diagnostic", agg)
			}
		})
	}
}

func TestAggregateCollectsIndependentErrors(t *testing.T) {
	agg := mustFail(t, Config{}, doc("s.yaml",
		st("schema", "s",
			st("bogus", "one"),
			st("block", ""),
		),
	))
	if len(agg.Errors) < 2 {
		t.Fatalf("aggregate carries %d error(s), want both independent failures:\n%v",
			len(agg.Errors), agg)
	}
}
