package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"modelforge/internal/source"
)

func st(kw, arg string, children ...*Statement) *Statement {
	return NewStatement(kw, arg, source.Location{}, ProvenanceNone, children)
}

func testModel() *Model {
	common := st("schema", "common",
		st("define", "addr",
			st("type", "string"),
		),
	)
	inventory := st("schema", "inventory",
		st("block", "device",
			st("field", "host",
				st("type", "string"),
			),
			st("field", "port",
				st("type", "int"),
			),
		),
	)
	return New(
		[]string{"common", "inventory"},
		map[string]*Statement{"common": common, "inventory": inventory},
		map[string]map[string]string{"inventory": {"c": "common"}},
	)
}

func TestStatementAccessors(t *testing.T) {
	s := st("field", "host", st("type", "string"), st("doc", "host name"))
	require.Equal(t, "field", s.Keyword())
	require.Equal(t, "host", s.Argument())
	require.Equal(t, "field host", s.String())
	require.Equal(t, "type", s.Child("type").Keyword())
	require.Nil(t, s.Child("default"))
	require.Len(t, s.Substatements(), 2)
}

func TestStatementFind(t *testing.T) {
	root := testModel().Schema("inventory")
	require.NotNil(t, root)

	host := root.Find("device", "host")
	require.NotNil(t, host)
	require.Equal(t, "field", host.Keyword())

	require.Nil(t, root.Find("device", "missing"))
	require.Same(t, root, root.Find(), "empty path returns the receiver")
}

func TestOriginFollowsCopyChain(t *testing.T) {
	declared := st("field", "x")
	copied := NewStatement("field", "x", source.Location{}, ProvenanceEmbed, nil)
	copied.LinkOrigin(declared)

	require.Same(t, declared, copied.Origin())
	require.Same(t, declared, declared.Origin(), "a declared statement is its own origin")
	require.Equal(t, ProvenanceEmbed, copied.Provenance())
}

func TestProvenanceString(t *testing.T) {
	require.Equal(t, "declared", ProvenanceNone.String())
	require.Equal(t, "embed", ProvenanceEmbed.String())
	require.Equal(t, "extend", ProvenanceExtend.String())
}

func TestModelSchemaNames(t *testing.T) {
	m := testModel()
	names := m.SchemaNames()
	require.Equal(t, []string{"common", "inventory"}, names)

	// Returned slice is a copy; mutating it does not affect the model.
	names[0] = "clobbered"
	require.Equal(t, []string{"common", "inventory"}, m.SchemaNames())
}

func TestModelResolveAlias(t *testing.T) {
	m := testModel()

	name, ok := m.ResolveAlias("inventory", "c")
	require.True(t, ok)
	require.Equal(t, "common", name)

	_, ok = m.ResolveAlias("inventory", "nope")
	require.False(t, ok)
	_, ok = m.ResolveAlias("common", "c")
	require.False(t, ok, "aliases are scoped to the importing schema")
}

func TestModelResolve(t *testing.T) {
	m := testModel()

	host, err := m.Resolve("inventory", "device", "host")
	require.NoError(t, err)
	require.Equal(t, "field host", host.String())

	// Alias prefix on the first segment hops into the imported schema.
	addr, err := m.Resolve("inventory", "c:addr")
	require.NoError(t, err)
	require.Equal(t, "define addr", addr.String())

	_, err = m.Resolve("inventory", "x:addr")
	require.ErrorContains(t, err, `unknown alias "x"`)
	_, err = m.Resolve("nowhere", "device")
	require.ErrorContains(t, err, `unknown schema "nowhere"`)
	_, err = m.Resolve("inventory", "device", "missing")
	require.ErrorContains(t, err, "/device/missing")
}
