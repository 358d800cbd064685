package source

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadReaderDecodesTree(t *testing.T) {
	src := `kw: schema
arg: inventory
body:
  - kw: import
    arg: common
    body:
      - {kw: alias, arg: c}
  - kw: block
    arg: device
`
	doc, err := LoadReader(strings.NewReader(src), "inventory.yaml")
	if err != nil {
		t.Fatalf("LoadReader() error = %v", err)
	}
	if doc.Name != "inventory" {
		t.Errorf("Name = %q, want inventory", doc.Name)
	}
	root := doc.Root
	if root.Keyword != "schema" || root.Argument != "inventory" {
		t.Fatalf("root = %s", root)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root has %d children, want 2", len(root.Children))
	}
	imp := root.Children[0]
	if imp.Keyword != "import" || imp.Argument != "common" {
		t.Errorf("first child = %s", imp)
	}
	if len(imp.Children) != 1 || imp.Children[0].Keyword != "alias" {
		t.Errorf("import children = %v", imp.Children)
	}
}

func TestLoadReaderRecordsLocations(t *testing.T) {
	src := "kw: schema\narg: s\nbody:\n  - kw: block\n    arg: b\n"
	doc, err := LoadReader(strings.NewReader(src), "s.yaml")
	if err != nil {
		t.Fatalf("LoadReader() error = %v", err)
	}
	if doc.Root.Loc.File != "s.yaml" || doc.Root.Loc.Line != 1 {
		t.Errorf("root loc = %v", doc.Root.Loc)
	}
	if got := doc.Root.Children[0].Loc.Line; got != 4 {
		t.Errorf("child line = %d, want 4", got)
	}
}

func TestLoadReaderShapeErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
	}{
		{"unknown key", "kw: schema\narg: s\nextra: nope\n"},
		{"scalar body", "kw: schema\narg: s\nbody: oops\n"},
		{"sequence root", "- kw: schema\n"},
		{"empty document", ""},
		{"invalid keyword", "kw: Schema!\narg: s\n"},
		{"empty keyword", "arg: s\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadReader(strings.NewReader(tc.src), "bad.yaml")
			var shape *ShapeError
			if !errors.As(err, &shape) {
				t.Fatalf("LoadReader() error = %v, want ShapeError", err)
			}
		})
	}
}

func TestLoadDirSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.yaml":    "kw: schema\narg: b\n",
		"a.yml":     "kw: schema\narg: a\n",
		"notes.txt": "not a document",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("LoadDir() returned %d docs, want 2", len(docs))
	}
	if docs[0].Name != "a" || docs[1].Name != "b" {
		t.Errorf("document order = %s, %s, want a, b", docs[0].Name, docs[1].Name)
	}
}

func TestLoadDirPropagatesBadDocument(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("kw: [not, scalar\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatal("LoadDir() accepted a malformed document")
	}
}

func TestDigestFilesStable(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("kw: schema\narg: a\n"), 0644)
	os.WriteFile(b, []byte("kw: schema\narg: b\n"), 0644)

	d1, err := DigestFiles([]string{a, b})
	if err != nil {
		t.Fatalf("DigestFiles() error = %v", err)
	}
	// Order-insensitive: paths are sorted internally.
	d2, err := DigestFiles([]string{b, a})
	if err != nil {
		t.Fatalf("DigestFiles() error = %v", err)
	}
	if d1 != d2 {
		t.Error("digest depends on input order")
	}

	os.WriteFile(b, []byte("kw: schema\narg: changed\n"), 0644)
	d3, err := DigestFiles([]string{a, b})
	if err != nil {
		t.Fatalf("DigestFiles() error = %v", err)
	}
	if d3 == d1 {
		t.Error("digest unchanged after content edit")
	}
}
