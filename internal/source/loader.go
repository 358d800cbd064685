package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Documents are authored as YAML, one document per file:
//
//	kw: schema
//	arg: inventory
//	body:
//	  - kw: import
//	    arg: common
//	    body:
//	      - {kw: alias, arg: c}
//
// Only the keys kw, arg and body are recognized. Line/column information is
// taken from the YAML nodes so diagnostics can point back at the file.

// Load reads one document from path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return LoadReader(f, path)
}

// LoadReader reads one document from r. name is used for locations and as
// the document name.
func LoadReader(r io.Reader, name string) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read document %s: %w", name, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, &ShapeError{Loc: Location{File: name}, Msg: fmt.Sprintf("invalid YAML: %v", err)}
	}
	node := &root
	if node.Kind == yaml.DocumentNode {
		if len(node.Content) == 0 {
			return nil, &ShapeError{Loc: Location{File: name}, Msg: "empty document"}
		}
		node = node.Content[0]
	}
	stmt, err := decodeStatement(node, name)
	if err != nil {
		return nil, err
	}
	doc := &Document{Name: strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)), Root: stmt}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// LoadDir loads every *.yaml / *.yml file in dir, sorted by filename so the
// document order (and therefore namespace tie-breaking) is deterministic.
func LoadDir(dir string) ([]*Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	docs := make([]*Document, 0, len(paths))
	for _, p := range paths {
		doc, err := Load(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func decodeStatement(node *yaml.Node, file string) (*Statement, error) {
	loc := Location{File: file, Line: node.Line, Column: node.Column}
	if node.Kind != yaml.MappingNode {
		return nil, &ShapeError{Loc: loc, Msg: "statement must be a mapping"}
	}
	stmt := &Statement{Loc: loc}
	var body *yaml.Node
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "kw":
			stmt.Keyword = val.Value
			stmt.Loc.Line, stmt.Loc.Column = val.Line, val.Column
		case "arg":
			stmt.Argument = val.Value
		case "body":
			body = val
		default:
			return nil, &ShapeError{
				Loc: Location{File: file, Line: key.Line, Column: key.Column},
				Msg: fmt.Sprintf("unknown key %q (expected kw, arg or body)", key.Value),
			}
		}
	}
	if body != nil {
		if body.Kind != yaml.SequenceNode {
			return nil, &ShapeError{Loc: loc, Msg: "body must be a sequence"}
		}
		for _, child := range body.Content {
			c, err := decodeStatement(child, file)
			if err != nil {
				return nil, err
			}
			stmt.Children = append(stmt.Children, c)
		}
	}
	return stmt, nil
}
