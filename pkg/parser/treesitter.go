// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// TreeSitter parses Go, Python, JavaScript and TypeScript sources with
// Tree-sitter. Tree-sitter parsers are not thread-safe, so each language
// keeps a sync.Pool of parser instances.
type TreeSitter struct {
	logger *slog.Logger

	pools map[string]*sync.Pool
	once  sync.Once
}

// NewTreeSitter creates the tree-sitter parser.
func NewTreeSitter(logger *slog.Logger) *TreeSitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeSitter{logger: logger}
}

// Extensions implements Parser.
func (t *TreeSitter) Extensions() []string {
	return []string{".go", ".py", ".js", ".jsx", ".mjs", ".ts", ".tsx"}
}

func (t *TreeSitter) init() {
	t.once.Do(func() {
		newPool := func(lang *sitter.Language) *sync.Pool {
			return &sync.Pool{New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(lang)
				return p
			}}
		}
		t.pools = map[string]*sync.Pool{
			"go":         newPool(golang.GetLanguage()),
			"python":     newPool(python.GetLanguage()),
			"javascript": newPool(javascript.GetLanguage()),
			"typescript": newPool(typescript.GetLanguage()),
		}
	})
}

// Parse implements Parser.
func (t *TreeSitter) Parse(content []byte, path string) (*ParsedFile, error) {
	t.init()

	lang := LanguageForPath(path)
	pool, ok := t.pools[lang]
	if !ok {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("unsupported language %q", lang)}
	}

	p := pool.Get().(*sitter.Parser)
	defer pool.Put(p)

	tree, err := p.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		// Tree-sitter is error-tolerant; extract what parsed.
		t.logger.Warn("parser.treesitter.syntax_errors", "path", path, "language", lang)
	}

	pf := &ParsedFile{
		Path:        path,
		Language:    lang,
		ContentHash: ContentHash(content),
		LOC:         CountLines(content),
	}
	switch lang {
	case "go":
		t.walkGo(root, content, "", pf)
	case "python":
		t.walkPython(root, content, "", pf)
	case "javascript", "typescript":
		t.walkJS(root, content, "", pf)
	}
	return pf, nil
}

func text(n *sitter.Node, content []byte) string {
	if n == nil {
		return ""
	}
	return string(content[n.StartByte():n.EndByte()])
}

func span(n *sitter.Node) (int, int) {
	return int(n.StartPoint().Row) + 1, int(n.EndPoint().Row) + 1
}

func symbolAt(n *sitter.Node, name, signature, scope string) Symbol {
	start, end := span(n)
	return Symbol{Name: name, Signature: signature, ScopePath: scope, StartLine: start, EndLine: end}
}

// --- Go ---

func (t *TreeSitter) walkGo(node *sitter.Node, content []byte, scope string, pf *ParsedFile) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "function_declaration":
			name := text(child.ChildByFieldName("name"), content)
			sig := goSignature(child, content, "")
			if name != "" {
				pf.Functions = append(pf.Functions, symbolAt(child, name, sig, scope))
			}
		case "method_declaration":
			name := text(child.ChildByFieldName("name"), content)
			recv := goReceiverType(child.ChildByFieldName("receiver"), content)
			sig := goSignature(child, content, recv)
			if name != "" {
				pf.Functions = append(pf.Functions, symbolAt(child, name, sig, recv))
			}
		case "type_declaration":
			t.extractGoTypes(child, content, pf)
		case "import_declaration":
			t.extractGoImports(child, content, pf)
		default:
			t.walkGo(child, content, scope, pf)
		}
	}
}

func goSignature(fn *sitter.Node, content []byte, recv string) string {
	name := text(fn.ChildByFieldName("name"), content)
	params := text(fn.ChildByFieldName("parameters"), content)
	result := text(fn.ChildByFieldName("result"), content)
	var sb strings.Builder
	sb.WriteString("func ")
	if recv != "" {
		sb.WriteString("(" + recv + ") ")
	}
	sb.WriteString(name + params)
	if result != "" {
		sb.WriteString(" " + result)
	}
	return sb.String()
}

func goReceiverType(recv *sitter.Node, content []byte) string {
	if recv == nil {
		return ""
	}
	for i := 0; i < int(recv.ChildCount()); i++ {
		child := recv.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typ := text(child.ChildByFieldName("type"), content)
		typ = strings.TrimPrefix(typ, "*")
		if idx := strings.IndexByte(typ, '['); idx > 0 {
			typ = typ[:idx]
		}
		return typ
	}
	return ""
}

func (t *TreeSitter) extractGoTypes(decl *sitter.Node, content []byte, pf *ParsedFile) {
	for i := 0; i < int(decl.ChildCount()); i++ {
		spec := decl.Child(i)
		if spec.Type() != "type_spec" {
			continue
		}
		name := text(spec.ChildByFieldName("name"), content)
		if name == "" {
			continue
		}
		kind := "type"
		if typ := spec.ChildByFieldName("type"); typ != nil {
			switch typ.Type() {
			case "struct_type":
				kind = "struct"
			case "interface_type":
				kind = "interface"
			}
		}
		pf.Classes = append(pf.Classes, symbolAt(spec, name, kind+" "+name, ""))
	}
}

func (t *TreeSitter) extractGoImports(decl *sitter.Node, content []byte, pf *ParsedFile) {
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "import_spec" {
			pathNode := n.ChildByFieldName("path")
			alias := text(n.ChildByFieldName("name"), content)
			p := strings.Trim(text(pathNode, content), `"`)
			if p != "" {
				line, _ := span(n)
				pf.Imports = append(pf.Imports, Import{Path: p, Alias: alias, Line: line})
			}
			return
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i))
		}
	}
	visit(decl)
}

// --- Python ---

func (t *TreeSitter) walkPython(node *sitter.Node, content []byte, scope string, pf *ParsedFile) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "function_definition":
			name := text(child.ChildByFieldName("name"), content)
			params := text(child.ChildByFieldName("parameters"), content)
			if name != "" {
				pf.Functions = append(pf.Functions, symbolAt(child, name, "def "+name+params, scope))
			}
			// nested defs keep the enclosing function as scope
			t.walkPython(child, content, joinScope(scope, name), pf)
		case "class_definition":
			name := text(child.ChildByFieldName("name"), content)
			if name != "" {
				pf.Classes = append(pf.Classes, symbolAt(child, name, "class "+name, scope))
			}
			t.walkPython(child, content, joinScope(scope, name), pf)
		case "import_statement", "import_from_statement":
			t.extractPythonImport(child, content, pf)
		default:
			t.walkPython(child, content, scope, pf)
		}
	}
}

func (t *TreeSitter) extractPythonImport(stmt *sitter.Node, content []byte, pf *ParsedFile) {
	line, _ := span(stmt)
	if stmt.Type() == "import_from_statement" {
		if mod := stmt.ChildByFieldName("module_name"); mod != nil {
			pf.Imports = append(pf.Imports, Import{Path: text(mod, content), Line: line})
		}
		return
	}
	for i := 0; i < int(stmt.ChildCount()); i++ {
		child := stmt.Child(i)
		switch child.Type() {
		case "dotted_name":
			pf.Imports = append(pf.Imports, Import{Path: text(child, content), Line: line})
		case "aliased_import":
			name := text(child.ChildByFieldName("name"), content)
			alias := text(child.ChildByFieldName("alias"), content)
			pf.Imports = append(pf.Imports, Import{Path: name, Alias: alias, Line: line})
		}
	}
}

// --- JavaScript / TypeScript ---

func (t *TreeSitter) walkJS(node *sitter.Node, content []byte, scope string, pf *ParsedFile) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "function_declaration", "generator_function_declaration":
			name := text(child.ChildByFieldName("name"), content)
			params := text(child.ChildByFieldName("parameters"), content)
			if name != "" {
				pf.Functions = append(pf.Functions, symbolAt(child, name, "function "+name+params, scope))
			}
		case "class_declaration":
			name := text(child.ChildByFieldName("name"), content)
			if name != "" {
				pf.Classes = append(pf.Classes, symbolAt(child, name, "class "+name, scope))
			}
			t.walkJS(child, content, joinScope(scope, name), pf)
		case "method_definition":
			name := text(child.ChildByFieldName("name"), content)
			params := text(child.ChildByFieldName("parameters"), content)
			if name != "" && name != "constructor" {
				pf.Functions = append(pf.Functions, symbolAt(child, name, name+params, scope))
			}
		case "lexical_declaration", "variable_declaration":
			t.extractJSArrowFunctions(child, content, scope, pf)
		case "import_statement":
			if src := child.ChildByFieldName("source"); src != nil {
				line, _ := span(child)
				p := strings.Trim(text(src, content), "\"'`")
				pf.Imports = append(pf.Imports, Import{Path: p, Line: line})
			}
		default:
			t.walkJS(child, content, scope, pf)
		}
	}
}

func (t *TreeSitter) extractJSArrowFunctions(decl *sitter.Node, content []byte, scope string, pf *ParsedFile) {
	for i := 0; i < int(decl.ChildCount()); i++ {
		d := decl.Child(i)
		if d.Type() != "variable_declarator" {
			continue
		}
		value := d.ChildByFieldName("value")
		if value == nil {
			continue
		}
		if value.Type() != "arrow_function" && value.Type() != "function_expression" && value.Type() != "function" {
			continue
		}
		name := text(d.ChildByFieldName("name"), content)
		if name == "" {
			continue
		}
		params := text(value.ChildByFieldName("parameters"), content)
		pf.Functions = append(pf.Functions, symbolAt(d, name, "const "+name+" = "+params+" => …", scope))
	}
}

func joinScope(scope, name string) string {
	if scope == "" {
		return name
	}
	if name == "" {
		return scope
	}
	return scope + "." + name
}
