package extractor

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

const maxSignatureLen = 200

// declRule describes how one declaration node type becomes a symbol
type declRule struct {
	kind types.SymbolKind
	// kind used instead when the declaration sits inside a class body
	memberKind types.SymbolKind
	// scope marks declarations whose body holds member declarations
	scope bool
}

// grammar is the per-language table driving the generic tree walk
type grammar struct {
	name     string
	language func() *sitter.Language
	decls    map[string]declRule
	// node types whose "function" field names a call target
	calls map[string]bool
	// node types listing base classes
	heritage map[string]bool
	// docstring reports the documentation attached to a declaration node
	docstring func(node *sitter.Node, src []byte) string
}

func pythonGrammar() *grammar {
	return &grammar{
		name:     "python",
		language: python.GetLanguage,
		decls: map[string]declRule{
			"function_definition": {kind: types.KindFunction, memberKind: types.KindMethod},
			"class_definition":    {kind: types.KindClass, scope: true},
		},
		calls:     map[string]bool{"call": true},
		heritage:  map[string]bool{"argument_list": true},
		docstring: pythonDocstring,
	}
}

func javascriptGrammar() *grammar {
	return &grammar{
		name:     "javascript",
		language: javascript.GetLanguage,
		decls: map[string]declRule{
			"function_declaration":           {kind: types.KindFunction},
			"generator_function_declaration": {kind: types.KindFunction},
			"class_declaration":              {kind: types.KindClass, scope: true},
			"method_definition":              {kind: types.KindMethod, memberKind: types.KindMethod},
			"field_definition":               {kind: types.KindField, memberKind: types.KindField},
		},
		calls:     map[string]bool{"call_expression": true, "new_expression": true},
		heritage:  map[string]bool{"class_heritage": true},
		docstring: precedingComment,
	}
}

func typescriptGrammar() *grammar {
	return &grammar{
		name:     "typescript",
		language: ts.GetLanguage,
		decls: map[string]declRule{
			"function_declaration":           {kind: types.KindFunction},
			"generator_function_declaration": {kind: types.KindFunction},
			"function_signature":             {kind: types.KindFunction},
			"class_declaration":              {kind: types.KindClass, scope: true},
			"abstract_class_declaration":     {kind: types.KindClass, scope: true},
			"interface_declaration":          {kind: types.KindInterface, scope: true},
			"type_alias_declaration":         {kind: types.KindType},
			"enum_declaration":               {kind: types.KindType},
			"method_definition":              {kind: types.KindMethod, memberKind: types.KindMethod},
			"method_signature":               {kind: types.KindMethod, memberKind: types.KindMethod},
			"abstract_method_signature":      {kind: types.KindMethod, memberKind: types.KindMethod},
			"public_field_definition":        {kind: types.KindField, memberKind: types.KindField},
			"property_signature":             {kind: types.KindField, memberKind: types.KindField},
		},
		calls:     map[string]bool{"call_expression": true, "new_expression": true},
		heritage:  map[string]bool{"class_heritage": true, "extends_type_clause": true},
		docstring: precedingComment,
	}
}

// treeSitter is an Extractor driven by a grammar table
type treeSitter struct {
	g *grammar
}

func newTreeSitter(g *grammar) *treeSitter {
	return &treeSitter{g: g}
}

// Language implements Extractor
func (t *treeSitter) Language() string { return t.g.name }

// Extract implements Extractor. A parser is created per call because
// tree-sitter parsers are not safe for concurrent use.
func (t *treeSitter) Extract(ctx context.Context, path string, content []byte) (*types.ExtractResult, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(t.g.language())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	result := &types.ExtractResult{Language: t.g.name}
	root := tree.RootNode()
	if root.HasError() {
		collectSyntaxErrors(root, path, result)
	}

	w := &tsWalker{
		g:     t.g,
		src:   content,
		path:  path,
		links: newLinker(path),
	}
	w.walk(root, "", "", false)

	result.Symbols = w.symbols
	result.Relationships = w.links.resolve()
	return result, nil
}

// tsWalker accumulates the symbols of one file
type tsWalker struct {
	g       *grammar
	src     []byte
	path    string
	symbols []types.Symbol
	links   *linker
}

// walk visits node. parent is the enclosing scope symbol, caller the
// enclosing callable and inClass reports whether node sits in a class body.
func (w *tsWalker) walk(node *sitter.Node, parent, caller string, inClass bool) {
	if node == nil {
		return
	}

	nodeType := node.Type()
	if w.g.calls[nodeType] && caller != "" {
		w.links.refer(caller, nsCallable, w.callTarget(node), types.RelCalls, int(node.StartPoint().Row)+1)
	}

	if nodeType == "variable_declarator" {
		if id := w.variableFunction(node, parent); id != "" {
			w.walkChildren(node, id, id, false)
			return
		}
	}

	rule, ok := w.g.decls[nodeType]
	if !ok {
		w.walkChildren(node, parent, caller, inClass)
		return
	}

	id := w.declare(node, rule, parent, inClass)
	if id == "" {
		w.walkChildren(node, parent, caller, inClass)
		return
	}

	switch {
	case rule.scope:
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if w.g.heritage[child.Type()] {
				w.collectHeritage(child, id, types.RelExtends)
			}
		}
		w.walkChildren(node, id, "", true)
	case rule.kind == types.KindFunction || rule.kind == types.KindMethod:
		w.walkChildren(node, id, id, false)
	default:
		w.walkChildren(node, parent, caller, false)
	}
}

func (w *tsWalker) walkChildren(node *sitter.Node, parent, caller string, inClass bool) {
	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i), parent, caller, inClass)
	}
}

// declare emits the symbol for a declaration node and returns its id
func (w *tsWalker) declare(node *sitter.Node, rule declRule, parent string, inClass bool) string {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		nameNode = node.ChildByFieldName("property")
	}
	if nameNode == nil {
		return ""
	}
	name := nameNode.Content(w.src)
	if name == "" {
		return ""
	}

	kind := rule.kind
	if inClass && parent != "" && rule.memberKind != "" {
		kind = rule.memberKind
	}

	sym := types.Symbol{
		Name:       name,
		Kind:       kind,
		Language:   w.g.name,
		FilePath:   w.path,
		Signature:  w.signature(node),
		DocComment: w.g.docstring(node, w.src),
		Start:      position(node.StartPoint()),
		End:        position(node.EndPoint()),
	}
	if parent != "" {
		p := parent
		sym.ParentID = &p
	}
	sym.ID = SymbolID(w.path, name, sym.Start.Line, sym.Start.Column)
	w.symbols = append(w.symbols, sym)

	switch kind {
	case types.KindFunction, types.KindMethod:
		w.links.define(nsCallable, name, sym.ID)
	case types.KindClass, types.KindInterface, types.KindType:
		w.links.define(nsType, name, sym.ID)
		// constructors are called by class name
		if kind == types.KindClass {
			w.links.define(nsCallable, name, sym.ID)
		}
	}
	return sym.ID
}

// variableFunction handles `const f = () => {}` and `const f = function() {}`
func (w *tsWalker) variableFunction(node *sitter.Node, parent string) string {
	if node.Type() != "variable_declarator" {
		return ""
	}
	value := node.ChildByFieldName("value")
	if value == nil {
		return ""
	}
	switch value.Type() {
	case "arrow_function", "function", "function_expression", "generator_function":
	default:
		return ""
	}
	return w.declare(node, declRule{kind: types.KindFunction}, parent, false)
}

// callTarget returns the bare name a call node invokes
func (w *tsWalker) callTarget(node *sitter.Node) string {
	fn := node.ChildByFieldName("function")
	if fn == nil {
		fn = node.ChildByFieldName("constructor")
	}
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return fn.Content(w.src)
	case "member_expression":
		if prop := fn.ChildByFieldName("property"); prop != nil {
			return prop.Content(w.src)
		}
	case "attribute":
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return attr.Content(w.src)
		}
	}
	return ""
}

// collectHeritage records extends or implements edges for every type
// named in a heritage clause
func (w *tsWalker) collectHeritage(node *sitter.Node, classID string, kind types.RelationshipKind) {
	line := int(node.StartPoint().Row) + 1
	switch node.Type() {
	case "identifier", "type_identifier":
		w.links.refer(classID, nsType, node.Content(w.src), kind, line)
	case "attribute":
		if attr := node.ChildByFieldName("attribute"); attr != nil {
			w.links.refer(classID, nsType, attr.Content(w.src), kind, line)
		}
	case "member_expression":
		if prop := node.ChildByFieldName("property"); prop != nil {
			w.links.refer(classID, nsType, prop.Content(w.src), kind, line)
		}
	case "implements_clause":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			w.collectHeritage(node.NamedChild(i), classID, types.RelImplements)
		}
	case "keyword_argument", "type_arguments", "arguments", "call":
	default:
		for i := 0; i < int(node.NamedChildCount()); i++ {
			w.collectHeritage(node.NamedChild(i), classID, kind)
		}
	}
}

// signature returns the declaration header up to its body, on one line
func (w *tsWalker) signature(node *sitter.Node) string {
	end := node.EndByte()
	if body := node.ChildByFieldName("body"); body != nil {
		end = body.StartByte()
	}
	text := string(w.src[node.StartByte():end])
	text = strings.Join(strings.Fields(text), " ")
	text = strings.TrimSuffix(text, ":")
	text = strings.TrimSpace(strings.TrimSuffix(text, "{"))
	if len(text) > maxSignatureLen {
		text = text[:maxSignatureLen] + "..."
	}
	return text
}

// pythonDocstring returns the leading string literal of a def or class body
func pythonDocstring(node *sitter.Node, src []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	str := first.NamedChild(0)
	if str.Type() != "string" {
		return ""
	}
	text := str.Content(src)
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(text, q) && strings.HasSuffix(text, q) && len(text) >= 2*len(q) {
			text = text[len(q) : len(text)-len(q)]
			break
		}
	}
	return strings.TrimSpace(text)
}

// precedingComment returns the comment block directly above a declaration,
// looking through an enclosing export statement
func precedingComment(node *sitter.Node, src []byte) string {
	target := node
	if p := node.Parent(); p != nil && p.Type() == "export_statement" {
		target = p
	}
	if node.Type() == "variable_declarator" {
		if p := node.Parent(); p != nil {
			target = p
			if gp := p.Parent(); gp != nil && gp.Type() == "export_statement" {
				target = gp
			}
		}
	}

	var lines []string
	line := int(target.StartPoint().Row)
	for prev := target.PrevSibling(); prev != nil && prev.Type() == "comment"; prev = prev.PrevSibling() {
		if int(prev.EndPoint().Row) < line-1 {
			break
		}
		lines = append([]string{cleanComment(prev.Content(src))}, lines...)
		line = int(prev.StartPoint().Row)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func cleanComment(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "//") {
		return strings.TrimSpace(strings.TrimPrefix(text, "//"))
	}
	text = strings.TrimSuffix(strings.TrimPrefix(text, "/*"), "*/")
	text = strings.TrimPrefix(text, "*")
	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		l = strings.TrimSpace(strings.TrimPrefix(l, "*"))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// collectSyntaxErrors records every ERROR or missing node on the result
func collectSyntaxErrors(node *sitter.Node, path string, result *types.ExtractResult) {
	if node == nil {
		return
	}
	if node.Type() == "ERROR" || node.IsMissing() {
		p := node.StartPoint()
		result.AddError(path, int(p.Row)+1, int(p.Column)+1, fmt.Sprintf("syntax error near %q", node.Type()))
		return
	}
	if !node.HasError() {
		return
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		collectSyntaxErrors(node.Child(i), path, result)
	}
}

func position(p sitter.Point) types.Position {
	return types.Position{Line: int(p.Row) + 1, Column: int(p.Column) + 1}
}
