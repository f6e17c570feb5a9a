package extractor

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Go extracts symbols from Go source using go/ast
type Go struct{}

// NewGo creates the Go extractor
func NewGo() *Go {
	return &Go{}
}

// Language implements Extractor
func (g *Go) Language() string { return "go" }

// Extract parses content and returns its symbols and in-file relationships.
// Syntax errors are recorded on the result; whatever partial AST the parser
// recovered is still walked.
func (g *Go) Extract(ctx context.Context, path string, content []byte) (*types.ExtractResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &types.ExtractResult{Language: g.Language()}
	fset := token.NewFileSet()

	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if err != nil {
		result.AddError(path, 0, 0, fmt.Sprintf("syntax error: %v", err))
	}
	if file == nil {
		return result, nil
	}

	e := &goSymbolExtractor{
		fset:     fset,
		path:     path,
		links:    newLinker(path),
		typeIDs:  make(map[string]string),
		declared: make(map[string]int),
	}

	// types first so methods declared above their receiver still find it
	for _, decl := range file.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok {
			e.extractGenDecl(gd)
		}
	}
	for _, decl := range file.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok {
			e.extractFunction(fd)
		}
	}

	result.Symbols = e.symbols
	result.Relationships = e.links.resolve()
	return result, nil
}

// goSymbolExtractor accumulates the symbols of one Go file
type goSymbolExtractor struct {
	fset     *token.FileSet
	path     string
	symbols  []types.Symbol
	links    *linker
	typeIDs  map[string]string
	declared map[string]int
}

func (e *goSymbolExtractor) add(sym types.Symbol) string {
	sym.ID = SymbolID(e.path, sym.Name, sym.Start.Line, sym.Start.Column)
	sym.Language = "go"
	sym.FilePath = e.path
	e.symbols = append(e.symbols, sym)
	return sym.ID
}

// extractFunction extracts function and method declarations
func (e *goSymbolExtractor) extractFunction(funcDecl *ast.FuncDecl) {
	sym := types.Symbol{
		Name:       funcDecl.Name.Name,
		Kind:       types.KindFunction,
		DocComment: docText(funcDecl.Doc),
		Signature:  e.functionSignature(funcDecl),
		Start:      e.position(funcDecl.Pos()),
		End:        e.position(funcDecl.End()),
	}

	if funcDecl.Recv != nil && len(funcDecl.Recv.List) > 0 {
		sym.Kind = types.KindMethod
		recv := receiverType(funcDecl.Recv.List[0].Type)
		if parentID, ok := e.typeIDs[recv]; ok {
			sym.ParentID = &parentID
		}
	}

	id := e.add(sym)
	e.links.define(nsCallable, sym.Name, id)

	if funcDecl.Body == nil {
		return
	}
	ast.Inspect(funcDecl.Body, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		line := e.position(call.Pos()).Line
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			e.links.refer(id, nsCallable, fn.Name, types.RelCalls, line)
		case *ast.SelectorExpr:
			e.links.refer(id, nsCallable, fn.Sel.Name, types.RelCalls, line)
		}
		return true
	})
}

// extractGenDecl extracts type, const, and var declarations
func (e *goSymbolExtractor) extractGenDecl(genDecl *ast.GenDecl) {
	for _, spec := range genDecl.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			doc := s.Doc
			if doc == nil {
				doc = genDecl.Doc
			}
			e.extractTypeSpec(s, doc)
		case *ast.ValueSpec:
			doc := s.Doc
			if doc == nil {
				doc = genDecl.Doc
			}
			e.extractValueSpec(s, doc, genDecl.Tok)
		}
	}
}

// extractTypeSpec extracts struct, interface, and named type declarations
// together with their fields and interface methods
func (e *goSymbolExtractor) extractTypeSpec(typeSpec *ast.TypeSpec, doc *ast.CommentGroup) {
	name := typeSpec.Name.Name
	sym := types.Symbol{
		Name:       name,
		DocComment: docText(doc),
		Start:      e.position(typeSpec.Pos()),
		End:        e.position(typeSpec.End()),
	}

	switch t := typeSpec.Type.(type) {
	case *ast.StructType:
		sym.Kind = types.KindStruct
		sym.Signature = fmt.Sprintf("type %s struct { ... } // %d fields", name, t.Fields.NumFields())
	case *ast.InterfaceType:
		sym.Kind = types.KindInterface
		sym.Signature = fmt.Sprintf("type %s interface { ... } // %d methods", name, t.Methods.NumFields())
	default:
		sym.Kind = types.KindType
		sym.Signature = fmt.Sprintf("type %s %s", name, exprString(typeSpec.Type))
	}

	id := e.add(sym)
	e.links.define(nsType, name, id)
	// a second declaration of the same name makes receiver lookup ambiguous
	e.declared[name]++
	if e.declared[name] == 1 {
		e.typeIDs[name] = id
	} else {
		delete(e.typeIDs, name)
	}

	switch t := typeSpec.Type.(type) {
	case *ast.StructType:
		e.extractStructFields(id, t)
	case *ast.InterfaceType:
		e.extractInterfaceMethods(id, t)
	}
}

// extractStructFields emits named fields as children of the struct and
// embedded types as extends edges
func (e *goSymbolExtractor) extractStructFields(structID string, structType *ast.StructType) {
	if structType.Fields == nil {
		return
	}
	for _, field := range structType.Fields.List {
		if len(field.Names) == 0 {
			e.links.refer(structID, nsType, baseTypeName(field.Type), types.RelExtends, e.position(field.Pos()).Line)
			continue
		}
		for _, name := range field.Names {
			parent := structID
			e.add(types.Symbol{
				Name:       name.Name,
				Kind:       types.KindField,
				ParentID:   &parent,
				DocComment: docText(field.Doc),
				Signature:  fmt.Sprintf("%s %s", name.Name, exprString(field.Type)),
				Start:      e.position(name.Pos()),
				End:        e.position(field.End()),
			})
			e.links.refer(structID, nsType, baseTypeName(field.Type), types.RelUses, e.position(field.Pos()).Line)
		}
	}
}

// extractInterfaceMethods emits method elements as children of the interface
func (e *goSymbolExtractor) extractInterfaceMethods(ifaceID string, ifaceType *ast.InterfaceType) {
	if ifaceType.Methods == nil {
		return
	}
	for _, m := range ifaceType.Methods.List {
		ft, ok := m.Type.(*ast.FuncType)
		if !ok || len(m.Names) == 0 {
			if len(m.Names) == 0 {
				e.links.refer(ifaceID, nsType, baseTypeName(m.Type), types.RelExtends, e.position(m.Pos()).Line)
			}
			continue
		}
		parent := ifaceID
		name := m.Names[0].Name
		e.add(types.Symbol{
			Name:       name,
			Kind:       types.KindMethod,
			ParentID:   &parent,
			DocComment: docText(m.Doc),
			Signature:  name + funcTypeString(ft),
			Start:      e.position(m.Pos()),
			End:        e.position(m.End()),
		})
	}
}

// extractValueSpec extracts const and var declarations
func (e *goSymbolExtractor) extractValueSpec(valueSpec *ast.ValueSpec, doc *ast.CommentGroup, tok token.Token) {
	kind := types.KindVar
	if tok == token.CONST {
		kind = types.KindConst
	}

	for _, name := range valueSpec.Names {
		if name.Name == "_" {
			continue
		}
		sym := types.Symbol{
			Name:       name.Name,
			Kind:       kind,
			DocComment: docText(doc),
			Start:      e.position(name.Pos()),
			End:        e.position(valueSpec.End()),
		}

		switch {
		case valueSpec.Type != nil:
			sym.Signature = fmt.Sprintf("%s %s", name.Name, exprString(valueSpec.Type))
		case len(valueSpec.Values) > 0:
			sym.Signature = fmt.Sprintf("%s = ...", name.Name)
		default:
			sym.Signature = name.Name
		}

		e.add(sym)
	}
}

// functionSignature builds a function signature string
func (e *goSymbolExtractor) functionSignature(funcDecl *ast.FuncDecl) string {
	var sig strings.Builder

	sig.WriteString("func ")
	if funcDecl.Recv != nil && len(funcDecl.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprString(funcDecl.Recv.List[0].Type))
		sig.WriteString(") ")
	}
	sig.WriteString(funcDecl.Name.Name)
	sig.WriteString(funcTypeString(funcDecl.Type))

	return sig.String()
}

func (e *goSymbolExtractor) position(pos token.Pos) types.Position {
	p := e.fset.Position(pos)
	return types.Position{Line: p.Line, Column: p.Column}
}

// funcTypeString renders "(params) results"
func funcTypeString(ft *ast.FuncType) string {
	var sig strings.Builder
	sig.WriteString("(")
	sig.WriteString(fieldListString(ft.Params))
	sig.WriteString(")")

	if ft.Results != nil {
		results := fieldListString(ft.Results)
		if results != "" {
			if ft.Results.NumFields() > 1 || len(ft.Results.List[0].Names) > 0 {
				sig.WriteString(" (" + results + ")")
			} else {
				sig.WriteString(" " + results)
			}
		}
	}
	return sig.String()
}

// receiverType extracts the receiver type name from a method, ignoring
// pointers and type parameters
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

// baseTypeName strips pointers, slices and maps down to a local type name.
// Qualified names from other packages yield "".
func baseTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return baseTypeName(t.X)
	case *ast.ArrayType:
		return baseTypeName(t.Elt)
	case *ast.MapType:
		return baseTypeName(t.Value)
	case *ast.ChanType:
		return baseTypeName(t.Value)
	case *ast.IndexExpr:
		return baseTypeName(t.X)
	}
	return ""
}

func fieldListString(fieldList *ast.FieldList) string {
	if fieldList == nil || len(fieldList.List) == 0 {
		return ""
	}

	var parts []string
	for _, field := range fieldList.List {
		typeStr := exprString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typeStr)
			continue
		}
		for _, name := range field.Names {
			parts = append(parts, name.Name+" "+typeStr)
		}
	}
	return strings.Join(parts, ", ")
}

func exprString(expr ast.Expr) string {
	if expr == nil {
		return ""
	}

	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		if t.Len != nil {
			return "[" + exprString(t.Len) + "]" + exprString(t.Elt)
		}
		return "[]" + exprString(t.Elt)
	case *ast.BasicLit:
		return t.Value
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprString(t.Key), exprString(t.Value))
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.FuncType:
		return "func" + funcTypeString(t)
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.StructType:
		return "struct{...}"
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	case *ast.IndexExpr:
		return exprString(t.X) + "[" + exprString(t.Index) + "]"
	case *ast.IndexListExpr:
		args := make([]string, 0, len(t.Indices))
		for _, ix := range t.Indices {
			args = append(args, exprString(ix))
		}
		return exprString(t.X) + "[" + strings.Join(args, ", ") + "]"
	default:
		return "..."
	}
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
