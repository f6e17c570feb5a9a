package extractor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

func findSymbol(t *testing.T, result *types.ExtractResult, name string, kind types.SymbolKind) types.Symbol {
	t.Helper()
	for _, sym := range result.Symbols {
		if sym.Name == name && sym.Kind == kind {
			return sym
		}
	}
	require.Failf(t, "symbol not found", "%s %s", kind, name)
	return types.Symbol{}
}

func hasRelationship(result *types.ExtractResult, from, to string, kind types.RelationshipKind) bool {
	for _, r := range result.Relationships {
		if r.FromSymbolID == from && r.ToSymbolID == to && r.Kind == kind {
			return true
		}
	}
	return false
}

func extract(t *testing.T, path, src string) *types.ExtractResult {
	t.Helper()
	e, ok := NewRegistry().For(path)
	require.True(t, ok, "no extractor for %s", path)
	result, err := e.Extract(context.Background(), path, []byte(src))
	require.NoError(t, err)
	return result
}

func TestRegistry_For(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		path string
		lang string
		ok   bool
	}{
		{"main.go", "go", true},
		{"pkg/app.PY", "python", true},
		{"web/index.jsx", "javascript", true},
		{"web/api.ts", "typescript", true},
		{"README.md", "", false},
		{"Makefile", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, ok := r.For(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.lang, e.Language())
			}
		})
	}

	assert.Equal(t, []string{"go", "javascript", "python", "typescript"}, r.Languages())
	assert.Contains(t, r.Extensions(), ".go")
	assert.True(t, r.Supports("a/b/c.py"))
}

func TestSymbolID_Deterministic(t *testing.T) {
	a := SymbolID("main.go", "Run", 3, 1)
	assert.Equal(t, a, SymbolID("main.go", "Run", 3, 1))
	assert.NotEqual(t, a, SymbolID("main.go", "Run", 4, 1))
	assert.NotEqual(t, a, SymbolID("other.go", "Run", 3, 1))
	assert.Len(t, a, 16)
}

func TestGo_MethodParentIsReceiver(t *testing.T) {
	src := `package main

// DemoStruct is a demo.
type DemoStruct struct {
	Name string
}

// Method does something.
func (d *DemoStruct) Method() string {
	return d.Name
}
`
	result := extract(t, "main.go", src)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "go", result.Language)

	demo := findSymbol(t, result, "DemoStruct", types.KindStruct)
	method := findSymbol(t, result, "Method", types.KindMethod)
	field := findSymbol(t, result, "Name", types.KindField)

	assert.False(t, demo.HasParent())
	require.True(t, method.HasParent())
	assert.Equal(t, demo.ID, *method.ParentID)
	require.True(t, field.HasParent())
	assert.Equal(t, demo.ID, *field.ParentID)

	assert.Equal(t, "DemoStruct is a demo.", demo.DocComment)
	assert.Equal(t, "func (*DemoStruct) Method() string", method.Signature)
	assert.Equal(t, "main.go", method.FilePath)
	assert.Equal(t, 9, method.Start.Line)
}

func TestGo_MethodDeclaredBeforeType(t *testing.T) {
	src := `package main

func (w Widget) Size() int { return 0 }

type Widget struct{}
`
	result := extract(t, "w.go", src)
	widget := findSymbol(t, result, "Widget", types.KindStruct)
	size := findSymbol(t, result, "Size", types.KindMethod)
	require.True(t, size.HasParent())
	assert.Equal(t, widget.ID, *size.ParentID)
}

func TestGo_ReceiverInOtherFileHasNoParent(t *testing.T) {
	src := `package main

func (w *Elsewhere) Size() int { return 0 }
`
	result := extract(t, "w.go", src)
	size := findSymbol(t, result, "Size", types.KindMethod)
	assert.False(t, size.HasParent())
}

func TestGo_CallRelationships(t *testing.T) {
	src := `package main

import "fmt"

func helper() int { return 1 }

func run() {
	fmt.Println(helper())
	helper()
}

func recurse() { recurse() }
`
	result := extract(t, "calls.go", src)
	helper := findSymbol(t, result, "helper", types.KindFunction)
	run := findSymbol(t, result, "run", types.KindFunction)

	assert.True(t, hasRelationship(result, run.ID, helper.ID, types.RelCalls))
	// duplicate calls collapse, external and self calls are dropped
	assert.Len(t, result.Relationships, 1)
	assert.Equal(t, "calls.go", result.Relationships[0].FilePath)
	assert.Equal(t, 8, result.Relationships[0].Line)
}

func TestGo_InterfaceAndEmbedding(t *testing.T) {
	src := `package store

// Reader reads.
type Reader interface {
	Read(p []byte) (n int, err error)
}

type Base struct{}

type File struct {
	Base
	r Reader
}

const Limit = 10

var (
	a, b int
	_    = Limit
)
`
	result := extract(t, "store.go", src)

	reader := findSymbol(t, result, "Reader", types.KindInterface)
	read := findSymbol(t, result, "Read", types.KindMethod)
	require.True(t, read.HasParent())
	assert.Equal(t, reader.ID, *read.ParentID)
	assert.Equal(t, "Read(p []byte) (n int, err error)", read.Signature)

	file := findSymbol(t, result, "File", types.KindStruct)
	base := findSymbol(t, result, "Base", types.KindStruct)
	assert.True(t, hasRelationship(result, file.ID, base.ID, types.RelExtends))
	assert.True(t, hasRelationship(result, file.ID, reader.ID, types.RelUses))

	findSymbol(t, result, "Limit", types.KindConst)
	findSymbol(t, result, "a", types.KindVar)
	findSymbol(t, result, "b", types.KindVar)
	for _, sym := range result.Symbols {
		assert.NotEqual(t, "_", sym.Name)
	}
}

func TestGo_SyntaxErrorKeepsPartialResult(t *testing.T) {
	src := `package main

type Good struct{}

func incomplete( {
}
`
	result := extract(t, "bad.go", src)
	require.True(t, result.HasErrors())
	assert.Contains(t, result.Errors[0].Message, "syntax error")
	findSymbol(t, result, "Good", types.KindStruct)
}

func TestGo_SymbolIDsUnique(t *testing.T) {
	src := `package main

func init() {}
func init() {}
`
	result := extract(t, "init.go", src)
	require.Len(t, result.Symbols, 2)
	assert.NotEqual(t, result.Symbols[0].ID, result.Symbols[1].ID)
}

func TestGo_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGo().Extract(ctx, "main.go", []byte("package main"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPython_ClassesAndMethods(t *testing.T) {
	src := `class Base:
    pass


class Greeter(Base):
    """Says hello."""

    def greet(self, name):
        return helper(name)


def helper(name):
    return "hi " + name
`
	result := extract(t, "greet.py", src)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "python", result.Language)

	base := findSymbol(t, result, "Base", types.KindClass)
	greeter := findSymbol(t, result, "Greeter", types.KindClass)
	greet := findSymbol(t, result, "greet", types.KindMethod)
	helper := findSymbol(t, result, "helper", types.KindFunction)

	assert.Equal(t, "Says hello.", greeter.DocComment)
	assert.Equal(t, "class Greeter(Base)", greeter.Signature)
	require.True(t, greet.HasParent())
	assert.Equal(t, greeter.ID, *greet.ParentID)
	assert.False(t, helper.HasParent())
	assert.Equal(t, 8, greet.Start.Line)

	assert.True(t, hasRelationship(result, greeter.ID, base.ID, types.RelExtends))
	assert.True(t, hasRelationship(result, greet.ID, helper.ID, types.RelCalls))
}

func TestPython_SyntaxError(t *testing.T) {
	result := extract(t, "broken.py", "def ok():\n    pass\n\ndef broken(:\n")
	assert.True(t, result.HasErrors())
	findSymbol(t, result, "ok", types.KindFunction)
}

func TestJavaScript_FunctionsAndClasses(t *testing.T) {
	src := `// Adds two numbers.
function add(a, b) {
  return a + b;
}

class Calc {
  sum(a, b) {
    return add(a, b);
  }
}

const twice = (x) => add(x, x);
`
	result := extract(t, "calc.js", src)
	assert.Empty(t, result.Errors)

	add := findSymbol(t, result, "add", types.KindFunction)
	calc := findSymbol(t, result, "Calc", types.KindClass)
	sum := findSymbol(t, result, "sum", types.KindMethod)
	twice := findSymbol(t, result, "twice", types.KindFunction)

	assert.Equal(t, "Adds two numbers.", add.DocComment)
	assert.Equal(t, "function add(a, b)", add.Signature)
	require.True(t, sum.HasParent())
	assert.Equal(t, calc.ID, *sum.ParentID)

	assert.True(t, hasRelationship(result, sum.ID, add.ID, types.RelCalls))
	assert.True(t, hasRelationship(result, twice.ID, add.ID, types.RelCalls))
}

func TestTypeScript_InterfacesAndHeritage(t *testing.T) {
	src := `interface Shape {
  area(): number;
}

/**
 * A square.
 */
export class Square implements Shape {
  constructor(private side: number) {}

  area(): number {
    return this.side * this.side;
  }
}

type ID = string;
`
	result := extract(t, "shape.ts", src)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "typescript", result.Language)

	shape := findSymbol(t, result, "Shape", types.KindInterface)
	square := findSymbol(t, result, "Square", types.KindClass)
	findSymbol(t, result, "ID", types.KindType)

	assert.Equal(t, "A square.", square.DocComment)
	assert.True(t, hasRelationship(result, square.ID, shape.ID, types.RelImplements))

	var parents []string
	for _, sym := range result.Symbols {
		if sym.Name == "area" {
			require.True(t, sym.HasParent())
			parents = append(parents, *sym.ParentID)
		}
	}
	assert.ElementsMatch(t, []string{shape.ID, square.ID}, parents)
}

func TestExtract_ConcurrentUse(t *testing.T) {
	e, ok := NewRegistry().For("a.py")
	require.True(t, ok)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := e.Extract(context.Background(), "a.py", []byte("def f():\n    return g()\n"))
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}
}
