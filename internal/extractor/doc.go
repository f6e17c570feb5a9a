// Package extractor turns source files into symbols and relationships.
//
// Each supported language is one Extractor variant; a Registry picks the
// variant from the file extension:
//
//	reg := extractor.NewRegistry()
//	e, ok := reg.For("cmd/main.go")
//	if !ok {
//	    return nil // not a source file we understand
//	}
//	result, err := e.Extract(ctx, "cmd/main.go", content)
//
// Go is parsed with go/ast. Python, JavaScript and TypeScript share one
// tree-sitter walker configured by a per-language grammar table, so adding a
// language means adding a grammar and an extension entry.
//
// # Parents and relationships
//
// Members (methods, fields, interface methods) carry the id of their
// enclosing type as ParentID when that type is declared in the same file.
// Go methods whose receiver lives in another file have no parent.
// Relationships (calls, extends, implements, uses) are resolved by name
// within the file; references to names defined elsewhere, or defined more
// than once, are dropped.
//
// # Error Handling
//
// Syntax errors do not fail extraction. They are recorded in
// ExtractResult.Errors and the symbols of the recovered tree are still
// returned.
package extractor
