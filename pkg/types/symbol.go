package types

import "errors"

// SymbolKind represents the type of language construct a symbol describes
type SymbolKind string

const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindStruct    SymbolKind = "struct"
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindType      SymbolKind = "type"
	KindConst     SymbolKind = "const"
	KindVar       SymbolKind = "var"
	KindField     SymbolKind = "field"
	KindModule    SymbolKind = "module"
)

// RelationshipKind is the semantic link a Relationship denotes
type RelationshipKind string

const (
	RelCalls      RelationshipKind = "calls"
	RelImplements RelationshipKind = "implements"
	RelImports    RelationshipKind = "imports"
	RelExtends    RelationshipKind = "extends"
	RelUses       RelationshipKind = "uses"
)

// Position represents a location in source code
type Position struct {
	Line   int
	Column int
}

// Symbol represents a named code entity produced by an extractor.
//
// ID is unique within a workspace. FilePath must name a File of the same
// workspace and ParentID, when set, must name another Symbol of the same
// workspace; the ingestion pipeline enforces both before anything is stored.
type Symbol struct {
	ID         string
	Name       string
	Kind       SymbolKind
	Language   string
	FilePath   string
	ParentID   *string
	Signature  string
	DocComment string
	Start      Position
	End        Position
}

// HasParent returns true if the symbol declares a parent symbol
func (s *Symbol) HasParent() bool {
	return s.ParentID != nil && *s.ParentID != ""
}

// Validate checks the fields every stored symbol needs
func (s *Symbol) Validate() error {
	if s.ID == "" {
		return errors.New("symbol id is required")
	}
	if s.Name == "" {
		return errors.New("symbol name is required")
	}
	if s.Kind == "" {
		return errors.New("symbol kind is required")
	}
	if s.FilePath == "" {
		return errors.New("symbol file path is required")
	}
	if s.Start.Line > 0 && s.End.Line > 0 && s.Start.Line > s.End.Line {
		return errors.New("invalid position: start line must be before or equal to end line")
	}
	return nil
}

// Relationship is a directed edge between two symbols
type Relationship struct {
	FromSymbolID string
	ToSymbolID   string
	Kind         RelationshipKind
	FilePath     string // file whose extraction produced the edge
	Line         int
}

// Validate checks that both endpoints are named
func (r *Relationship) Validate() error {
	if r.FromSymbolID == "" || r.ToSymbolID == "" {
		return errors.New("relationship endpoints are required")
	}
	if r.Kind == "" {
		return errors.New("relationship kind is required")
	}
	return nil
}
