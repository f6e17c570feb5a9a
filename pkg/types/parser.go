package types

// ExtractResult represents the output of extracting one source file
type ExtractResult struct {
	Language      string
	Symbols       []Symbol
	Relationships []Relationship

	// Errors encountered during parsing; a result with errors may still
	// carry the symbols recovered from a partial tree
	Errors []ParseError
}

// ParseError represents an error that occurred during parsing
type ParseError struct {
	File    string
	Line    int
	Column  int
	Message string
}

// Error implements the error interface
func (pe *ParseError) Error() string {
	return pe.Message
}

// HasErrors returns true if any parsing errors occurred
func (er *ExtractResult) HasErrors() bool {
	return len(er.Errors) > 0
}

// AddError adds a parsing error to the result
func (er *ExtractResult) AddError(file string, line, col int, msg string) {
	er.Errors = append(er.Errors, ParseError{
		File:    file,
		Line:    line,
		Column:  col,
		Message: msg,
	})
}
