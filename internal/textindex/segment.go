// Package textindex maintains the per-workspace full-text segment used by
// symbol search. The segment is derived data: it is rebuilt from the
// relational store's commits and may lag it after a failed update.
package textindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

var migrations = []storage.Migration{
	{
		Version: "1.0.0",
		Up: `
CREATE VIRTUAL TABLE IF NOT EXISTS symbols_fts USING fts5(
    symbol_id UNINDEXED,
    file_path UNINDEXED,
    kind UNINDEXED,
    name,
    signature,
    doc_comment,
    tokenize = 'unicode61'
);
`,
		Down: `DROP TABLE IF EXISTS symbols_fts;`,
	},
}

// Hit is one search result
type Hit struct {
	SymbolID string  `json:"symbol_id"`
	Name     string  `json:"name"`
	Kind     string  `json:"kind"`
	FilePath string  `json:"file_path"`
	Score    float64 `json:"score"`
}

// Segment is an FTS5 index stored in its own SQLite file
type Segment struct {
	db *sql.DB
}

// Open opens (creating if needed) the segment at path
func Open(ctx context.Context, path string, opts storage.Options) (*Segment, error) {
	db, err := storage.OpenDatabase(path, opts)
	if err != nil {
		return nil, err
	}
	if err := storage.Apply(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply segment migrations: %w", err)
	}
	return &Segment{db: db}, nil
}

// Close closes the segment database
func (s *Segment) Close() error {
	return s.db.Close()
}

// Replace drops every entry of the given paths and inserts symbols, in one
// transaction.
func (s *Segment) Replace(ctx context.Context, paths []string, symbols []types.Symbol) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin segment update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range paths {
		if _, err := tx.ExecContext(ctx, `DELETE FROM symbols_fts WHERE file_path = ?`, p); err != nil {
			return fmt.Errorf("failed to clear segment entries for %s: %w", p, err)
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO symbols_fts (symbol_id, file_path, kind, name, signature, doc_comment) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare segment insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range symbols {
		sym := &symbols[i]
		if _, err := stmt.ExecContext(ctx, sym.ID, sym.FilePath, string(sym.Kind), sym.Name, sym.Signature, sym.DocComment); err != nil {
			return fmt.Errorf("failed to index symbol %s: %w", sym.ID, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of indexed symbols
func (s *Segment) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbols_fts`).Scan(&n)
	return n, err
}

// Search runs a prefix match over names, signatures and doc comments,
// best BM25 score first.
func (s *Segment) Search(ctx context.Context, query string, limit int) ([]Hit, error) {
	match := buildMatch(query)
	if match == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, name, kind, file_path, bm25(symbols_fts, 0, 0, 0, 10.0, 2.0, 1.0) AS score
		FROM symbols_fts
		WHERE symbols_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]Hit, 0)
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.SymbolID, &h.Name, &h.Kind, &h.FilePath, &h.Score); err != nil {
			return nil, err
		}
		// bm25 is lower-is-better; expose higher-is-better
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// buildMatch turns free text into an FTS5 expression of quoted prefix terms,
// so user input can never be parsed as FTS5 syntax.
func buildMatch(query string) string {
	terms := strings.Fields(query)
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		if t == "" {
			continue
		}
		parts = append(parts, `"`+t+`"*`)
	}
	return strings.Join(parts, " ")
}
