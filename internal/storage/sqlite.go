package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// OpenDatabase opens a SQLite database file with foreign keys, WAL and a busy
// timeout enabled on every connection of the pool.
func OpenDatabase(dbPath string, opts Options) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open(DriverName, DSN(dbPath, opts.BusyTimeout))
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil || fk != 1 {
		_ = db.Close()
		if err == nil {
			err = errors.New("pragma not applied")
		}
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (creating if needed) the symbol store at dbPath
func NewSQLiteStorage(ctx context.Context, dbPath string, opts Options) (*SQLiteStorage, error) {
	db, err := OpenDatabase(dbPath, opts)
	if err != nil {
		return nil, err
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db, path: dbPath}, nil
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// IsForeignKeyViolation reports whether err is SQLite's foreign key failure.
// Both drivers surface it only through the message text.
func IsForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// IsConstraintViolation reports whether err is any SQLite constraint failure:
// FOREIGN KEY, UNIQUE, PRIMARY KEY, NOT NULL or CHECK.
func IsConstraintViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

// File operations

func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *types.File) error {
	query := `
		INSERT INTO files (path, content_fingerprint, language, size_bytes, last_indexed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			content_fingerprint = excluded.content_fingerprint,
			language = excluded.language,
			size_bytes = excluded.size_bytes,
			last_indexed_at = excluded.last_indexed_at
	`
	if file.LastIndexedAt.IsZero() {
		file.LastIndexedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, query,
		file.Path, file.ContentFingerprint, file.Language, file.SizeBytes, file.LastIndexedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", file.Path, err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *types.File) error {
	return s.upsertFileWithQuerier(ctx, s.db, file)
}

func scanFile(row interface{ Scan(...interface{}) error }) (*types.File, error) {
	var file types.File
	err := row.Scan(&file.Path, &file.ContentFingerprint, &file.Language, &file.SizeBytes, &file.LastIndexedAt)
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, path string) (*types.File, error) {
	query := `
		SELECT path, content_fingerprint, language, size_bytes, last_indexed_at
		FROM files
		WHERE path = ?
	`
	file, err := scanFile(q.QueryRowContext(ctx, query, path))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (s *SQLiteStorage) GetFile(ctx context.Context, path string) (*types.File, error) {
	return s.getFileWithQuerier(ctx, s.db, path)
}

func (s *SQLiteStorage) fileExistsWithQuerier(ctx context.Context, q querier, path string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM files WHERE path = ?`, path).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) FileExists(ctx context.Context, path string) (bool, error) {
	return s.fileExistsWithQuerier(ctx, s.db, path)
}

// deleteFileWithQuerier removes a file; its symbols and their relationships
// go with it through the cascading foreign keys.
func (s *SQLiteStorage) deleteFileWithQuerier(ctx context.Context, q querier, path string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM relationships WHERE file_path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete relationships of %s: %w", path, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteFile(ctx context.Context, path string) error {
	return s.deleteFileWithQuerier(ctx, s.db, path)
}

func (s *SQLiteStorage) listFilesWithQuerier(ctx context.Context, q querier) ([]*types.File, error) {
	query := `
		SELECT path, content_fingerprint, language, size_bytes, last_indexed_at
		FROM files
		ORDER BY path
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	files := make([]*types.File, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func (s *SQLiteStorage) ListFiles(ctx context.Context) ([]*types.File, error) {
	return s.listFilesWithQuerier(ctx, s.db)
}

func (s *SQLiteStorage) fingerprintsWithQuerier(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT path, content_fingerprint FROM files`)
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var path, fp string
		if err := rows.Scan(&path, &fp); err != nil {
			return nil, err
		}
		out[path] = fp
	}
	return out, rows.Err()
}

// Fingerprints returns path → content fingerprint for every stored file
func (s *SQLiteStorage) Fingerprints(ctx context.Context) (map[string]string, error) {
	return s.fingerprintsWithQuerier(ctx, s.db)
}

// Symbol operations

func (s *SQLiteStorage) insertSymbolWithQuerier(ctx context.Context, q querier, symbol *types.Symbol) error {
	query := `
		INSERT INTO symbols (
			id, name, kind, language, file_path, parent_id, signature, doc_comment,
			start_line, start_col, end_line, end_col
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var parent sql.NullString
	if symbol.HasParent() {
		parent = sql.NullString{String: *symbol.ParentID, Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		symbol.ID, symbol.Name, string(symbol.Kind), symbol.Language, symbol.FilePath, parent,
		symbol.Signature, symbol.DocComment,
		symbol.Start.Line, symbol.Start.Column, symbol.End.Line, symbol.End.Column,
	)
	if err != nil {
		return fmt.Errorf("failed to insert symbol %s: %w", symbol.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) InsertSymbol(ctx context.Context, symbol *types.Symbol) error {
	return s.insertSymbolWithQuerier(ctx, s.db, symbol)
}

const symbolColumns = `id, name, kind, language, file_path, parent_id, signature, doc_comment,
		       start_line, start_col, end_line, end_col`

func scanSymbol(row interface{ Scan(...interface{}) error }) (*types.Symbol, error) {
	var symbol types.Symbol
	var kind string
	var parent sql.NullString
	err := row.Scan(
		&symbol.ID, &symbol.Name, &kind, &symbol.Language, &symbol.FilePath, &parent,
		&symbol.Signature, &symbol.DocComment,
		&symbol.Start.Line, &symbol.Start.Column, &symbol.End.Line, &symbol.End.Column,
	)
	if err != nil {
		return nil, err
	}
	symbol.Kind = types.SymbolKind(kind)
	if parent.Valid {
		p := parent.String
		symbol.ParentID = &p
	}
	return &symbol, nil
}

func (s *SQLiteStorage) getSymbolWithQuerier(ctx context.Context, q querier, id string) (*types.Symbol, error) {
	symbol, err := scanSymbol(q.QueryRowContext(ctx, `SELECT `+symbolColumns+` FROM symbols WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return symbol, nil
}

func (s *SQLiteStorage) GetSymbol(ctx context.Context, id string) (*types.Symbol, error) {
	return s.getSymbolWithQuerier(ctx, s.db, id)
}

func (s *SQLiteStorage) symbolExistsWithQuerier(ctx context.Context, q querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM symbols WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) SymbolExists(ctx context.Context, id string) (bool, error) {
	return s.symbolExistsWithQuerier(ctx, s.db, id)
}

func (s *SQLiteStorage) querySymbols(ctx context.Context, q querier, query string, args ...interface{}) ([]*types.Symbol, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	symbols := make([]*types.Symbol, 0)
	for rows.Next() {
		symbol, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, symbol)
	}
	return symbols, rows.Err()
}

func (s *SQLiteStorage) listSymbolsByFileWithQuerier(ctx context.Context, q querier, path string) ([]*types.Symbol, error) {
	return s.querySymbols(ctx, q,
		`SELECT `+symbolColumns+` FROM symbols WHERE file_path = ? ORDER BY start_line, start_col, id`, path)
}

func (s *SQLiteStorage) ListSymbolsByFile(ctx context.Context, path string) ([]*types.Symbol, error) {
	return s.listSymbolsByFileWithQuerier(ctx, s.db, path)
}

func (s *SQLiteStorage) deleteSymbolsByFileWithQuerier(ctx context.Context, q querier, path string) (int, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM symbols WHERE file_path = ?`, path)
	if err != nil {
		return 0, fmt.Errorf("failed to delete symbols of %s: %w", path, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStorage) DeleteSymbolsByFile(ctx context.Context, path string) (int, error) {
	return s.deleteSymbolsByFileWithQuerier(ctx, s.db, path)
}

func (s *SQLiteStorage) findSymbolsWithQuerier(ctx context.Context, q querier, name string, limit int) ([]*types.Symbol, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.querySymbols(ctx, q,
		`SELECT `+symbolColumns+` FROM symbols WHERE name = ? ORDER BY file_path, start_line LIMIT ?`, name, limit)
}

// FindSymbols returns symbols with exactly the given name
func (s *SQLiteStorage) FindSymbols(ctx context.Context, name string, limit int) ([]*types.Symbol, error) {
	return s.findSymbolsWithQuerier(ctx, s.db, name, limit)
}

// Relationship operations

func (s *SQLiteStorage) insertRelationshipWithQuerier(ctx context.Context, q querier, rel *types.Relationship) error {
	query := `
		INSERT INTO relationships (from_symbol_id, to_symbol_id, kind, file_path, line)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query, rel.FromSymbolID, rel.ToSymbolID, string(rel.Kind), rel.FilePath, rel.Line)
	if err != nil {
		return fmt.Errorf("failed to insert relationship %s -> %s: %w", rel.FromSymbolID, rel.ToSymbolID, err)
	}
	return nil
}

func (s *SQLiteStorage) InsertRelationship(ctx context.Context, rel *types.Relationship) error {
	return s.insertRelationshipWithQuerier(ctx, s.db, rel)
}

func (s *SQLiteStorage) listRelationshipsFromWithQuerier(ctx context.Context, q querier, symbolID string) ([]*types.Relationship, error) {
	query := `
		SELECT from_symbol_id, to_symbol_id, kind, file_path, line
		FROM relationships
		WHERE from_symbol_id = ?
		ORDER BY id
	`
	rows, err := q.QueryContext(ctx, query, symbolID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	rels := make([]*types.Relationship, 0)
	for rows.Next() {
		var rel types.Relationship
		var kind string
		if err := rows.Scan(&rel.FromSymbolID, &rel.ToSymbolID, &kind, &rel.FilePath, &rel.Line); err != nil {
			return nil, err
		}
		rel.Kind = types.RelationshipKind(kind)
		rels = append(rels, &rel)
	}
	return rels, rows.Err()
}

func (s *SQLiteStorage) ListRelationshipsFrom(ctx context.Context, symbolID string) ([]*types.Relationship, error) {
	return s.listRelationshipsFromWithQuerier(ctx, s.db, symbolID)
}

func (s *SQLiteStorage) deleteRelationshipsByFileWithQuerier(ctx context.Context, q querier, path string) (int, error) {
	result, err := q.ExecContext(ctx, `DELETE FROM relationships WHERE file_path = ?`, path)
	if err != nil {
		return 0, fmt.Errorf("failed to delete relationships of %s: %w", path, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStorage) DeleteRelationshipsByFile(ctx context.Context, path string) (int, error) {
	return s.deleteRelationshipsByFileWithQuerier(ctx, s.db, path)
}

// Workspace metadata operations

func (s *SQLiteStorage) upsertWorkspaceWithQuerier(ctx context.Context, q querier, ws *WorkspaceRow) error {
	query := `
		INSERT INTO workspaces (id, path, name, type, indexed_at, last_accessed, expires_at, file_count, symbol_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			name = excluded.name,
			type = excluded.type,
			indexed_at = excluded.indexed_at,
			last_accessed = excluded.last_accessed,
			expires_at = excluded.expires_at,
			file_count = excluded.file_count,
			symbol_count = excluded.symbol_count
	`
	var expires sql.NullTime
	if ws.ExpiresAt != nil {
		expires = sql.NullTime{Time: ws.ExpiresAt.UTC(), Valid: true}
	}
	_, err := q.ExecContext(ctx, query,
		ws.ID, ws.Path, ws.Name, string(ws.Type), ws.IndexedAt.UTC(), ws.LastAccessed.UTC(), expires,
		ws.FileCount, ws.SymbolCount)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertWorkspace(ctx context.Context, ws *WorkspaceRow) error {
	return s.upsertWorkspaceWithQuerier(ctx, s.db, ws)
}

func (s *SQLiteStorage) getWorkspaceWithQuerier(ctx context.Context, q querier, id string) (*WorkspaceRow, error) {
	query := `
		SELECT id, path, name, type, indexed_at, last_accessed, expires_at, file_count, symbol_count
		FROM workspaces
		WHERE id = ?
	`
	var ws WorkspaceRow
	var wsType string
	var indexedAt, lastAccessed, expires sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(
		&ws.ID, &ws.Path, &ws.Name, &wsType, &indexedAt, &lastAccessed, &expires,
		&ws.FileCount, &ws.SymbolCount,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ws.Type = types.WorkspaceType(wsType)
	if indexedAt.Valid {
		ws.IndexedAt = indexedAt.Time
	}
	if lastAccessed.Valid {
		ws.LastAccessed = lastAccessed.Time
	}
	if expires.Valid {
		t := expires.Time
		ws.ExpiresAt = &t
	}
	return &ws, nil
}

func (s *SQLiteStorage) GetWorkspace(ctx context.Context, id string) (*WorkspaceRow, error) {
	return s.getWorkspaceWithQuerier(ctx, s.db, id)
}

// Status operations

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*Status, error) {
	status := &Status{SchemaVersion: CurrentSchemaVersion}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM files`, &status.FilesCount},
		{`SELECT COUNT(*) FROM symbols`, &status.SymbolsCount},
		{`SELECT COUNT(*) FROM relationships`, &status.RelationshipsCount},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	var last sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT last_indexed_at FROM files ORDER BY last_indexed_at DESC LIMIT 1`).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last index time: %w", err)
	}
	if last.Valid {
		status.LastIndexedAt = last.Time
	}
	return status, nil
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	return s.getStatusWithQuerier(ctx, s.db)
}

// Transaction method implementations

func (t *sqliteTx) UpsertFile(ctx context.Context, file *types.File) error {
	return t.storage.upsertFileWithQuerier(ctx, t.tx, file)
}

func (t *sqliteTx) GetFile(ctx context.Context, path string) (*types.File, error) {
	return t.storage.getFileWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) FileExists(ctx context.Context, path string) (bool, error) {
	return t.storage.fileExistsWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) DeleteFile(ctx context.Context, path string) error {
	return t.storage.deleteFileWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) ListFiles(ctx context.Context) ([]*types.File, error) {
	return t.storage.listFilesWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) Fingerprints(ctx context.Context) (map[string]string, error) {
	return t.storage.fingerprintsWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) InsertSymbol(ctx context.Context, symbol *types.Symbol) error {
	return t.storage.insertSymbolWithQuerier(ctx, t.tx, symbol)
}

func (t *sqliteTx) GetSymbol(ctx context.Context, id string) (*types.Symbol, error) {
	return t.storage.getSymbolWithQuerier(ctx, t.tx, id)
}

func (t *sqliteTx) SymbolExists(ctx context.Context, id string) (bool, error) {
	return t.storage.symbolExistsWithQuerier(ctx, t.tx, id)
}

func (t *sqliteTx) ListSymbolsByFile(ctx context.Context, path string) ([]*types.Symbol, error) {
	return t.storage.listSymbolsByFileWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) DeleteSymbolsByFile(ctx context.Context, path string) (int, error) {
	return t.storage.deleteSymbolsByFileWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) FindSymbols(ctx context.Context, name string, limit int) ([]*types.Symbol, error) {
	return t.storage.findSymbolsWithQuerier(ctx, t.tx, name, limit)
}

func (t *sqliteTx) InsertRelationship(ctx context.Context, rel *types.Relationship) error {
	return t.storage.insertRelationshipWithQuerier(ctx, t.tx, rel)
}

func (t *sqliteTx) ListRelationshipsFrom(ctx context.Context, symbolID string) ([]*types.Relationship, error) {
	return t.storage.listRelationshipsFromWithQuerier(ctx, t.tx, symbolID)
}

func (t *sqliteTx) DeleteRelationshipsByFile(ctx context.Context, path string) (int, error) {
	return t.storage.deleteRelationshipsByFileWithQuerier(ctx, t.tx, path)
}

func (t *sqliteTx) UpsertWorkspace(ctx context.Context, ws *WorkspaceRow) error {
	return t.storage.upsertWorkspaceWithQuerier(ctx, t.tx, ws)
}

func (t *sqliteTx) GetWorkspace(ctx context.Context, id string) (*WorkspaceRow, error) {
	return t.storage.getWorkspaceWithQuerier(ctx, t.tx, id)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*Status, error) {
	return t.storage.getStatusWithQuerier(ctx, t.tx)
}

func (t *sqliteTx) Close() error {
	return fmt.Errorf("cannot close storage from within transaction")
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}
