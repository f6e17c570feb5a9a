// Package storage provides the SQLite relational store of one workspace.
//
// Every workspace owns its own database file (db/symbols.db under the
// workspace's store directory); nothing in this package knows about other
// workspaces.
//
// # Database Schema
//
// Tables:
//   - files: workspace-relative path (primary key) and content fingerprint
//   - symbols: extracted symbols; file_path references files(path) with
//     ON DELETE CASCADE, parent_id references symbols(id) with ON DELETE SET NULL
//   - relationships: directed edges whose endpoints both reference symbols(id)
//   - workspaces: the workspace's own metadata row, refreshed per commit
//   - schema_version: applied migrations, compared with semver
//
// Every pooled connection has foreign_keys, WAL journaling and a busy
// timeout enabled through the DSN, so integrity is enforced on all of them.
//
// # Transactions
//
// Writes that must be atomic go through a Tx, which exposes the same
// operations as the store:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	if err := tx.UpsertFile(ctx, file); err != nil {
//	    return err
//	}
//	if err := tx.InsertSymbol(ctx, symbol); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// # Drivers
//
// The default build uses modernc.org/sqlite. Building with the sqlite_cgo tag
// switches to github.com/mattn/go-sqlite3 (add sqlite_fts5 for the text index).
package storage
