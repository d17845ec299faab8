// Package store implements the record store for drive items and storage
// accounts on an embedded SQLite database with WAL mode. All reads and
// writes go through prepared statements; schema changes are applied with
// embedded goose migrations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store persists drive items and storage accounts. Create with New; use
// ":memory:" as the path in tests.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by domain.
	itemStmts    itemStatements
	accountStmts accountStatements
}

type itemStatements struct {
	get, upsert, setParent, setName, setStatus, setTrashed,
	deleteByID, listChildren, listByRemoteParent, getByRemoteID,
	listByAccount, deleteByAccount, usedBytes *sql.Stmt
}

type accountStatements struct {
	get, upsert, updateTokens, delete, listByOwner *sql.Stmt
}

// New opens the database at dbPath, applies migrations, and prepares all
// repeated statements.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening record store", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: prepare statements: %w", err)
	}

	logger.Info("record store ready", slog.String("path", dbPath))

	return s, nil
}

// Close releases the database handle. Prepared statements are closed
// implicitly with the connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by the generic prepare helper to avoid repetitive error
// handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

// prepareAll prepares a batch of statements, returning on first error.
func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

// prepareAllStatements creates all prepared statements grouped by domain.
func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := s.prepareItemStmts(ctx); err != nil {
		return err
	}

	return s.prepareAccountStmts(ctx)
}

func (s *Store) prepareItemStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.get, sqlGetItem, "getItem"},
		{&s.itemStmts.upsert, sqlUpsertItem, "upsertItem"},
		{&s.itemStmts.setParent, sqlSetParent, "setParent"},
		{&s.itemStmts.setName, sqlSetName, "setName"},
		{&s.itemStmts.setStatus, sqlSetStatus, "setStatus"},
		{&s.itemStmts.setTrashed, sqlSetTrashed, "setTrashed"},
		{&s.itemStmts.deleteByID, sqlDeleteItem, "deleteItem"},
		{&s.itemStmts.listChildren, sqlListChildren, "listChildren"},
		{&s.itemStmts.listByRemoteParent, sqlListByRemoteParent, "listByRemoteParent"},
		{&s.itemStmts.getByRemoteID, sqlGetByRemoteID, "getByRemoteID"},
		{&s.itemStmts.listByAccount, sqlListByAccount, "listByAccount"},
		{&s.itemStmts.deleteByAccount, sqlDeleteByAccount, "deleteByAccount"},
		{&s.itemStmts.usedBytes, sqlUsedBytes, "usedBytes"},
	})
}

func (s *Store) prepareAccountStmts(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.accountStmts.get, sqlGetAccount, "getAccount"},
		{&s.accountStmts.upsert, sqlUpsertAccount, "upsertAccount"},
		{&s.accountStmts.updateTokens, sqlUpdateTokens, "updateTokens"},
		{&s.accountStmts.delete, sqlDeleteAccount, "deleteAccount"},
		{&s.accountStmts.listByOwner, sqlListAccounts, "listAccounts"},
	})
}
