package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/filebarn/filebarn/internal/drive"
)

// Account queries.
const (
	sqlAccountColumns = `id, owner, name, email,
		access_token, refresh_token, token_expiry, created_at`

	sqlGetAccount = `SELECT ` + sqlAccountColumns + ` FROM accounts WHERE id = ?`

	sqlUpsertAccount = `INSERT INTO accounts (` + sqlAccountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner         = excluded.owner,
			name          = excluded.name,
			email         = excluded.email,
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry  = excluded.token_expiry`

	sqlUpdateTokens = `UPDATE accounts
		SET access_token = ?, refresh_token = ?, token_expiry = ?
		WHERE id = ?`

	sqlDeleteAccount = `DELETE FROM accounts WHERE id = ?`

	sqlListAccounts = `SELECT ` + sqlAccountColumns + ` FROM accounts
		WHERE owner = ? ORDER BY created_at`
)

// scanAccount reads one account row in sqlAccountColumns order.
func scanAccount(sc scanner) (*drive.Account, error) {
	var (
		a                   drive.Account
		expiry, createdUnix int64
	)

	err := sc.Scan(
		&a.ID, &a.Owner, &a.Name, &a.Email,
		&a.AccessToken, &a.RefreshToken, &expiry, &createdUnix,
	)
	if err != nil {
		return nil, err
	}

	if expiry != 0 {
		a.TokenExpiry = time.Unix(expiry, 0).UTC()
	}

	a.CreatedAt = time.Unix(createdUnix, 0).UTC()

	return &a, nil
}

// GetAccount returns the account with the given id, or drive.ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*drive.Account, error) {
	a, err := scanAccount(s.accountStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drive.NotFoundf("account %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("store: get account %s: %w", id, err)
	}

	return a, nil
}

// UpsertAccount inserts or updates an account record.
func (s *Store) UpsertAccount(ctx context.Context, a *drive.Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	var expiry int64
	if !a.TokenExpiry.IsZero() {
		expiry = a.TokenExpiry.Unix()
	}

	_, err := s.accountStmts.upsert.ExecContext(ctx,
		a.ID, a.Owner, a.Name, a.Email,
		a.AccessToken, a.RefreshToken, expiry, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert account %s: %w", a.ID, err)
	}

	return nil
}

// UpdateTokens persists a refreshed credential bundle in place.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	var exp int64
	if !expiry.IsZero() {
		exp = expiry.Unix()
	}

	if _, err := s.accountStmts.updateTokens.ExecContext(ctx, accessToken, refreshToken, exp, id); err != nil {
		return fmt.Errorf("store: update tokens of account %s: %w", id, err)
	}

	return nil
}

// DeleteAccount removes an account and cascades to all of its items.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := s.DeleteByAccount(ctx, id); err != nil {
		return err
	}

	if _, err := s.accountStmts.delete.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("store: delete account %s: %w", id, err)
	}

	return nil
}

// ListAccounts returns all accounts for one owner in creation order.
func (s *Store) ListAccounts(ctx context.Context, owner string) ([]drive.Account, error) {
	rows, err := s.accountStmts.listByOwner.QueryContext(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []drive.Account

	for rows.Next() {
		a, scanErr := scanAccount(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan account: %w", scanErr)
		}

		accounts = append(accounts, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate accounts: %w", err)
	}

	return accounts, nil
}
