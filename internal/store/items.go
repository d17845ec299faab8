package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/filebarn/filebarn/internal/drive"
)

// Item queries. Multi-line to keep lines readable; grouped by domain.
const (
	sqlItemColumns = `id, owner, parent_id, name, sort_order,
		provider_type, account_id, remote_id, thumb_link,
		item_type, size, mime, path, width, height, duration,
		content_hash, status, trashed_at, created_at`

	sqlGetItem = `SELECT ` + sqlItemColumns + ` FROM items WHERE id = ?`

	sqlUpsertItem = `INSERT INTO items (` + sqlItemColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner         = excluded.owner,
			parent_id     = excluded.parent_id,
			name          = excluded.name,
			sort_order    = excluded.sort_order,
			account_id    = excluded.account_id,
			remote_id     = excluded.remote_id,
			thumb_link    = excluded.thumb_link,
			item_type     = excluded.item_type,
			size          = excluded.size,
			mime          = excluded.mime,
			path          = excluded.path,
			width         = excluded.width,
			height        = excluded.height,
			duration      = excluded.duration,
			content_hash  = excluded.content_hash,
			status        = excluded.status,
			trashed_at    = excluded.trashed_at`

	sqlSetParent  = `UPDATE items SET parent_id = ? WHERE id = ?`
	sqlSetName    = `UPDATE items SET name = ? WHERE id = ?`
	sqlSetStatus  = `UPDATE items SET status = ? WHERE id = ?`
	sqlSetTrashed = `UPDATE items SET trashed_at = ? WHERE id = ?`
	sqlDeleteItem = `DELETE FROM items WHERE id = ?`

	sqlListChildren = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE parent_id = ? AND owner = ? AND trashed_at IS NULL
		ORDER BY sort_order, name`

	sqlListByRemoteParent = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE parent_id = ? AND account_id = ? AND trashed_at IS NULL`

	sqlGetByRemoteID = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE owner = ? AND account_id = ? AND remote_id = ?`

	sqlListByAccount = `SELECT ` + sqlItemColumns + ` FROM items
		WHERE account_id = ?`

	sqlDeleteByAccount = `DELETE FROM items WHERE account_id = ?`

	sqlUsedBytes = `SELECT COALESCE(SUM(size), 0) FROM items
		WHERE item_type = 'file' AND trashed_at IS NULL
		AND owner = ? AND provider_type = ? AND account_id = ?`

	// Descendant discovery fetches one tree level per query.
	sqlListChildIDs = `SELECT id FROM items WHERE parent_id = ?`
)

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helper.
type scanner interface {
	Scan(dest ...any) error
}

// scanItem reads one item row in sqlItemColumns order.
func scanItem(sc scanner) (*drive.Item, error) {
	var (
		it        drive.Item
		trashedAt sql.NullInt64
		createdAt int64
	)

	err := sc.Scan(
		&it.ID, &it.Owner, &it.ParentID, &it.Name, &it.SortOrder,
		&it.Provider, &it.AccountID, &it.RemoteID, &it.ThumbLink,
		&it.Type, &it.Size, &it.Mime, &it.Path, &it.Width, &it.Height, &it.Duration,
		&it.Hash, &it.Status, &trashedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	if trashedAt.Valid {
		t := time.Unix(trashedAt.Int64, 0).UTC()
		it.TrashedAt = &t
	}

	it.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &it, nil
}

// nullTrashed converts the optional trash timestamp to its column value.
func nullTrashed(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.Unix()
}

// GetItem returns the item with the given id, or drive.ErrNotFound.
func (s *Store) GetItem(ctx context.Context, id string) (*drive.Item, error) {
	it, err := scanItem(s.itemStmts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drive.NotFoundf("item %s", id)
	}

	if err != nil {
		return nil, fmt.Errorf("store: get item %s: %w", id, err)
	}

	return it, nil
}

// UpsertItem inserts the item or replaces its mutable columns.
// Provider type and created_at are never updated for an existing row.
func (s *Store) UpsertItem(ctx context.Context, it *drive.Item) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}

	_, err := s.itemStmts.upsert.ExecContext(ctx,
		it.ID, it.Owner, it.ParentID, it.Name, it.SortOrder,
		it.Provider, it.AccountID, it.RemoteID, it.ThumbLink,
		it.Type, it.Size, it.Mime, it.Path, it.Width, it.Height, it.Duration,
		it.Hash, it.Status, nullTrashed(it.TrashedAt), it.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: upsert item %s: %w", it.ID, err)
	}

	return nil
}

// SetParent updates an item's parent linkage.
func (s *Store) SetParent(ctx context.Context, id, parentID string) error {
	if _, err := s.itemStmts.setParent.ExecContext(ctx, parentID, id); err != nil {
		return fmt.Errorf("store: set parent of %s: %w", id, err)
	}

	return nil
}

// SetName updates an item's display name.
func (s *Store) SetName(ctx context.Context, id, name string) error {
	if _, err := s.itemStmts.setName.ExecContext(ctx, name, id); err != nil {
		return fmt.Errorf("store: rename %s: %w", id, err)
	}

	return nil
}

// SetStatus updates an item's upload lifecycle status.
func (s *Store) SetStatus(ctx context.Context, id string, status drive.Status) error {
	if _, err := s.itemStmts.setStatus.ExecContext(ctx, status, id); err != nil {
		return fmt.Errorf("store: set status of %s: %w", id, err)
	}

	return nil
}

// SetTrashed updates the soft-delete timestamp. A nil time restores the item.
func (s *Store) SetTrashed(ctx context.Context, id string, trashedAt *time.Time) error {
	if _, err := s.itemStmts.setTrashed.ExecContext(ctx, nullTrashed(trashedAt), id); err != nil {
		return fmt.Errorf("store: set trashed of %s: %w", id, err)
	}

	return nil
}

// DeleteItem removes a single item row.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	if _, err := s.itemStmts.deleteByID.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("store: delete item %s: %w", id, err)
	}

	return nil
}

// ListChildren returns the active (non-trashed) children of a folder for one
// owner, in sort order. An empty parentID lists the root level.
func (s *Store) ListChildren(ctx context.Context, parentID, owner string) ([]drive.Item, error) {
	return s.queryItems(ctx, s.itemStmts.listChildren, parentID, owner)
}

// ListByRemoteParent returns the active local index entries linked to a
// remote parent, used for diff-based sync reconciliation.
func (s *Store) ListByRemoteParent(ctx context.Context, parentID, accountID string) ([]drive.Item, error) {
	return s.queryItems(ctx, s.itemStmts.listByRemoteParent, parentID, accountID)
}

// GetByRemoteID looks up the local index entry for a remote object.
// Returns drive.ErrNotFound when the object has not been seen yet.
func (s *Store) GetByRemoteID(ctx context.Context, owner, accountID, remoteID string) (*drive.Item, error) {
	it, err := scanItem(s.itemStmts.getByRemoteID.QueryRowContext(ctx, owner, accountID, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drive.NotFoundf("remote item %s", remoteID)
	}

	if err != nil {
		return nil, fmt.Errorf("store: get by remote id %s: %w", remoteID, err)
	}

	return it, nil
}

// ListByAccount returns every item (active or trashed) under an account.
func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]drive.Item, error) {
	return s.queryItems(ctx, s.itemStmts.listByAccount, accountID)
}

// DeleteByAccount removes every item row under an account. Used by the
// disconnect cascade.
func (s *Store) DeleteByAccount(ctx context.Context, accountID string) error {
	if _, err := s.itemStmts.deleteByAccount.ExecContext(ctx, accountID); err != nil {
		return fmt.Errorf("store: delete items of account %s: %w", accountID, err)
	}

	return nil
}

// UsedBytes sums the sizes of active file rows scoped to one owner,
// provider, and account.
func (s *Store) UsedBytes(ctx context.Context, owner string, provider drive.ProviderType, accountID string) (int64, error) {
	var used int64
	if err := s.itemStmts.usedBytes.QueryRowContext(ctx, owner, provider, accountID).Scan(&used); err != nil {
		return 0, fmt.Errorf("store: used bytes: %w", err)
	}

	return used, nil
}

// queryItems runs a prepared multi-row item query and scans all rows.
func (s *Store) queryItems(ctx context.Context, stmt *sql.Stmt, args ...any) ([]drive.Item, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query items: %w", err)
	}
	defer rows.Close()

	var items []drive.Item

	for rows.Next() {
		it, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("store: scan item: %w", scanErr)
		}

		items = append(items, *it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate items: %w", err)
	}

	return items, nil
}

// Descendants gathers the ids of every item in the subtree rooted at id,
// excluding the root itself, breadth-first one level per query. The
// traversal is iterative with an explicit depth counter; exceeding
// drive.MaxTreeDepth returns drive.ErrMaxDepthExceeded because a deeper
// tree implies a cycle or corrupt parent linkage.
func (s *Store) Descendants(ctx context.Context, id string) ([]string, error) {
	var all []string

	frontier := []string{id}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= drive.MaxTreeDepth {
			return nil, fmt.Errorf("%w: descendants of %s deeper than %d levels",
				drive.ErrMaxDepthExceeded, id, drive.MaxTreeDepth)
		}

		var next []string

		for _, parent := range frontier {
			childIDs, err := s.childIDs(ctx, parent)
			if err != nil {
				return nil, err
			}

			next = append(next, childIDs...)
		}

		all = append(all, next...)
		frontier = next
	}

	return all, nil
}

// childIDs returns the ids of all direct children of parent, trashed included.
func (s *Store) childIDs(ctx context.Context, parent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListChildIDs, parent)
	if err != nil {
		return nil, fmt.Errorf("store: list child ids of %s: %w", parent, err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("store: scan child id: %w", scanErr)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate child ids: %w", err)
	}

	return ids, nil
}

// IsDescendant walks the ancestor chain of candidate and reports whether
// ancestorID appears in it. The walk is bounded at drive.MaxTreeDepth;
// overflow is an error, never an infinite loop.
func (s *Store) IsDescendant(ctx context.Context, candidateID, ancestorID string) (bool, error) {
	current := candidateID

	for depth := 0; current != ""; depth++ {
		if depth >= drive.MaxTreeDepth {
			return false, fmt.Errorf("%w: ancestor chain of %s deeper than %d levels",
				drive.ErrMaxDepthExceeded, candidateID, drive.MaxTreeDepth)
		}

		if current == ancestorID {
			return true, nil
		}

		it, err := s.GetItem(ctx, current)
		if err != nil {
			// A dangling parent reference terminates the chain at root.
			if errors.Is(err, drive.ErrNotFound) {
				return false, nil
			}

			return false, err
		}

		current = it.ParentID
	}

	return false, nil
}
