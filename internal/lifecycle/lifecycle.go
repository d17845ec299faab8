// Package lifecycle implements the item state machine: active, trashed,
// gone. It owns the policies the providers do not: restore-with-reparenting
// out of trashed subtrees, the circular-reference guard on moves, and the
// orchestration of permanent deletion.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/filebarn/filebarn/internal/derivative"
	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/store"
)

// Manager coordinates lifecycle transitions across the record store, the
// provider serving each item, and the derivative cache.
type Manager struct {
	store       *store.Store
	providers   *provider.Resolver
	derivatives *derivative.Cache
	logger      *slog.Logger
}

// New creates a lifecycle manager.
func New(st *store.Store, providers *provider.Resolver, derivatives *derivative.Cache, logger *slog.Logger) *Manager {
	return &Manager{store: st, providers: providers, derivatives: derivatives, logger: logger}
}

func (m *Manager) itemAndProvider(ctx context.Context, itemID string) (*drive.Item, provider.Provider, error) {
	item, err := m.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}

	p, err := m.providers.ForItem(item)
	if err != nil {
		return nil, nil, err
	}

	return item, p, nil
}

// Trash soft-deletes the item. The local state change always lands; the
// provider mirrors to remote trash best-effort.
func (m *Manager) Trash(ctx context.Context, itemID string) (*drive.Item, error) {
	item, p, err := m.itemAndProvider(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if item.Trashed() {
		return item, nil
	}

	return p.Trash(ctx, item)
}

// Restore returns a trashed item to the active tree. When the item's stored
// parent is itself trashed or gone, the item is reparented to root instead
// of reappearing inside a trashed subtree.
func (m *Manager) Restore(ctx context.Context, itemID string) (*drive.Item, error) {
	item, p, err := m.itemAndProvider(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if !item.Trashed() {
		return item, nil
	}

	reparent, err := m.parentUnavailable(ctx, item)
	if err != nil {
		return nil, err
	}

	restored, err := p.Untrash(ctx, item)
	if err != nil {
		return nil, err
	}

	if reparent {
		m.logger.Info("restoring to root, original parent trashed",
			slog.String("item_id", item.ID),
			slog.String("old_parent_id", item.ParentID),
		)

		restored, err = p.Move(ctx, restored, "")
		if err != nil {
			return nil, err
		}
	}

	return restored, nil
}

// parentUnavailable reports whether the item's stored parent cannot receive
// it back: trashed, or no longer present.
func (m *Manager) parentUnavailable(ctx context.Context, item *drive.Item) (bool, error) {
	if item.ParentID == "" {
		return false, nil
	}

	parent, err := m.store.GetItem(ctx, item.ParentID)
	if err != nil {
		if errors.Is(err, drive.ErrNotFound) {
			return true, nil
		}

		return false, err
	}

	return parent.Trashed(), nil
}

// PermanentDelete removes the item and its whole subtree for good: backing
// bytes first, then records, then cached derivatives. Descendant discovery
// is iterative and bounded; depth overflow aborts the operation as presumed
// data corruption.
func (m *Manager) PermanentDelete(ctx context.Context, itemID string) error {
	item, p, err := m.itemAndProvider(ctx, itemID)
	if err != nil {
		return err
	}

	// Capture the subtree before the provider removes its rows.
	descendants, err := m.store.Descendants(ctx, item.ID)
	if err != nil {
		return err
	}

	if err := p.Delete(ctx, item); err != nil {
		return err
	}

	for _, id := range append([]string{item.ID}, descendants...) {
		if rmErr := m.derivatives.Remove(id); rmErr != nil {
			m.logger.Warn("orphaned cached derivatives",
				slog.String("item_id", id),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	m.logger.Info("permanently deleted",
		slog.String("item_id", itemID),
		slog.String("provider", string(item.Provider)),
	)

	return nil
}

// Move reparents the item under the target folder after validating that the
// target is not the item itself or anywhere in its subtree.
func (m *Manager) Move(ctx context.Context, itemID, targetFolderID string) (*drive.Item, error) {
	item, p, err := m.itemAndProvider(ctx, itemID)
	if err != nil {
		return nil, err
	}

	if targetFolderID != "" {
		target, getErr := m.store.GetItem(ctx, targetFolderID)
		if getErr != nil {
			return nil, getErr
		}

		if !target.IsFolder() {
			return nil, drive.Validationf("move target %s is not a folder", targetFolderID)
		}

		circular, descErr := m.store.IsDescendant(ctx, targetFolderID, itemID)
		if descErr != nil {
			return nil, descErr
		}

		if circular {
			return nil, fmt.Errorf("%w: %s is within the subtree of %s",
				drive.ErrCircularReference, targetFolderID, itemID)
		}
	}

	return p.Move(ctx, item, targetFolderID)
}

// Rename renames the item through its provider.
func (m *Manager) Rename(ctx context.Context, itemID, newName string) (*drive.Item, error) {
	item, p, err := m.itemAndProvider(ctx, itemID)
	if err != nil {
		return nil, err
	}

	return p.Rename(ctx, item, newName)
}
