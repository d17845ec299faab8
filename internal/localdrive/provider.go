// Package localdrive implements the disk-backed storage provider. The
// record store is the source of truth: the folder hierarchy is virtual,
// physical artifacts are keyed by item id, and moving or renaming never
// touches disk.
package localdrive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/store"
)

// deleteParallelism bounds concurrent artifact-directory removals during a
// recursive delete.
const deleteParallelism = 4

// CeilingFunc resolves the quota ceiling in bytes for an owner.
// Zero means unlimited.
type CeilingFunc func(owner string) int64

// Provider is the local filesystem backend.
type Provider struct {
	root    string
	store   *store.Store
	ceiling CeilingFunc
	logger  *slog.Logger
}

// New creates a local provider rooted at root. ceiling may be nil, which
// disables quota reporting (unlimited).
func New(root string, st *store.Store, ceiling CeilingFunc, logger *slog.Logger) *Provider {
	if ceiling == nil {
		ceiling = func(string) int64 { return 0 }
	}

	return &Provider{root: root, store: st, ceiling: ceiling, logger: logger}
}

// Sync is a no-op: the record store is authoritative for local items.
func (p *Provider) Sync(context.Context, string, drive.Scope) error { return nil }

// Search is a no-op for the same reason; listers query the store directly.
func (p *Provider) Search(context.Context, string, drive.Scope) ([]drive.Item, error) {
	return nil, nil
}

// Quota reports local usage against the configured ceiling. An empty owner
// selects root mode: enforcement disabled, ceiling reported as unlimited.
func (p *Provider) Quota(ctx context.Context, scope drive.Scope) (*drive.Quota, error) {
	used, err := p.store.UsedBytes(ctx, scope.Owner, drive.ProviderLocal, "")
	if err != nil {
		return nil, err
	}

	var ceiling int64
	if scope.Owner != "" {
		ceiling = p.ceiling(scope.Owner)
	}

	return &drive.Quota{UsedInBytes: used, QuotaInBytes: ceiling}, nil
}

// OpenStream opens the item's backing file for reading.
func (p *Provider) OpenStream(_ context.Context, item *drive.Item) (io.ReadCloser, error) {
	if item.IsFolder() {
		return nil, fmt.Errorf("%w: cannot stream folder %s", drive.ErrUnsupported, item.ID)
	}

	f, err := os.Open(filepath.Join(p.root, item.Path))
	if err != nil {
		return nil, fmt.Errorf("localdrive: opening %s: %w", item.ID, err)
	}

	return f, nil
}

// Thumbnail is unsupported locally; the derivative cache fronts local image
// reads instead.
func (p *Provider) Thumbnail(_ context.Context, item *drive.Item) (io.ReadCloser, error) {
	return nil, fmt.Errorf("%w: no backend thumbnail for local item %s", drive.ErrUnsupported, item.ID)
}

// CreateFolder inserts a folder record. Folders have no physical presence.
func (p *Provider) CreateFolder(ctx context.Context, name, parentID string, scope drive.Scope) (*drive.Item, error) {
	item := &drive.Item{
		ID:       uuid.NewString(),
		Owner:    scope.Owner,
		ParentID: parentID,
		Name:     drive.NormalizeName(name),
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFolder,
		Status:   drive.StatusReady,
	}

	if err := p.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}

	p.logger.Info("created folder",
		slog.String("item_id", item.ID),
		slog.String("name", item.Name),
	)

	return item, nil
}

// UploadFile moves the staged artifact into the item's directory, verifies
// its size, computes the content hash and image dimensions, and marks the
// item ready. Any size mismatch after the move is fatal and the partial
// artifact is removed.
func (p *Provider) UploadFile(ctx context.Context, item *drive.Item, staged provider.StagedUpload) (*drive.Item, error) {
	relPath := filepath.Join("files", item.ID, item.Name)
	dest := filepath.Join(p.root, relPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return nil, fmt.Errorf("localdrive: creating item directory: %w", err)
	}

	if err := moveFile(staged.Path, dest); err != nil {
		return nil, fmt.Errorf("localdrive: placing artifact for %s: %w", item.ID, err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("localdrive: stat placed artifact: %w", err)
	}

	if info.Size() != staged.Size {
		// The artifact is unusable; remove it before reporting.
		if rmErr := os.RemoveAll(filepath.Dir(dest)); rmErr != nil {
			p.logger.Error("failed to remove mismatched artifact",
				slog.String("item_id", item.ID),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: placed %d bytes, declared %d",
			drive.ErrIntegrityMismatch, info.Size(), staged.Size)
	}

	hash, err := hashFile(dest)
	if err != nil {
		return nil, fmt.Errorf("localdrive: hashing %s: %w", item.ID, err)
	}

	item.Path = relPath
	item.Size = info.Size()
	item.Hash = hash
	item.Status = drive.StatusReady

	if w, h, ok := imageDimensions(dest); ok {
		item.Width = w
		item.Height = h
	}

	if err := p.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}

	p.logger.Info("stored file",
		slog.String("item_id", item.ID),
		slog.Int64("size", item.Size),
		slog.String("hash", hash),
	)

	return item, nil
}

// Delete permanently removes the item's whole subtree: descendant discovery
// through the store (bounded breadth traversal), backing bytes, then rows.
func (p *Provider) Delete(ctx context.Context, item *drive.Item) error {
	descendants, err := p.store.Descendants(ctx, item.ID)
	if err != nil {
		return err
	}

	ids := append([]string{item.ID}, descendants...)

	// Artifact directories are independent; remove them in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteParallelism)

	for _, id := range ids {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			return p.removeArtifacts(id)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("localdrive: removing artifacts: %w", err)
	}

	// Rows go last so a failed byte removal leaves the records intact for retry.
	for _, id := range ids {
		if err := p.store.DeleteItem(ctx, id); err != nil {
			return err
		}
	}

	p.logger.Info("permanently deleted subtree",
		slog.String("item_id", item.ID),
		slog.Int("item_count", len(ids)),
	)

	return nil
}

// removeArtifacts deletes the item's artifact and derivative directories.
func (p *Provider) removeArtifacts(id string) error {
	for _, dir := range []string{
		filepath.Join(p.root, "files", id),
		filepath.Join(p.root, "derivatives", id),
	} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}

	return nil
}

// Trash soft-deletes the item record. No disk state changes.
func (p *Provider) Trash(ctx context.Context, item *drive.Item) (*drive.Item, error) {
	now := time.Now().UTC()
	if err := p.store.SetTrashed(ctx, item.ID, &now); err != nil {
		return nil, err
	}

	item.TrashedAt = &now

	return item, nil
}

// Untrash restores a soft-deleted item record.
func (p *Provider) Untrash(ctx context.Context, item *drive.Item) (*drive.Item, error) {
	if err := p.store.SetTrashed(ctx, item.ID, nil); err != nil {
		return nil, err
	}

	item.TrashedAt = nil

	return item, nil
}

// Rename updates the display name only. The physical path stays keyed by
// item id, so the artifact is untouched.
func (p *Provider) Rename(ctx context.Context, item *drive.Item, newName string) (*drive.Item, error) {
	name := drive.NormalizeName(newName)
	if name == "" {
		return nil, drive.Validationf("empty name")
	}

	if err := p.store.SetName(ctx, item.ID, name); err != nil {
		return nil, err
	}

	item.Name = name

	return item, nil
}

// Move updates the parent linkage only; the hierarchy is virtual.
// Circular-reference validation happens in the lifecycle manager before
// the provider is invoked.
func (p *Provider) Move(ctx context.Context, item *drive.Item, newParentID string) (*drive.Item, error) {
	if err := p.store.SetParent(ctx, item.ID, newParentID); err != nil {
		return nil, err
	}

	item.ParentID = newParentID

	return item, nil
}

// RevokeToken is a no-op: local storage has no credentials.
func (p *Provider) RevokeToken(context.Context, string) error { return nil }
