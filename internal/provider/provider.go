// Package provider defines the capability contract every storage backend
// implements, and the resolver that dispatches an item to the backend
// serving it. There are exactly two variants: the local filesystem provider
// and the remote drive provider. Dispatch happens once per item by provider
// type; nothing downstream inspects the item shape again.
package provider

import (
	"context"
	"io"

	"github.com/filebarn/filebarn/internal/drive"
)

// StagedUpload points at a fully merged upload artifact on local disk,
// produced by the chunked upload coordinator and consumed by UploadFile.
type StagedUpload struct {
	Path string
	Size int64
}

// Provider is the storage backend contract. All operations are scoped by
// the owner (and account, for remote backends) carried on the item or the
// explicit scope argument.
//
// Read-side contract: Sync and Search are best-effort — backend failures
// are logged and degraded to whatever the local index already holds, never
// surfaced to a lister. Write-side operations propagate errors and roll
// back partial state.
type Provider interface {
	// Sync reconciles the local index with the backend's current state
	// for one folder. Local backends are authoritative and no-op.
	Sync(ctx context.Context, folderID string, scope drive.Scope) error

	// Search queries the backend and merges matches into the local index
	// without disturbing existing parent linkage; unknown parents default
	// to root.
	Search(ctx context.Context, query string, scope drive.Scope) ([]drive.Item, error)

	// Quota reports the usage snapshot for the scope.
	Quota(ctx context.Context, scope drive.Scope) (*drive.Quota, error)

	// OpenStream opens the item's content for reading.
	// Returns drive.ErrUnsupported for folders.
	OpenStream(ctx context.Context, item *drive.Item) (io.ReadCloser, error)

	// Thumbnail opens a backend-provided thumbnail stream, when one exists.
	Thumbnail(ctx context.Context, item *drive.Item) (io.ReadCloser, error)

	CreateFolder(ctx context.Context, name, parentID string, scope drive.Scope) (*drive.Item, error)

	// UploadFile takes ownership of a staged artifact and attaches its
	// bytes to the item record, which the coordinator has already created
	// in uploading status.
	UploadFile(ctx context.Context, item *drive.Item, staged StagedUpload) (*drive.Item, error)

	// Delete permanently removes the item and its whole subtree: backing
	// bytes first, then record rows.
	Delete(ctx context.Context, item *drive.Item) error

	Trash(ctx context.Context, item *drive.Item) (*drive.Item, error)
	Untrash(ctx context.Context, item *drive.Item) (*drive.Item, error)
	Rename(ctx context.Context, item *drive.Item, newName string) (*drive.Item, error)
	Move(ctx context.Context, item *drive.Item, newParentID string) (*drive.Item, error)

	// RevokeToken best-effort invalidates the account's credentials on
	// disconnect. Failures never block account deletion.
	RevokeToken(ctx context.Context, accountID string) error
}

// Resolver maps items and scopes to the provider variant that services them.
type Resolver struct {
	local  Provider
	remote Provider
}

// NewResolver builds a resolver over the two provider variants.
func NewResolver(local, remote Provider) *Resolver {
	return &Resolver{local: local, remote: remote}
}

// ForType returns the provider for an explicit provider type.
func (r *Resolver) ForType(t drive.ProviderType) (Provider, error) {
	switch t {
	case drive.ProviderLocal:
		return r.local, nil
	case drive.ProviderGDrive:
		return r.remote, nil
	default:
		return nil, drive.Validationf("unknown provider type %q", t)
	}
}

// ForItem returns the provider that services the given item. The provider
// type is immutable once set, so the same variant serves the item for life.
func (r *Resolver) ForItem(item *drive.Item) (Provider, error) {
	return r.ForType(item.Provider)
}
