package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/store"
)

// Provider is the remote-API-backed storage provider. The record store is a
// local index of the remote state, kept current by Sync and Search.
type Provider struct {
	store        *store.Store
	clientID     string
	clientSecret string
	baseURL      string
	revokeURL    string
	httpClient   *http.Client
	logger       *slog.Logger

	// Clients are cached per account so token refresh state is shared
	// across requests.
	mu      sync.Mutex
	clients map[string]*Client
}

// NewProvider creates a remote provider. baseURL and revokeURL may be empty
// to select the production endpoints; tests point them at httptest servers.
func NewProvider(st *store.Store, clientID, clientSecret, baseURL string, httpClient *http.Client, logger *slog.Logger) *Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Provider{
		store:        st,
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      baseURL,
		revokeURL:    defaultRevokeURL,
		httpClient:   httpClient,
		logger:       logger,
		clients:      make(map[string]*Client),
	}
}

// SetRevokeURL overrides the credential revocation endpoint (tests).
func (p *Provider) SetRevokeURL(u string) { p.revokeURL = u }

// clientFor returns the cached authenticated client for an account,
// building one from the stored credential bundle on first use.
func (p *Provider) clientFor(ctx context.Context, accountID string) (*Client, error) {
	if accountID == "" {
		return nil, drive.Validationf("remote operation requires an account id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[accountID]; ok {
		return c, nil
	}

	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// context.Background: the token source outlives any single request.
	src := NewAccountTokenSource(
		context.Background(), account, p.clientID, p.clientSecret, p.store, p.logger,
	)

	c := NewClient(p.baseURL, p.httpClient, src, p.logger)
	p.clients[accountID] = c

	return c, nil
}

// remoteParentID resolves the remote object id serving as the parent for
// operations under the given local folder id. Empty and unlinked folders
// map to the remote root.
func (p *Provider) remoteParentID(ctx context.Context, folderID string) (string, error) {
	if folderID == "" {
		return "root", nil
	}

	folder, err := p.store.GetItem(ctx, folderID)
	if err != nil {
		return "", err
	}

	if folder.RemoteID == "" {
		return "root", nil
	}

	return folder.RemoteID, nil
}

// applyRemoteFile merges one remote file into the local index entry,
// preserving local identity and parent linkage decisions made by the caller.
func applyRemoteFile(it *drive.Item, f *File) {
	it.Name = f.Name
	it.RemoteID = f.ID
	it.ThumbLink = f.ThumbLink
	it.Size = f.Size
	it.Mime = f.Mime
	it.Hash = f.MD5
	it.Width = f.Width
	it.Height = f.Height
	it.Duration = f.Duration
	it.Status = drive.StatusReady

	if f.IsFolder {
		it.Type = drive.TypeFolder
		it.Size = 0
		it.Mime = ""
	} else {
		it.Type = drive.TypeFile
	}
}

// upsertRemoteFile writes a remote file into the index. When the file is
// already known, its local parent is kept unless forceParent is true; new
// entries are created under localParent.
func (p *Provider) upsertRemoteFile(
	ctx context.Context, f *File, scope drive.Scope, localParent string, forceParent bool,
) (*drive.Item, error) {
	existing, err := p.store.GetByRemoteID(ctx, scope.Owner, scope.AccountID, f.ID)

	switch {
	case err == nil:
		if forceParent {
			existing.ParentID = localParent
		}

		applyRemoteFile(existing, f)

		if upErr := p.store.UpsertItem(ctx, existing); upErr != nil {
			return nil, upErr
		}

		return existing, nil

	case errors.Is(err, drive.ErrNotFound):
		it := &drive.Item{
			ID:        uuid.NewString(),
			Owner:     scope.Owner,
			ParentID:  localParent,
			Provider:  drive.ProviderGDrive,
			AccountID: scope.AccountID,
		}

		applyRemoteFile(it, f)

		if upErr := p.store.UpsertItem(ctx, it); upErr != nil {
			return nil, upErr
		}

		return it, nil

	default:
		return nil, err
	}
}

// Sync reconciles one folder of the local index against the remote listing:
// every observed child is upserted, and any local child previously linked
// to this parent whose remote id was not observed is trashed (diff-based
// reconciliation — it disappeared remotely).
func (p *Provider) Sync(ctx context.Context, folderID string, scope drive.Scope) error {
	client, err := p.clientFor(ctx, scope.AccountID)
	if err != nil {
		return err
	}

	remoteParent, err := p.remoteParentID(ctx, folderID)
	if err != nil {
		return err
	}

	files, err := client.ListChildren(ctx, remoteParent)
	if err != nil {
		return asDomainError(err)
	}

	observed := make(map[string]bool, len(files))

	for i := range files {
		f := &files[i]
		observed[f.ID] = true

		if _, upErr := p.upsertRemoteFile(ctx, f, scope, folderID, true); upErr != nil {
			return upErr
		}
	}

	locals, err := p.store.ListByRemoteParent(ctx, folderID, scope.AccountID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	for i := range locals {
		l := &locals[i]
		if l.RemoteID == "" || observed[l.RemoteID] {
			continue
		}

		p.logger.Info("trashing item gone from remote",
			slog.String("item_id", l.ID),
			slog.String("remote_id", l.RemoteID),
		)

		if trErr := p.store.SetTrashed(ctx, l.ID, &now); trErr != nil {
			return trErr
		}
	}

	return nil
}

// Search queries the remote API and merges matches into the local index.
// Matches already known keep their local parent linkage; new items land at
// root because their parent may not exist locally.
func (p *Provider) Search(ctx context.Context, query string, scope drive.Scope) ([]drive.Item, error) {
	client, err := p.clientFor(ctx, scope.AccountID)
	if err != nil {
		return nil, err
	}

	files, err := client.SearchFiles(ctx, query)
	if err != nil {
		return nil, asDomainError(err)
	}

	items := make([]drive.Item, 0, len(files))

	for i := range files {
		it, upErr := p.upsertRemoteFile(ctx, &files[i], scope, "", false)
		if upErr != nil {
			return nil, upErr
		}

		items = append(items, *it)
	}

	return items, nil
}

// Quota delegates to the remote account's own quota API. The locally
// configured ceiling never applies to remote accounts.
func (p *Provider) Quota(ctx context.Context, scope drive.Scope) (*drive.Quota, error) {
	client, err := p.clientFor(ctx, scope.AccountID)
	if err != nil {
		return nil, err
	}

	used, limit, err := client.About(ctx)
	if err != nil {
		return nil, asDomainError(err)
	}

	return &drive.Quota{UsedInBytes: used, QuotaInBytes: limit}, nil
}

// OpenStream streams the remote file content.
func (p *Provider) OpenStream(ctx context.Context, item *drive.Item) (io.ReadCloser, error) {
	if item.IsFolder() {
		return nil, fmt.Errorf("%w: cannot stream folder %s", drive.ErrUnsupported, item.ID)
	}

	client, err := p.clientFor(ctx, item.AccountID)
	if err != nil {
		return nil, err
	}

	rc, err := client.Download(ctx, item.RemoteID)
	if err != nil {
		return nil, asDomainError(err)
	}

	return rc, nil
}

// Thumbnail streams the remote thumbnail. The cached link is tried first;
// when absent or stale the item metadata is refetched for a fresh link.
func (p *Provider) Thumbnail(ctx context.Context, item *drive.Item) (io.ReadCloser, error) {
	client, err := p.clientFor(ctx, item.AccountID)
	if err != nil {
		return nil, err
	}

	link := item.ThumbLink

	if link == "" {
		f, getErr := client.GetFile(ctx, item.RemoteID)
		if getErr != nil {
			return nil, asDomainError(getErr)
		}

		link = f.ThumbLink
	}

	if link == "" {
		return nil, fmt.Errorf("%w: no thumbnail for item %s", drive.ErrUnsupported, item.ID)
	}

	rc, err := client.FetchThumbnail(ctx, link)
	if err != nil {
		return nil, asDomainError(err)
	}

	return rc, nil
}

// CreateFolder creates the folder remotely first, then indexes it locally.
func (p *Provider) CreateFolder(ctx context.Context, name, parentID string, scope drive.Scope) (*drive.Item, error) {
	client, err := p.clientFor(ctx, scope.AccountID)
	if err != nil {
		return nil, err
	}

	remoteParent, err := p.remoteParentID(ctx, parentID)
	if err != nil {
		return nil, err
	}

	f, err := client.CreateFolder(ctx, drive.NormalizeName(name), remoteParent)
	if err != nil {
		return nil, asDomainError(err)
	}

	return p.upsertRemoteFile(ctx, f, scope, parentID, true)
}

// UploadFile pushes the staged artifact to the remote API and links the
// pre-created item record to the resulting remote object.
func (p *Provider) UploadFile(ctx context.Context, item *drive.Item, staged provider.StagedUpload) (*drive.Item, error) {
	client, err := p.clientFor(ctx, item.AccountID)
	if err != nil {
		return nil, err
	}

	remoteParent, err := p.remoteParentID(ctx, item.ParentID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(staged.Path)
	if err != nil {
		return nil, fmt.Errorf("gdrive: opening staged artifact: %w", err)
	}
	defer f.Close()

	remote, err := client.Upload(ctx, item.Name, remoteParent, item.Mime, f)
	if err != nil {
		return nil, asDomainError(err)
	}

	if remote.Size != staged.Size {
		// The remote object is unusable; remove it before reporting.
		if delErr := client.Delete(ctx, remote.ID); delErr != nil {
			p.logger.Error("failed to remove mismatched remote upload",
				slog.String("remote_id", remote.ID),
				slog.String("error", delErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: remote stored %d bytes, declared %d",
			drive.ErrIntegrityMismatch, remote.Size, staged.Size)
	}

	item.RemoteID = remote.ID
	item.ThumbLink = remote.ThumbLink
	item.Size = remote.Size
	item.Hash = remote.MD5
	item.Status = drive.StatusReady

	if err := p.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}

	return item, nil
}

// Delete permanently removes the remote object (the remote API removes the
// subtree with it) and then the local rows for the full descendant set.
func (p *Provider) Delete(ctx context.Context, item *drive.Item) error {
	descendants, err := p.store.Descendants(ctx, item.ID)
	if err != nil {
		return err
	}

	if item.RemoteID != "" {
		client, cliErr := p.clientFor(ctx, item.AccountID)
		if cliErr != nil {
			return cliErr
		}

		if delErr := client.Delete(ctx, item.RemoteID); delErr != nil && !errors.Is(delErr, ErrNotFound) {
			return asDomainError(delErr)
		}
	}

	for _, id := range append([]string{item.ID}, descendants...) {
		if err := p.store.DeleteItem(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

// Trash soft-deletes locally and mirrors to the remote trash best-effort;
// a failed mirror never blocks the local state change.
func (p *Provider) Trash(ctx context.Context, item *drive.Item) (*drive.Item, error) {
	now := time.Now().UTC()
	if err := p.store.SetTrashed(ctx, item.ID, &now); err != nil {
		return nil, err
	}

	item.TrashedAt = &now

	p.mirrorTrashed(ctx, item, true)

	return item, nil
}

// Untrash restores locally and mirrors the restore best-effort.
func (p *Provider) Untrash(ctx context.Context, item *drive.Item) (*drive.Item, error) {
	if err := p.store.SetTrashed(ctx, item.ID, nil); err != nil {
		return nil, err
	}

	item.TrashedAt = nil

	p.mirrorTrashed(ctx, item, false)

	return item, nil
}

// mirrorTrashed flips the remote trashed flag, logging failures.
func (p *Provider) mirrorTrashed(ctx context.Context, item *drive.Item, trashed bool) {
	if item.RemoteID == "" {
		return
	}

	client, err := p.clientFor(ctx, item.AccountID)
	if err == nil {
		_, err = client.SetTrashed(ctx, item.RemoteID, trashed)
	}

	if err != nil {
		p.logger.Warn("failed to mirror trash state to remote",
			slog.String("item_id", item.ID),
			slog.Bool("trashed", trashed),
			slog.String("error", err.Error()),
		)
	}
}

// Rename renames remotely first; the local index follows only on success.
func (p *Provider) Rename(ctx context.Context, item *drive.Item, newName string) (*drive.Item, error) {
	name := drive.NormalizeName(newName)
	if name == "" {
		return nil, drive.Validationf("empty name")
	}

	client, err := p.clientFor(ctx, item.AccountID)
	if err != nil {
		return nil, err
	}

	if _, err := client.Rename(ctx, item.RemoteID, name); err != nil {
		return nil, asDomainError(err)
	}

	if err := p.store.SetName(ctx, item.ID, name); err != nil {
		return nil, err
	}

	item.Name = name

	return item, nil
}

// Move resolves the old and new remote parent ids, performs the remote
// add/remove-parents operation, and updates the local parent only after
// the remote call succeeds. An unknown old parent is resolved by querying
// the remote object itself.
func (p *Provider) Move(ctx context.Context, item *drive.Item, newParentID string) (*drive.Item, error) {
	client, err := p.clientFor(ctx, item.AccountID)
	if err != nil {
		return nil, err
	}

	oldRemoteParent, err := p.oldRemoteParent(ctx, client, item)
	if err != nil {
		return nil, err
	}

	newRemoteParent, err := p.remoteParentID(ctx, newParentID)
	if err != nil {
		return nil, err
	}

	if _, err := client.Move(ctx, item.RemoteID, newRemoteParent, oldRemoteParent); err != nil {
		return nil, asDomainError(err)
	}

	if err := p.store.SetParent(ctx, item.ID, newParentID); err != nil {
		return nil, err
	}

	item.ParentID = newParentID

	return item, nil
}

// oldRemoteParent finds the remote parent to remove during a move: the
// local index first, falling back to asking the remote API when the local
// parent is unknown or unlinked.
func (p *Provider) oldRemoteParent(ctx context.Context, client *Client, item *drive.Item) (string, error) {
	if item.ParentID != "" {
		parent, err := p.store.GetItem(ctx, item.ParentID)
		if err == nil && parent.RemoteID != "" {
			return parent.RemoteID, nil
		}

		if err != nil && !errors.Is(err, drive.ErrNotFound) {
			return "", err
		}
	}

	f, err := client.GetFile(ctx, item.RemoteID)
	if err != nil {
		return "", asDomainError(err)
	}

	return f.ParentID, nil
}

// RevokeToken best-effort invalidates the account's credential. Failures
// are reported but must not block account deletion.
func (p *Provider) RevokeToken(ctx context.Context, accountID string) error {
	account, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	if err := revokeCredential(ctx, p.httpClient, p.revokeURL, account.AccessToken); err != nil {
		p.logger.Warn("credential revocation failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)

		return fmt.Errorf("%w: %v", drive.ErrTransientBackend, err)
	}

	p.mu.Lock()
	delete(p.clients, accountID)
	p.mu.Unlock()

	return nil
}
