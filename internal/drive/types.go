// Package drive defines the domain types shared by every storage component:
// items, accounts, scopes, and the error taxonomy. It has no dependencies on
// the store or any provider so every other package can import it freely.
package drive

import "time"

// ProviderType identifies which backend services an item. It is set when the
// item is created and never changes afterwards.
type ProviderType string

const (
	// ProviderLocal stores bytes on the local filesystem; the record store
	// is the source of truth.
	ProviderLocal ProviderType = "local"
	// ProviderGDrive stores bytes behind the remote drive API; the record
	// store is a cache kept current by Sync and Search.
	ProviderGDrive ProviderType = "gdrive"
)

// ItemType distinguishes the two shapes of the Item tagged union.
type ItemType string

const (
	TypeFile   ItemType = "file"
	TypeFolder ItemType = "folder"
)

// Status tracks an item's upload lifecycle.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// MaxTreeDepth bounds every parent-chain walk and descendant traversal.
// Exceeding it means the tree is corrupt (a cycle or absurd nesting) and is
// surfaced as ErrMaxDepthExceeded rather than looping forever.
const MaxTreeDepth = 50

// Item is a file or folder node in the logical tree. ParentID forms the
// tree; a nil ParentID means the item sits at the root.
type Item struct {
	ID        string `json:"id"`
	Owner     string `json:"owner,omitempty"` // empty in unscoped/root mode
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name"`
	SortOrder int64  `json:"sortOrder,omitempty"`

	Provider  ProviderType `json:"provider"`
	AccountID string       `json:"accountId,omitempty"` // empty for local items
	RemoteID  string       `json:"remoteId,omitempty"`  // remote object id
	ThumbLink string       `json:"-"`                   // cached remote thumbnail link

	Type ItemType `json:"type"`

	// File facet — zero values for folders.
	Size     int64   `json:"sizeInBytes"`
	Mime     string  `json:"mime,omitempty"`
	Path     string  `json:"-"` // physical path relative to the storage root
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Hash     string  `json:"hash,omitempty"`

	Status    Status     `json:"status"`
	TrashedAt *time.Time `json:"trashedAt,omitempty"` // nil = active
	CreatedAt time.Time  `json:"createdAt"`
}

// IsFolder reports whether the item is a folder node.
func (i *Item) IsFolder() bool { return i.Type == TypeFolder }

// Trashed reports whether the item is soft-deleted.
func (i *Item) Trashed() bool { return i.TrashedAt != nil }

// Account is a connected remote storage account. Credentials are mutated in
// place on token refresh and the row is deleted on disconnect, cascading to
// all items under the account.
type Account struct {
	ID           string
	Owner        string
	Name         string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
}

// Scope narrows every provider operation to one owner and, for remote
// providers, one account. An empty Owner selects the unscoped/root operating
// mode where quota enforcement is disabled.
type Scope struct {
	Owner     string
	AccountID string
}

// Quota is a derived usage snapshot, recomputed per request and never stored.
type Quota struct {
	UsedInBytes  int64 `json:"usedInBytes"`
	QuotaInBytes int64 `json:"quotaInBytes"`
}
