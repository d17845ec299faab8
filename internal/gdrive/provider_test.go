package gdrive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/store"
)

const testAccountID = "acct-1"

var testScope = drive.Scope{Owner: "alice", AccountID: testAccountID}

func newTestProvider(t *testing.T, handler http.Handler) (*Provider, *store.Store) {
	t.Helper()

	st, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	// An unexpired stored token keeps the oauth2 source off the network.
	require.NoError(t, st.UpsertAccount(context.Background(), &drive.Account{
		ID:           testAccountID,
		Owner:        "alice",
		AccessToken:  "stored-token",
		RefreshToken: "stored-refresh",
		TokenExpiry:  time.Now().Add(time.Hour),
	}))

	return NewProvider(st, "client-id", "client-secret", srv.URL, srv.Client(), testLogger()), st
}

// remoteFileJSON renders a Drive-style file response.
func remoteFileJSON(id, name, mime, size, parent string) string {
	return fmt.Sprintf(
		`{"id":%q,"name":%q,"mimeType":%q,"size":%q,"parents":[%q]}`,
		id, name, mime, size, parent,
	)
}

func seedRemoteItem(t *testing.T, st *store.Store, id, remoteID, parentID, name string) *drive.Item {
	t.Helper()

	item := &drive.Item{
		ID:        id,
		Owner:     "alice",
		ParentID:  parentID,
		Name:      name,
		Provider:  drive.ProviderGDrive,
		AccountID: testAccountID,
		RemoteID:  remoteID,
		Type:      drive.TypeFile,
		Status:    drive.StatusReady,
	}
	require.NoError(t, st.UpsertItem(context.Background(), item))

	return item
}

func TestSync_UpsertsObservedAndTrashesUnobserved(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/files", r.URL.Path)
		assert.Contains(t, r.URL.Query().Get("q"), "'root' in parents")

		fmt.Fprintf(w, `{"files":[%s,%s]}`,
			remoteFileJSON("ra", "renamed.txt", "text/plain", "42", "root"),
			remoteFileJSON("rb", "fresh.txt", "text/plain", "7", "root"),
		)
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	seedRemoteItem(t, st, "local-a", "ra", "", "old-name.txt")
	gone := seedRemoteItem(t, st, "local-gone", "rgone", "", "vanished.txt")

	require.NoError(t, p.Sync(ctx, "", testScope))

	// Observed existing item refreshed in place.
	a, err := st.GetByRemoteID(ctx, "alice", testAccountID, "ra")
	require.NoError(t, err)
	assert.Equal(t, "local-a", a.ID)
	assert.Equal(t, "renamed.txt", a.Name)
	assert.Equal(t, int64(42), a.Size)

	// Newly observed item indexed under the synced folder.
	b, err := st.GetByRemoteID(ctx, "alice", testAccountID, "rb")
	require.NoError(t, err)
	assert.Empty(t, b.ParentID)
	assert.Equal(t, drive.StatusReady, b.Status)

	// Unobserved item trashed by the diff.
	stored, err := st.GetItem(ctx, gone.ID)
	require.NoError(t, err)
	assert.True(t, stored.Trashed())
}

func TestSearch_PreservesExistingParent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Query().Get("q"), "name contains 'report'")

		fmt.Fprintf(w, `{"files":[%s,%s]}`,
			remoteFileJSON("rx", "report-a.txt", "text/plain", "1", "somewhere"),
			remoteFileJSON("ry", "report-b.txt", "text/plain", "2", "somewhere"),
		)
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	seedRemoteItem(t, st, "local-x", "rx", "folder-1", "report-a.txt")

	items, err := p.Search(ctx, "report", testScope)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Existing match keeps its local parent linkage.
	x, err := st.GetByRemoteID(ctx, "alice", testAccountID, "rx")
	require.NoError(t, err)
	assert.Equal(t, "folder-1", x.ParentID)

	// Unknown match defaults to root.
	y, err := st.GetByRemoteID(ctx, "alice", testAccountID, "ry")
	require.NoError(t, err)
	assert.Empty(t, y.ParentID)
}

func TestMove_ResolvesParentsAndUpdatesLocalAfterSuccess(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/files/rm", r.URL.Path)
		assert.Equal(t, "r-new", r.URL.Query().Get("addParents"))
		assert.Equal(t, "r-old", r.URL.Query().Get("removeParents"))

		fmt.Fprint(w, remoteFileJSON("rm", "moving.txt", "text/plain", "3", "r-new"))
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	oldParent := seedRemoteItem(t, st, "p-old", "r-old", "", "old parent")
	oldParent.Type = drive.TypeFolder
	require.NoError(t, st.UpsertItem(ctx, oldParent))

	newParent := seedRemoteItem(t, st, "p-new", "r-new", "", "new parent")
	newParent.Type = drive.TypeFolder
	require.NoError(t, st.UpsertItem(ctx, newParent))

	item := seedRemoteItem(t, st, "local-m", "rm", "p-old", "moving.txt")

	moved, err := p.Move(ctx, item, "p-new")
	require.NoError(t, err)
	assert.Equal(t, "p-new", moved.ParentID)

	stored, err := st.GetItem(ctx, "local-m")
	require.NoError(t, err)
	assert.Equal(t, "p-new", stored.ParentID)
}

func TestMove_QueriesRemoteForUnknownOldParent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			require.Equal(t, "/files/rm", r.URL.Path)
			fmt.Fprint(w, remoteFileJSON("rm", "moving.txt", "text/plain", "3", "r-mystery"))
		case http.MethodPatch:
			assert.Equal(t, "root", r.URL.Query().Get("addParents"))
			assert.Equal(t, "r-mystery", r.URL.Query().Get("removeParents"))
			fmt.Fprint(w, remoteFileJSON("rm", "moving.txt", "text/plain", "3", "root"))
		}
	})

	p, st := newTestProvider(t, handler)

	item := seedRemoteItem(t, st, "local-m", "rm", "", "moving.txt")

	moved, err := p.Move(context.Background(), item, "")
	require.NoError(t, err)
	assert.Empty(t, moved.ParentID)
}

func TestQuota_DelegatesToAboutEndpoint(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/about", r.URL.Path)
		fmt.Fprint(w, `{"storageQuota":{"usage":"100","limit":"1000"}}`)
	})

	p, _ := newTestProvider(t, handler)

	q, err := p.Quota(context.Background(), testScope)
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.UsedInBytes)
	assert.Equal(t, int64(1000), q.QuotaInBytes)
}

func TestUploadFile_LinksRemoteObject(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))

		fmt.Fprint(w, remoteFileJSON("r-up", "notes.txt", "text/plain", "5", "root"))
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "merged")
	require.NoError(t, os.WriteFile(staged, []byte("12345"), 0o600))

	item := &drive.Item{
		ID:        "local-up",
		Owner:     "alice",
		Name:      "notes.txt",
		Provider:  drive.ProviderGDrive,
		AccountID: testAccountID,
		Type:      drive.TypeFile,
		Mime:      "text/plain",
		Size:      5,
		Status:    drive.StatusUploading,
	}
	require.NoError(t, st.UpsertItem(ctx, item))

	uploaded, err := p.UploadFile(ctx, item, provider.StagedUpload{Path: staged, Size: 5})
	require.NoError(t, err)
	assert.Equal(t, "r-up", uploaded.RemoteID)
	assert.Equal(t, drive.StatusReady, uploaded.Status)

	stored, err := st.GetItem(ctx, "local-up")
	require.NoError(t, err)
	assert.Equal(t, "r-up", stored.RemoteID)
}

func TestTrash_LocalStateSurvivesRemoteMirrorFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Non-retryable failure on the mirror call.
		w.WriteHeader(http.StatusNotFound)
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	item := seedRemoteItem(t, st, "local-t", "rt", "", "doomed.txt")

	trashed, err := p.Trash(ctx, item)
	require.NoError(t, err)
	assert.True(t, trashed.Trashed())

	stored, err := st.GetItem(ctx, "local-t")
	require.NoError(t, err)
	assert.True(t, stored.Trashed())
}

func TestDelete_RemovesRemoteObjectAndLocalRows(t *testing.T) {
	var deleted bool

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/files/rd", r.URL.Path)
		deleted = true
		w.WriteHeader(http.StatusNoContent)
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	folder := seedRemoteItem(t, st, "local-d", "rd", "", "folder")
	folder.Type = drive.TypeFolder
	require.NoError(t, st.UpsertItem(ctx, folder))

	seedRemoteItem(t, st, "local-child", "rc", "local-d", "child.txt")

	require.NoError(t, p.Delete(ctx, folder))
	assert.True(t, deleted)

	_, err := st.GetItem(ctx, "local-d")
	require.ErrorIs(t, err, drive.ErrNotFound)

	_, err = st.GetItem(ctx, "local-child")
	require.ErrorIs(t, err, drive.ErrNotFound)
}

func TestCreateFolder_IndexesRemoteFolder(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		fmt.Fprint(w, remoteFileJSON("r-folder", "docs", folderMime, "", "root"))
	})

	p, st := newTestProvider(t, handler)
	ctx := context.Background()

	created, err := p.CreateFolder(ctx, "docs", "", testScope)
	require.NoError(t, err)
	assert.True(t, created.IsFolder())
	assert.Equal(t, "r-folder", created.RemoteID)

	stored, err := st.GetByRemoteID(ctx, "alice", testAccountID, "r-folder")
	require.NoError(t, err)
	assert.Equal(t, drive.TypeFolder, stored.Type)
}

func TestRevokeToken(t *testing.T) {
	var revoked bool

	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "stored-token", r.Form.Get("token"))
		revoked = true
	}))
	defer revokeSrv.Close()

	p, _ := newTestProvider(t, http.NotFoundHandler())
	p.SetRevokeURL(revokeSrv.URL)

	require.NoError(t, p.RevokeToken(context.Background(), testAccountID))
	assert.True(t, revoked)
}

func TestRevokeToken_FailureIsTransient(t *testing.T) {
	revokeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer revokeSrv.Close()

	p, _ := newTestProvider(t, http.NotFoundHandler())
	p.SetRevokeURL(revokeSrv.URL)

	err := p.RevokeToken(context.Background(), testAccountID)
	require.ErrorIs(t, err, drive.ErrTransientBackend)
}
