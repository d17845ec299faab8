package localdrive

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestProvider(t *testing.T, ceiling CeilingFunc) (*Provider, *store.Store, string) {
	t.Helper()

	st, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o700))

	return New(root, st, ceiling, testLogger()), st, root
}

// stageFile writes content into the uploads area and returns the staged
// upload descriptor, the way the coordinator hands artifacts over.
func stageFile(t *testing.T, root string, content []byte) provider.StagedUpload {
	t.Helper()

	path := filepath.Join(root, "uploads", "staged")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	return provider.StagedUpload{Path: path, Size: int64(len(content))}
}

func TestUploadFile_PlacesArtifact(t *testing.T) {
	p, st, root := newTestProvider(t, nil)
	ctx := context.Background()

	content := []byte("hello, barn")
	staged := stageFile(t, root, content)

	item := &drive.Item{
		ID:       "item-1",
		Owner:    "alice",
		Name:     "hello.txt",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Mime:     "text/plain",
		Status:   drive.StatusUploading,
	}
	require.NoError(t, st.UpsertItem(ctx, item))

	got, err := p.UploadFile(ctx, item, staged)
	require.NoError(t, err)
	assert.Equal(t, drive.StatusReady, got.Status)
	assert.Equal(t, int64(len(content)), got.Size)
	assert.NotEmpty(t, got.Hash)
	assert.Equal(t, filepath.Join("files", "item-1", "hello.txt"), got.Path)

	placed, err := os.ReadFile(filepath.Join(root, got.Path))
	require.NoError(t, err)
	assert.Equal(t, content, placed)

	// The staged file was moved, not copied.
	_, err = os.Stat(staged.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadFile_ExtractsImageDimensions(t *testing.T) {
	p, st, root := newTestProvider(t, nil)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 12, 8))))

	staged := stageFile(t, root, buf.Bytes())

	item := &drive.Item{
		ID:       "img-1",
		Name:     "pic.png",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Mime:     "image/png",
		Status:   drive.StatusUploading,
	}
	require.NoError(t, st.UpsertItem(ctx, item))

	got, err := p.UploadFile(ctx, item, staged)
	require.NoError(t, err)
	assert.Equal(t, 12, got.Width)
	assert.Equal(t, 8, got.Height)
}

func TestUploadFile_SizeMismatchRemovesArtifact(t *testing.T) {
	p, st, root := newTestProvider(t, nil)
	ctx := context.Background()

	staged := stageFile(t, root, []byte("short"))
	staged.Size = 999

	item := &drive.Item{
		ID:       "item-1",
		Name:     "bad.txt",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Status:   drive.StatusUploading,
	}
	require.NoError(t, st.UpsertItem(ctx, item))

	_, err := p.UploadFile(ctx, item, staged)
	require.ErrorIs(t, err, drive.ErrIntegrityMismatch)

	_, err = os.Stat(filepath.Join(root, "files", "item-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestOpenStream_FolderUnsupported(t *testing.T) {
	p, _, _ := newTestProvider(t, nil)

	_, err := p.OpenStream(context.Background(), &drive.Item{ID: "f", Type: drive.TypeFolder})
	require.ErrorIs(t, err, drive.ErrUnsupported)
}

func TestDelete_RemovesSubtreeBytesAndRows(t *testing.T) {
	p, st, root := newTestProvider(t, nil)
	ctx := context.Background()

	folder, err := p.CreateFolder(ctx, "photos", "", drive.Scope{Owner: "alice"})
	require.NoError(t, err)

	child := &drive.Item{
		ID:       "child-1",
		Owner:    "alice",
		ParentID: folder.ID,
		Name:     "pic.txt",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Status:   drive.StatusUploading,
	}
	require.NoError(t, st.UpsertItem(ctx, child))

	_, err = p.UploadFile(ctx, child, stageFile(t, root, []byte("bytes")))
	require.NoError(t, err)

	require.NoError(t, p.Delete(ctx, folder))

	_, err = st.GetItem(ctx, folder.ID)
	require.ErrorIs(t, err, drive.ErrNotFound)

	_, err = st.GetItem(ctx, "child-1")
	require.ErrorIs(t, err, drive.ErrNotFound)

	_, err = os.Stat(filepath.Join(root, "files", "child-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestTrashUntrash(t *testing.T) {
	p, st, _ := newTestProvider(t, nil)
	ctx := context.Background()

	item, err := p.CreateFolder(ctx, "stuff", "", drive.Scope{Owner: "alice"})
	require.NoError(t, err)

	trashed, err := p.Trash(ctx, item)
	require.NoError(t, err)
	assert.True(t, trashed.Trashed())

	stored, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.True(t, stored.Trashed())

	restored, err := p.Untrash(ctx, trashed)
	require.NoError(t, err)
	assert.False(t, restored.Trashed())
}

func TestRename_NormalizesAndValidates(t *testing.T) {
	p, st, _ := newTestProvider(t, nil)
	ctx := context.Background()

	item, err := p.CreateFolder(ctx, "old", "", drive.Scope{Owner: "alice"})
	require.NoError(t, err)

	renamed, err := p.Rename(ctx, item, "  new name  ")
	require.NoError(t, err)
	assert.Equal(t, "new name", renamed.Name)

	stored, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "new name", stored.Name)

	_, err = p.Rename(ctx, item, "   ")
	require.ErrorIs(t, err, drive.ErrValidation)
}

func TestMove_UpdatesParentOnly(t *testing.T) {
	p, st, _ := newTestProvider(t, nil)
	ctx := context.Background()

	scope := drive.Scope{Owner: "alice"}

	target, err := p.CreateFolder(ctx, "target", "", scope)
	require.NoError(t, err)

	item, err := p.CreateFolder(ctx, "moving", "", scope)
	require.NoError(t, err)

	moved, err := p.Move(ctx, item, target.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, moved.ParentID)

	stored, err := st.GetItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, target.ID, stored.ParentID)
}

func TestQuota_CeilingAndRootMode(t *testing.T) {
	p, st, _ := newTestProvider(t, func(string) int64 { return 1000 })
	ctx := context.Background()

	require.NoError(t, st.UpsertItem(ctx, &drive.Item{
		ID:       "f1",
		Owner:    "alice",
		Name:     "a",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Size:     400,
		Status:   drive.StatusReady,
	}))

	q, err := p.Quota(ctx, drive.Scope{Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(400), q.UsedInBytes)
	assert.Equal(t, int64(1000), q.QuotaInBytes)

	// Root mode: no owner, enforcement disabled.
	q, err = p.Quota(ctx, drive.Scope{})
	require.NoError(t, err)
	assert.Zero(t, q.QuotaInBytes)
}
