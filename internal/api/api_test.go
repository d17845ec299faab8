package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebarn/filebarn/internal/derivative"
	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/lifecycle"
	"github.com/filebarn/filebarn/internal/localdrive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/quota"
	"github.com/filebarn/filebarn/internal/signedurl"
	"github.com/filebarn/filebarn/internal/store"
	"github.com/filebarn/filebarn/internal/upload"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	srv     *httptest.Server
	handler *Handler
	store   *store.Store
	root    string
}

func newTestServer(t *testing.T, ceiling int64, signer *signedurl.Signer) *testServer {
	t.Helper()

	st, err := store.New(":memory:", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	root := t.TempDir()

	var ceilingFn localdrive.CeilingFunc
	if ceiling > 0 {
		ceilingFn = func(string) int64 { return ceiling }
	}

	local := localdrive.New(root, st, ceilingFn, testLogger())
	providers := provider.NewResolver(local, nil)
	accountant := quota.New(providers, testLogger())

	uploads := upload.New(
		filepath.Join(root, "uploads"), st, providers, accountant, 0, nil, testLogger(),
	)

	derivatives := derivative.NewCache(filepath.Join(root, "derivatives"), providers, testLogger())
	lc := lifecycle.New(st, providers, derivatives, testLogger())

	handler := NewHandler(st, providers, uploads, derivatives, lc, accountant, signer, testLogger())

	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, handler: handler, store: st, root: root}
}

// postChunk submits one chunk of the upload protocol.
func (ts *testServer) postChunk(t *testing.T, index, total int, sessionID string, data []byte, declared int64) *http.Response {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunkIndex", strconv.Itoa(index)))
	require.NoError(t, mw.WriteField("totalChunks", strconv.Itoa(total)))
	require.NoError(t, mw.WriteField("fileName", "upload.bin"))
	require.NoError(t, mw.WriteField("fileSize", strconv.FormatInt(declared, 10)))
	require.NoError(t, mw.WriteField("fileType", "application/octet-stream"))
	require.NoError(t, mw.WriteField("owner", "alice"))

	if sessionID != "" {
		require.NoError(t, mw.WriteField("sessionId", sessionID))
	}

	part, err := mw.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)

	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()

	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)

	return resp
}

func TestUploadFlow_EndToEnd(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	content := []byte("chunked upload protocol over http")
	half := len(content) / 2

	resp := ts.postChunk(t, 0, 2, "", content[:half], int64(len(content)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var started upload.Result

	decodeInto(t, resp, &started)
	require.Equal(t, upload.ResponseUploadStarted, started.Type)
	require.NotEmpty(t, started.SessionID)

	resp = ts.postChunk(t, 1, 2, started.SessionID, content[half:], int64(len(content)))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var completed upload.Result

	decodeInto(t, resp, &completed)
	require.Equal(t, upload.ResponseUploadComplete, completed.Type)
	require.NotNil(t, completed.Item)
	assert.Equal(t, drive.StatusReady, completed.Item.Status)

	// The uploaded bytes come back through the content endpoint.
	getResp, err := http.Get(fmt.Sprintf("%s/api/items/%s/content", ts.srv.URL, completed.Item.ID))
	require.NoError(t, err)
	defer getResp.Body.Close()

	require.Equal(t, http.StatusOK, getResp.StatusCode)

	body, err := io.ReadAll(getResp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)

	// And the item appears in the root listing.
	listResp, err := http.Get(ts.srv.URL + "/api/folders/root/children?owner=alice")
	require.NoError(t, err)

	var listing struct {
		Items []drive.Item `json:"items"`
	}

	decodeInto(t, listResp, &listing)
	require.Len(t, listing.Items, 1)
	assert.Equal(t, completed.Item.ID, listing.Items[0].ID)
}

func TestUpload_QuotaExceededIs413(t *testing.T) {
	ts := newTestServer(t, 5, nil)

	resp := ts.postChunk(t, 0, 4, "", []byte("aa"), 10)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestUpload_UnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.postChunk(t, 1, 4, "no-such-session", []byte("aa"), 10)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_CancelSession(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.postChunk(t, 0, 3, "", []byte("abc"), 9)

	var started upload.Result

	decodeInto(t, resp, &started)

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/upload/"+started.SessionID, nil)
	require.NoError(t, err)

	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cancelResp.Body.Close()

	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)
}

func TestFolders_CreateMoveCircularIs409(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	mkFolder := func(name string) drive.Item {
		resp := ts.postJSON(t, "/api/folders?owner=alice", map[string]string{"name": name})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var item drive.Item

		decodeInto(t, resp, &item)

		return item
	}

	a := mkFolder("A")
	b := mkFolder("B")

	resp := ts.postJSON(t, "/api/items/"+b.ID+"/move", map[string]string{"targetFolderId": a.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.postJSON(t, "/api/items/"+a.ID+"/move", map[string]string{"targetFolderId": b.ID})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestTrashRestoreAndRename(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.postJSON(t, "/api/folders?owner=alice", map[string]string{"name": "stuff"})

	var folder drive.Item

	decodeInto(t, resp, &folder)

	resp = ts.postJSON(t, "/api/items/"+folder.ID+"/trash", nil)

	var trashed drive.Item

	decodeInto(t, resp, &trashed)
	assert.NotNil(t, trashed.TrashedAt)

	resp = ts.postJSON(t, "/api/items/"+folder.ID+"/restore", nil)

	var restored drive.Item

	decodeInto(t, resp, &restored)
	assert.Nil(t, restored.TrashedAt)

	resp = ts.postJSON(t, "/api/items/"+folder.ID+"/rename", map[string]string{"name": "renamed"})

	var renamed drive.Item

	decodeInto(t, resp, &renamed)
	assert.Equal(t, "renamed", renamed.Name)
}

func TestDeleteItem(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	resp := ts.postJSON(t, "/api/folders?owner=alice", map[string]string{"name": "doomed"})

	var folder drive.Item

	decodeInto(t, resp, &folder)

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/api/items/"+folder.ID, nil)
	require.NoError(t, err)

	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()

	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	getResp, err := http.Get(ts.srv.URL + "/api/items/" + folder.ID + "/content")
	require.NoError(t, err)
	defer getResp.Body.Close()

	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
}

func TestQuotaEndpoint(t *testing.T) {
	ts := newTestServer(t, 1000, nil)

	resp, err := http.Get(ts.srv.URL + "/api/quota?owner=alice")
	require.NoError(t, err)

	var q drive.Quota

	decodeInto(t, resp, &q)
	assert.Zero(t, q.UsedInBytes)
	assert.Equal(t, int64(1000), q.QuotaInBytes)
}

func TestSignedURLs_EnforcedOnContent(t *testing.T) {
	signer := signedurl.New("secret", time.Hour)
	ts := newTestServer(t, 0, signer)

	resp := ts.postChunk(t, 0, 1, "", []byte("guarded"), 7)

	var completed upload.Result

	decodeInto(t, resp, &completed)
	require.Equal(t, upload.ResponseUploadComplete, completed.Type)

	contentURL := fmt.Sprintf("%s/api/items/%s/content", ts.srv.URL, completed.Item.ID)

	// No token: forbidden.
	noToken, err := http.Get(contentURL)
	require.NoError(t, err)
	noToken.Body.Close()
	assert.Equal(t, http.StatusForbidden, noToken.StatusCode)

	// Issue a token and retry.
	signResp := ts.postJSON(t, "/api/items/"+completed.Item.ID+"/sign", nil)

	var signed struct {
		Token string `json:"token"`
	}

	decodeInto(t, signResp, &signed)
	require.NotEmpty(t, signed.Token)

	withToken, err := http.Get(contentURL + "?token=" + signed.Token)
	require.NoError(t, err)
	defer withToken.Body.Close()

	assert.Equal(t, http.StatusOK, withToken.StatusCode)

	body, err := io.ReadAll(withToken.Body)
	require.NoError(t, err)
	assert.Equal(t, "guarded", string(body))
}

func TestValidationErrorsAre400(t *testing.T) {
	ts := newTestServer(t, 0, nil)

	// Malformed chunk index.
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunkIndex", "not-a-number"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// breakingResponseWriter lets the first body write through, then fails, as a
// client disconnect mid-stream does.
type breakingResponseWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (b *breakingResponseWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > 1 {
		return 0, errors.New("connection reset")
	}

	return b.ResponseRecorder.Write(p)
}

func TestServeDerivative_InterruptedStreamEmitsNoErrorBody(t *testing.T) {
	ts := newTestServer(t, 0, nil)
	ctx := context.Background()

	item := &drive.Item{
		ID:       "img-cached",
		Owner:    "alice",
		Name:     "pic.jpg",
		Provider: drive.ProviderLocal,
		Type:     drive.TypeFile,
		Size:     100,
		Mime:     "image/jpeg",
		Status:   drive.StatusReady,
	}
	require.NoError(t, ts.store.UpsertItem(ctx, item))

	// Pre-populate a cached artifact larger than one copy buffer so the
	// stream breaks between writes.
	params := derivative.Params{Size: "sm"}
	settings, err := derivative.Resolve(params, item.Size)
	require.NoError(t, err)

	dir := filepath.Join(ts.root, "derivatives", item.ID)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	artifact := filepath.Join(dir, settings.CacheKey()+"."+settings.Format)
	require.NoError(t, os.WriteFile(artifact, bytes.Repeat([]byte{0xAB}, 100_000), 0o600))

	rec := &breakingResponseWriter{ResponseRecorder: httptest.NewRecorder()}
	req := httptest.NewRequest(http.MethodGet, "/api/items/img-cached/content?size=sm", nil)

	ts.handler.serveDerivative(rec, req, item, params)

	// The truncated image bytes are all the client gets; no JSON error is
	// appended and the status stays as already sent.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"error"`)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, rec.Body.Len()), rec.Body.Bytes())
}
