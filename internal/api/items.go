package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/filebarn/filebarn/internal/derivative"
	"github.com/filebarn/filebarn/internal/drive"
)

// rootFolderID is the client-facing alias for the tree root, which is an
// empty parent id internally.
const rootFolderID = "root"

func folderParam(r *http.Request, name string) string {
	id := chi.URLParam(r, name)
	if id == rootFolderID {
		return ""
	}

	return id
}

func (h *Handler) loadItem(r *http.Request) (*drive.Item, error) {
	return h.store.GetItem(r.Context(), chi.URLParam(r, "itemID"))
}

// handleContent serves an item's bytes. Image requests carrying transform
// parameters run through the derivative cache; everything else streams the
// original through the provider.
func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	item, err := h.loadItem(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if h.signer != nil {
		if err := h.signer.Verify(item.ID, r.URL.Query().Get("token")); err != nil {
			h.writeError(w, r, err)

			return
		}
	}

	params := derivativeParams(r)

	if strings.HasPrefix(item.Mime, "image/") && params != (derivative.Params{}) {
		h.serveDerivative(w, r, item, params)

		return
	}

	h.serveOriginal(w, r, item)
}

func derivativeParams(r *http.Request) derivative.Params {
	q := r.URL.Query()

	return derivative.Params{
		Format:   q.Get("format"),
		Quality:  q.Get("quality"),
		Display:  q.Get("display"),
		Size:     q.Get("size"),
		Fit:      q.Get("fit"),
		Position: q.Get("position"),
	}
}

func (h *Handler) serveDerivative(w http.ResponseWriter, r *http.Request, item *drive.Item, params derivative.Params) {
	// The output type is known up front; the body streams as it encodes.
	format := params.Format
	if format == "" {
		format = "jpeg"
	}

	w.Header().Set("Content-Type", "image/"+format)

	body := &trackedWriter{dst: w}

	if _, err := h.derivatives.Render(r.Context(), item, params, body); err != nil {
		// Once body bytes are out, an error payload would only corrupt the
		// image the client is receiving.
		if body.wrote {
			h.logger.Warn("derivative stream interrupted",
				slog.String("item_id", item.ID),
				slog.String("error", err.Error()),
			)

			return
		}

		h.writeError(w, r, err)
	}
}

// trackedWriter records whether any response byte has been attempted.
type trackedWriter struct {
	dst   io.Writer
	wrote bool
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	t.wrote = true

	return t.dst.Write(p)
}

func (h *Handler) serveOriginal(w http.ResponseWriter, r *http.Request, item *drive.Item) {
	p, err := h.providers.ForItem(item)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	src, err := p.OpenStream(r.Context(), item)
	if err != nil {
		h.writeError(w, r, err)

		return
	}
	defer src.Close()

	if item.Mime != "" {
		w.Header().Set("Content-Type", item.Mime)
	}

	if item.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(item.Size, 10))
	}

	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("inline", map[string]string{"filename": item.Name}))

	if _, err := io.Copy(w, src); err != nil {
		h.logger.Warn("content stream interrupted",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
	}
}

// handleThumbnail serves the provider's native thumbnail, falling back to a
// small derivative for images the provider cannot thumbnail itself.
func (h *Handler) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	item, err := h.loadItem(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	p, err := h.providers.ForItem(item)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	src, err := p.Thumbnail(r.Context(), item)
	if err == nil {
		defer src.Close()

		w.Header().Set("Content-Type", "image/jpeg")

		if _, copyErr := io.Copy(w, src); copyErr != nil {
			h.logger.Warn("thumbnail stream interrupted",
				slog.String("item_id", item.ID),
				slog.String("error", copyErr.Error()),
			)
		}

		return
	}

	if errors.Is(err, drive.ErrUnsupported) && strings.HasPrefix(item.Mime, "image/") {
		h.serveDerivative(w, r, item, derivative.Params{Display: "thumbnail", Size: "sm"})

		return
	}

	h.writeError(w, r, err)
}

// handleChildren lists a folder. A ?q= parameter searches instead. The
// listing triggers a best-effort sync first; sync failures degrade to the
// current index state.
func (h *Handler) handleChildren(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)
	folderID := folderParam(r, "folderID")

	p, err := h.providers.ForType(providerTypeFor(scope))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	if q := r.URL.Query().Get("q"); q != "" {
		items, searchErr := p.Search(r.Context(), q, scope)
		if searchErr != nil {
			h.logger.Warn("search degraded to local index",
				slog.String("query", q),
				slog.String("error", searchErr.Error()),
			)

			items = nil
		}

		writeJSON(w, http.StatusOK, map[string]any{"items": items})

		return
	}

	if syncErr := p.Sync(r.Context(), folderID, scope); syncErr != nil {
		h.logger.Warn("sync failed, serving local index",
			slog.String("folder_id", folderID),
			slog.String("error", syncErr.Error()),
		)
	}

	items, err := h.store.ListChildren(r.Context(), folderID, scope.Owner)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func providerTypeFor(scope drive.Scope) drive.ProviderType {
	if scope.AccountID != "" {
		return drive.ProviderGDrive
	}

	return drive.ProviderLocal
}

func (h *Handler) handleTrash(w http.ResponseWriter, r *http.Request) {
	item, err := h.lifecycle.Trash(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	item, err := h.lifecycle.Restore(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.PermanentDelete(r.Context(), chi.URLParam(r, "itemID")); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetFolderID string `json:"targetFolderId"`
	}

	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)

		return
	}

	target := body.TargetFolderID
	if target == rootFolderID {
		target = ""
	}

	item, err := h.lifecycle.Move(r.Context(), chi.URLParam(r, "itemID"), target)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}

	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)

		return
	}

	item, err := h.lifecycle.Rename(r.Context(), chi.URLParam(r, "itemID"), body.Name)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}

	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)

		return
	}

	if body.ParentID == rootFolderID {
		body.ParentID = ""
	}

	scope := scopeFrom(r)

	p, err := h.providers.ForType(providerTypeFor(scope))
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	item, err := p.CreateFolder(r.Context(), body.Name, body.ParentID, scope)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	q, err := h.accountant.Snapshot(r.Context(), providerTypeFor(scope), scope)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, q)
}

// handleSign issues an expiring read token for the item.
func (h *Handler) handleSign(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		h.writeError(w, r, drive.Validationf("signed URLs are not enabled"))

		return
	}

	item, err := h.loadItem(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": h.signer.Sign(item.ID)})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %v", drive.ErrValidation, err)
	}

	return nil
}
