package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/upload"
)

// uploadMemoryLimit bounds how much of a multipart chunk request is held in
// memory before spilling to a temp file.
const uploadMemoryLimit = 4 << 20

// handleUpload accepts one chunk of the upload protocol as a multipart form
// with the protocol fields plus a binary "chunk" part.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		h.writeError(w, r, drive.Validationf("malformed multipart request: %v", err))

		return
	}
	defer r.MultipartForm.RemoveAll()

	chunk, err := chunkFromForm(r)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.writeError(w, r, drive.Validationf("missing chunk part"))

		return
	}
	defer file.Close()

	chunk.Data = file

	scope := scopeFrom(r)
	if owner := r.FormValue("owner"); owner != "" {
		scope.Owner = owner
	}

	if account := r.FormValue("accountId"); account != "" {
		scope.AccountID = account
	}

	result, err := h.uploads.Process(r.Context(), scope, chunk)
	if err != nil {
		h.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func chunkFromForm(r *http.Request) (*upload.Chunk, error) {
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		return nil, drive.Validationf("invalid chunkIndex %q", r.FormValue("chunkIndex"))
	}

	total, err := strconv.Atoi(r.FormValue("totalChunks"))
	if err != nil {
		return nil, drive.Validationf("invalid totalChunks %q", r.FormValue("totalChunks"))
	}

	size, err := strconv.ParseInt(r.FormValue("fileSize"), 10, 64)
	if err != nil {
		return nil, drive.Validationf("invalid fileSize %q", r.FormValue("fileSize"))
	}

	return &upload.Chunk{
		Index:       index,
		TotalChunks: total,
		SessionID:   r.FormValue("sessionId"),
		FileName:    r.FormValue("fileName"),
		FileSize:    size,
		FileType:    r.FormValue("fileType"),
		FolderID:    r.FormValue("folderId"),
	}, nil
}

// handleCancelUpload removes the session directory.
func (h *Handler) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.uploads.Cancel(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
