// Package api exposes the storage core over HTTP: the chunked upload
// protocol, content serving through the derivative cache, folder listing
// with best-effort sync, and the lifecycle operations.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/filebarn/filebarn/internal/derivative"
	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/lifecycle"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/quota"
	"github.com/filebarn/filebarn/internal/signedurl"
	"github.com/filebarn/filebarn/internal/store"
	"github.com/filebarn/filebarn/internal/upload"
)

// Handler holds the wired storage components behind the HTTP surface.
type Handler struct {
	store       *store.Store
	providers   *provider.Resolver
	uploads     *upload.Coordinator
	derivatives *derivative.Cache
	lifecycle   *lifecycle.Manager
	accountant  *quota.Accountant
	signer      *signedurl.Signer // nil when signed URLs are disabled
	logger      *slog.Logger
}

// NewHandler wires the HTTP surface over the storage components. A nil
// signer disables signed-URL enforcement and issuance.
func NewHandler(
	st *store.Store,
	providers *provider.Resolver,
	uploads *upload.Coordinator,
	derivatives *derivative.Cache,
	lc *lifecycle.Manager,
	accountant *quota.Accountant,
	signer *signedurl.Signer,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		store:       st,
		providers:   providers,
		uploads:     uploads,
		derivatives: derivatives,
		lifecycle:   lc,
		accountant:  accountant,
		signer:      signer,
		logger:      logger,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", h.handleUpload)
		r.Delete("/upload/{sessionID}", h.handleCancelUpload)

		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Get("/content", h.handleContent)
			r.Get("/thumbnail", h.handleThumbnail)
			r.Post("/trash", h.handleTrash)
			r.Post("/restore", h.handleRestore)
			r.Post("/move", h.handleMove)
			r.Post("/rename", h.handleRename)
			r.Post("/sign", h.handleSign)
			r.Delete("/", h.handleDelete)
		})

		r.Post("/folders", h.handleCreateFolder)
		r.Get("/folders/{folderID}/children", h.handleChildren)

		r.Get("/quota", h.handleQuota)
	})

	return r
}

// scopeFrom reads the request scope. Both values are optional; an absent
// owner selects the unscoped root mode and an absent account selects local
// storage.
func scopeFrom(r *http.Request) drive.Scope {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		owner = r.Header.Get("X-Filebarn-Owner")
	}

	return drive.Scope{
		Owner:     owner,
		AccountID: r.URL.Query().Get("accountId"),
	}
}
