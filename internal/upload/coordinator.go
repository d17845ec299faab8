// Package upload implements the chunked upload coordinator: a stateless
// protocol that reassembles a file from independently delivered parts and
// hands the merged artifact to a storage provider. All session state lives
// in a per-session directory on disk, so any process instance can serve any
// chunk of any session.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/google/uuid"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
	"github.com/filebarn/filebarn/internal/quota"
	"github.com/filebarn/filebarn/internal/store"
)

// Response types on the upload wire protocol.
const (
	ResponseUploadStarted  = "UPLOAD_STARTED"
	ResponseChunkReceived  = "CHUNK_RECEIVED"
	ResponseUploadComplete = "UPLOAD_COMPLETE"
)

// Chunk is one request on the upload protocol: the protocol fields plus the
// binary chunk body. SessionID is empty only for chunk 0 of a new upload.
type Chunk struct {
	Index       int
	TotalChunks int
	SessionID   string
	FileName    string
	FileSize    int64
	FileType    string
	FolderID    string
	Data        io.Reader
}

// Result is the coordinator's answer to one chunk request.
type Result struct {
	Type       string      `json:"type"`
	SessionID  string      `json:"sessionId"`
	ChunkIndex int         `json:"chunkIndex,omitempty"`
	Item       *drive.Item `json:"item,omitempty"`
}

// Coordinator drives the chunked upload protocol. Sessions are independent
// (keyed by random id); the only cross-request synchronization is a
// per-session merge group that deduplicates simultaneous final-chunk merges.
type Coordinator struct {
	uploadsRoot string
	store       *store.Store
	providers   *provider.Resolver
	accountant  *quota.Accountant
	maxFileSize int64
	allowedMime []string
	logger      *slog.Logger

	mu     sync.Mutex
	merges map[string]*mergeGroup
}

// New creates a coordinator staging sessions under uploadsRoot.
// maxFileSize of 0 disables the per-file ceiling; an empty allowedMime list
// allows every declared type.
func New(
	uploadsRoot string,
	st *store.Store,
	providers *provider.Resolver,
	accountant *quota.Accountant,
	maxFileSize int64,
	allowedMime []string,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		uploadsRoot: uploadsRoot,
		store:       st,
		providers:   providers,
		accountant:  accountant,
		maxFileSize: maxFileSize,
		allowedMime: allowedMime,
		logger:      logger,
		merges:      make(map[string]*mergeGroup),
	}
}

// providerTypeFor derives the provider variant from the scope: an account id
// selects the remote drive, otherwise local storage serves the upload.
func providerTypeFor(scope drive.Scope) drive.ProviderType {
	if scope.AccountID != "" {
		return drive.ProviderGDrive
	}

	return drive.ProviderLocal
}

// Process handles one chunk request. Chunk 0 without a session id starts a
// new session after validation and quota pre-check; every chunk persists its
// part idempotently; the chunk completing the set triggers the merge.
func (c *Coordinator) Process(ctx context.Context, scope drive.Scope, chunk *Chunk) (*Result, error) {
	started := false

	if chunk.SessionID == "" {
		if chunk.Index != 0 {
			return nil, drive.Validationf("chunk %d arrived without a session id", chunk.Index)
		}

		sessionID, err := c.startSession(ctx, scope, chunk)
		if err != nil {
			return nil, err
		}

		chunk.SessionID = sessionID
		started = true
	}

	dir := c.sessionDir(chunk.SessionID)

	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	if chunk.Index < 0 || chunk.Index >= meta.TotalChunks {
		return nil, drive.Validationf("chunk index %d out of range [0,%d)", chunk.Index, meta.TotalChunks)
	}

	if err := c.writePart(dir, chunk); err != nil {
		return nil, err
	}

	received, err := countParts(dir)
	if err != nil {
		return nil, err
	}

	if received < meta.TotalChunks {
		if started {
			return &Result{Type: ResponseUploadStarted, SessionID: chunk.SessionID}, nil
		}

		return &Result{
			Type:       ResponseChunkReceived,
			SessionID:  chunk.SessionID,
			ChunkIndex: chunk.Index,
		}, nil
	}

	item, err := c.merge(ctx, scope, chunk.SessionID, meta)
	if err != nil {
		return nil, err
	}

	return &Result{Type: ResponseUploadComplete, SessionID: chunk.SessionID, Item: item}, nil
}

// startSession validates the declared upload and creates the session
// directory. Validation and the quota pre-check run before anything touches
// disk, so a rejected upload leaves no trace.
func (c *Coordinator) startSession(ctx context.Context, scope drive.Scope, chunk *Chunk) (string, error) {
	name := drive.NormalizeName(chunk.FileName)
	if name == "" {
		return "", drive.Validationf("empty file name")
	}

	if chunk.TotalChunks < 1 {
		return "", drive.Validationf("total chunks must be at least 1, got %d", chunk.TotalChunks)
	}

	if chunk.FileSize < 0 {
		return "", drive.Validationf("negative declared size %d", chunk.FileSize)
	}

	if c.maxFileSize > 0 && chunk.FileSize > c.maxFileSize {
		return "", drive.Validationf("declared size %d exceeds maximum %d", chunk.FileSize, c.maxFileSize)
	}

	if !c.mimeAllowed(chunk.FileType) {
		return "", drive.Validationf("mime type %q not allowed", chunk.FileType)
	}

	if err := c.accountant.CheckUpload(ctx, providerTypeFor(scope), scope, chunk.FileSize); err != nil {
		return "", err
	}

	sessionID := uuid.NewString()
	dir := c.sessionDir(sessionID)

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("upload: creating session directory: %w", err)
	}

	meta := &sessionMeta{
		Owner:       scope.Owner,
		AccountID:   scope.AccountID,
		FileName:    name,
		FileSize:    chunk.FileSize,
		FileType:    chunk.FileType,
		FolderID:    chunk.FolderID,
		TotalChunks: chunk.TotalChunks,
	}

	if err := writeMeta(dir, meta); err != nil {
		os.RemoveAll(dir)

		return "", err
	}

	c.logger.Info("upload session started",
		slog.String("session_id", sessionID),
		slog.String("file_name", name),
		slog.Int64("file_size", chunk.FileSize),
		slog.Int("total_chunks", chunk.TotalChunks),
	)

	return sessionID, nil
}

// mimeAllowed matches the declared type against the allow-list patterns
// ("image/*", "application/pdf"). An empty list allows everything.
func (c *Coordinator) mimeAllowed(mime string) bool {
	if len(c.allowedMime) == 0 {
		return true
	}

	for _, pattern := range c.allowedMime {
		if ok, err := path.Match(pattern, mime); err == nil && ok {
			return true
		}
	}

	return false
}

// writePart persists one chunk as part_<index>. The write goes through a
// temp file and rename so a retransmitted index lands whole or not at all.
func (c *Coordinator) writePart(dir string, chunk *Chunk) error {
	target := partPath(dir, chunk.Index)
	tmp := target + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return drive.NotFoundf("upload session not found")
		}

		return fmt.Errorf("upload: creating part file: %w", err)
	}

	if _, err := io.Copy(f, chunk.Data); err != nil {
		f.Close()
		os.Remove(tmp)

		return fmt.Errorf("upload: writing chunk %d: %w", chunk.Index, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("upload: closing part file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("upload: committing chunk %d: %w", chunk.Index, err)
	}

	return nil
}

// Cancel removes the session directory. An in-flight merge is not
// interrupted; its reads fail naturally once the directory is gone.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	dir := c.sessionDir(sessionID)

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return drive.NotFoundf("upload session not found")
		}

		return fmt.Errorf("upload: checking session directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("upload: removing session directory: %w", err)
	}

	c.logger.Info("upload session canceled", slog.String("session_id", sessionID))

	return nil
}
