package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
)

// mergeGroup serializes merges for one session. Two near-simultaneous final
// chunks both observe completion; the second blocks here and then reuses the
// first's result instead of merging a directory that no longer exists.
type mergeGroup struct {
	mu   sync.Mutex
	done bool
	item *drive.Item
	err  error
}

func (c *Coordinator) mergeGroupFor(sessionID string) *mergeGroup {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.merges[sessionID]
	if !ok {
		g = &mergeGroup{}
		c.merges[sessionID] = g
	}

	return g
}

func (c *Coordinator) dropMergeGroup(sessionID string) {
	c.mu.Lock()
	delete(c.merges, sessionID)
	c.mu.Unlock()
}

// merge reassembles the session's parts and hands the artifact to the
// provider. Exactly one caller performs the work per session.
func (c *Coordinator) merge(ctx context.Context, scope drive.Scope, sessionID string, meta *sessionMeta) (*drive.Item, error) {
	g := c.mergeGroupFor(sessionID)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return g.item, g.err
	}

	g.item, g.err = c.doMerge(ctx, scope, sessionID, meta)
	g.done = true

	c.dropMergeGroup(sessionID)

	return g.item, g.err
}

func (c *Coordinator) doMerge(ctx context.Context, scope drive.Scope, sessionID string, meta *sessionMeta) (*drive.Item, error) {
	dir := c.sessionDir(sessionID)

	// Every part must be present before the first byte is written.
	for i := 0; i < meta.TotalChunks; i++ {
		if _, err := os.Stat(partPath(dir, i)); err != nil {
			return nil, fmt.Errorf("%w: part %d missing at merge time", drive.ErrIntegrityMismatch, i)
		}
	}

	mergedPath, err := c.writeMerged(dir, meta)
	if err != nil {
		return nil, err
	}

	item := &drive.Item{
		ID:       uuid.NewString(),
		Owner:    scope.Owner,
		ParentID: meta.FolderID,
		Name:     meta.FileName,
		Provider: providerTypeFor(scope),
		Type:     drive.TypeFile,
		Size:     meta.FileSize,
		Mime:     meta.FileType,
		Status:   drive.StatusUploading,
	}

	if scope.AccountID != "" {
		item.AccountID = scope.AccountID
	}

	if err := c.store.UpsertItem(ctx, item); err != nil {
		return nil, err
	}

	p, err := c.providers.ForItem(item)
	if err != nil {
		return nil, err
	}

	staged := provider.StagedUpload{Path: mergedPath, Size: meta.FileSize}

	uploaded, err := p.UploadFile(ctx, item, staged)
	if err != nil {
		// Roll back the record so a failed backend upload leaves nothing.
		if delErr := c.store.DeleteItem(ctx, item.ID); delErr != nil {
			c.logger.Error("failed to roll back item after upload failure",
				slog.String("item_id", item.ID),
				slog.String("error", delErr.Error()),
			)
		}

		return nil, err
	}

	if err := os.RemoveAll(dir); err != nil {
		c.logger.Warn("failed to remove completed session directory",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("upload complete",
		slog.String("session_id", sessionID),
		slog.String("item_id", uploaded.ID),
		slog.Int64("size", uploaded.Size),
	)

	return uploaded, nil
}

// writeMerged streams parts 0..total-1 in order into one file. io.Copy
// bounds memory regardless of file size. The final size must equal the
// declared size; on disagreement the merged file is removed and no
// permanent record is created.
func (c *Coordinator) writeMerged(dir string, meta *sessionMeta) (string, error) {
	mergedPath := filepath.Join(dir, mergedFileName)

	out, err := os.OpenFile(mergedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("upload: creating merged file: %w", err)
	}

	var written int64

	for i := 0; i < meta.TotalChunks; i++ {
		n, copyErr := appendPart(out, partPath(dir, i))
		if copyErr != nil {
			out.Close()
			os.Remove(mergedPath)

			return "", copyErr
		}

		written += n
	}

	if err := out.Close(); err != nil {
		os.Remove(mergedPath)

		return "", fmt.Errorf("upload: closing merged file: %w", err)
	}

	if written != meta.FileSize {
		os.Remove(mergedPath)

		return "", fmt.Errorf("%w: merged %d bytes, declared %d",
			drive.ErrIntegrityMismatch, written, meta.FileSize)
	}

	return mergedPath, nil
}

func appendPart(out io.Writer, path string) (int64, error) {
	in, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("upload: opening part: %w", err)
	}
	defer in.Close()

	n, err := io.Copy(out, in)
	if err != nil {
		return n, fmt.Errorf("upload: merging part: %w", err)
	}

	return n, nil
}
