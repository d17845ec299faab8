package derivative

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/filebarn/filebarn/internal/drive"
	"github.com/filebarn/filebarn/internal/provider"
)

// Cache serves transformed image derivatives, computing on miss and serving
// the immutable artifact on hit. Concurrent first-requests for one key may
// both compute; the outputs are byte-identical and one cache write wins, so
// no lock serializes the read path.
type Cache struct {
	root      string // derivatives root directory
	providers *provider.Resolver
	logger    *slog.Logger
}

// NewCache creates a derivative cache rooted at root.
func NewCache(root string, providers *provider.Resolver, logger *slog.Logger) *Cache {
	return &Cache{root: root, providers: providers, logger: logger}
}

// pathFor is the deterministic artifact location for an item and cache key.
func (c *Cache) pathFor(itemID, key, format string) string {
	return filepath.Join(c.root, itemID, key+"."+format)
}

// Remove deletes every cached derivative for the item. Called when the
// source item is permanently deleted; artifacts are immutable otherwise.
func (c *Cache) Remove(itemID string) error {
	if err := os.RemoveAll(filepath.Join(c.root, itemID)); err != nil {
		return fmt.Errorf("derivative: removing artifacts for %s: %w", itemID, err)
	}

	return nil
}

// Render resolves the transformation settings and writes the derivative to
// w, from cache when the artifact exists, otherwise by transforming the
// provider's source stream. Returns the output content type.
func (c *Cache) Render(ctx context.Context, item *drive.Item, p Params, w io.Writer) (string, error) {
	if item.IsFolder() {
		return "", fmt.Errorf("%w: cannot transform folder %s", drive.ErrUnsupported, item.ID)
	}

	settings, err := Resolve(p, item.Size)
	if err != nil {
		return "", err
	}

	artifact := c.pathFor(item.ID, settings.CacheKey(), settings.Format)

	if served, hitErr := c.serveHit(artifact, w); served || hitErr != nil {
		return settings.Mime(), hitErr
	}

	if err := c.computeAndServe(ctx, item, settings, artifact, w); err != nil {
		return "", err
	}

	return settings.Mime(), nil
}

// serveHit streams an existing artifact. Returns (false, nil) on miss.
func (c *Cache) serveHit(artifact string, w io.Writer) (bool, error) {
	f, err := os.Open(artifact)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("derivative: opening cached artifact: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return true, fmt.Errorf("derivative: serving cached artifact: %w", err)
	}

	return true, nil
}

// computeAndServe transforms the source and encodes once, forking the
// encoded bytes to the response and a best-effort cache write. A failing
// cache write is logged and never fails the response.
func (c *Cache) computeAndServe(ctx context.Context, item *drive.Item, settings *Settings, artifact string, w io.Writer) error {
	p, err := c.providers.ForItem(item)
	if err != nil {
		return err
	}

	src, err := p.OpenStream(ctx, item)
	if err != nil {
		return err
	}
	defer src.Close()

	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: decoding source image: %v", drive.ErrValidation, err)
	}

	img = transform(img, settings)

	cw := c.newCacheWriter(artifact)
	defer cw.finish()

	if err := encode(io.MultiWriter(w, cw), img, settings); err != nil {
		cw.abort()

		return fmt.Errorf("derivative: encoding: %w", err)
	}

	return nil
}

// cacheWriter accumulates the encoded derivative into a temp file and
// commits it with an atomic rename. Any write error flips it into a no-op
// sink so the encode to the response is never disturbed.
type cacheWriter struct {
	cache    *Cache
	artifact string
	tmp      *os.File
	err      error
	aborted  bool
}

func (c *Cache) newCacheWriter(artifact string) *cacheWriter {
	cw := &cacheWriter{cache: c, artifact: artifact}

	if err := os.MkdirAll(filepath.Dir(artifact), 0o700); err != nil {
		cw.err = err

		return cw
	}

	tmp, err := os.CreateTemp(filepath.Dir(artifact), ".tmp-*")
	if err != nil {
		cw.err = err

		return cw
	}

	cw.tmp = tmp

	return cw
}

// Write always reports success; failures are recorded and the remaining
// bytes discarded.
func (cw *cacheWriter) Write(p []byte) (int, error) {
	if cw.err == nil && cw.tmp != nil {
		if _, err := cw.tmp.Write(p); err != nil {
			cw.err = err
		}
	}

	return len(p), nil
}

func (cw *cacheWriter) abort() {
	cw.aborted = true
}

// finish commits the artifact or cleans up the temp file. Concurrent
// computes for one key race on the rename; either winner leaves identical
// bytes in place.
func (cw *cacheWriter) finish() {
	if cw.tmp == nil {
		if cw.err != nil {
			cw.cache.logger.Warn("derivative cache write skipped",
				slog.String("artifact", cw.artifact),
				slog.String("error", cw.err.Error()),
			)
		}

		return
	}

	name := cw.tmp.Name()

	closeErr := cw.tmp.Close()

	if cw.aborted || cw.err != nil || closeErr != nil {
		os.Remove(name)

		if cw.err != nil || closeErr != nil {
			cw.cache.logger.Warn("derivative cache write failed",
				slog.String("artifact", cw.artifact),
				slog.String("error", errors.Join(cw.err, closeErr).Error()),
			)
		}

		return
	}

	if err := os.Rename(name, cw.artifact); err != nil {
		os.Remove(name)
		cw.cache.logger.Warn("derivative cache commit failed",
			slog.String("artifact", cw.artifact),
			slog.String("error", err.Error()),
		)
	}
}
