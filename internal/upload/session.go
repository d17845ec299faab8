package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/filebarn/filebarn/internal/drive"
)

const (
	metaFileName   = "meta.json"
	partFilePrefix = "part_"
	mergedFileName = "merged"
)

// sessionMeta is the metadata record persisted as meta.json inside the
// session directory when chunk 0 arrives. It is the only state the
// coordinator keeps between requests.
type sessionMeta struct {
	Owner       string `json:"owner"`
	AccountID   string `json:"accountId,omitempty"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	FolderID    string `json:"folderId,omitempty"`
	TotalChunks int    `json:"totalChunks"`
}

func (c *Coordinator) sessionDir(sessionID string) string {
	return filepath.Join(c.uploadsRoot, sessionID)
}

func partPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", partFilePrefix, index))
}

// writeMeta persists the session metadata atomically (temp file + rename).
func writeMeta(dir string, meta *sessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("upload: encoding session metadata: %w", err)
	}

	tmp := filepath.Join(dir, metaFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("upload: writing session metadata: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(dir, metaFileName)); err != nil {
		return fmt.Errorf("upload: committing session metadata: %w", err)
	}

	return nil
}

// readMeta loads the session metadata. A missing session directory or meta
// file maps to ErrNotFound, which covers both unknown and expired ids.
func readMeta(dir string) (*sessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, drive.NotFoundf("upload session not found")
		}

		return nil, fmt.Errorf("upload: reading session metadata: %w", err)
	}

	var meta sessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("upload: decoding session metadata: %w", err)
	}

	return &meta, nil
}

// countParts counts the committed part files received so far. In-flight
// temp files (part_<i>.tmp) do not count until their rename lands.
func countParts(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, drive.NotFoundf("upload session not found")
		}

		return 0, fmt.Errorf("upload: listing session directory: %w", err)
	}

	var n int

	for _, e := range entries {
		if !e.IsDir() && isPartName(e.Name()) {
			n++
		}
	}

	return n, nil
}

// isPartName reports whether name is exactly part_<digits>.
func isPartName(name string) bool {
	suffix, ok := strings.CutPrefix(name, partFilePrefix)
	if !ok || suffix == "" {
		return false
	}

	for _, r := range suffix {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
