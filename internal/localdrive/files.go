package localdrive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"syscall"

	// Registered so image.DecodeConfig can read dimensions from the
	// formats the derivative pipeline accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// moveFile renames src to dest. Rename fails across filesystem boundaries
// (upload staging may live on a different device than the storage root), so
// EXDEV falls back to copy+delete with a size verification in between.
func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return err
	}

	return copyAndDelete(src, dest)
}

// copyAndDelete copies src to dest, verifies the byte counts agree, and
// removes the source only after the copy is proven complete.
func copyAndDelete(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating destination: %w", err)
	}

	written, copyErr := io.Copy(out, in)

	if closeErr := out.Close(); copyErr == nil {
		copyErr = closeErr
	}

	if copyErr != nil {
		os.Remove(dest)
		return fmt.Errorf("copying across devices: %w", copyErr)
	}

	if written != srcInfo.Size() {
		os.Remove(dest)
		return fmt.Errorf("cross-device copy wrote %d of %d bytes", written, srcInfo.Size())
	}

	return os.Remove(src)
}

// hashFile computes the hex sha256 of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// imageDimensions extracts width and height when the file is a decodable
// image. Non-images report ok=false and are not an error.
func imageDimensions(path string) (width, height int, ok bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, false
	}

	return cfg.Width, cfg.Height, true
}
