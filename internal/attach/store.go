// Package attach stores message attachments on the local filesystem
// under opaque, collision-free storage keys. Keys are random UUIDs
// plus the sanitized original extension, fully decoupled from the
// user-supplied filename, so neither path traversal nor name
// collisions are possible.
package attach

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/taskbridge/chat-app/internal/errs"
	"github.com/taskbridge/chat-app/internal/metrics"
)

// Store writes and serves attachment files under a single root
// directory.
type Store struct {
	root     string
	maxBytes int64
}

// NewStore creates an attachment store rooted at dir, creating the
// directory if needed. maxBytes caps the size of a single upload.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attach: create root %s: %w", dir, err)
	}
	return &Store{root: dir, maxBytes: maxBytes}, nil
}

// MaxBytes returns the configured upload size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save streams an upload to disk and returns its storage key. Uploads
// larger than the limit are rejected with ErrTooLarge. The file is
// written to a temp name and renamed into place, so a failed write
// never leaves a partial file under a valid key.
func (s *Store) Save(r io.Reader, originalName string) (string, error) {
	key := uuid.New().String() + sanitizeExt(originalName)

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("attach: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// One byte past the limit is enough to detect an oversized upload
	// without reading the whole stream.
	n, err := io.Copy(tmp, io.LimitReader(r, s.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("attach: write upload: %w", err)
	}
	if n > s.maxBytes {
		os.Remove(tmpName)
		return "", errs.Wrap(errs.ErrTooLarge, "attach: upload exceeds %d byte limit", s.maxBytes)
	}

	if err := os.Rename(tmpName, filepath.Join(s.root, key)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("attach: finalize upload: %w", err)
	}
	metrics.AttachmentBytes.Add(float64(n))
	return key, nil
}

// Open returns a reader for a stored attachment. The key is validated
// before any filesystem access; a key that does not map to a file
// fails with ErrNotFound.
func (s *Store) Open(key string) (*os.File, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, key))
	if os.IsNotExist(err) {
		return nil, errs.Wrap(errs.ErrNotFound, "attach: attachment %q", key)
	}
	if err != nil {
		return nil, fmt.Errorf("attach: open %q: %w", key, err)
	}
	return f, nil
}

// Delete removes a stored attachment. Best effort: a file that is
// already gone is not an error.
func (s *Store) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("attach: delete %q: %w", key, err)
	}
	return nil
}

// ValidateKey rejects anything that could escape the storage root:
// path separators, parent-directory sequences, and characters outside
// the generated key alphabet.
func ValidateKey(key string) error {
	if key == "" {
		return errs.Wrap(errs.ErrNotFound, "attach: empty storage key")
	}
	if strings.ContainsAny(key, "/\\") || strings.Contains(key, "..") {
		return errs.Wrap(errs.ErrNotFound, "attach: malformed storage key %q", key)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
		default:
			return errs.Wrap(errs.ErrNotFound, "attach: malformed storage key %q", key)
		}
	}
	return nil
}

// sanitizeExt extracts a safe file extension from the user-supplied
// name. Anything suspicious is dropped; the key works fine without an
// extension.
func sanitizeExt(originalName string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if ext == "." || len(ext) > 16 {
		return ""
	}
	for _, r := range ext {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.':
		default:
			return ""
		}
	}
	return ext
}
