package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrNotFound is returned when no blob is stored under a key.
var ErrNotFound = errors.New("blob not found")

// Storage defines the interface for blob storage. Keys are opaque
// slash-separated handles such as "<tenantID>/<assetID>/<filename>".
type Storage interface {
	// Put writes data under key and returns the number of bytes written.
	// size may be -1 when unknown.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (int64, error)

	// Get returns a ReadCloser for the stored blob.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
}

// validateKey rejects keys that could escape the storage root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || strings.ContainsRune(key, 0) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}

// DeleteAll removes every key, returning the joined errors of the failures.
func DeleteAll(ctx context.Context, s Storage, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
