// Package session persists resumable upload sessions so that a later run of
// the uploader can pick up a partially transferred file instead of starting
// over.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Repository.Get when no session is stored under
// the given key.
var ErrNotFound = errors.New("upload session not found")

// Repository stores the server-issued upload id of an in-progress session,
// keyed by the session key derived from the file's identity. Implementations
// must be safe for concurrent use.
type Repository interface {
	// Get returns the upload id stored under key, or ErrNotFound.
	Get(key string) (string, error)

	// Put stores the upload id under key, replacing any previous value.
	Put(key string, uploadID string) error

	// Remove deletes the session under key. Removing a missing key is not an
	// error.
	Remove(key string) error
}

// Key derives the session key for a file from its name and total byte size.
// The derivation is deterministic so a reloaded client finds its own
// half-finished upload again. It is an identity heuristic, not a content
// hash: two different files with the same name and size map to the same key.
func Key(filename string, totalSize int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", filename, totalSize)))
	return hex.EncodeToString(sum[:])
}
