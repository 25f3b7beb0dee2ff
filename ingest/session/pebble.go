package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// storedSession is the JSON value written to the database. The timestamp is
// kept so stale sessions can be inspected or swept by operators.
type storedSession struct {
	UploadID  string    `json:"upload_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PebbleRepository stores sessions in an embedded Pebble database so they
// survive process restarts, the durability a resumable upload needs.
type PebbleRepository struct {
	db *pebble.DB
}

// OpenPebbleRepository opens (creating if needed) a Pebble database at dir.
// The caller owns the repository and must Close it.
func OpenPebbleRepository(dir string) (*PebbleRepository, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open session database at %s: %w", dir, err)
	}
	return &PebbleRepository{db: db}, nil
}

// Get returns the upload id stored under key, or ErrNotFound.
func (r *PebbleRepository) Get(key string) (string, error) {
	value, closer, err := r.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read session %s: %w", key, err)
	}
	defer closer.Close() //nolint:errcheck

	var stored storedSession
	if err := json.Unmarshal(value, &stored); err != nil {
		return "", fmt.Errorf("decode session %s: %w", key, err)
	}
	return stored.UploadID, nil
}

// Put stores the upload id under key with a synced write: a crash right
// after Put must not lose the session, or resume breaks.
func (r *PebbleRepository) Put(key string, uploadID string) error {
	value, err := json.Marshal(storedSession{
		UploadID:  uploadID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode session %s: %w", key, err)
	}

	if err := r.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("write session %s: %w", key, err)
	}
	return nil
}

// Remove deletes the session under key. Deleting a missing key is a no-op.
func (r *PebbleRepository) Remove(key string) error {
	if err := r.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database.
func (r *PebbleRepository) Close() error {
	return r.db.Close()
}
