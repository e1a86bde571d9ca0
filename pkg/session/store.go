package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/burrowfs/burrow/pkg/types"
)

// ErrSessionExpired indicates a lookup for a session whose record is
// gone, either reaped or never created.
var ErrSessionExpired = errors.New("session expired or unknown")

var bucketSessions = []byte("sessions")

// Store persists session records in a per-worker BoltDB file.
type Store struct {
	db   *bolt.DB
	path string
}

// StorePath returns the session store location for a worker identity:
// <root>/workers/<worker-id>/sessions.db. The path is deterministic so a
// restarted worker with the same identity finds its previous sessions.
func StorePath(root string, id types.WorkerID) string {
	return filepath.Join(root, "workers", id.String(), "sessions.db")
}

// Open opens (creating if needed) the session store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create session store dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSessions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the store's file location.
func (s *Store) Path() string {
	return s.path
}

// Put writes or replaces a session record.
func (s *Store) Put(sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.ID), data)
	})
}

// Get reads a session record by id. Returns ErrSessionExpired if no
// record exists.
func (s *Store) Get(id string) (*types.Session, error) {
	var sess *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(id))
		if data == nil {
			return ErrSessionExpired
		}
		sess = &types.Session{}
		return json.Unmarshal(data, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(id))
	})
}

// List returns all persisted session records.
func (s *Store) List() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			sess := &types.Session{}
			if err := json.Unmarshal(v, sess); err != nil {
				return err
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	return sessions, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
