// Package identity persists the peer id of each bound port, so that a
// restarted server presents the same id to its peers.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/1ureka/udplink/internal/protocol"
)

var bucket = []byte("udp")

// Store is a bbolt-backed map from port to peer id.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func key(port int) []byte {
	return []byte(fmt.Sprintf("guid:%d", port))
}

// PeerID returns the id stored for port, generating and storing a new one
// on first use.
func (s *Store) PeerID(port int) (protocol.PeerID, error) {
	var id protocol.PeerID
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)

		if v := b.Get(key(port)); v != nil {
			parsed, err := protocol.ParsePeerID(string(v))
			if err == nil {
				id = parsed
				return nil
			}
			// fall through and replace the corrupt entry
		}

		id = protocol.NewPeerID()
		return b.Put(key(port), []byte(id.String()))
	})
	return id, err
}

// Forget removes the id stored for port.
func (s *Store) Forget(port int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete(key(port))
	})
}

// Ports returns every port with a stored id.
func (s *Store) Ports() (map[int]protocol.PeerID, error) {
	out := make(map[int]protocol.PeerID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var port int
			if _, err := fmt.Sscanf(string(k), "guid:%d", &port); err != nil {
				return nil
			}
			if id, err := protocol.ParsePeerID(string(v)); err == nil {
				out[port] = id
			}
			return nil
		})
	})
	return out, err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
