// Package store persists room snapshots in an embedded bbolt database.
// Only explicit saves are durable; live occupancy never touches disk.
package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"

	"github.com/allov/coedit/internal/core"
	"github.com/allov/coedit/internal/domain"
)

var bucketRooms = []byte("rooms")

type BoltStore struct {
	db *bolt.DB
}

func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRooms)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create rooms bucket")
	}
	log.Info().Str("module", "store").Str("path", path).Msg("store opened")
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func key(owner string, name domain.RoomName) []byte {
	return []byte(domain.MakeRoomID(owner, name))
}

func (s *BoltStore) Save(ctx context.Context, stored domain.StoredRoom) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "marshal stored room")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Put(key(stored.Owner, stored.Name), b)
	})
}

func (s *BoltStore) Load(ctx context.Context, owner string, name domain.RoomName) (domain.StoredRoom, error) {
	var stored domain.StoredRoom
	if err := ctx.Err(); err != nil {
		return stored, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRooms).Get(key(owner, name))
		if b == nil {
			return errors.Wrapf(core.ErrRoomNotFound, "stored room %q", domain.MakeRoomID(owner, name))
		}
		return json.Unmarshal(b, &stored)
	})
	return stored, err
}

// List returns every stored room owned by owner, scanning the id prefix.
func (s *BoltStore) List(ctx context.Context, owner string) ([]domain.StoredRoom, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(owner + "/")
	var out []domain.StoredRoom
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRooms).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var stored domain.StoredRoom
			if err := json.Unmarshal(v, &stored); err != nil {
				return errors.Wrapf(err, "unmarshal stored room %q", k)
			}
			out = append(out, stored)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Delete(ctx context.Context, owner string, name domain.RoomName) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRooms).Delete(key(owner, name))
	})
}
