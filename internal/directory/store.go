package directory

import (
	"encoding/binary"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wavenet-mesh/wavenet/internal/crypto"
)

// MemoryStore is the default Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[int64]crypto.PublicKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[int64]crypto.PublicKey)}
}

func (s *MemoryStore) Put(id int64, key crypto.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[id]; ok {
		return ErrDuplicateID
	}
	s.keys[id] = key
	return nil
}

func (s *MemoryStore) Get(id int64) (crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return key, ErrUnknownID
	}
	return key, nil
}

func (s *MemoryStore) Len() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys), nil
}

func (s *MemoryStore) IDs() ([]int64, error) {
	s.mu.RLock()
	ids := make([]int64, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }

var bucketKeys = []byte("keys")

// BoltStore keeps the directory in a bbolt scratch file, for hubs whose
// membership should not live on the heap. The file is truncated on open
// and removed on close, so it never carries state across restarts.
type BoltStore struct {
	path string
	db   *bolt.DB
}

// OpenBolt creates a fresh store at path, discarding any previous file.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{path: path, db: db}, nil
}

func idKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func (s *BoltStore) Put(id int64, key crypto.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeys)
		k := idKey(id)
		if bkt.Get(k) != nil {
			return ErrDuplicateID
		}
		return bkt.Put(k, key[:])
	})
}

func (s *BoltStore) Get(id int64) (crypto.PublicKey, error) {
	var key crypto.PublicKey
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeys).Get(idKey(id))
		if v == nil {
			return ErrUnknownID
		}
		copy(key[:], v)
		return nil
	})
	return key, err
}

func (s *BoltStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketKeys).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) IDs() ([]int64, error) {
	var ids []int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, _ []byte) error {
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, err
}

func (s *BoltStore) Close() error {
	err := s.db.Close()
	if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
