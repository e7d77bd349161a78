package throttle

import (
	"context"
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDBStore persists records in an embedded LevelDB database. Suitable as
// the default single-instance backend; use PostgresStore when running more
// than one replica.
type LevelDBStore struct {
	db *leveldb.DB
	// LevelDB has no native compare-and-set, so SetIfAbsent serializes
	// through this mutex. The database is owned by a single process.
	mu sync.Mutex
}

func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBStore) Get(_ context.Context, key string) (string, bool, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (s *LevelDBStore) Set(_ context.Context, key, value string) error {
	return s.db.Put([]byte(key), []byte(value), nil)
}

func (s *LevelDBStore) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has([]byte(key), nil)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	if err := s.db.Put([]byte(key), []byte(value), nil); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), nil)
}
