package cache

import (
	"bytes"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var entryPrefix = []byte("e:")

// LevelDBCache keeps entries in a LevelDB database directory.
type LevelDBCache struct {
	db *leveldb.DB
}

func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, ioFailure("open", path, err)
	}
	return &LevelDBCache{db: db}, nil
}

func entryKey(key string) []byte {
	return append(append([]byte(nil), entryPrefix...), key...)
}

func (l *LevelDBCache) Read(key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, ioFailure("read", key, err)
	}
	return b, true, nil
}

func (l *LevelDBCache) Write(key string, b []byte) error {
	if err := l.db.Put(entryKey(key), b, nil); err != nil {
		return ioFailure("write", key, err)
	}
	return nil
}

func (l *LevelDBCache) Delete(key string) error {
	if err := l.db.Delete(entryKey(key), nil); err != nil {
		return ioFailure("delete", key, err)
	}
	return nil
}

func (l *LevelDBCache) Keys(cb func(string)) error {
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix), nil)
	defer it.Release()
	for it.Next() {
		cb(string(bytes.TrimPrefix(it.Key(), entryPrefix)))
	}
	if err := it.Error(); err != nil {
		return ioFailure("keys", "", err)
	}
	return nil
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
