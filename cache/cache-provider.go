package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrIOFailure is matched by every storage error returned by a CacheProvider.
var ErrIOFailure = errors.New("cache i/o failure")

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which are raw HTTP responses,
// addressed by a cache location such as "example.com/default".
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Read returns the stored bytes for the given key.
	// The boolean is false if there is no entry; this is not an error.
	Read(key string) ([]byte, bool, error)
	// Write stores the bytes under the given key, replacing any existing entry.
	Write(key string, bytes []byte) error
	// Delete removes the entry for the given key.
	// Deleting a key that is not stored is not an error.
	Delete(key string) error
	// Keys calls the given callback for each stored key.
	Keys(cb func(string)) error
	// Close releases the resources held by the provider.
	Close() error
}

// IOError records a failed storage operation.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIOFailure) hold for every IOError.
func (e *IOError) Is(target error) bool { return target == ErrIOFailure }

func ioFailure(op, key string, err error) error {
	return &IOError{Op: op, Key: key, Err: err}
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string][]byte),
	}
}

func (m MemCache) Read(key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry...), true, nil
}

func (m MemCache) Write(key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = append([]byte(nil), bytes...)
	return nil
}

func (m MemCache) Delete(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) Keys(cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}
