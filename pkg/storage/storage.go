// Package storage persists encoded state tokens in a simple string key-value
// store.
package storage

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Well-known keys.
const (
	KeyStatCounter          = "statcounter"
	KeyStatCounterTimestamp = "statcounterTimeStamp"
	KeyCustom               = "custom"

	// KeyLastSource names the source whose token was saved last.
	KeyLastSource = "lastSource"
)

// Store is a string-keyed, string-valued store with no expiry.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(keys ...string) error
}

// Reset removes every key the tool writes.
func Reset(store Store) error {
	if err := store.Delete(KeyStatCounter, KeyStatCounterTimestamp, KeyCustom, KeyLastSource); err != nil {
		return fmt.Errorf("resetting store: %w", err)
	}
	return nil
}

// SetTimestamp stores t as unix milliseconds under key.
func SetTimestamp(store Store, key string, t time.Time) error {
	return store.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// GetTimestamp reads a unix-milliseconds timestamp. A missing or unparsable
// value reports false.
func GetTimestamp(store Store, key string) (time.Time, bool, error) {
	value, ok, err := store.Get(key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(millis), true, nil
}

// MemoryStore keeps values in memory. Intended for tests and one-shot runs.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	value, ok := s.values[key]
	s.mu.RUnlock()
	return value, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(keys ...string) error {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.values, key)
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
