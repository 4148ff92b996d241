// Package store provides a small file-backed key-value store with a
// write-through in-memory cache. It backs the two pieces of state that must
// survive a daemon restart: persisted permission decisions and the
// header-rule id counter. Everything else in the daemon is ephemeral.
package store

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a bucket/key JSON store rooted at a directory.
type Store struct {
	dir    string
	cache  sync.Map // "bucket/escapedKey" -> []byte (encoded value)
	mu     sync.Mutex
	closed bool
}

// Open creates the root directory if needed and returns a store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Put serializes v and writes it through cache and disk.
func (s *Store) Put(bucket, key string, v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", bucket, key, err)
	}

	path := s.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write %s/%s: %w", bucket, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: write %s/%s: %w", bucket, key, err)
	}

	s.cache.Store(s.cacheKey(bucket, key), data)
	return nil
}

// Get loads a value into out. The second return is false when the key does
// not exist.
func (s *Store) Get(bucket, key string, out interface{}) (bool, error) {
	ck := s.cacheKey(bucket, key)
	if data, ok := s.cache.Load(ck); ok {
		return true, sonic.Unmarshal(data.([]byte), out)
	}

	data, err := os.ReadFile(s.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: read %s/%s: %w", bucket, key, err)
	}

	s.cache.Store(ck, data)
	return true, sonic.Unmarshal(data, out)
}

// Delete removes a key from cache and disk. Missing keys are not an error.
func (s *Store) Delete(bucket, key string) error {
	s.cache.Delete(s.cacheKey(bucket, key))
	err := os.Remove(s.path(bucket, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Keys lists the keys present in a bucket (disk is authoritative).
func (s *Store) Keys(bucket string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, escape(bucket)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list %s: %w", bucket, err)
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if name == e.Name() {
			continue
		}
		key, err := url.PathUnescape(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeletePrefix removes every key in a bucket with the given prefix.
// Used to drop all decisions for one script.
func (s *Store) DeletePrefix(bucket, prefix string) (int, error) {
	keys, err := s.Keys(bucket)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := s.Delete(bucket, key); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// Close flushes nothing (writes are synchronous) but blocks further writes.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) path(bucket, key string) string {
	return filepath.Join(s.dir, escape(bucket), escape(key)+".json")
}

func (s *Store) cacheKey(bucket, key string) string {
	return escape(bucket) + "/" + escape(key)
}

// escape makes arbitrary keys (hosts, scriptId:kind:value triples)
// filesystem-safe.
func escape(segment string) string {
	return url.PathEscape(segment)
}
