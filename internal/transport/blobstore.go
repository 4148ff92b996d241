package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/shared/id"
)

// Payloads at or above this size are gzipped on disk.
const compressThreshold = 256 << 10

// ErrBlobNotFound reports a missing or expired blob reference.
var ErrBlobNotFound = errors.New("transport: blob not found")

// BlobInfo is the metadata stored alongside a blob.
type BlobInfo struct {
	ContentType string
	Name        string
	ModTime     time.Time
	Size        int64
}

type blobEntry struct {
	info       BlobInfo
	path       string
	compressed bool
	createdAt  time.Time
}

// BlobStore holds out-of-band payloads on disk for the envelope codec.
// Entries are temporary: released explicitly when a request settles, or
// swept once their TTL expires.
type BlobStore struct {
	dir    string
	ttl    time.Duration
	logger *logging.Logger

	mu      sync.Mutex
	entries map[string]*blobEntry

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// NewBlobStore creates a store rooted at dir.
func NewBlobStore(dir string, ttl time.Duration, logger *logging.Logger) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transport: create blob dir: %w", err)
	}
	return &BlobStore{
		dir:       dir,
		ttl:       ttl,
		logger:    logger,
		entries:   make(map[string]*blobEntry),
		sweepDone: make(chan struct{}),
	}, nil
}

// Put stores a payload and returns its reference. An empty content type is
// sniffed from the payload bytes.
func (s *BlobStore) Put(data []byte, contentType, name string, modTime time.Time) (string, error) {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	ref := id.NewBlobID().String()
	path := filepath.Join(s.dir, ref)

	compressed := len(data) >= compressThreshold
	if err := writeBlobFile(path, data, compressed); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[ref] = &blobEntry{
		info: BlobInfo{
			ContentType: contentType,
			Name:        name,
			ModTime:     modTime,
			Size:        int64(len(data)),
		},
		path:       path,
		compressed: compressed,
		createdAt:  time.Now(),
	}
	s.mu.Unlock()
	return ref, nil
}

// Get returns the payload and metadata for a reference.
func (s *BlobStore) Get(ref string) ([]byte, *BlobInfo, error) {
	s.mu.Lock()
	entry, ok := s.entries[ref]
	s.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}

	data, err := readBlobFile(entry.path, entry.compressed)
	if err != nil {
		return nil, nil, err
	}
	info := entry.info
	return data, &info, nil
}

// Release deletes a blob. Unknown references are ignored.
func (s *BlobStore) Release(ref string) {
	s.mu.Lock()
	entry, ok := s.entries[ref]
	delete(s.entries, ref)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Remove(entry.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("blob removal failed", zap.String("ref", ref), zap.Error(err))
	}
}

// Sweep removes every entry older than the TTL and returns how many.
func (s *BlobStore) Sweep(now time.Time) int {
	s.mu.Lock()
	var expired []string
	for ref, entry := range s.entries {
		if now.Sub(entry.createdAt) > s.ttl {
			expired = append(expired, ref)
		}
	}
	s.mu.Unlock()

	for _, ref := range expired {
		s.Release(ref)
	}
	if len(expired) > 0 {
		s.logger.Debug("blob sweep", zap.Int("expired", len(expired)))
	}
	return len(expired)
}

// StartSweeper runs periodic sweeps until Close.
func (s *BlobStore) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.Sweep(now)
			case <-s.sweepDone:
				return
			}
		}
	}()
}

// Close stops the sweeper and deletes every remaining blob.
func (s *BlobStore) Close() {
	s.sweepOnce.Do(func() { close(s.sweepDone) })

	s.mu.Lock()
	refs := make([]string, 0, len(s.entries))
	for ref := range s.entries {
		refs = append(refs, ref)
	}
	s.mu.Unlock()

	for _, ref := range refs {
		s.Release(ref)
	}
}

func writeBlobFile(path string, data []byte, compressed bool) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("transport: create blob file: %w", err)
	}
	defer f.Close()

	if !compressed {
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("transport: write blob: %w", err)
		}
		return nil
	}

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("transport: write blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("transport: write blob: %w", err)
	}
	return nil
}

func readBlobFile(path string, compressed bool) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transport: open blob: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("transport: read blob: %w", err)
		}
		defer gz.Close()
		r = gz
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("transport: read blob: %w", err)
	}
	return data, nil
}
