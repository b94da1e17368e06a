package retention

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// BlobStore deletes stored artifact payloads by key. The metadata rows stay
// in the artifacts table; only the bytes live behind this interface.
type BlobStore interface {
	DeleteObject(ctx context.Context, key string) error
}

// HTTPBlobStore deletes objects through the storage gateway's S3-style
// DELETE endpoint. A 404 counts as success.
type HTTPBlobStore struct {
	base   string
	client *http.Client
}

func NewHTTPBlobStore(base string) *HTTPBlobStore {
	return &HTTPBlobStore{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPBlobStore) DeleteObject(ctx context.Context, key string) error {
	target := s.base + "/" + url.PathEscape(strings.TrimLeft(key, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to delete object %s: status %d", key, resp.StatusCode)
	}

	return nil
}

// FakeBlobStore is an in-memory BlobStore for tests. FailTimes makes the
// next N deletes error before succeeding.
type FakeBlobStore struct {
	mu        sync.Mutex
	deleted   []string
	FailTimes int
}

func NewFakeBlobStore() *FakeBlobStore {
	return &FakeBlobStore{}
}

func (s *FakeBlobStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailTimes > 0 {
		s.FailTimes--

		return fmt.Errorf("transient delete failure for %s", key)
	}

	s.deleted = append(s.deleted, key)

	return nil
}

// Deleted returns the keys removed so far.
func (s *FakeBlobStore) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.deleted...)
}
