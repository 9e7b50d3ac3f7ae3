package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内缓存，maxBytes 为正文总字节上限（0 表示不限制）。
func NewMemoryStore(maxBytes int64) Store {
	return &memoryStore{
		maxBytes: maxBytes,
		caches:   make(map[string]map[string]memoryItem),
	}
}

type memoryItem struct {
	rec  record
	body []byte
}

type memoryStore struct {
	mu       sync.RWMutex
	maxBytes int64
	usage    int64
	caches   map[string]map[string]memoryItem
}

func (s *memoryStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.caches[locator.CacheName][locator.Key]
	if !ok {
		return nil, ErrNotFound
	}
	return item.rec.entry(locator, append([]byte(nil), item.body...)), nil
}

func (s *memoryStore) Put(ctx context.Context, locator Locator, resp *Response, opts PutOptions) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("response required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec := newRecord(locator.Key, resp, opts.StoredAt)
	body := append([]byte(nil), resp.Body...)

	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.caches[locator.CacheName]
	if bucket == nil {
		bucket = make(map[string]memoryItem)
		s.caches[locator.CacheName] = bucket
	}
	delta := int64(len(body)) - int64(len(bucket[locator.Key].body))
	if delta > 0 && s.maxBytes > 0 && s.usage+delta > s.maxBytes {
		return nil, ErrQuotaExceeded
	}
	s.usage += delta
	bucket[locator.Key] = memoryItem{rec: rec, body: body}
	return rec.entry(locator, append([]byte(nil), body...)), nil
}

func (s *memoryStore) Remove(ctx context.Context, locator Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.caches[locator.CacheName]
	if item, ok := bucket[locator.Key]; ok {
		s.usage -= int64(len(item.body))
		delete(bucket, locator.Key)
	}
	return nil
}

func (s *memoryStore) Keys(ctx context.Context, cacheName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket := s.caches[cacheName]
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Drop(ctx context.Context, cacheName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.caches[cacheName] {
		s.usage -= int64(len(item.body))
	}
	delete(s.caches, cacheName)
	return nil
}
