package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestStorePutAndGet(t *testing.T) {
	store := newTestStore(t, FileOptions{})
	locator := Locator{CacheName: "precache-v2", Key: "http://app.local/index.html?__swgate_rev=v1"}

	storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	resp := NewResponse(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte("payload"))
	resp.URL = "http://app.local/index.html"
	if _, err := store.Put(context.Background(), locator, resp, PutOptions{StoredAt: storedAt}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	entry, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if string(entry.Response.Body) != "payload" {
		t.Fatalf("cached payload mismatch: %s", string(entry.Response.Body))
	}
	if entry.SizeBytes != int64(len("payload")) {
		t.Fatalf("size mismatch: %d", entry.SizeBytes)
	}
	if !entry.StoredAt.Equal(storedAt) {
		t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, entry.StoredAt)
	}
	if got := entry.Response.Header.Get("Content-Type"); got != "text/html" {
		t.Fatalf("header mismatch: %s", got)
	}
	if entry.Response.URL != resp.URL {
		t.Fatalf("url mismatch: %s", entry.Response.URL)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t, FileOptions{})
	_, err := store.Get(context.Background(), Locator{CacheName: "runtime", Key: "http://app.local/missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRemove(t *testing.T) {
	store := newTestStore(t, FileOptions{})
	locator := Locator{CacheName: "runtime", Key: "http://app.local/remove"}
	if _, err := store.Put(context.Background(), locator, NewResponse(200, nil, []byte("data")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Get(context.Background(), locator); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if err := store.Remove(context.Background(), locator); err != nil {
		t.Fatalf("removing a missing entry should not fail: %v", err)
	}
}

func TestStoreKeysAndDrop(t *testing.T) {
	store := newTestStore(t, FileOptions{})
	ctx := context.Background()
	for _, key := range []string{"http://app.local/b", "http://app.local/a", "http://app.local/c"} {
		if _, err := store.Put(ctx, Locator{CacheName: "gen", Key: key}, NewResponse(200, nil, []byte(key)), PutOptions{}); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	if _, err := store.Put(ctx, Locator{CacheName: "other", Key: "http://app.local/x"}, NewResponse(200, nil, nil), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	keys, err := store.Keys(ctx, "gen")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if strings.Join(keys, ",") != "http://app.local/a,http://app.local/b,http://app.local/c" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := store.Drop(ctx, "gen"); err != nil {
		t.Fatalf("drop error: %v", err)
	}
	keys, _ = store.Keys(ctx, "gen")
	if len(keys) != 0 {
		t.Fatalf("expected empty cache after drop, got %v", keys)
	}
	keys, _ = store.Keys(ctx, "other")
	if len(keys) != 1 {
		t.Fatalf("drop should not touch other caches, got %v", keys)
	}
}

func TestStoreQuotaExceeded(t *testing.T) {
	store := newTestStore(t, FileOptions{MaxBytes: 8})
	ctx := context.Background()
	first := Locator{CacheName: "gen", Key: "http://app.local/one"}
	if _, err := store.Put(ctx, first, NewResponse(200, nil, []byte("12345")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	_, err := store.Put(ctx, Locator{CacheName: "gen", Key: "http://app.local/two"}, NewResponse(200, nil, []byte("12345")), PutOptions{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// 覆盖同一 key 只计算差值。
	if _, err := store.Put(ctx, first, NewResponse(200, nil, []byte("1234567")), PutOptions{}); err != nil {
		t.Fatalf("overwrite within quota should succeed: %v", err)
	}
	if err := store.Remove(ctx, first); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := store.Put(ctx, Locator{CacheName: "gen", Key: "http://app.local/two"}, NewResponse(200, nil, []byte("12345")), PutOptions{}); err != nil {
		t.Fatalf("quota should be released after remove: %v", err)
	}
}

func TestStoreCompressedBodies(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, FileOptions{Compress: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	payload := bytes.Repeat([]byte("compress me "), 512)
	locator := Locator{CacheName: "gen", Key: "http://app.local/big.js"}
	if _, err := store.Put(context.Background(), locator, NewResponse(200, nil, payload), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	rec, raw, err := readEntryFile(store.(*fileStore).entryPath(locator))
	if err != nil {
		t.Fatalf("read entry file: %v", err)
	}
	if rec.Encoding != encodingBrotli || len(raw) >= len(payload) {
		t.Fatalf("expected compressed body on disk, got %d bytes (%q)", len(raw), rec.Encoding)
	}

	entry, err := store.Get(context.Background(), locator)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if !bytes.Equal(entry.Response.Body, payload) {
		t.Fatalf("decompressed body mismatch")
	}
}

func TestStoreReopenKeepsUsage(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, FileOptions{MaxBytes: 6})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := store.Put(context.Background(), Locator{CacheName: "gen", Key: "k1"}, NewResponse(200, nil, []byte("12345")), PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	reopened, err := NewFileStore(dir, FileOptions{MaxBytes: 6})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	_, err = reopened.Put(context.Background(), Locator{CacheName: "gen", Key: "k2"}, NewResponse(200, nil, []byte("12345")), PutOptions{})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("usage should survive reopen, got %v", err)
	}
}

func TestStoreConcurrentPutGetNeverMixesVersions(t *testing.T) {
	store := newTestStore(t, FileOptions{})
	ctx := context.Background()
	locator := Locator{CacheName: "runtime", Key: "http://app.local/swap.js"}

	versions := []*Response{
		NewResponse(http.StatusOK, http.Header{"X-V": {"a"}}, bytes.Repeat([]byte("a"), 4096)),
		NewResponse(http.StatusCreated, http.Header{"X-V": {"b"}}, bytes.Repeat([]byte("b"), 2048)),
	}
	if _, err := store.Put(ctx, locator, versions[0], PutOptions{}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	done := make(chan struct{})
	writeErr := make(chan error, 1)
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			if _, err := store.Put(ctx, locator, versions[i%2], PutOptions{}); err != nil {
				writeErr <- err
				return
			}
		}
	}()

	reads := 0
	for {
		select {
		case <-done:
			select {
			case err := <-writeErr:
				t.Fatalf("put error: %v", err)
			default:
			}
			if reads == 0 {
				t.Fatalf("expected at least one read")
			}
			return
		default:
		}
		entry, err := store.Get(ctx, locator)
		if err != nil {
			t.Fatalf("get error during concurrent writes: %v", err)
		}
		reads++
		resp := entry.Response
		want := "a"
		status := http.StatusOK
		if resp.Header.Get("X-V") == "b" {
			want = "b"
			status = http.StatusCreated
		}
		if resp.StatusCode != status || len(resp.Body) == 0 || string(resp.Body[:1]) != want ||
			entry.SizeBytes != int64(len(resp.Body)) {
			t.Fatalf("torn entry: header=%s status=%d body_len=%d size=%d",
				resp.Header.Get("X-V"), resp.StatusCode, len(resp.Body), entry.SizeBytes)
		}
	}
}

// newTestStore returns a Store backed by a temporary directory.
func newTestStore(t *testing.T, opts FileOptions) Store {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}
