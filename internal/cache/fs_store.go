package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

const (
	entrySuffix = ".entry"

	// frameHeaderSize 为条目文件开头记录元数据长度的字节数。
	frameHeaderSize = 4

	encodingBrotli = "br"
)

// FileOptions 控制磁盘后端的配额与正文压缩。
type FileOptions struct {
	// MaxBytes 为正文文件占用的字节上限，0 表示不限制。
	MaxBytes int64
	Compress bool
}

// NewFileStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFileStore(basePath string, opts FileOptions) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	store := &fileStore{
		basePath: abs,
		opts:     opts,
		locks:    make(map[string]*entryLock),
	}
	usage, err := store.diskUsage(abs)
	if err != nil {
		return nil, fmt.Errorf("scan storage path: %w", err)
	}
	store.usage = usage
	return store, nil
}

// fileStore 把元数据与正文写入同一个条目文件，一次 rename 完成替换，
// 读方只会看到完整的旧条目或新条目。entryLock 串行化同一 Locator 的写入。
type fileStore struct {
	basePath string
	opts     FileOptions

	mu    sync.Mutex
	locks map[string]*entryLock

	usageMu sync.Mutex
	usage   int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Get(ctx context.Context, locator Locator) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateLocator(locator); err != nil {
		return nil, err
	}

	rec, raw, err := readEntryFile(s.entryPath(locator))
	if err != nil {
		return nil, err
	}
	if rec.Key != locator.Key {
		return nil, ErrNotFound
	}

	body, err := decodeBody(raw, rec.Encoding)
	if err != nil {
		return nil, fmt.Errorf("decode cached body: %w", err)
	}
	return rec.entry(locator, body), nil
}

func (s *fileStore) Put(ctx context.Context, locator Locator, resp *Response, opts PutOptions) (*Entry, error) {
	if err := validateLocator(locator); err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("response required")
	}

	unlock := s.lockEntry(locator)
	defer unlock()

	entryPath := s.entryPath(locator)
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return nil, err
	}

	rec := newRecord(locator.Key, resp, opts.StoredAt)
	encoded := resp.Body
	if s.opts.Compress {
		compressed, err := encodeBrotli(resp.Body)
		if err != nil {
			return nil, err
		}
		encoded = compressed
		rec.Encoding = encodingBrotli
	}
	frame, err := encodeFrame(rec, encoded)
	if err != nil {
		return nil, err
	}

	delta := int64(len(encoded)) - storedBodySize(entryPath)
	if err := s.reserve(delta); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(ctx, entryPath, frame); err != nil {
		s.reserve(-delta)
		return nil, err
	}

	return rec.entry(locator, append([]byte(nil), resp.Body...)), nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	entryPath := s.entryPath(locator)
	size := storedBodySize(entryPath)
	if err := os.Remove(entryPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.reserve(-size)
	return nil
}

func (s *fileStore) Keys(ctx context.Context, cacheName string) ([]string, error) {
	root := s.cacheDir(cacheName)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, entrySuffix) {
			return nil
		}
		rec, _, err := readEntryHeader(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		keys = append(keys, rec.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *fileStore) Drop(ctx context.Context, cacheName string) error {
	root := s.cacheDir(cacheName)
	size, err := s.diskUsage(root)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(root); err != nil {
		return err
	}
	s.reserve(-size)
	return nil
}

// reserve 调整已用字节数；delta 为正且超出配额时拒绝写入。
func (s *fileStore) reserve(delta int64) error {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	if delta > 0 && s.opts.MaxBytes > 0 && s.usage+delta > s.opts.MaxBytes {
		return ErrQuotaExceeded
	}
	s.usage += delta
	if s.usage < 0 {
		s.usage = 0
	}
	return nil
}

func (s *fileStore) diskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, entrySuffix) {
			return nil
		}
		total += storedBodySize(p)
		return nil
	})
	return total, err
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locatorKey(locator)
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) cacheDir(cacheName string) string {
	return filepath.Join(s.basePath, url.PathEscape(cacheName))
}

func (s *fileStore) entryPath(locator Locator) string {
	sum := sha256.Sum256([]byte(locator.Key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.cacheDir(locator.CacheName), name[:2], name) + entrySuffix
}

// encodeFrame 生成条目文件内容：4 字节大端元数据长度、元数据 JSON、正文。
func encodeFrame(rec record, body []byte) ([]byte, error) {
	meta, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(meta)+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(meta)))
	frame = append(frame, meta...)
	return append(frame, body...), nil
}

func decodeFrame(path string, raw []byte) (record, []byte, error) {
	if len(raw) < frameHeaderSize {
		return record{}, nil, fmt.Errorf("cache entry %s truncated", path)
	}
	metaLen := int(binary.BigEndian.Uint32(raw))
	if len(raw) < frameHeaderSize+metaLen {
		return record{}, nil, fmt.Errorf("cache entry %s truncated", path)
	}
	var rec record
	if err := json.Unmarshal(raw[frameHeaderSize:frameHeaderSize+metaLen], &rec); err != nil {
		return record{}, nil, fmt.Errorf("decode cache metadata %s: %w", path, err)
	}
	return rec, raw[frameHeaderSize+metaLen:], nil
}

func readEntryFile(path string) (record, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record{}, nil, ErrNotFound
		}
		return record{}, nil, err
	}
	return decodeFrame(path, raw)
}

// readEntryHeader 只读取元数据，返回记录和磁盘上正文的字节数。
func readEntryHeader(path string) (record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return record{}, 0, ErrNotFound
		}
		return record{}, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return record{}, 0, err
	}
	var prefix [frameHeaderSize]byte
	if _, err := io.ReadFull(f, prefix[:]); err != nil {
		return record{}, 0, fmt.Errorf("cache entry %s truncated: %w", path, err)
	}
	metaLen := int64(binary.BigEndian.Uint32(prefix[:]))
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(f, meta); err != nil {
		return record{}, 0, fmt.Errorf("cache entry %s truncated: %w", path, err)
	}
	var rec record
	if err := json.Unmarshal(meta, &rec); err != nil {
		return record{}, 0, fmt.Errorf("decode cache metadata %s: %w", path, err)
	}
	return rec, info.Size() - frameHeaderSize - metaLen, nil
}

// storedBodySize 返回条目正文在磁盘上的字节数，条目缺失或损坏时为 0。
func storedBodySize(path string) int64 {
	_, size, err := readEntryHeader(path)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

func writeFileAtomic(ctx context.Context, target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, bytes.NewReader(data))
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func encodeBrotli(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBody(raw []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return raw, nil
	case encodingBrotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	default:
		return nil, fmt.Errorf("unknown body encoding %q", encoding)
	}
}

func locatorKey(locator Locator) string {
	return locator.CacheName + "::" + locator.Key
}
