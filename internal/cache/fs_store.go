package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	entryPrefix = "---TRUVISTA-ENTRY---\n"
	entrySuffix = ".entry"
)

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，布局为：
//
//	<basePath>/<store>/<sha256(key)>.entry
//
// 每个条目文件由三部分组成：前缀行、JSON 元数据行（key、序号、类型、状态码）、
// 以及 HTTP/1.1 响应报文。序号单调递增，用于还原写入顺序。
func NewFileStorage(basePath string) (Storage, error) {
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

	return &fileStorage{
		basePath: abs,
		stores:   make(map[string]*fileStore),
	}, nil
}

type fileStorage struct {
	basePath string

	mu     sync.Mutex
	stores map[string]*fileStore
	closed bool
}

// fileStore 通过 entryLock 避免同一 key 并发写入；life 读锁覆盖条目级操作，
// 整仓删除时持有写锁，保证 RemoveAll 期间没有新文件落盘。
type fileStore struct {
	name string
	dir  string
	seq  atomic.Uint64

	life    sync.RWMutex
	deleted bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key      string       `json:"key"`
	Seq      uint64       `json:"seq"`
	Type     ResponseType `json:"type"`
	Status   int          `json:"status"`
	StoredAt time.Time    `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStorageClosed
	}
	if store, ok := s.stores[name]; ok {
		return store, nil
	}

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	store := &fileStore{
		name:  name,
		dir:   dir,
		locks: make(map[string]*entryLock),
	}
	metas, err := store.readMetas()
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		if meta.Seq > store.seq.Load() {
			store.seq.Store(meta.Seq)
		}
	}
	s.stores[name] = store
	return store, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.basePath, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	if err := validateName(name); err != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStorageClosed
	}

	dir := filepath.Join(s.basePath, name)
	if store, ok := s.stores[name]; ok {
		delete(s.stores, name)
		store.life.Lock()
		defer store.life.Unlock()
		store.deleted = true
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove store dir: %w", err)
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (s *fileStorage) Match(ctx context.Context, key string) (*Response, error) {
	return matchAcross(ctx, s, key)
}

func (s *fileStorage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (f *fileStore) Name() string {
	return f.name
}

func (f *fileStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	f.life.RLock()
	defer f.life.RUnlock()
	if f.deleted {
		return nil, ErrNotFound
	}

	path := f.entryPath(key)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	meta, resp, err := decodeEntry(data)
	if err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (f *fileStore) Put(ctx context.Context, key string, resp *Response) error {
	if key == "" {
		return ErrInvalidKey
	}
	unlock := f.lockEntry(key)
	defer unlock()

	f.life.RLock()
	defer f.life.RUnlock()
	if f.deleted {
		return ErrStoreDeleted
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta := entryMeta{
		Key:      key,
		Seq:      f.seq.Add(1),
		Type:     resp.Type,
		Status:   resp.Status,
		StoredAt: storedAt,
	}
	data, err := encodeEntry(meta, resp)
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(f.dir, ".cache-*")
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

	if err := os.Rename(tempName, f.entryPath(key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (f *fileStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	unlock := f.lockEntry(key)
	defer unlock()

	f.life.RLock()
	defer f.life.RUnlock()
	if f.deleted {
		return false, nil
	}

	if err := os.Remove(f.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (f *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	f.life.RLock()
	defer f.life.RUnlock()
	if f.deleted {
		return nil, nil
	}

	metas, err := f.readMetas()
	if err != nil {
		return nil, err
	}
	ordered := make([]keySeq, 0, len(metas))
	for _, meta := range metas {
		ordered = append(ordered, keySeq{key: meta.Key, seq: meta.Seq})
	}
	return sortKeys(ordered), nil
}

// readMetas 只读取每个条目文件的前两行，不解析正文。
func (f *fileStore) readMetas() ([]entryMeta, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]entryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), entrySuffix) {
			continue
		}
		meta, err := readEntryMeta(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// 并发删除
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (f *fileStore) entryPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (f *fileStore) lockEntry(key string) func() {
	f.mu.Lock()
	lock := f.locks[key]
	if lock == nil {
		lock = &entryLock{}
		f.locks[key] = lock
	}
	lock.refs++
	f.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		f.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(f.locks, key)
		}
		f.mu.Unlock()
	}
}

func encodeEntry(meta entryMeta, resp *Response) ([]byte, error) {
	metaLine, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode entry meta: %w", err)
	}
	dump, err := httputil.DumpResponse(resp.HTTPResponse(nil), true)
	if err != nil {
		return nil, fmt.Errorf("dump response: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(entryPrefix) + len(metaLine) + 1 + len(dump))
	buf.WriteString(entryPrefix)
	buf.Write(metaLine)
	buf.WriteByte('\n')
	buf.Write(dump)
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (entryMeta, *Response, error) {
	reader := bufio.NewReader(bytes.NewReader(data))
	meta, err := readMeta(reader)
	if err != nil {
		return entryMeta{}, nil, err
	}

	httpResp, err := http.ReadResponse(reader, nil)
	if err != nil {
		return entryMeta{}, nil, fmt.Errorf("read response: %w", err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return entryMeta{}, nil, fmt.Errorf("read body: %w", err)
	}

	return meta, &Response{
		URL:      meta.Key,
		Type:     meta.Type,
		Status:   meta.Status,
		Header:   httpResp.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func readEntryMeta(path string) (entryMeta, error) {
	file, err := os.Open(path)
	if err != nil {
		return entryMeta{}, err
	}
	defer file.Close()
	return readMeta(bufio.NewReader(file))
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	prefix, err := reader.ReadString('\n')
	if err != nil {
		return entryMeta{}, fmt.Errorf("read entry prefix: %w", err)
	}
	if prefix != entryPrefix {
		return entryMeta{}, fmt.Errorf("invalid prefix: expected %q, got %q", entryPrefix, prefix)
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, fmt.Errorf("read entry meta: %w", err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry meta: %w", err)
	}
	return meta, nil
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
