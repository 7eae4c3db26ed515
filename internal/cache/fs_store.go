package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".json"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，prefix/version 共同决定
// 分区命名；整个进程复用一份实例。
func NewStore(basePath, prefix, version string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if prefix == "" || version == "" {
		return nil, errors.New("cache prefix and version required")
	}
	if strings.Contains(prefix, "-") {
		return nil, fmt.Errorf("cache prefix must not contain '-': %s", prefix)
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		prefix:   prefix,
		version:  version,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一键并发写入；跨键写入不互斥，
// 与规范约定的 last-write-wins 语义一致。
type fileStore struct {
	basePath string
	prefix   string
	version  string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, category string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if category == "" {
		return nil, errors.New("partition category required")
	}

	name := PartitionName(s.prefix, s.version, category)
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition %s: %w", name, err)
	}

	return &filePartition{
		store:    s,
		name:     name,
		category: category,
		dir:      dir,
	}, nil
}

func (s *fileStore) DeletePartition(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" || name == "." || name == ".." || name != filepath.Base(name) {
		return fmt.Errorf("invalid partition name: %q", name)
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return fmt.Errorf("delete partition %s: %w", name, err)
	}
	return nil
}

func (s *fileStore) ListPartitionNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) lockEntry(partition string, key Key) func() {
	lockKey := partition + "::" + key.String()
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// filePartition 将条目映射到 <dir>/<sha256(key)>.body/.json 文件对。
type filePartition struct {
	store    *fileStore
	name     string
	category string
	dir      string
}

// entryMeta 是元数据边车的磁盘格式。CacheTimeMS 即引擎自管的
// cache-time 戳（epoch 毫秒），决定条目新鲜度。
type entryMeta struct {
	Method      string              `json:"method"`
	URL         string              `json:"url"`
	Status      int                 `json:"status"`
	Header      map[string][]string `json:"header,omitempty"`
	SizeBytes   int64               `json:"size_bytes"`
	CacheTimeMS int64               `json:"cache_time_ms"`
}

func (p *filePartition) Name() string     { return p.name }
func (p *filePartition) Category() string { return p.category }

func (p *filePartition) Match(ctx context.Context, key Key) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta, err := p.readMeta(entryHash(key))
	if err != nil {
		return nil, err
	}

	body, err := os.Open(p.entryPath(entryHash(key), bodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: meta.toEntry(p.name),
		Body:  body,
	}, nil
}

func (p *filePartition) Put(ctx context.Context, key Key, res Response, writtenAt time.Time) (*Entry, error) {
	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	hash := entryHash(key)
	bodyPath := p.entryPath(hash, bodySuffix)

	tempFile, err := os.CreateTemp(p.dir, ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, res.Body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}
	if err := os.Rename(tempName, bodyPath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if writtenAt.IsZero() {
		writtenAt = time.Now().UTC()
	}
	meta := entryMeta{
		Method:      key.Method,
		URL:         key.URL,
		Status:      res.Status,
		Header:      res.Header,
		SizeBytes:   written,
		CacheTimeMS: writtenAt.UTC().UnixMilli(),
	}
	if err := p.writeMeta(hash, meta); err != nil {
		// 元数据写失败时回收正文，避免留下 Match 不到的孤儿文件。
		os.Remove(bodyPath)
		return nil, err
	}

	entry := meta.toEntry(p.name)
	return &entry, nil
}

func (p *filePartition) Delete(ctx context.Context, key Key) error {
	unlock := p.store.lockEntry(p.name, key)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return p.removeEntryFiles(entryHash(key))
}

func (p *filePartition) Keys(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	result := make([]Entry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		meta, err := p.readMeta(strings.TrimSuffix(name, metaSuffix))
		if err != nil {
			// 损坏的边车按不存在处理，交给容量维护自然淘汰。
			continue
		}
		result = append(result, meta.toEntry(p.name))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].WrittenAt.Before(result[j].WrittenAt)
	})
	return result, nil
}

func (p *filePartition) readMeta(hash string) (entryMeta, error) {
	raw, err := os.ReadFile(p.entryPath(hash, metaSuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode entry metadata: %w", err)
	}
	return meta, nil
}

func (p *filePartition) writeMeta(hash string, meta entryMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tempFile, err := os.CreateTemp(p.dir, ".meta-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	_, err = tempFile.Write(raw)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Rename(tempName, p.entryPath(hash, metaSuffix)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (p *filePartition) removeEntryFiles(hash string) error {
	var firstErr error
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(p.entryPath(hash, suffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *filePartition) entryPath(hash, suffix string) string {
	return filepath.Join(p.dir, hash+suffix)
}

func (m entryMeta) toEntry(partition string) Entry {
	header := http.Header{}
	for key, values := range m.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	return Entry{
		Key:       Key{Method: m.Method, URL: m.URL},
		Partition: partition,
		Status:    m.Status,
		Header:    header,
		SizeBytes: m.SizeBytes,
		WrittenAt: time.UnixMilli(m.CacheTimeMS).UTC(),
	}
}

func entryHash(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return hex.EncodeToString(sum[:])
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
