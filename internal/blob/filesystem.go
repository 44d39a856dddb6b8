package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FilesystemStore stores objects on local disk.
// Directory structure:
//
//	{dataDir}/
//	  objects/
//	    {key}          # object content
//	  meta/
//	    {key}.json     # ObjectInfo (size, etag, last modified, metadata)
//
// Because keys map to paths, a key cannot be both an object and a prefix of
// another object ("a" and "a/b"). S3 has no such restriction.
type FilesystemStore struct {
	dataDir string
	noSync  bool // skip fsync, only for tests
	mu      sync.RWMutex
}

// NewFilesystemStore creates a store rooted at dataDir.
func NewFilesystemStore(dataDir string) (*FilesystemStore, error) {
	for _, sub := range []string{"objects", "meta"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &FilesystemStore{dataDir: dataDir}, nil
}

// DataDir returns the root directory of the store.
func (s *FilesystemStore) DataDir() string {
	return s.dataDir
}

// validateKey rejects keys that would escape the data directory.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: null bytes not allowed", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || filepath.IsAbs(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	// Reserved names like "..manifest" are fine; only "." and ".." components
	// are traversal.
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

func (s *FilesystemStore) objectPath(key string) string {
	return filepath.Join(s.dataDir, "objects", filepath.FromSlash(key))
}

func (s *FilesystemStore) metaPath(key string) string {
	return filepath.Join(s.dataDir, "meta", filepath.FromSlash(key)+".json")
}

// writeFileAtomic writes data to a temporary file, syncs it and renames it
// into place so readers never observe a partial object.
func (s *FilesystemStore) writeFileAtomic(path string, r io.Reader) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, "", err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return 0, "", err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err != nil {
		_ = f.Close()
		return 0, "", err
	}
	if !s.noSync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return 0, "", err
		}
	}
	if err := f.Close(); err != nil {
		return 0, "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FilesystemStore) readInfo(key string) (*ObjectInfo, error) {
	data, err := os.ReadFile(s.metaPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &info, nil
}

func (s *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (s *FilesystemStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readInfo(key)
}

func (s *FilesystemStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return s.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)), metadata)
}

func (s *FilesystemStore) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, etag, err := s.writeFileAtomic(s.objectPath(key), r)
	if err != nil {
		return fmt.Errorf("write object: %w", err)
	}
	if size >= 0 && n != size {
		_ = os.Remove(s.objectPath(key))
		return fmt.Errorf("short body: got %d bytes, expected %d", n, size)
	}

	info := ObjectInfo{
		Key:          key,
		Size:         n,
		ETag:         etag,
		LastModified: time.Now().UTC(),
		Metadata:     metadata,
	}
	metaData, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if _, _, err := s.writeFileAtomic(s.metaPath(key), bytes.NewReader(metaData)); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	return nil
}

func (s *FilesystemStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.objectPath(key), s.metaPath(key)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete: %w", err)
		}
	}
	s.pruneEmptyDirs(filepath.Dir(s.objectPath(key)), filepath.Join(s.dataDir, "objects"))
	s.pruneEmptyDirs(filepath.Dir(s.metaPath(key)), filepath.Join(s.dataDir, "meta"))
	return nil
}

// pruneEmptyDirs removes now-empty parent directories up to root.
func (s *FilesystemStore) pruneEmptyDirs(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (s *FilesystemStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metaDir := filepath.Join(s.dataDir, "meta")

	// Only walk the deepest directory fully covered by the prefix.
	walkRoot := metaDir
	if i := strings.LastIndex(opts.Prefix, "/"); i >= 0 {
		walkRoot = filepath.Join(metaDir, filepath.FromSlash(opts.Prefix[:i]))
	}

	var keys []string
	err := filepath.WalkDir(walkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(metaDir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, ".json"))
		if strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk meta dir: %w", err)
	}

	objectKeys, prefixes, truncated, cursor := paginate(keys, opts)

	result := &ListResult{
		CommonPrefixes: prefixes,
		Truncated:      truncated,
		Cursor:         cursor,
	}
	for _, k := range objectKeys {
		info, err := s.readInfo(k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	return result, nil
}

func (s *FilesystemStore) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.readInfo(key)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.objectPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open object: %w", err)
	}
	return f, info, nil
}
