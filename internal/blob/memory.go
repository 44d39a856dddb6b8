package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"
)

type memoryObject struct {
	data     []byte
	info     ObjectInfo
	metadata map[string]string
}

// MemoryStore keeps objects in a map. It is used for tests and for running
// the service without external storage.
type MemoryStore struct {
	objects map[string]*memoryObject
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memoryObject)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(obj.data), nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	info := obj.info
	info.Metadata = maps.Clone(obj.metadata)
	return &info, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	if key == "" {
		return ErrInvalidKey
	}

	sum := md5.Sum(data)
	obj := &memoryObject{
		data: bytes.Clone(data),
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         hex.EncodeToString(sum[:]),
			LastModified: time.Now().UTC(),
		},
		metadata: maps.Clone(metadata),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = obj
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}

	objectKeys, prefixes, truncated, cursor := paginate(keys, opts)

	result := &ListResult{
		CommonPrefixes: prefixes,
		Truncated:      truncated,
		Cursor:         cursor,
	}
	for _, k := range objectKeys {
		result.Objects = append(result.Objects, m.objects[k].info)
	}
	return result, nil
}

func (m *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	data, err := m.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	info, err := m.Head(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), info, nil
}

func (m *MemoryStore) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short body: got %d bytes, expected %d", len(data), size)
	}
	return m.Put(ctx, key, data, metadata)
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
