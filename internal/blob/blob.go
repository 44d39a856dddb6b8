// Package blob provides the key/object store the upload engine runs on.
//
// The store is eventually consistent per key and offers no multi-key
// transactions and no compare-and-swap. Backends: in-memory, local
// filesystem and S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get, Head and Open when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for keys a backend cannot store.
var ErrInvalidKey = errors.New("invalid object key")

// DefaultListLimit bounds a single List page when no limit is requested.
const DefaultListLimit = 1000

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListOptions selects a page of keys.
type ListOptions struct {
	Prefix    string
	Delimiter string // "" lists recursively
	Cursor    string // opaque continuation from a previous ListResult
	Limit     int    // 0 means DefaultListLimit
}

// ListResult is one page of a listing. Objects and CommonPrefixes are
// sorted by key.
type ListResult struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	Truncated      bool
	Cursor         string
}

// Store is the blob store consumed by the engine.
type Store interface {
	// Get returns the full content of key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Head returns metadata for key without its content, or ErrNotFound.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Put stores data at key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, metadata map[string]string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns one page of keys matching opts.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// Open streams the content of key, or returns ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// PutStream stores size bytes read from r at key.
	PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error
}

// PutPresigner is implemented by backends that can hand out URLs for
// clients to upload directly, bound to the declared MD5 checksum.
type PutPresigner interface {
	PresignPut(ctx context.Context, key, md5sum string, expiry time.Duration) (string, error)
}

// limitOrDefault normalizes a requested page size.
func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
