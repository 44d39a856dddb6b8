package upload

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
)

// DefaultURLExpiry is how long presigned upload URLs stay valid.
const DefaultURLExpiry = time.Hour

// Presigner hands out the URL a client uploads one file to.
type Presigner interface {
	PresignUpload(ctx context.Context, project, asset, version, path, md5sum string) (string, error)
}

// StorePresigner signs URLs against a backend that supports direct
// client uploads, such as S3.
type StorePresigner struct {
	store  blob.PutPresigner
	expiry time.Duration
}

// NewStorePresigner creates a presigner for store. A zero expiry uses
// DefaultURLExpiry.
func NewStorePresigner(store blob.PutPresigner, expiry time.Duration) *StorePresigner {
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &StorePresigner{store: store, expiry: expiry}
}

func (p *StorePresigner) PresignUpload(ctx context.Context, project, asset, version, path, md5sum string) (string, error) {
	return p.store.PresignPut(ctx, keys.File(project, asset, version, path), md5sum, p.expiry)
}

// DirectPresigner points clients at this service's own file upload
// endpoint. It is used by backends that cannot sign URLs.
type DirectPresigner struct {
	baseURL string
}

// NewDirectPresigner creates a presigner for the service reachable at
// baseURL. An empty baseURL yields relative URLs.
func NewDirectPresigner(baseURL string) *DirectPresigner {
	return &DirectPresigner{baseURL: strings.TrimRight(baseURL, "/")}
}

func (p *DirectPresigner) PresignUpload(ctx context.Context, project, asset, version, path, md5sum string) (string, error) {
	return p.baseURL + FilePath(project, asset, version, path), nil
}

// VersionURL returns the path of a version's endpoints with every name
// escaped.
func VersionURL(project, asset, version string) string {
	return "/projects/" + url.PathEscape(project) +
		"/assets/" + url.PathEscape(asset) +
		"/version/" + url.PathEscape(version)
}

// FilePath returns the path of the direct upload endpoint for a file.
func FilePath(project, asset, version, path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return VersionURL(project, asset, version) + "/files/" + strings.Join(parts, "/")
}
