package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Store stores objects in a single S3 bucket. Only "/" is supported as a
// listing delimiter.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to an S3-compatible endpoint.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Region: cfg.Region,
		Secure: cfg.UseSSL,
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket verifies the configured bucket exists.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var merr minio.ErrorResponse
	if errors.As(err, &merr) {
		return merr.Code == "NoSuchKey" || merr.StatusCode == http.StatusNotFound
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}

func toObjectInfo(info minio.ObjectInfo) ObjectInfo {
	var metadata map[string]string
	if len(info.UserMetadata) > 0 {
		metadata = make(map[string]string, len(info.UserMetadata))
		for k, v := range info.UserMetadata {
			metadata[k] = v
		}
	}
	return ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         strings.Trim(info.ETag, `"`),
		LastModified: info.LastModified,
		Metadata:     metadata,
	}
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	rc, _, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	out := toObjectInfo(info)
	return &out, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, metadata map[string]string) error {
	return s.PutStream(ctx, key, bytes.NewReader(data), int64(len(data)), metadata)
}

func (s *S3Store) PutStream(ctx context.Context, key string, r io.Reader, size int64, metadata map[string]string) error {
	opts := minio.PutObjectOptions{UserMetadata: map[string]string{}}
	for k, v := range metadata {
		if strings.EqualFold(k, "Content-Type") {
			opts.ContentType = v
			continue
		}
		opts.UserMetadata[k] = v
	}

	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if opts.Delimiter != "" && opts.Delimiter != "/" {
		return nil, fmt.Errorf("unsupported delimiter %q", opts.Delimiter)
	}
	limit := limitOrDefault(opts.Limit)

	// Cancel once a full page plus one entry has been read so the listing
	// goroutine inside minio stops paging.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		Recursive:  opts.Delimiter == "",
		StartAfter: opts.Cursor,
	})

	cursorIsPrefix := opts.Delimiter != "" && strings.HasSuffix(opts.Cursor, "/")

	result := &ListResult{}
	emitted := 0
	for info := range ch {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s: %w", opts.Prefix, info.Err)
		}
		if opts.Cursor != "" && (info.Key <= opts.Cursor || (cursorIsPrefix && strings.HasPrefix(info.Key, opts.Cursor))) {
			continue
		}
		if emitted == limit {
			result.Truncated = true
			break
		}
		if opts.Delimiter != "" && strings.HasSuffix(info.Key, "/") {
			result.CommonPrefixes = append(result.CommonPrefixes, info.Key)
		} else {
			result.Objects = append(result.Objects, toObjectInfo(info))
		}
		result.Cursor = info.Key
		emitted++
	}

	if !result.Truncated {
		result.Cursor = ""
	}
	return result, nil
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isS3NotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("get %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isS3NotFound(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("stat %s: %w", key, err)
	}
	info := toObjectInfo(stat)
	return obj, &info, nil
}

// PresignPut returns a URL that accepts a single PUT of the object at key.
// The signature covers Content-MD5, so S3 rejects bodies whose checksum
// differs from md5sum (hex encoded).
func (s *S3Store) PresignPut(ctx context.Context, key, md5sum string, expiry time.Duration) (string, error) {
	raw, err := hex.DecodeString(md5sum)
	if err != nil {
		return "", fmt.Errorf("decode md5sum for %s: %w", key, err)
	}

	headers := http.Header{}
	headers.Set("Content-MD5", base64.StdEncoding.EncodeToString(raw))

	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, expiry, nil, headers)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	log.Debug().Str("key", key).Dur("expiry", expiry).Msg("Presigned upload URL")
	return u.String(), nil
}
