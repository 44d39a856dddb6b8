package upload

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"math"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/model"
)

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// PutFile receives the content of one file of an upload in progress. The
// body must match the size and MD5 checksum declared in the manifest.
func (s *Service) PutFile(ctx context.Context, project, asset, version, path, session string, body io.Reader) error {
	if err := s.locks.Check(ctx, project, asset, version, session); err != nil {
		return err
	}

	var manifest model.Manifest
	found, err := blob.GetJSON(ctx, s.store, keys.Manifest(project, asset, version), &manifest)
	if err != nil {
		return apierr.Internal(err, "failed to read manifest")
	}
	if !found {
		return apierr.Integrity(http.StatusInternalServerError, "manifest of '%s/%s/%s' is missing", project, asset, version)
	}

	entry, ok := manifest[path]
	if !ok {
		return apierr.Validation("path '%s' is not part of this upload", path)
	}
	if entry.IsLink() {
		return apierr.Validation("path '%s' is a link and should not be uploaded", path)
	}

	// Read one byte past the declared size to detect oversized bodies.
	limit := int64(entry.Size)
	if limit < math.MaxInt64 {
		limit++
	}
	hash := md5.New()
	counter := &countingReader{r: io.LimitReader(body, limit)}
	key := keys.File(project, asset, version, path)
	putErr := s.store.PutStream(ctx, key, io.TeeReader(counter, hash), int64(entry.Size), nil)

	var verr error
	switch {
	case counter.n != int64(entry.Size):
		verr = apierr.Integrity(http.StatusBadRequest, "received size of '%s' differs from its reported size (%d)", path, entry.Size)
	case putErr != nil:
		return apierr.Internal(putErr, "failed to store '%s'", path)
	case hex.EncodeToString(hash.Sum(nil)) != entry.MD5Sum:
		verr = apierr.Integrity(http.StatusBadRequest, "MD5 checksum of '%s' differs from its reported checksum", path)
	}
	if verr != nil {
		if err := s.store.Delete(context.WithoutCancel(ctx), key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to remove rejected upload")
		}
		return verr
	}

	s.metrics.RecordReceived(counter.n)
	log.Debug().
		Str("project", project).
		Str("asset", asset).
		Str("version", version).
		Str("path", path).
		Int64("bytes", counter.n).
		Msg("File received")
	return nil
}
