// Package changelog records version-level changes under ..logs/ so that
// downstream indexers can replay them in order.
package changelog

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/blob"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
)

// Entry types.
const (
	TypeAddVersion       = "add-version"
	TypeDeleteVersion    = "delete-version"
	TypeApproveProbation = "approve-probation"
)

// Entry is one changelog record.
type Entry struct {
	Type    string `json:"type"`
	Project string `json:"project"`
	Asset   string `json:"asset"`
	Version string `json:"version"`
	Latest  *bool  `json:"latest,omitempty"`
}

// Writer stores changelog entries in the blob store.
type Writer struct {
	store blob.Store
	now   func() time.Time
}

// NewWriter creates a changelog writer on store.
func NewWriter(store blob.Store) *Writer {
	return &Writer{store: store, now: time.Now}
}

// suffix returns six random digits to keep simultaneous entries apart.
func suffix() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Log stores e under a key ordered by the current time.
func (w *Writer) Log(ctx context.Context, e Entry) error {
	s, err := suffix()
	if err != nil {
		return fmt.Errorf("changelog suffix: %w", err)
	}
	key := keys.Log(w.now(), s)
	if err := blob.PutJSON(ctx, w.store, key, e); err != nil {
		return fmt.Errorf("write changelog entry: %w", err)
	}

	log.Debug().
		Str("type", e.Type).
		Str("project", e.Project).
		Str("asset", e.Asset).
		Str("version", e.Version).
		Str("key", key).
		Msg("Changelog entry written")
	return nil
}

// List returns the entries written at or after since, oldest first.
func (w *Writer) List(ctx context.Context, since time.Time) ([]Entry, error) {
	objects, _, err := blob.ListAll(ctx, w.store, keys.LogPrefix, "")
	if err != nil {
		return nil, fmt.Errorf("list changelog: %w", err)
	}

	from := keys.Log(since, "")
	var out []Entry
	for _, o := range objects {
		if o.Key < from {
			continue
		}
		var e Entry
		found, err := blob.GetJSON(ctx, w.store, o.Key, &e)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, e)
		}
	}
	return out, nil
}
