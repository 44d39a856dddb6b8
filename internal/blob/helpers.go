package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentDeletes bounds the fan-out of DeletePrefix.
const maxConcurrentDeletes = 16

// GetJSON decodes the object at key into v. It reports false, with a nil
// error, if the object does not exist.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON encodes v and stores it at key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.Put(ctx, key, data, map[string]string{"Content-Type": "application/json"}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("head %s: %w", key, err)
	}
	return true, nil
}

// ListAll follows cursors until the listing is exhausted.
func ListAll(ctx context.Context, s Store, prefix, delimiter string) ([]ObjectInfo, []string, error) {
	var objects []ObjectInfo
	var prefixes []string

	cursor := ""
	for {
		page, err := s.List(ctx, ListOptions{Prefix: prefix, Delimiter: delimiter, Cursor: cursor})
		if err != nil {
			return nil, nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		objects = append(objects, page.Objects...)
		prefixes = append(prefixes, page.CommonPrefixes...)
		if !page.Truncated || page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}

	return objects, prefixes, nil
}

// DeletePrefix recursively deletes every object whose key starts with
// prefix. Deletes within a page are issued concurrently.
func DeletePrefix(ctx context.Context, s Store, prefix string) error {
	cursor := ""
	for {
		page, err := s.List(ctx, ListOptions{Prefix: prefix, Cursor: cursor})
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentDeletes)
		for _, obj := range page.Objects {
			key := obj.Key
			g.Go(func() error {
				if err := s.Delete(gctx, key); err != nil {
					return fmt.Errorf("delete %s: %w", key, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if !page.Truncated || page.Cursor == "" {
			return nil
		}
		cursor = page.Cursor
	}
}
