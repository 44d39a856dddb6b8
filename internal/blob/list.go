package blob

import (
	"sort"
	"strings"
)

// paginate applies prefix, delimiter, cursor and limit semantics to a set of
// keys. It is shared by the backends that hold the full key set locally.
// The returned cursor is the last key or common prefix emitted.
func paginate(keys []string, opts ListOptions) (objectKeys, prefixes []string, truncated bool, cursor string) {
	sort.Strings(keys)
	limit := limitOrDefault(opts.Limit)

	// A cursor ending with the delimiter is a common prefix that was already
	// emitted; everything beneath it must be skipped.
	cursorIsPrefix := opts.Delimiter != "" && strings.HasSuffix(opts.Cursor, opts.Delimiter)

	emitted := 0
	lastPrefix := ""
	for _, key := range keys {
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Cursor != "" {
			if key <= opts.Cursor {
				continue
			}
			if cursorIsPrefix && strings.HasPrefix(key, opts.Cursor) {
				continue
			}
		}

		entry := key
		isPrefix := false
		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				entry = opts.Prefix + rest[:i+len(opts.Delimiter)]
				isPrefix = true
			}
		}
		if isPrefix && entry == lastPrefix {
			continue
		}

		if emitted == limit {
			return objectKeys, prefixes, true, cursor
		}

		if isPrefix {
			prefixes = append(prefixes, entry)
			lastPrefix = entry
		} else {
			objectKeys = append(objectKeys, entry)
		}
		cursor = entry
		emitted++
	}

	return objectKeys, prefixes, false, ""
}
