package keys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReservedKeys(t *testing.T) {
	assert.Equal(t, "test/..permissions", Permissions("test"))
	assert.Equal(t, "test/..quota", Quota("test"))
	assert.Equal(t, "test/..usage", Usage("test"))
	assert.Equal(t, "test/..LOCK", Lock("test"))
	assert.Equal(t, "test/blob/..latest", Latest("test", "blob"))
	assert.Equal(t, "test/blob/v1/..manifest", Manifest("test", "blob", "v1"))
	assert.Equal(t, "test/blob/v1/..summary", Summary("test", "blob", "v1"))
	assert.Equal(t, "test/blob/v1/foo/bar.txt", File("test", "blob", "v1", "foo/bar.txt"))
}

func TestLinks(t *testing.T) {
	assert.Equal(t, "test/blob/v1/..links", Links("test", "blob", "v1", ""))
	assert.Equal(t, "test/blob/v1/carbs/..links", Links("test", "blob", "v1", "carbs"))
	assert.Equal(t, "test/blob/v1/a/b/..links", Links("test", "blob", "v1", "a/b"))
}

func TestLog(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	assert.Equal(t, "..logs/2024-03-01T12:30:00.000Z_123456", Log(ts, "123456"))
}

func TestIsInternal(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"test/blob/v1/..manifest", true},
		{"test/blob/v1/dir/..links", true},
		{"test/..LOCK", true},
		{"test/blob/v1/whee.txt", false},
		{"test/blob/v1/..foo/bar", false},
		{"...", true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, IsInternal(tt.key))
		})
	}
}

func TestSplitDir(t *testing.T) {
	dir, name := SplitDir("whee.txt")
	assert.Equal(t, "", dir)
	assert.Equal(t, "whee.txt", name)

	dir, name = SplitDir("carbs/bread/rye.txt")
	assert.Equal(t, "carbs/bread", dir)
	assert.Equal(t, "rye.txt", name)
}
