package dedup

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/ArtifactDB/gypsum-worker-sub000/internal/apierr"
	"github.com/ArtifactDB/gypsum-worker-sub000/internal/keys"
)

// Descriptor types.
const (
	TypeSimple = "simple"
	TypeDedup  = "dedup"
	TypeLink   = "link"
)

// Target names a file in another version.
type Target struct {
	Project string `json:"project"`
	Asset   string `json:"asset"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

// Descriptor is one file declared by an upload request.
//
// simple and dedup descriptors carry md5sum and size; link descriptors
// carry link only.
type Descriptor struct {
	Type   string  `json:"type"`
	Path   string  `json:"path"`
	MD5Sum string  `json:"md5sum,omitempty"`
	Size   *uint64 `json:"size,omitempty"`
	Link   *Target `json:"link,omitempty"`
}

// Simple returns a simple descriptor.
func Simple(path, md5sum string, size uint64) Descriptor {
	return Descriptor{Type: TypeSimple, Path: path, MD5Sum: md5sum, Size: &size}
}

// Dedup returns a dedup descriptor.
func Dedup(path, md5sum string, size uint64) Descriptor {
	return Descriptor{Type: TypeDedup, Path: path, MD5Sum: md5sum, Size: &size}
}

// LinkTo returns a link descriptor.
func LinkTo(path string, target Target) Descriptor {
	return Descriptor{Type: TypeLink, Path: path, Link: &target}
}

// ValidatePath checks a relative file path inside a version.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path cannot start with '/'")
	}
	for _, comp := range strings.Split(p, "/") {
		if comp == "" {
			return fmt.Errorf("path cannot contain empty components")
		}
		if strings.HasPrefix(comp, keys.InternalPrefix) {
			return fmt.Errorf("path components cannot start with '%s'", keys.InternalPrefix)
		}
	}
	return nil
}

// ValidateName checks a project, asset or version name.
func ValidateName(kind, name string) error {
	if name == "" {
		return apierr.Validation("%s name cannot be empty", kind)
	}
	if strings.Contains(name, "/") {
		return apierr.Validation("%s name cannot contain '/'", kind)
	}
	if strings.HasPrefix(name, keys.InternalPrefix) {
		return apierr.Validation("%s name cannot start with '%s'", kind, keys.InternalPrefix)
	}
	if kind == "version" && name == "latest" {
		return apierr.Validation("version name cannot be 'latest'")
	}
	return nil
}

func validMD5(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// MaxFileSize is the largest size a file may declare. Sizes must fit the
// int64 lengths used by storage backends.
const MaxFileSize = math.MaxInt64

// Validate checks every descriptor and rejects duplicate paths.
func Validate(files []Descriptor) error {
	seen := make(map[string]struct{}, len(files))

	for i, f := range files {
		field := func(name string) string {
			return fmt.Sprintf("files[%d].%s", i, name)
		}

		if err := ValidatePath(f.Path); err != nil {
			return apierr.Field(field("path"), "%s", err)
		}
		if _, dup := seen[f.Path]; dup {
			return apierr.Field(field("path"), "duplicated path '%s'", f.Path)
		}
		seen[f.Path] = struct{}{}

		switch f.Type {
		case TypeSimple, TypeDedup:
			if !validMD5(f.MD5Sum) {
				return apierr.Field(field("md5sum"), "expected a 32-character hex-encoded MD5 checksum")
			}
			if f.Size == nil {
				return apierr.Field(field("size"), "expected a non-negative integer")
			}
			if *f.Size > MaxFileSize {
				return apierr.Field(field("size"), "expected at most %d bytes", uint64(MaxFileSize))
			}
			if f.Link != nil {
				return apierr.Field(field("link"), "not allowed for '%s' files", f.Type)
			}
		case TypeLink:
			if f.Link == nil {
				return apierr.Field(field("link"), "expected an object")
			}
			for _, sub := range []struct{ name, value string }{
				{"project", f.Link.Project},
				{"asset", f.Link.Asset},
				{"version", f.Link.Version},
				{"path", f.Link.Path},
			} {
				if sub.value == "" {
					return apierr.Field(field("link."+sub.name), "expected a non-empty string")
				}
			}
		default:
			return apierr.Field(field("type"), "expected one of '%s', '%s' or '%s'", TypeSimple, TypeDedup, TypeLink)
		}
	}

	return nil
}
