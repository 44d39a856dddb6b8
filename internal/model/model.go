// Package model defines the JSON documents kept in the blob store.
package model

import (
	"math"
	"math/bits"
	"time"
)

// Link points a manifest entry at a file owned by another version.
type Link struct {
	Project string `json:"project"`
	Asset   string `json:"asset"`
	Version string `json:"version"`
	Path    string `json:"path"`
	// Ancestor is the original non-link location when the immediate target
	// is itself a link. It never points at another link.
	Ancestor *Link `json:"ancestor,omitempty"`
}

// Origin returns the location that actually holds the bytes.
func (l *Link) Origin() *Link {
	if l.Ancestor != nil {
		return l.Ancestor
	}
	return l
}

// SameVersion reports whether l targets the given version.
func (l *Link) SameVersion(project, asset, version string) bool {
	return l.Project == project && l.Asset == asset && l.Version == version
}

// Strip returns a copy of l without its ancestor.
func (l *Link) Strip() *Link {
	return &Link{Project: l.Project, Asset: l.Asset, Version: l.Version, Path: l.Path}
}

// ManifestEntry describes one file of a version.
type ManifestEntry struct {
	Size   uint64 `json:"size"`
	MD5Sum string `json:"md5sum"`
	Link   *Link  `json:"link,omitempty"`
}

// IsLink reports whether the entry has no bytes of its own.
func (e ManifestEntry) IsLink() bool {
	return e.Link != nil
}

// Manifest maps relative file paths to their entries.
type Manifest map[string]ManifestEntry

// OwnedBytes returns the total size of the non-link entries.
func (m Manifest) OwnedBytes() uint64 {
	var total uint64
	for _, e := range m {
		if !e.IsLink() {
			total += e.Size
		}
	}
	return total
}

// Summary records who uploaded a version and when.
type Summary struct {
	UploadUserID string     `json:"upload_user_id"`
	UploadStart  time.Time  `json:"upload_start"`
	UploadFinish *time.Time `json:"upload_finish,omitempty"`
	// OnProbation is written explicitly at initialization and removed once
	// a version completes outside probation.
	OnProbation *bool `json:"on_probation,omitempty"`
}

// Probational reports whether the version is on probation.
func (s *Summary) Probational() bool {
	return s.OnProbation != nil && *s.OnProbation
}

// Complete reports whether the upload has finished.
func (s *Summary) Complete() bool {
	return s.UploadFinish != nil
}

// Usage tracks storage consumed by a project.
type Usage struct {
	Total uint64 `json:"total"`
	// PendingOnCompleteOnly is reserved at initialization and folded into
	// Total when the upload completes.
	PendingOnCompleteOnly *uint64 `json:"pending_on_complete_only,omitempty"`
}

// Quota is a project's storage ceiling. The effective quota grows by
// GrowthRate bytes every year after Year.
type Quota struct {
	Baseline   uint64 `json:"baseline"`
	GrowthRate uint64 `json:"growth_rate"`
	Year       int    `json:"year"`
}

// Effective returns the quota in force during currentYear.
func (q Quota) Effective(currentYear int) uint64 {
	years := currentYear - q.Year
	if years <= 0 {
		return q.Baseline
	}
	growth, overflow := bits.Mul64(uint64(years), q.GrowthRate)
	if overflow != 0 {
		return math.MaxUint64
	}
	total, carry := bits.Add64(q.Baseline, growth, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return total
}

// Lock is the single upload lock of a project.
type Lock struct {
	SessionHash string `json:"session_hash"`
	Asset       string `json:"asset"`
	Version     string `json:"version"`
	UserID      string `json:"user_id,omitempty"`
}

// Latest is the pointer to an asset's latest non-probational version. An
// empty Version means every version has gone.
type Latest struct {
	Version string `json:"version"`
}

// Uploader grants upload rights to a user or organization.
type Uploader struct {
	ID      string     `json:"id"`
	Asset   string     `json:"asset,omitempty"`
	Version string     `json:"version,omitempty"`
	Until   *time.Time `json:"until,omitempty"`
	Trusted bool       `json:"trusted,omitempty"`
}

// Permissions lists who may manage and upload to a project.
type Permissions struct {
	Owners    []string   `json:"owners"`
	Uploaders []Uploader `json:"uploaders"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool {
	return &b
}
