// Package keys maps projects, assets and versions to object keys in the blob store.
//
// Layout:
//
//	{project}/
//	  ..permissions          # owners and uploaders
//	  ..quota                # baseline, growth_rate, year
//	  ..usage                # total bytes, pending reservation
//	  ..LOCK                 # upload lock (one per project)
//	  {asset}/
//	    ..latest             # latest non-probational version
//	    {version}/
//	      ..manifest         # path -> size/md5sum/link
//	      ..summary          # uploader, start/finish, probation
//	      {dir}/..links      # filename -> link for bulk consumers
//	      {path}             # uploaded files
//	..logs/
//	  {timestamp}_{suffix}   # changelog entries
package keys

import (
	"path"
	"strings"
	"time"
)

// InternalPrefix marks reserved object names that are never user files.
const InternalPrefix = ".."

// LogPrefix is the prefix of all changelog entries.
const LogPrefix = "..logs/"

// Reserved basenames.
const (
	PermissionsName = "..permissions"
	QuotaName       = "..quota"
	UsageName       = "..usage"
	LockName        = "..LOCK"
	LatestName      = "..latest"
	ManifestName    = "..manifest"
	SummaryName     = "..summary"
	LinksName       = "..links"
)

// ProjectPrefix returns the prefix of every object in a project.
func ProjectPrefix(project string) string {
	return project + "/"
}

// AssetPrefix returns the prefix of every object in an asset.
func AssetPrefix(project, asset string) string {
	return project + "/" + asset + "/"
}

// VersionPrefix returns the prefix of every object in a version.
func VersionPrefix(project, asset, version string) string {
	return project + "/" + asset + "/" + version + "/"
}

func Permissions(project string) string {
	return ProjectPrefix(project) + PermissionsName
}

func Quota(project string) string {
	return ProjectPrefix(project) + QuotaName
}

func Usage(project string) string {
	return ProjectPrefix(project) + UsageName
}

func Lock(project string) string {
	return ProjectPrefix(project) + LockName
}

func Latest(project, asset string) string {
	return AssetPrefix(project, asset) + LatestName
}

func Manifest(project, asset, version string) string {
	return VersionPrefix(project, asset, version) + ManifestName
}

func Summary(project, asset, version string) string {
	return VersionPrefix(project, asset, version) + SummaryName
}

// File returns the key of a user file inside a version.
func File(project, asset, version, relPath string) string {
	return VersionPrefix(project, asset, version) + relPath
}

// Links returns the key of the ..links object for a directory inside a
// version. An empty dir refers to the version root.
func Links(project, asset, version, dir string) string {
	if dir == "" {
		return VersionPrefix(project, asset, version) + LinksName
	}
	return VersionPrefix(project, asset, version) + dir + "/" + LinksName
}

// Log returns the key of a changelog entry.
func Log(ts time.Time, suffix string) string {
	return LogPrefix + ts.UTC().Format("2006-01-02T15:04:05.000Z07:00") + "_" + suffix
}

// IsInternal reports whether the final component of key is a reserved name.
func IsInternal(key string) bool {
	return strings.HasPrefix(path.Base(key), InternalPrefix)
}

// SplitDir splits a relative file path into its directory and file name.
// The directory is empty for files at the version root.
func SplitDir(relPath string) (dir, name string) {
	i := strings.LastIndex(relPath, "/")
	if i < 0 {
		return "", relPath
	}
	return relPath[:i], relPath[i+1:]
}
