// Package cachestore implements the pure filesystem routines spec.md
// §6 lists as the CacheStore collaborator: is_cacheable,
// cache_file_for, make_new_cache_file, open_output_stream, is_current.
//
// The on-disk layout is grounded on the teacher's content-addressable
// disk store (service/cas/disk.go): a staging directory for in-flight
// writes, finalized with a rename, and a sharded directory tree to
// keep any one directory from growing too large. Unlike the teacher,
// the key is the (url, version) identity rather than a content digest,
// so entries are addressed by a hash of that identity instead of the
// blob's own hash.
package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tweag/resourcetracker/cacheentry"
)

// CacheStore roots all cache files and sidecars under a single
// directory.
type CacheStore struct {
	rootDir string
}

// New creates a CacheStore rooted at rootDir, creating the staging and
// cas subdirectories if needed.
func New(rootDir string) (*CacheStore, error) {
	cs := &CacheStore{rootDir: rootDir}
	if err := os.MkdirAll(filepath.Join(rootDir, "cas"), 0o755); err != nil {
		return nil, fmt.Errorf("initializing cache store at %s: %w", rootDir, err)
	}
	staging := filepath.Join(rootDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("initializing cache store at %s: %w", rootDir, err)
	}
	// Clean up any staging leftovers from a previous, uncleanly
	// terminated process. This assumes the staging dir is exclusive to
	// this rootDir.
	entries, err := os.ReadDir(staging)
	if err == nil {
		for _, e := range entries {
			os.Remove(filepath.Join(staging, e.Name()))
		}
	}
	return cs, nil
}

// IsCacheable reports whether the given URL is the kind of resource
// this store will manage. Only http(s) resources are cached; file://
// resources are served directly from their own path (spec.md §4.1,
// Tracker.GetCacheFile).
func (cs *CacheStore) IsCacheable(u *url.URL, version string) bool {
	switch u.Scheme {
	case "http", "https":
		return true
	default:
		return false
	}
}

// CacheFileFor returns the deterministic artifact path for (u, version).
// The path does not need to exist yet.
func (cs *CacheStore) CacheFileFor(u *url.URL, version string) string {
	return cs.blobPath(key(u.String(), version))
}

// DownloadCacheFileFor returns the path of the compressed intermediate
// payload for (u, version), keyed by a synthetic URL formed by
// appending suffix (".pack.gz" or ".gz") to the origin location string,
// per spec.md §3's cache layout: "the compressed payload and the
// decoded artifact live side by side and can be independently marked
// for deletion." Passing an empty suffix returns the same path as
// CacheFileFor, for callers that want a uniform download-key/final-key
// comparison regardless of content-encoding.
func (cs *CacheStore) DownloadCacheFileFor(u *url.URL, version, suffix string) string {
	if suffix == "" {
		return cs.CacheFileFor(u, version)
	}
	return cs.blobPath(key(u.String()+suffix, version))
}

// SidecarFor returns the sidecar path for the cache file at path.
func SidecarFor(cacheFilePath string) string {
	return cacheFilePath + ".cacheentry"
}

// MakeNewCacheFile allocates a path distinct from any existing cache
// file for (u, version), used by the connect phase when an existing
// entry is stale and must be replaced without clobbering readers still
// using the old file (spec.md §4.3.1 step 7).
func (cs *CacheStore) MakeNewCacheFile(u *url.URL, version string) (string, error) {
	base := cs.blobPath(key(u.String(), version))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return "", fmt.Errorf("allocating cache file for %s: %w", u, err)
	}
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s.%d", base, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}

// OpenOutputStream opens a buffered write stream that, on Close, is
// atomically renamed into place at CacheFileFor(u, version).
func (cs *CacheStore) OpenOutputStream(u *url.URL, version string) (*StagedWriter, error) {
	return cs.openOutputStreamAt(cs.blobPath(key(u.String(), version)))
}

// OpenOutputStreamAt is like OpenOutputStream but writes to an
// explicit final path, used when the caller already computed the path
// via MakeNewCacheFile.
func (cs *CacheStore) OpenOutputStreamAt(finalPath string) (*StagedWriter, error) {
	return cs.openOutputStreamAt(finalPath)
}

func (cs *CacheStore) openOutputStreamAt(finalPath string) (*StagedWriter, error) {
	stagingDir := filepath.Join(cs.rootDir, "staging")
	tmp, err := os.CreateTemp(stagingDir, "download-*")
	if err != nil {
		return nil, fmt.Errorf("opening output stream for %s: %w", finalPath, err)
	}
	return &StagedWriter{file: tmp, finalPath: finalPath}, nil
}

// IsCurrent compares the sidecar for (u, version) against a remote
// Last-Modified value, per spec.md §6's is_current contract.
func (cs *CacheStore) IsCurrent(u *url.URL, version string, remoteLastModified time.Time) (bool, error) {
	cacheFile := cs.blobPath(key(u.String(), version))
	if _, err := os.Stat(cacheFile); err != nil {
		return false, nil
	}
	entry, err := cacheentry.Load(SidecarFor(cacheFile))
	if err != nil {
		return false, err
	}
	return entry.IsCurrent(remoteLastModified), nil
}

func (cs *CacheStore) blobPath(k string) string {
	return filepath.Join(cs.rootDir, "cas", k[:2], k)
}

// key hashes a location string (the origin URL, or a synthetic
// location with a compression suffix appended) together with the
// requested version into a cache path component.
func key(location, version string) string {
	h := sha256.Sum256([]byte(location + "\x00" + version))
	return hex.EncodeToString(h[:])
}

// LoadEntry and StoreEntry are thin convenience wrappers around the
// cacheentry package scoped to this store's path layout.
func (cs *CacheStore) LoadEntry(cacheFilePath string) (cacheentry.Entry, error) {
	return cacheentry.Load(SidecarFor(cacheFilePath))
}

func (cs *CacheStore) StoreEntry(cacheFilePath string, e cacheentry.Entry) error {
	return e.Store(SidecarFor(cacheFilePath))
}

func (cs *CacheStore) LockFor(cacheFilePath string) *cacheentry.Lock {
	return cacheentry.NewLock(cacheFilePath)
}

// Sweep clears abandoned staging files (left behind by a process that
// died mid-download, same cleanup New does at startup), any cache blob
// whose sidecar is missing (the process died between StagedWriter.
// Close's rename and StoreEntry), and any blob+sidecar pair whose entry
// carries delete_flag — the soft tombstone spec.md §3 describes for
// superseded artifacts and spent download-key blobs ("a CacheEntry...
// mark_for_delete + store is a soft tombstone swept by an external GC
// pass"). It returns how many files were removed.
func (cs *CacheStore) Sweep() (int, error) {
	removed := 0

	staging := filepath.Join(cs.rootDir, "staging")
	entries, err := os.ReadDir(staging)
	if err != nil {
		return removed, fmt.Errorf("sweeping staging dir: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(staging, e.Name())); err == nil {
			removed++
		}
	}

	casRoot := filepath.Join(cs.rootDir, "cas")
	err = filepath.WalkDir(casRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || strings.HasSuffix(path, ".cacheentry") {
			return nil
		}
		sidecar := SidecarFor(path)
		if _, statErr := os.Stat(sidecar); os.IsNotExist(statErr) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			return nil
		}
		entry, loadErr := cacheentry.Load(sidecar)
		if loadErr == nil && entry.DeleteFlag {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			if rmErr := os.Remove(sidecar); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweeping cas dir: %w", err)
	}
	return removed, nil
}
