// Package downloader implements the two phases spec.md §4.3 assigns to
// a scheduled worker: connect (reachability, URL negotiation, currency
// decision) and download (streamed transfer, decode, commit). A single
// Downloader.Process call drives a Resource through whichever phases
// its current state still needs, matching spec.md's "For each
// scheduled Resource it runs, in order, the two phases" - a resource
// handed to Process already CONNECTING runs both phases back to back
// unless the connect phase finds the cache already current; a resource
// handed to Process already DOWNLOADING (the prefetch second pass, or
// select_next's step 2) runs only the download phase.
package downloader

import (
	"context"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/tweag/resourcetracker/cacheentry"
	"github.com/tweag/resourcetracker/cachestore"
	"github.com/tweag/resourcetracker/errs"
	"github.com/tweag/resourcetracker/integrity"
	"github.com/tweag/resourcetracker/internal/logging"
	"github.com/tweag/resourcetracker/internal/privileged"
	"github.com/tweag/resourcetracker/pack200"
	"github.com/tweag/resourcetracker/resource"
	"github.com/tweag/resourcetracker/runtimeenv"
	"github.com/tweag/resourcetracker/urlprober"
)

// OptionsFunc lets a caller vary the pack/version suffix negotiation
// per resource identity, mirroring the per-descriptor DownloadOptions
// map spec.md §3 describes.
type OptionsFunc func(id resource.Identity) urlprober.DownloadOptions

// Downloader wires together the collaborators spec.md §4.3 names:
// CacheStore, UrlProber, Runtime, and Pack200.Unpacker.
type Downloader struct {
	Store    *cachestore.CacheStore
	Prober   *urlprober.Prober
	Runtime  runtimeenv.Runtime
	Unpacker pack200.Unpacker
	Client   *http.Client
	Options  OptionsFunc
}

// New constructs a Downloader. unpacker may be pack200.Identity when
// packgz negotiation isn't exercised by the caller.
func New(store *cachestore.CacheStore, prober *urlprober.Prober, rt runtimeenv.Runtime, unpacker pack200.Unpacker, client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{Store: store, Prober: prober, Runtime: rt, Unpacker: unpacker, Client: client}
}

// Process is the scheduler.Work entry point. Both phases run inside
// privileged.Run, matching spec.md §5's privileged scope: the file I/O
// they perform may exceed what the caller's own ambient permissions
// allow.
func (d *Downloader) Process(ctx context.Context, r *resource.Resource) {
	if r.State().Has(resource.StateConnecting) {
		var current bool
		var err error
		_ = privileged.Run(func() error {
			current, err = d.connect(ctx, r)
			return err
		})
		if err != nil || current {
			return
		}
	}

	if r.State().Has(resource.StateConnected) &&
		!r.State().HasAny(resource.StateDownloading|resource.StateDownloaded|resource.StateError) {
		r.TryTransition(
			resource.StateConnected, resource.StateError|resource.StateDownloaded|resource.StateDownloading,
			resource.StateDownloading, 0,
		)
	}

	if r.State().Has(resource.StateDownloading) {
		_ = privileged.Run(func() error {
			d.download(ctx, r)
			return nil
		})
	}
}

// connect implements spec.md §4.3.1: check whether the runtime is
// online, negotiate the best URL, decide currency against the cached
// copy, and either mark the resource DOWNLOADED (cache hit) or
// CONNECTED and ready for the download phase. Online status comes from
// Runtime.IsOnline alone; no reachability probe (Runtime.DetectOnline)
// is issued. The boolean return reports whether the cache was already
// current.
func (d *Downloader) connect(ctx context.Context, r *resource.Resource) (current bool, err error) {
	loc, err := url.Parse(r.Identity.URL)
	if err != nil {
		err = fmt.Errorf("parsing %s: %w", r.Identity.URL, errs.ErrIllegalURL)
		d.fail(r, err)
		return false, err
	}
	version := r.Identity.Version

	if !d.Store.IsCacheable(loc, version) {
		// file:// and similar resources are served from their own path;
		// there is nothing to fetch or cache.
		r.SetLocalFile(loc.Path)
		d.finishConnected(r, true)
		return true, nil
	}

	cacheFile := d.Store.CacheFileFor(loc, version)
	lock := d.Store.LockFor(cacheFile)
	if lockErr := lock.Acquire(); lockErr != nil {
		d.fail(r, lockErr)
		return false, lockErr
	}
	defer func() { lock.Release() }()

	if !d.Runtime.IsOnline() {
		if _, statErr := os.Stat(cacheFile); statErr == nil {
			entry, _ := d.Store.LoadEntry(cacheFile)
			r.SetLocalFile(cacheFile)
			r.SetSize(entry.RemoteContentLength)
			d.finishConnected(r, true)
			return true, nil
		}
		err = fmt.Errorf("offline with no cached copy for %s: %w", loc, errs.ErrNetworkUnreachable)
		d.fail(r, err)
		return false, err
	}

	result, err := d.Prober.FindBestURL(ctx, loc, version, d.optionsFor(r.Identity))
	if err != nil {
		d.fail(r, err)
		return false, err
	}
	r.SetDownloadLocation(result.URL)

	var remoteLastModified time.Time
	if result.LastModified != "" {
		if t, perr := http.ParseTime(result.LastModified); perr == nil {
			remoteLastModified = t
		}
	}

	isCurrent, err := d.Store.IsCurrent(loc, version, remoteLastModified)
	if err != nil {
		d.fail(r, err)
		return false, err
	}
	switch r.UpdatePolicy() {
	case resource.PolicyForce:
		isCurrent = false
	case resource.PolicyNever:
		// A stale cached copy still beats re-downloading; only fall
		// through when nothing is cached at all.
		if !isCurrent {
			if _, statErr := os.Stat(cacheFile); statErr == nil {
				isCurrent = true
			}
		}
	}

	if isCurrent {
		r.SetLocalFile(cacheFile)
		entry, _ := d.Store.LoadEntry(cacheFile)
		r.SetSize(entry.RemoteContentLength)
		d.finishConnected(r, true)
		return true, nil
	}

	// spec.md §4.3.1 step 7: if not current and an old entry already
	// exists, tombstone it and allocate a fresh cache path rather than
	// overwrite it in place, so a reader still holding the stale file
	// is never clobbered mid-read. The old lock is released only after
	// the new one is acquired.
	if _, statErr := os.Stat(cacheFile); statErr == nil {
		oldEntry, _ := d.Store.LoadEntry(cacheFile)
		oldEntry.DeleteFlag = true
		if err = d.Store.StoreEntry(cacheFile, oldEntry); err != nil {
			d.fail(r, err)
			return false, err
		}
		freshFile, allocErr := d.Store.MakeNewCacheFile(loc, version)
		if allocErr != nil {
			d.fail(r, allocErr)
			return false, allocErr
		}
		freshLock := d.Store.LockFor(freshFile)
		if lockErr := freshLock.Acquire(); lockErr != nil {
			d.fail(r, lockErr)
			return false, lockErr
		}
		oldLock := lock
		lock = freshLock
		oldLock.Release()
		cacheFile = freshFile
	}

	r.SetLocalFile(cacheFile)
	r.SetSize(result.ContentLength)
	entry := cacheentry.Entry{
		RemoteContentLength: result.ContentLength,
		LastModified:        remoteLastModified,
	}
	if err = d.Store.StoreEntry(cacheFile, entry); err != nil {
		d.fail(r, err)
		return false, err
	}

	d.finishConnected(r, false)
	return false, nil
}

func (d *Downloader) finishConnected(r *resource.Resource, current bool) {
	if current {
		r.TryTransition(
			resource.StateConnecting, resource.StateError,
			resource.StateConnected|resource.StateDownloaded, resource.StateConnecting|resource.StateProcessing,
		)
		return
	}
	r.TryTransition(
		resource.StateConnecting, resource.StateError,
		resource.StateConnected, resource.StateConnecting,
	)
}

// download implements spec.md §4.3.2: stream the negotiated URL into
// the download-key cache file, decoding packgz or gzip content-encoding
// into the origin-keyed final file when the download key differs from
// it, updating Resource.transferred as bytes arrive.
func (d *Downloader) download(ctx context.Context, r *resource.Resource) {
	loc := r.DownloadLocation()
	if loc == nil {
		parsed, err := url.Parse(r.Identity.URL)
		if err != nil {
			d.fail(r, err)
			return
		}
		loc = parsed
	}
	version := r.Identity.Version
	finalFile := r.LocalFile()

	lock := d.Store.LockFor(finalFile)
	if err := lock.Acquire(); err != nil {
		d.fail(r, err)
		return
	}
	defer lock.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
	if err != nil {
		d.fail(r, err)
		return
	}
	req.Header.Set("Accept-Encoding", "pack200-gzip, gzip")
	resp, err := d.Client.Do(req)
	if err != nil {
		d.fail(r, fmt.Errorf("downloading %s: %w", loc, errs.ErrNetworkUnreachable))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.fail(r, fmt.Errorf("downloading %s: %w", loc, errs.ErrHTTPInvalidStatus))
		return
	}

	// spec.md §4.3.2 step 2: classify content-encoding and pick the
	// download cache key. A packgz/gzip payload is persisted under a
	// synthetic key distinct from the origin so the compressed blob and
	// the decoded artifact live side by side and can be independently
	// swept (spec.md §3's cache layout).
	encoding := resp.Header.Get("Content-Encoding")
	packgz := strings.Contains(encoding, "pack200-gzip")
	gzipped := !packgz && strings.Contains(encoding, "gzip")
	suffix := ""
	switch {
	case packgz:
		suffix = ".pack.gz"
	case gzipped:
		suffix = ".gz"
	}
	downloadFile := finalFile
	if suffix != "" {
		origin, perr := url.Parse(r.Identity.URL)
		if perr != nil {
			d.fail(r, perr)
			return
		}
		downloadFile = d.Store.DownloadCacheFileFor(origin, version, suffix)
	}

	var remoteLastModified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, perr := http.ParseTime(lm); perr == nil {
			remoteLastModified = t
		}
	}

	expected := r.ExpectedIntegrity()
	checksum, verify := expected.BestSingleChecksum(integrity.SHA256)
	var hasher hash.Hash
	if verify {
		if hasher = checksum.Algorithm.Hasher(); hasher == nil {
			d.fail(r, fmt.Errorf("verifying %s: no hasher for %s: %w", loc, checksum.Algorithm, errs.ErrIntegrityMismatch))
			return
		}
	}

	// spec.md §4.3.2 step 4: transfer into the download key unless it's
	// already current. A plain (unencoded) transfer writes directly to
	// the final file, since download key == final key in that case, so
	// it is also where the checksum gets computed.
	downloadEntry, _ := d.Store.LoadEntry(downloadFile)
	plainTransferred := false
	var plainWritten int64
	if downloadEntry.IsCurrent(remoteLastModified) {
		if info, statErr := os.Stat(downloadFile); statErr == nil {
			r.AddTransferred(info.Size())
		}
	} else {
		counted := &countingReader{r: resp.Body, res: r}
		out, openErr := d.Store.OpenOutputStreamAt(downloadFile)
		if openErr != nil {
			d.fail(r, openErr)
			return
		}
		var rawTarget io.Writer = out
		if suffix == "" && verify {
			rawTarget = io.MultiWriter(out, hasher)
		}
		if _, copyErr := chunkedCopy(ctx, rawTarget, counted); copyErr != nil {
			out.Abort()
			d.fail(r, fmt.Errorf("downloading %s: %w", loc, errs.ErrIOFailure))
			return
		}
		written := out.Written()
		if err = out.Close(); err != nil {
			d.fail(r, err)
			return
		}
		if suffix == "" {
			plainTransferred = true
			plainWritten = written
		} else {
			downloadEntry.RemoteContentLength = resp.ContentLength
			downloadEntry.LastModified = remoteLastModified
			downloadEntry.LastUpdated = time.Now()
			if err = d.Store.StoreEntry(downloadFile, downloadEntry); err != nil {
				d.fail(r, err)
				return
			}
		}
	}

	// spec.md §4.3.2 step 4, packgz/gzip branch: decode the stored
	// download-key blob into the final artifact every time this phase
	// runs, regardless of whether the blob itself was freshly
	// transferred, matching "open the stored file, gzip-decode... write
	// to the final file."
	var finalWritten int64
	switch {
	case packgz, gzipped:
		in, openErr := os.Open(downloadFile)
		if openErr != nil {
			d.fail(r, openErr)
			return
		}
		gz, gzErr := gzip.NewReader(in)
		if gzErr != nil {
			in.Close()
			d.fail(r, fmt.Errorf("decoding %s from %s: %w", suffix, loc, errs.ErrDecodeFailure))
			return
		}
		out, openErr := d.Store.OpenOutputStreamAt(finalFile)
		if openErr != nil {
			gz.Close()
			in.Close()
			d.fail(r, openErr)
			return
		}
		var target io.Writer = out
		if verify {
			target = io.MultiWriter(out, hasher)
		}
		var decodeErr error
		if packgz {
			decodeErr = d.Unpacker.Unpack(gz, target)
		} else {
			_, decodeErr = chunkedCopy(ctx, target, gz)
		}
		gz.Close()
		in.Close()
		if decodeErr != nil {
			out.Abort()
			if packgz {
				d.fail(r, fmt.Errorf("unpacking %s: %w", loc, errs.ErrDecodeFailure))
			} else {
				d.fail(r, fmt.Errorf("downloading %s: %w", loc, errs.ErrIOFailure))
			}
			return
		}
		finalWritten = out.Written()
		if err = out.Close(); err != nil {
			d.fail(r, err)
			return
		}
	default:
		if verify && !plainTransferred {
			// The final file was already current on disk; re-hash it so
			// integrity is still checked even though nothing streamed
			// over the wire this call.
			if f, openErr := os.Open(finalFile); openErr == nil {
				io.Copy(hasher, f)
				f.Close()
			}
		}
		if plainTransferred {
			finalWritten = plainWritten
		} else if info, statErr := os.Stat(finalFile); statErr == nil {
			finalWritten = info.Size()
		}
	}

	if verify {
		got := integrity.Checksum{Algorithm: checksum.Algorithm, Hash: hasher.Sum(nil)}
		if !got.Equals(checksum) {
			d.fail(r, fmt.Errorf("verifying %s: %w", loc, errs.ErrIntegrityMismatch))
			return
		}
	}

	// spec.md §4.3.2 step 5: if the download key differs from the final
	// key, record the decoded length on the origin entry and tombstone
	// the download entry — the compressed blob is then swept
	// independently of the decoded artifact it produced.
	originEntry, _ := d.Store.LoadEntry(finalFile)
	originEntry.OriginalContentLength = finalWritten
	originEntry.LastUpdated = time.Now()
	if err = d.Store.StoreEntry(finalFile, originEntry); err != nil {
		d.fail(r, err)
		return
	}
	if suffix != "" {
		downloadEntry.DeleteFlag = true
		if err = d.Store.StoreEntry(downloadFile, downloadEntry); err != nil {
			d.fail(r, err)
			return
		}
	}

	r.SetSize(finalWritten)
	r.TryTransition(
		resource.StateDownloading, resource.StateError,
		resource.StateDownloaded, resource.StateDownloading|resource.StateProcessing,
	)
}

func (d *Downloader) fail(r *resource.Resource, err error) {
	logging.Warningf("resource %s: %v", r.Identity.URL, err)
	r.TryTransition(
		0, 0,
		resource.StateError,
		resource.StatePreconnect|resource.StateConnecting|resource.StatePredownload|resource.StateDownloading|resource.StateProcessing,
	)
}

func (d *Downloader) optionsFor(id resource.Identity) urlprober.DownloadOptions {
	if d.Options != nil {
		return d.Options(id)
	}
	return urlprober.DownloadOptions{UseVersionSuffix: id.Version != "", UsePackSuffix: true}
}

// countingReader adds every byte read off the wire to the resource's
// transferred counter, regardless of which decode branch consumes it,
// so Tracker.AmountRead reflects network progress rather than decoded
// output size.
type countingReader struct {
	r   io.Reader
	res *resource.Resource
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.res.AddTransferred(int64(n))
	}
	return n, err
}

// chunkedCopy streams in into out in fixed-size chunks, checking ctx
// between reads so a cancelled wait_for can unwind a stuck transfer
// promptly instead of waiting for an OS-level read timeout.
func chunkedCopy(ctx context.Context, out io.Writer, in io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}
