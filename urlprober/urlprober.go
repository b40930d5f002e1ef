// Package urlprober implements the UrlProber component from spec.md
// §4.4: given a resource, enumerate candidate URLs and probe them with
// HEAD then GET until one answers success, following redirects under
// policy.
package urlprober

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tweag/resourcetracker/errs"
	"github.com/tweag/resourcetracker/internal/logging"
	"github.com/tweag/resourcetracker/runtimeenv"
)

// DownloadOptions is the small per-identity mapping from spec.md §3:
// whether the URL generator should produce version-suffixed and
// pack-suffixed candidate forms for a given resource.
type DownloadOptions struct {
	UseVersionSuffix bool
	UsePackSuffix    bool
}

// ResourceUrlCreator is the external URL generator spec.md §4.4 names:
// it produces the candidate forms (version-suffixed, pack-suffixed)
// for a resource's base location.
type ResourceUrlCreator interface {
	CandidatesFor(location *url.URL, version string, opts DownloadOptions) []*url.URL
}

// Prober probes candidate URLs and selects the first one that answers
// success.
type Prober struct {
	Client  *http.Client
	Creator ResourceUrlCreator
	Runtime runtimeenv.Runtime
}

// New creates a Prober. The HTTP client's redirect policy is forced to
// stop at the first hop (CheckRedirect returns http.ErrUseLastResponse)
// so this package - not the stdlib client - makes every redirect
// decision, per spec.md §4.4.
func New(client *http.Client, creator ResourceUrlCreator, rt runtimeenv.Runtime) *Prober {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Prober{Client: &c, Creator: creator, Runtime: rt}
}

var probeMethods = []string{http.MethodHead, http.MethodGet}

// redirectStatuses are the codes spec.md §4.4 classifies as redirects.
// 303 is kept deliberately, per spec.md §9's Open Question resolution.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true, // 301
	http.StatusFound:             true, // 302
	http.StatusSeeOther:          true, // 303
	http.StatusTemporaryRedirect: true, // 307
	http.StatusPermanentRedirect: true, // 308
}

// Result is what FindBestURL learned about the winning candidate.
type Result struct {
	URL            *url.URL
	ContentLength  int64 // -1 if unknown
	LastModified   string
	ContentEncoding string
}

// FindBestURL enumerates candidates for r and probes them with HEAD
// then GET, breadth-first over redirects, until one answers success.
func (p *Prober) FindBestURL(ctx context.Context, loc *url.URL, version string, opts DownloadOptions) (Result, error) {
	candidates := p.Creator.CandidatesFor(loc, version, opts)
	visited := make(map[string]bool)

	var sawIOError, sawInvalidStatus bool

	for i := 0; i < len(candidates); i++ {
		u := candidates[i]
		for _, method := range probeMethods {
			visitKey := method + " " + u.String()
			if visited[visitKey] {
				continue
			}
			visited[visitKey] = true

			resp, err := p.probe(ctx, method, u)
			if err != nil {
				logging.Debugf("probing %s %s: %v", method, u, err)
				sawIOError = true
				continue
			}

			switch {
			case redirectStatuses[resp.StatusCode] && resp.Header.Get("Location") != "":
				if !p.Runtime.IsAllowRedirect() {
					return Result{}, fmt.Errorf("probing %s: %w", u, errs.ErrRedirectionDisallowed)
				}
				target, err := u.Parse(resp.Header.Get("Location"))
				if err != nil {
					logging.Debugf("invalid redirect target from %s: %v", u, err)
					sawInvalidStatus = true
					continue
				}
				candidates = append(candidates, target)
				continue
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				sawInvalidStatus = true
				continue
			default:
				return Result{
					URL:             u,
					ContentLength:   resp.ContentLength,
					LastModified:    resp.Header.Get("Last-Modified"),
					ContentEncoding: resp.Header.Get("Content-Encoding"),
				}, nil
			}
		}
	}

	switch {
	case sawInvalidStatus:
		return Result{}, fmt.Errorf("probed %d candidates: %w", len(candidates), errs.ErrHTTPInvalidStatus)
	case sawIOError:
		return Result{}, fmt.Errorf("probed %d candidates: %w", len(candidates), errs.ErrNetworkUnreachable)
	default:
		return Result{}, fmt.Errorf("no candidates to probe: %w", errs.ErrNetworkUnreachable)
	}
}

func (p *Prober) probe(ctx context.Context, method string, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building %s request for %s: %w", method, u, err)
	}
	req.Header.Set("Accept-Encoding", "pack200-gzip, gzip")
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	// Drain and close the body immediately; spec.md §4.4 requires this
	// regardless of method so the underlying connection can be reused.
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return resp, nil
}

// DefaultURLCreator produces the version-suffixed and pack-suffixed
// variants spec.md §4.4 mentions, in addition to the plain location.
// Pack-suffixed candidates are tried first since a successful packgz
// negotiation saves the most bandwidth.
type DefaultURLCreator struct{}

func (DefaultURLCreator) CandidatesFor(location *url.URL, version string, opts DownloadOptions) []*url.URL {
	var out []*url.URL
	base := *location

	if opts.UsePackSuffix {
		packed := base
		packed.Path += ".pack.gz"
		out = append(out, &packed)
		if opts.UseVersionSuffix && version != "" {
			versionedPacked := base
			versionedPacked.Path += "-" + version + ".pack.gz"
			out = append(out, &versionedPacked)
		}
	}
	if opts.UseVersionSuffix && version != "" {
		versioned := base
		versioned.Path += "-" + version
		out = append(out, &versioned)
	}
	out = append(out, &base)
	return out
}
