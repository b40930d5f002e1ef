package urlprober

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/tweag/resourcetracker/errs"
	"github.com/tweag/resourcetracker/runtimeenv"
)

type singleCandidate struct{ u *url.URL }

func (s singleCandidate) CandidatesFor(*url.URL, string, DownloadOptions) []*url.URL {
	return []*url.URL{s.u}
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %s: %v", raw, err)
	}
	return u
}

func TestFindBestURLSucceedsOnFirstCandidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u := mustParse(t, srv.URL+"/app.jar")
	p := New(srv.Client(), singleCandidate{u}, &runtimeenv.Config{AllowRedirect: true})

	result, err := p.FindBestURL(t.Context(), u, "", DownloadOptions{})
	if err != nil {
		t.Fatalf("FindBestURL: %v", err)
	}
	if result.URL.String() != u.String() {
		t.Fatalf("result URL = %s, want %s", result.URL, u)
	}
}

func TestFindBestURLFollowsAllowedRedirect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old.jar", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new.jar", http.StatusFound)
	})
	mux.HandleFunc("/new.jar", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := mustParse(t, srv.URL+"/old.jar")
	p := New(srv.Client(), singleCandidate{u}, &runtimeenv.Config{AllowRedirect: true})

	result, err := p.FindBestURL(t.Context(), u, "", DownloadOptions{})
	if err != nil {
		t.Fatalf("FindBestURL: %v", err)
	}
	if result.URL.Path != "/new.jar" {
		t.Fatalf("result URL path = %s, want /new.jar", result.URL.Path)
	}
}

func TestFindBestURLRejectsRedirectWhenDisallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/old.jar", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new.jar", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u := mustParse(t, srv.URL+"/old.jar")
	p := New(srv.Client(), singleCandidate{u}, &runtimeenv.Config{AllowRedirect: false})

	_, err := p.FindBestURL(t.Context(), u, "", DownloadOptions{})
	if err == nil {
		t.Fatal("expected an error when redirects are disallowed")
	}
	if !errors.Is(err, errs.ErrRedirectionDisallowed) {
		t.Fatalf("error = %v, want ErrRedirectionDisallowed", err)
	}
}

func TestFindBestURLClassifiesInvalidStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	u := mustParse(t, srv.URL+"/missing.jar")
	p := New(srv.Client(), singleCandidate{u}, &runtimeenv.Config{AllowRedirect: true})

	_, err := p.FindBestURL(t.Context(), u, "", DownloadOptions{})
	if !errors.Is(err, errs.ErrHTTPInvalidStatus) {
		t.Fatalf("error = %v, want ErrHTTPInvalidStatus", err)
	}
}

func TestDefaultURLCreatorOrdersPackSuffixFirst(t *testing.T) {
	loc := mustParse(t, "https://example.com/app.jar")
	candidates := DefaultURLCreator{}.CandidatesFor(loc, "1.0", DownloadOptions{UseVersionSuffix: true, UsePackSuffix: true})

	want := []string{
		"https://example.com/app.jar.pack.gz",
		"https://example.com/app.jar-1.0.pack.gz",
		"https://example.com/app.jar-1.0",
		"https://example.com/app.jar",
	}
	if len(candidates) != len(want) {
		t.Fatalf("got %d candidates, want %d: %v", len(candidates), len(want), candidates)
	}
	for i, c := range candidates {
		if c.String() != want[i] {
			t.Errorf("candidate[%d] = %s, want %s", i, c, want[i])
		}
	}
}
