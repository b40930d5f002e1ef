// Package runtimeenv implements the ambient Runtime collaborator from
// spec.md §6: the engine asks it whether it's allowed to touch the
// network at all, and whether redirects may be followed, rather than
// deciding those policies itself.
package runtimeenv

import (
	"context"
	"net/http"
	"time"
)

// Runtime is the contract the connect phase and UrlProber consult.
type Runtime interface {
	IsOnline() bool
	IsOfflineForced() bool
	DetectOnline(url string) bool
	IsAllowRedirect() bool
}

// Config is the production Runtime, backed by static configuration
// plus a live reachability probe.
type Config struct {
	OfflineForced bool
	AllowRedirect bool
	Client        *http.Client
}

func (c *Config) IsOnline() bool {
	return !c.OfflineForced
}

func (c *Config) IsOfflineForced() bool {
	return c.OfflineForced
}

func (c *Config) IsAllowRedirect() bool {
	return c.AllowRedirect
}

// DetectOnline issues a short-timeout HEAD request to decide whether
// the origin is currently reachable. Failure means offline, not error:
// any request failure is reported as a false return. IsOnline does not
// consult it.
func (c *Config) DetectOnline(rawURL string) bool {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest(http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	req = req.WithContext(ctx)
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

const probeTimeout = 5 * time.Second
