package api

import (
	"github.com/tweag/resourcetracker/integrity"
	"github.com/tweag/resourcetracker/resource"
)

// ResourceRequest is a caller's description of a single artifact to
// track, as it would arrive from a launcher's descriptor (e.g. a JNLP
// resources block). It carries no bytes, only metadata; Tracker.AddResource
// takes the resource.Identity it resolves to.
type ResourceRequest struct {
	URL       string
	Version   string
	Integrity integrity.Integrity
	Policy    resource.UpdatePolicy
	// SizeHint is the expected size in bytes, if known from the
	// descriptor. -1 if unknown; it is advisory only and is never
	// checked against the downloaded content.
	SizeHint int64
}

func (r ResourceRequest) Identity() resource.Identity {
	return resource.Identity{URL: r.URL, Version: r.Version}
}
