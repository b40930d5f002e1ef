package tracker

import "github.com/tweag/resourcetracker/resource"

// UpdatePolicy is re-exported here so callers can import one package
// for the whole public Tracker surface; resource.Resource itself holds
// the enum so it can store a policy without importing tracker.
type UpdatePolicy = resource.UpdatePolicy

const (
	PolicySession = resource.PolicySession
	PolicyAlways  = resource.PolicyAlways
	PolicyForce   = resource.PolicyForce
	PolicyNever   = resource.PolicyNever
)
