package store

import "fmt"

// Resource names a class of key this store manages.
type Resource string

const (
	ResourceJob   Resource = "jobs"
	ResourceUsage Resource = "usage"
	ResourceLease Resource = "lease"
	ResourceIdem  Resource = "idem"
)

// key builds a fully qualified Redis key: diagbroker:{resource}:{id}.
func key(resource Resource, id string) string {
	return fmt.Sprintf("diagbroker:%s:%s", resource, id)
}
