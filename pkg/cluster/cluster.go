package cluster

import (
	"context"
	"strings"

	"github.com/gitopsd/gitopsd/pkg/resource"
)

// OwnershipLabel marks resources as managed by a particular
// application, so that observation can find everything an application
// has ever created, and pruning never touches resources that belong to
// no application or to a different one.
const OwnershipLabel = "gitopsd.io/application"

// Cluster is the live cluster, reachable only through this interface.
// Writes express enactment of desired state, never intent; intent lives
// solely in the desired-state store.
type Cluster interface {
	// Export returns all resources in the namespace carrying the
	// ownership label for the named application. An application that
	// has never been synced yields an empty set, not an error.
	Export(ctx context.Context, namespace, application string) (*resource.Set, error)
	// Apply creates or updates the resource, stamping the ownership
	// label for the application.
	Apply(ctx context.Context, application string, res resource.Resource) error
	// Delete removes the resource.
	Delete(ctx context.Context, res resource.Resource) error
}

// ResourceError is the failure of one resource within a sync.
type ResourceError struct {
	ResourceID resource.ID
	Source     string
	Error      error
}

// SyncError collects per-resource failures; a sync that applied some
// resources but not others reports one of these rather than giving up
// at the first failure.
type SyncError []ResourceError

func (err SyncError) Error() string {
	var errs []string
	for _, e := range err {
		errs = append(errs, e.ResourceID.String()+": "+e.Error.Error())
	}
	return strings.Join(errs, "; ")
}

// Labeled returns a copy of the resource's object with the ownership
// label set. Implementations use it so the label convention stays in
// one place.
func Labeled(application string, res resource.Resource) map[string]interface{} {
	body := deepCopy(res.Object()).(map[string]interface{})
	meta, _ := body["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		body["metadata"] = meta
	}
	labels, _ := meta["labels"].(map[string]interface{})
	if labels == nil {
		labels = map[string]interface{}{}
		meta["labels"] = labels
	}
	labels[OwnershipLabel] = application
	return body
}

func deepCopy(v interface{}) interface{} {
	switch v := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = deepCopy(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
