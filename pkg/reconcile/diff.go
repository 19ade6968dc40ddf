package reconcile

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"

	"github.com/gitopsd/gitopsd/pkg/cluster"
	"github.com/gitopsd/gitopsd/pkg/resource"
)

// Diff computes the corrective actions that would bring actual state to
// desired state:
//
//	present only in desired        -> create
//	present in both but different  -> update, with a merge patch naming
//	                                  exactly the differing fields
//	present only in actual         -> prune (only if pruning is enabled;
//	                                  otherwise the resource is ignored)
//
// Desired resources are compared as they would be applied, i.e., with
// the ownership label stamped on.
func Diff(application string, desired, actual *resource.Set, prune bool) ([]ResourceDiff, error) {
	var diffs []ResourceDiff

	for _, id := range desired.IDs() {
		des, _ := desired.Get(id)
		act, inCluster := actual.Get(id)
		if !inCluster {
			diffs = append(diffs, ResourceDiff{ResourceID: id, Action: ActionCreate})
			continue
		}
		patch, same, err := mergePatch(application, des, act)
		if err != nil {
			return nil, err
		}
		if !same {
			diffs = append(diffs, ResourceDiff{ResourceID: id, Action: ActionUpdate, Patch: patch})
		}
	}

	if prune {
		desiredIDs := map[resource.ID]struct{}{}
		for _, id := range desired.IDs() {
			desiredIDs[id] = struct{}{}
		}
		for _, id := range actual.SortedIDs() {
			if _, ok := desiredIDs[id]; !ok {
				diffs = append(diffs, ResourceDiff{ResourceID: id, Action: ActionPrune})
			}
		}
	}

	return diffs, nil
}

// mergePatch returns the merge patch that turns actual into desired,
// and whether the two are structurally identical.
func mergePatch(application string, desired, actual resource.Resource) (json.RawMessage, bool, error) {
	desiredJSON, err := json.Marshal(cluster.Labeled(application, desired))
	if err != nil {
		return nil, false, errors.Wrapf(err, "encoding desired %s", desired.ResourceID())
	}
	actualJSON, err := json.Marshal(normalize(actual.Object()))
	if err != nil {
		return nil, false, errors.Wrapf(err, "encoding actual %s", actual.ResourceID())
	}
	patch, err := jsonpatch.CreateMergePatch(actualJSON, desiredJSON)
	if err != nil {
		return nil, false, errors.Wrapf(err, "diffing %s", desired.ResourceID())
	}
	if string(patch) == "{}" {
		return nil, true, nil
	}
	return patch, false, nil
}

// Fields the cluster populates on its own; their presence on the actual
// object is not divergence.
var serverManagedMetadata = []string{
	"creationTimestamp",
	"resourceVersion",
	"uid",
	"generation",
	"managedFields",
	"selfLink",
}

func normalize(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "status" {
			continue
		}
		out[k] = v
	}
	if meta, ok := out["metadata"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			cleaned[k] = v
		}
		for _, k := range serverManagedMetadata {
			delete(cleaned, k)
		}
		out["metadata"] = cleaned
	}
	return out
}
