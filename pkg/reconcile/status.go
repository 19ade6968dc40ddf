package reconcile

import (
	"encoding/json"
	"time"

	"github.com/gitopsd/gitopsd/pkg/resource"
	"github.com/gitopsd/gitopsd/pkg/store"
)

// Status summarises one application's agreement with its desired state.
type Status string

const (
	// StatusUnknown: never reconciled.
	StatusUnknown Status = "Unknown"
	// StatusSynced: actual state matches desired state.
	StatusSynced Status = "Synced"
	// StatusOutOfSync: divergence detected and, under manual policy,
	// not corrected.
	StatusOutOfSync Status = "OutOfSync"
	// StatusDegraded: the sync ran but some resources failed to apply.
	StatusDegraded Status = "Degraded"
	// StatusError: the reconciliation cycle itself could not run.
	StatusError Status = "Error"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionPrune  Action = "prune"
)

// ResourceDiff is one resource's divergence. For updates, Patch is a
// JSON merge patch naming exactly the fields that differ.
type ResourceDiff struct {
	ResourceID resource.ID     `json:"resource"`
	Action     Action          `json:"action"`
	Patch      json.RawMessage `json:"patch,omitempty"`
}

// SyncStatus is the recorded outcome of an application's latest
// reconciliation.
type SyncStatus struct {
	Application string         `json:"application"`
	Status      Status         `json:"status"`
	Revision    store.Ref      `json:"revision,omitempty"`
	At          time.Time      `json:"at"`
	Diff        []ResourceDiff `json:"diff,omitempty"`
	// Errors carries per-resource apply failures (Degraded) or the
	// cycle failure (Error), in human-readable form.
	Errors []string `json:"errors,omitempty"`
}

// Equivalent reports whether two statuses describe the same outcome,
// ignoring the timestamp.
func (s SyncStatus) Equivalent(other SyncStatus) bool {
	if s.Application != other.Application || s.Status != other.Status || s.Revision != other.Revision {
		return false
	}
	if len(s.Diff) != len(other.Diff) || len(s.Errors) != len(other.Errors) {
		return false
	}
	for i := range s.Diff {
		if s.Diff[i].ResourceID != other.Diff[i].ResourceID ||
			s.Diff[i].Action != other.Diff[i].Action ||
			string(s.Diff[i].Patch) != string(other.Diff[i].Patch) {
			return false
		}
	}
	for i := range s.Errors {
		if s.Errors[i] != other.Errors[i] {
			return false
		}
	}
	return true
}
