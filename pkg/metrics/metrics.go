// Shared metrics vocabulary. Per-package metrics are defined in their
// own metrics.go files; this holds the label names they have in common.
package metrics

const (
	LabelApplication = "application"
	LabelSuccess     = "success"
	LabelStrategy    = "strategy"
	LabelAction      = "action"
	LabelMethod      = "method"
	LabelRoute       = "route"
)
