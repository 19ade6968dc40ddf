package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/gitopsd/gitopsd/pkg/apps"
	"github.com/gitopsd/gitopsd/pkg/cluster"
	gerrors "github.com/gitopsd/gitopsd/pkg/errors"
	"github.com/gitopsd/gitopsd/pkg/event"
	"github.com/gitopsd/gitopsd/pkg/render"
	"github.com/gitopsd/gitopsd/pkg/resource"
	"github.com/gitopsd/gitopsd/pkg/store"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBackoff    = 500 * time.Millisecond
)

// Reconciler drives applications towards their desired state. It never
// initiates image changes; it only reacts to what the desired-state
// store says, whoever committed it.
type Reconciler struct {
	Store    store.Store
	Renderer render.Renderer
	Cluster  cluster.Cluster
	Apps     *apps.Registry
	Logger   log.Logger

	// Timeout bounds each external call (store read, observe, apply).
	Timeout time.Duration
	// MaxRetries bounds retries of transient failures within one cycle.
	MaxRetries int
	// Backoff is the initial retry delay; it doubles per attempt.
	Backoff time.Duration
	// Events, if set, receives a record of each completed sync.
	Events event.Sink

	mu     sync.Mutex
	states map[string]*appState
}

// appState carries what the reconciler remembers about one application
// between cycles. Its mutex serializes reconciliations: two cycles for
// the same application never overlap.
type appState struct {
	mu   sync.Mutex
	last SyncStatus
	// failedRender is the revision whose render failed; that revision
	// is not retried, only a new commit clears it.
	failedRender store.Ref
}

func (r *Reconciler) state(name string) *appState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = map[string]*appState{}
	}
	st, ok := r.states[name]
	if !ok {
		st = &appState{last: SyncStatus{Application: name, Status: StatusUnknown}}
		r.states[name] = st
	}
	return st
}

// Status returns the last recorded status for the application;
// StatusUnknown if it has never been reconciled.
func (r *Reconciler) Status(name string) SyncStatus {
	st := r.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.last
}

// StatusAll returns the last recorded status of every known
// application.
func (r *Reconciler) StatusAll() []SyncStatus {
	var out []SyncStatus
	for _, name := range r.Apps.Names() {
		out = append(out, r.Status(name))
	}
	return out
}

// Reconcile runs one reconciliation cycle for the named application and
// returns the resulting status. The returned error reflects a cycle
// that could not run (also recorded as StatusError); divergence under
// manual policy is not an error.
func (r *Reconciler) Reconcile(ctx context.Context, name string) (SyncStatus, error) {
	app, err := r.Apps.Get(name)
	if err != nil {
		return SyncStatus{Application: name, Status: StatusError, At: time.Now().UTC(), Errors: []string{err.Error()}}, err
	}

	st := r.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	started := time.Now().UTC()
	status, err := r.reconcile(ctx, app, st, started)
	status.Application = name
	status.At = time.Now().UTC()
	st.last = status

	if r.Events != nil {
		level := event.LogLevelInfo
		var msg string
		if err != nil {
			level = event.LogLevelError
			msg = err.Error()
		}
		r.Events.LogEvent(event.Event{
			Application: name,
			Type:        event.EventSync,
			StartedAt:   started,
			EndedAt:     status.At,
			LogLevel:    level,
			Message:     msg,
			Metadata:    status,
		})
	}
	return status, err
}

func (r *Reconciler) reconcile(ctx context.Context, app *apps.Application, st *appState, started time.Time) (SyncStatus, error) {
	logger := log.With(r.Logger, "application", app.Name)

	// Resolve the revision to deploy.
	rev := store.Ref(app.Source.TargetRevision)
	if rev == "" {
		err := r.retryTransient(ctx, func(opCtx context.Context) error {
			var headErr error
			rev, headErr = r.Store.Head(opCtx)
			return headErr
		})
		if err != nil {
			logger.Log("err", errors.Wrap(err, "resolving head of desired-state source"))
			return errorStatus(rev, err), err
		}
	}

	// A revision that failed to render once will fail again; don't
	// retry until a new commit moves the revision on.
	if st.failedRender != "" && st.failedRender == rev {
		err := errors.Errorf("revision %s failed to render previously; a new commit is required", rev)
		return errorStatus(rev, err), err
	}

	var tree store.Tree
	err := r.retryTransient(ctx, func(opCtx context.Context) error {
		var coErr error
		tree, coErr = r.Store.Checkout(opCtx, rev)
		return coErr
	})
	if err != nil {
		logger.Log("err", errors.Wrap(err, "checking out desired state"))
		return errorStatus(rev, err), err
	}

	desired, err := r.Renderer.Render(tree, app.Source.ChartPath, app.Source.Path, app.Destination.Namespace, nil)
	if err != nil {
		if gerrors.IsRender(err) {
			st.failedRender = rev
		}
		logger.Log("err", errors.Wrap(err, "rendering desired state"))
		return errorStatus(rev, err), err
	}
	st.failedRender = ""

	var actual *resource.Set
	err = r.retryTransient(ctx, func(opCtx context.Context) error {
		var obsErr error
		actual, obsErr = r.Cluster.Export(opCtx, app.Destination.Namespace, app.Name)
		return obsErr
	})
	if err != nil {
		logger.Log("err", errors.Wrap(err, "observing cluster state"))
		return errorStatus(rev, err), err
	}

	diffs, err := Diff(app.Name, desired, actual, app.SyncPolicy.Prune)
	if err != nil {
		return errorStatus(rev, err), err
	}

	if len(diffs) == 0 {
		return SyncStatus{Status: StatusSynced, Revision: rev}, nil
	}

	if !app.SyncPolicy.Automated {
		logger.Log("info", "out of sync; sync policy is manual", "resources", len(diffs))
		return SyncStatus{Status: StatusOutOfSync, Revision: rev, Diff: diffs}, nil
	}

	// Enact. An in-flight cycle always completes its applies; a newer
	// revision waits for the next cycle.
	var syncErrs cluster.SyncError
	for _, d := range diffs {
		var applyErr error
		switch d.Action {
		case ActionPrune:
			res, _ := actual.Get(d.ResourceID)
			applyErr = r.retryTransient(ctx, func(opCtx context.Context) error {
				return r.Cluster.Delete(opCtx, res)
			})
		default:
			res, _ := desired.Get(d.ResourceID)
			applyErr = r.retryTransient(ctx, func(opCtx context.Context) error {
				return r.Cluster.Apply(opCtx, app.Name, res)
			})
		}
		if applyErr != nil {
			res, ok := desired.Get(d.ResourceID)
			source := ""
			if ok {
				source = res.Source()
			}
			syncErrs = append(syncErrs, cluster.ResourceError{ResourceID: d.ResourceID, Source: source, Error: applyErr})
		}
	}

	if len(syncErrs) > 0 {
		logger.Log("err", syncErrs, "applied", len(diffs)-len(syncErrs), "failed", len(syncErrs))
		status := SyncStatus{Status: StatusDegraded, Revision: rev, Diff: diffs}
		for _, e := range syncErrs {
			status.Errors = append(status.Errors, e.ResourceID.String()+": "+e.Error.Error())
		}
		return status, nil
	}

	logger.Log("info", "synced", "revision", rev, "applied", len(diffs), "took", time.Since(started).String())
	return SyncStatus{Status: StatusSynced, Revision: rev, Diff: diffs}, nil
}

// retryTransient runs f under the per-call timeout, retrying transient
// failures with doubling backoff up to MaxRetries. Non-transient
// failures return immediately.
func (r *Reconciler) retryTransient(ctx context.Context, f func(context.Context) error) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var err error
	for attempt := 0; ; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		err = f(opCtx)
		cancel()
		if err == nil || !gerrors.IsTransient(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func errorStatus(rev store.Ref, err error) SyncStatus {
	return SyncStatus{Status: StatusError, Revision: rev, Errors: []string{err.Error()}}
}
