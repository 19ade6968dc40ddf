// Package daemon ties the pieces together: it runs the reconciliation
// loop and the image promotion loop over every application, each on its
// own cadence, and reacts to desired-state change notifications in
// between ticks.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/gitopsd/gitopsd/pkg/apps"
	"github.com/gitopsd/gitopsd/pkg/metrics"
	"github.com/gitopsd/gitopsd/pkg/promote"
	"github.com/gitopsd/gitopsd/pkg/reconcile"
)

const defaultWorkers = 4

type Daemon struct {
	Reconciler *reconcile.Reconciler
	Promoter   *promote.Agent
	Apps       *apps.Registry
	Logger     log.Logger

	// Workers bounds how many applications reconcile at once.
	Workers int

	LoopVars
}

// reconcileAll runs one reconciliation pass over every application,
// Workers at a time. Applications are independent: one failing leaves
// the others untouched.
func (d *Daemon) reconcileAll(logger log.Logger) (retErr error) {
	started := time.Now()
	defer func() {
		syncDuration.With(
			metrics.LabelSuccess, fmt.Sprint(retErr == nil),
		).Observe(time.Since(started).Seconds())
	}()

	names := d.Apps.Names()
	applications.With().Set(float64(len(names)))

	workers := d.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sem := make(chan struct{}, workers)

	var (
		mu     sync.Mutex
		failed int
		wg     sync.WaitGroup
	)
	for _, name := range names {
		wg.Add(1)
		sem <- struct{}{}
		go func(name string) {
			defer wg.Done()
			defer func() { <-sem }()

			appStart := time.Now()
			_, err := d.Reconciler.Reconcile(context.Background(), name)
			applicationDuration.With(
				metrics.LabelApplication, name,
				metrics.LabelSuccess, fmt.Sprint(err == nil),
			).Observe(time.Since(appStart).Seconds())
			if err != nil {
				logger.Log("application", name, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d applications failed to reconcile", failed, len(names))
	}
	return nil
}

// pollImages runs one promotion poll. A successful poll that committed
// updates warrants a sync straight away, rather than waiting for the
// store notification or the next tick.
func (d *Daemon) pollImages(logger log.Logger) {
	started := time.Now()
	updates, err := d.Promoter.Poll(context.Background())
	pollDuration.With(
		metrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Log("err", err)
		return
	}
	if len(updates) > 0 {
		d.AskForSync()
	}
}
