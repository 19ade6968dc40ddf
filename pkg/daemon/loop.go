package daemon

import (
	"sync"
	"time"

	"github.com/go-kit/kit/log"
)

type LoopVars struct {
	SyncInterval time.Duration
	PollInterval time.Duration

	initOnce sync.Once
	syncSoon chan struct{}
	pollSoon chan struct{}
}

func (loop *LoopVars) ensureInit() {
	loop.initOnce.Do(func() {
		loop.syncSoon = make(chan struct{}, 1)
		loop.pollSoon = make(chan struct{}, 1)
	})
}

func (d *Daemon) Loop(stop chan struct{}, wg *sync.WaitGroup, logger log.Logger) {
	defer wg.Done()
	d.ensureInit()

	// We want to sync at least every SyncInterval. Being told to sync,
	// or a promotion landing a commit, may intervene (in which case,
	// reschedule the next sync).
	syncTimer := time.NewTimer(d.SyncInterval)
	// Similarly for checking whether any application has new images
	// available.
	pollTimer := time.NewTimer(d.PollInterval)

	// Sync and poll straight away on startup.
	d.AskForSync()
	d.AskForPoll()

	for {
		select {
		case <-stop:
			logger.Log("stopping", "true")
			return
		case <-d.pollSoon:
			if !pollTimer.Stop() {
				select {
				case <-pollTimer.C:
				default:
				}
			}
			d.pollImages(logger)
			pollTimer.Reset(d.PollInterval)
		case <-pollTimer.C:
			d.AskForPoll()
		case <-d.syncSoon:
			if !syncTimer.Stop() {
				select {
				case <-syncTimer.C:
				default:
				}
			}
			if err := d.reconcileAll(logger); err != nil {
				logger.Log("err", err)
			}
			syncTimer.Reset(d.SyncInterval)
		case <-syncTimer.C:
			d.AskForSync()
		case <-d.Reconciler.Store.Notify():
			// The desired state moved; don't wait for the tick.
			logger.Log("event", "desired state changed")
			d.AskForSync()
		}
	}
}

// Ask for a sync, or if there's one waiting, let that happen.
func (d *LoopVars) AskForSync() {
	d.ensureInit()
	select {
	case d.syncSoon <- struct{}{}:
	default:
	}
}

// Ask for an image poll, or if there's one waiting, let that happen.
func (d *LoopVars) AskForPoll() {
	d.ensureInit()
	select {
	case d.pollSoon <- struct{}{}:
	default:
	}
}
