package alert

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"farmcorner/domain"
	"farmcorner/storage"
	"farmcorner/syncer"
)

// Refresher triggers a background refresh of a collection.
type Refresher interface {
	Load(key string, onUpdate syncer.UpdateFunc) []domain.Record
}

// Runner drives the engine on a fixed interval and immediately whenever the
// spray log changes. Each tick also refreshes the broadcast alert list.
type Runner struct {
	engine    *Engine
	notifier  *storage.Notifier
	refresher Refresher
	interval  time.Duration
	now       func() time.Time
	logger    *log.Logger

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewRunner creates a stopped runner. notifier and refresher are optional.
func NewRunner(engine *Engine, notifier *storage.Notifier, refresher Refresher, interval time.Duration, logger *log.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{
		engine:    engine,
		notifier:  notifier,
		refresher: refresher,
		interval:  interval,
		now:       time.Now,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the polling loop. The first evaluation runs immediately.
// Calls after the first are ignored.
func (r *Runner) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	var changes chan storage.Change
	if r.notifier != nil {
		changes = r.notifier.Subscribe()
	}
	go r.loop(changes)
}

// Stop clears the ticker, drops the change subscription and waits for the
// loop to exit. In-flight refreshes are left to finish on their own.
func (r *Runner) Stop() {
	r.once.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}

func (r *Runner) loop(changes chan storage.Change) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	if changes != nil {
		defer r.notifier.Unsubscribe(changes)
	}

	r.poll()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.poll()
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if c.Key == domain.KeySprayLog {
				r.engine.Tick(r.now())
			}
		}
	}
}

func (r *Runner) poll() {
	if r.refresher != nil {
		r.refresher.Load(domain.KeyFlashNews, nil)
		r.refresher.Load(domain.KeySprayLog, nil)
	}
	r.engine.Tick(r.now())
}
