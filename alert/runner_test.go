package alert

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"farmcorner/domain"
	"farmcorner/storage"
	"farmcorner/syncer"
)

type countingRefresher struct {
	mu   sync.Mutex
	keys []string
}

func (c *countingRefresher) Load(key string, _ syncer.UpdateFunc) []domain.Record {
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.mu.Unlock()
	return nil
}

func (c *countingRefresher) loads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunnerTicksAndStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memStore{records: []domain.Record{task("overdue", now.Add(-time.Hour), false)}}
	speaker := &recordingSpeaker{}
	e := NewEngine(store, store, speaker, quietLogger())
	refresher := &countingRefresher{}
	notifier := storage.NewNotifier()

	r := NewRunner(e, notifier, refresher, 10*time.Millisecond, quietLogger())
	r.now = func() time.Time { return now }
	r.Start()

	waitFor(t, func() bool { return speaker.count() == 1 && refresher.loads() >= 4 })
	r.Stop()
	r.Stop()

	if speaker.count() != 1 {
		t.Fatalf("overdue task announced %d times", speaker.count())
	}
}

func TestRunnerReactsToTaskChanges(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memStore{}
	speaker := &recordingSpeaker{}
	e := NewEngine(store, store, speaker, quietLogger())
	notifier := storage.NewNotifier()

	r := NewRunner(e, notifier, nil, time.Hour, quietLogger())
	r.now = func() time.Time { return now }
	r.Start()
	defer r.Stop()

	// Let the initial evaluation run against the empty collection.
	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	store.records = []domain.Record{task("late", now.Add(-time.Hour), false)}
	store.mu.Unlock()

	notifier.Publish(storage.Change{Key: domain.KeyForumPosts, Origin: storage.OriginLocal})
	notifier.Publish(storage.Change{Key: domain.KeySprayLog, Origin: storage.OriginExternal})

	waitFor(t, func() bool { return speaker.count() == 1 })
}

func TestRunnerStopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &memStore{}
	r := NewRunner(NewEngine(store, store, &recordingSpeaker{}, quietLogger()), storage.NewNotifier(), nil, time.Hour, quietLogger())

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop blocked on a runner that was never started")
	}

	// Starting after Stop exits straight away.
	r.Start()
	r.Stop()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatalf("loop started after Stop did not exit")
	}
}
