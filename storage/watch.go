package storage

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher republishes collection files changed by other processes sharing
// the local data directory.
type Watcher struct {
	store   *LocalStore
	watcher *fsnotify.Watcher
	logger  *log.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Watch starts watching the store's data directory.
func Watch(store *LocalStore) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(store.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", store.Dir(), err)
	}
	w := &Watcher{
		store:   store,
		watcher: fw,
		logger:  store.logger,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			key, ok := keyFromPath(ev)
			if !ok {
				continue
			}
			if w.store.reload(key) {
				w.logger.Debugf("external change detected, key=%s, op=%s", key, ev.Op)
				w.store.notifier.Publish(Change{Key: key, Origin: OriginExternal})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("local store watcher error")
		}
	}
}

func keyFromPath(ev fsnotify.Event) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return "", false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ".json") {
		return "", false
	}
	key := strings.TrimSuffix(base, ".json")
	if !keyPattern.MatchString(key) {
		return "", false
	}
	return key, true
}
