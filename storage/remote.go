package storage

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"farmcorner/domain"
)

// ChangeEnvelope is queued after a collection reached the remote store.
type ChangeEnvelope struct {
	UserID string    `json:"userId"`
	Key    string    `json:"key"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`
}

type changeSink interface {
	EnqueueChange(ctx context.Context, env ChangeEnvelope) error
}

// RemoteStore adapts the remote backend to sentinel results: reads return
// nil when the store could not be checked and writes return false on
// failure. Nothing is retried.
type RemoteStore struct {
	base    backend
	changes changeSink
	logger  *log.Logger
	timeout time.Duration
	now     func() time.Time
}

// RemoteOption customises a RemoteStore.
type RemoteOption func(*RemoteStore)

// WithChangeSink enqueues a ChangeEnvelope after every successful write.
func WithChangeSink(sink changeSink) RemoteOption {
	return func(r *RemoteStore) { r.changes = sink }
}

// WithTimeout bounds each remote call.
func WithTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteStore) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRemoteStore(base backend, logger *log.Logger, opts ...RemoteOption) *RemoteStore {
	if base == nil {
		panic("storage.NewRemoteStore: backend is nil")
	}
	if logger == nil {
		panic("logger is required")
	}
	r := &RemoteStore{
		base:    base,
		logger:  logger,
		timeout: 15 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read returns the remote collection, an empty collection when none was ever
// written, or nil when the remote store could not be reached.
func (r *RemoteStore) Read(ctx context.Context, userID, key string) []domain.Record {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, found, err := r.base.FetchCollection(ctx, userID, key)
	if err != nil {
		r.logger.WithError(err).Warnf("remote read failed, user=%s, key=%s", userID, key)
		return nil
	}
	if !found {
		return []domain.Record{}
	}
	return domain.Deserialize(raw)
}

// Write replaces the remote collection and reports whether it succeeded.
func (r *RemoteStore) Write(ctx context.Context, userID, key string, records []domain.Record) bool {
	raw, err := domain.Serialize(records)
	if err != nil {
		r.logger.WithError(err).Errorf("remote write encode failed, key=%s", key)
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	updated := domain.Latest(records)
	if updated.IsZero() {
		updated = r.now().UTC()
	}
	if err := r.base.PutCollection(ctx, userID, key, raw, updated); err != nil {
		r.logger.WithError(err).Warnf("remote write failed, user=%s, key=%s, records=%d", userID, key, len(records))
		return false
	}

	if r.changes != nil {
		env := ChangeEnvelope{UserID: userID, Key: key, Count: len(records), At: r.now().UTC()}
		if err := r.changes.EnqueueChange(ctx, env); err != nil {
			r.logger.WithError(err).Warnf("change feed enqueue failed, key=%s", key)
		}
	}
	return true
}
