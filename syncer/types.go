package syncer

import (
	"context"

	"farmcorner/domain"
	"farmcorner/identity"
	"farmcorner/storage"
)

// LocalStore is the on-device collection store.
type LocalStore interface {
	Read(key string) []domain.Record
	Write(key string, records []domain.Record) error
	Replace(key string, records []domain.Record) error
}

// RemoteStore is the per-user key-value store. Read returns nil when the
// store could not be checked; Write reports success.
type RemoteStore interface {
	Read(ctx context.Context, userID, key string) []domain.Record
	Write(ctx context.Context, userID, key string, records []domain.Record) bool
}

// PublicStore is the broadcast channel for alert collections.
type PublicStore interface {
	Publish(ctx context.Context, key string, records []domain.Record) storage.PublishResult
	Poll(ctx context.Context, url string) []domain.Record
	URL(key string) string
}

// Session resolves the signed-in identity, attempting one silent sign-in.
type Session interface {
	EnsureSignedIn(ctx context.Context) (identity.User, error)
}

// UpdateFunc receives fresher data found by a background refresh.
type UpdateFunc func(key string, records []domain.Record)
