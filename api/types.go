package api

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"farmcorner/alert"
	"farmcorner/chat"
	"farmcorner/domain"
	"farmcorner/identity"
	"farmcorner/storage"
	"farmcorner/syncer"
)

// Syncer is the record synchronizer consumed by the handlers.
type Syncer interface {
	Load(key string, onUpdate syncer.UpdateFunc) []domain.Record
	Save(ctx context.Context, key string, records []domain.Record) (syncer.SaveResult, error)
	Publish(ctx context.Context, key string) (storage.PublishResult, error)
	Public(ctx context.Context, key string) ([]domain.Record, bool)
	PublicURL(key string) string
}

// AlertEngine exposes the overdue classification and rescheduling.
type AlertEngine interface {
	Overdue(now time.Time) []alert.Classified
	Reschedule(ctx context.Context, id string, due, now time.Time) (syncer.SaveResult, domain.Record, error)
	Reset()
}

type Authenticator interface {
	UserFromAuthHeader(string) (identity.User, error)
}

// Sessions receives the bearer token of authenticated requests so background
// sync runs as the same user.
type Sessions interface {
	Install(tok *oauth2.Token) (identity.User, error)
	SignOut()
}

// Deduper records idempotency keys of collection writes.
type Deduper interface {
	Add(ctx context.Context, userID, key string) (bool, error)
	Remove(ctx context.Context, userID, key string) error
}

// Services bundles the handler collaborators. Sessions, Deduper, Chat and
// Broker are optional.
type Services struct {
	Sync     Syncer
	Alerts   AlertEngine
	Auth     Authenticator
	Sessions Sessions
	Deduper  Deduper
	Chat     chat.Service
	Broker   *Broker
}
