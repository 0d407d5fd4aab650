package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"farmcorner/storage"
)

// Broker fans collection change events out to SSE subscribers.
type Broker struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan string]struct{})}
}

func (b *Broker) subscribe() chan string {
	ch := make(chan string, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) unsubscribe(ch chan string) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Notify delivers key to every subscriber without blocking. Slow
// subscribers miss events.
func (b *Broker) Notify(key string) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- key:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Broker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Forward relays notifier changes to the broker until ctx is done.
func (b *Broker) Forward(ctx context.Context, notifier *storage.Notifier) {
	ch := notifier.Subscribe()
	defer notifier.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			b.Notify(c.Key)
		}
	}
}

type relayMessage struct {
	Instance string         `json:"instance"`
	Key      string         `json:"key"`
	Origin   storage.Origin `json:"origin"`
}

// Relay shares local collection changes between service instances over a
// Redis pub/sub channel.
type Relay struct {
	rc       *redis.Client
	channel  string
	broker   *Broker
	notifier *storage.Notifier
	logger   *log.Logger
	instance string
}

func NewRelay(rc *redis.Client, channel string, broker *Broker, notifier *storage.Notifier, logger *log.Logger) *Relay {
	return &Relay{
		rc:       rc,
		channel:  channel,
		broker:   broker,
		notifier: notifier,
		logger:   logger,
		instance: uuid.NewString(),
	}
}

// Run publishes local saves and delivers changes of other instances to the
// broker. It returns when ctx is done.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLocal(ctx)
	}()
	r.subscribe(ctx)
	wg.Wait()
}

func (r *Relay) publishLocal(ctx context.Context) {
	ch := r.notifier.Subscribe()
	defer r.notifier.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.Origin != storage.OriginLocal {
				continue
			}
			data, err := json.Marshal(relayMessage{Instance: r.instance, Key: c.Key, Origin: c.Origin})
			if err != nil {
				r.logger.Errorf("marshal change: %v", err)
				continue
			}
			if err := r.rc.Publish(ctx, r.channel, data).Err(); err != nil {
				r.logger.Warnf("publish change, key=%s: %v", c.Key, err)
			}
		}
	}
}

func (r *Relay) subscribe(ctx context.Context) {
	for {
		sub := r.rc.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var m relayMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					r.logger.Errorf("unable to parse change: %v", err)
					continue
				}
				if m.Instance == r.instance || m.Key == "" {
					continue
				}
				r.broker.Notify(m.Key)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// streamChanges emits the key of every changed collection as an SSE event.
func streamChanges(broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		ctx := c.Request().Context()
		ch := broker.subscribe()
		defer broker.unsubscribe(ch)

		c.Response().WriteHeader(http.StatusOK)
		if _, err := c.Response().Write([]byte(": connected\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		for {
			select {
			case <-ctx.Done():
				return nil
			case key := <-ch:
				if _, err := c.Response().Write([]byte("event: change\ndata: " + key + "\n\n")); err != nil {
					c.Logger().Error(err)
					return err
				}
				flusher.Flush()
			}
		}
	}
}
