package api

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"farmcorner/domain"
	"farmcorner/storage"
)

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

func TestBrokerDoesNotBlockOnSlowSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.subscribe()
	for i := 0; i < 100; i++ {
		b.Notify(domain.KeySprayLog)
	}
	if len(ch) != cap(ch) {
		t.Fatalf("expected full buffer, got %d", len(ch))
	}
	b.unsubscribe(ch)
	if b.subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestBrokerForwardsNotifierChanges(t *testing.T) {
	b := NewBroker()
	n := storage.NewNotifier()
	ch := b.subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Forward(ctx, n)
		close(done)
	}()

	waitFor(t, func() bool {
		n.Publish(storage.Change{Key: domain.KeyFinanceLedger, Origin: storage.OriginLocal})
		return len(ch) > 0
	})
	if key := <-ch; key != domain.KeyFinanceLedger {
		t.Fatalf("unexpected key %q", key)
	}
	cancel()
	<-done
}

func TestStreamEmitsChangedKeys(t *testing.T) {
	b := NewBroker()
	e := newTestServer(Services{Sync: newFakeSync(), Broker: b})
	srv := httptest.NewServer(e)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?token=farmer", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	waitFor(t, func() bool { return b.subscribers() == 1 })
	b.Notify(domain.KeyFlashNews)

	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "data: ")); got != domain.KeyFlashNews {
				t.Fatalf("unexpected event data %q", got)
			}
			break
		}
	}
}

func TestStreamRequiresAuth(t *testing.T) {
	e := newTestServer(Services{Sync: newFakeSync(), Broker: NewBroker()})
	if rec := doRequest(e, http.MethodGet, "/api/stream", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRelaySharesLocalChangesAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifierA, notifierB := storage.NewNotifier(), storage.NewNotifier()
	brokerA, brokerB := NewBroker(), NewBroker()
	relayA := NewRelay(client, "collection-updates", brokerA, notifierA, quietLogger())
	relayB := NewRelay(client, "collection-updates", brokerB, notifierB, quietLogger())

	doneA, doneB := make(chan struct{}), make(chan struct{})
	go func() { relayA.Run(ctx); close(doneA) }()
	go func() { relayB.Run(ctx); close(doneB) }()

	chA, chB := brokerA.subscribe(), brokerB.subscribe()
	waitFor(t, func() bool {
		notifierA.Publish(storage.Change{Key: domain.KeySprayLog, Origin: storage.OriginLocal})
		return len(chB) > 0
	})
	if key := <-chB; key != domain.KeySprayLog {
		t.Fatalf("unexpected relayed key %q", key)
	}
	if len(chA) != 0 {
		t.Fatalf("instance must not receive its own change")
	}

	// Remote-origin replacements stay local to the instance.
	for len(chB) > 0 {
		<-chB
	}
	notifierA.Publish(storage.Change{Key: domain.KeyFinanceLedger, Origin: storage.OriginRemote})
	time.Sleep(50 * time.Millisecond)
	for len(chB) > 0 {
		if key := <-chB; key == domain.KeyFinanceLedger {
			t.Fatalf("remote-origin change relayed")
		}
	}

	cancel()
	<-doneA
	<-doneB
}
