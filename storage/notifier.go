package storage

import "sync"

// Origin tells subscribers where a change came from.
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginExternal Origin = "external"
	OriginRemote   Origin = "remote"
)

// Change announces that the collection stored under Key was rewritten.
type Change struct {
	Key    string `json:"key"`
	Origin Origin `json:"origin"`
}

// Notifier fans storage changes out to subscribers. Slow subscribers drop
// notifications rather than block writers.
type Notifier struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[chan Change]struct{})}
}

// Subscribe returns a channel receiving changes until Unsubscribe is called.
func (n *Notifier) Subscribe() chan Change {
	ch := make(chan Change, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan Change) {
	n.mu.Lock()
	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
	n.mu.Unlock()
}

// Publish delivers c to every subscriber without blocking.
func (n *Notifier) Publish(c Change) {
	n.mu.Lock()
	for ch := range n.subs {
		select {
		case ch <- c:
		default:
		}
	}
	n.mu.Unlock()
}
