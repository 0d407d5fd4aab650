package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"farmcorner/domain"
	"farmcorner/identity"
	"farmcorner/storage"
)

var (
	ErrUnknownKey   = errors.New("unknown collection key")
	ErrForbidden    = errors.New("admin identity required")
	ErrNotBroadcast = errors.New("collection is not broadcast")
	ErrInvalid      = errors.New("invalid collection")
)

// Synchronizer is the single entry point for reading and writing
// collections. Local data is authoritative until the remote store confirms
// a newer value.
type Synchronizer struct {
	local   LocalStore
	remote  RemoteStore
	public  PublicStore
	session Session
	logger  *log.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	tombstoneTTL time.Duration
	onStatus     func(Outcome)
	now          func() time.Time

	group singleflight.Group

	// lmu orders local writes against refreshes; gen counts saves per key.
	lmu sync.Mutex
	gen map[string]uint64

	qmu         sync.Mutex
	queues      map[string]*keyQueue
	unconfirmed map[string]bool
	closed      bool
	wg          sync.WaitGroup
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

func WithReadTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithTombstoneTTL drops tombstones older than d on every save.
func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Synchronizer) { s.tombstoneTTL = d }
}

// WithStatusFunc registers a callback receiving every save Outcome.
func WithStatusFunc(fn func(Outcome)) Option {
	return func(s *Synchronizer) { s.onStatus = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// New wires a Synchronizer. public may be nil when no broadcast bucket is
// configured.
func New(local LocalStore, remote RemoteStore, public PublicStore, session Session, logger *log.Logger, opts ...Option) *Synchronizer {
	if local == nil || remote == nil || session == nil {
		panic("syncer.New: local, remote and session are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	s := &Synchronizer{
		local:        local,
		remote:       remote,
		public:       public,
		session:      session,
		logger:       logger,
		readTimeout:  15 * time.Second,
		writeTimeout: 15 * time.Second,
		now:          time.Now,
		queues:       make(map[string]*keyQueue),
		unconfirmed:  make(map[string]bool),
		gen:          make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the local collection immediately and refreshes it from the
// remote store (and the public channel, for alert collections) in the
// background. onUpdate is called only when fresher data replaced the local
// value. Concurrent refreshes of one key are coalesced.
func (s *Synchronizer) Load(key string, onUpdate UpdateFunc) []domain.Record {
	s.lmu.Lock()
	records := s.local.Read(key)
	gen := s.gen[key]
	s.lmu.Unlock()

	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return records
	}
	s.wg.Add(1)
	s.qmu.Unlock()

	go func() {
		defer s.wg.Done()
		v, _, _ := s.group.Do(key, func() (any, error) {
			fresh, ok := s.refresh(key, gen)
			if !ok {
				return nil, nil
			}
			return fresh, nil
		})
		fresh, _ := v.([]domain.Record)
		if fresh != nil && onUpdate != nil {
			onUpdate(key, domain.Clone(fresh))
		}
	}()
	return records
}

// Save writes records locally and queues the remote write (plus the public
// broadcast for alert collections). It returns once the local write is done.
//
// The user carried by ctx (identity.WithUser) owns the write: the remote
// write is skipped unless the session is still signed in as that user, and
// broadcast collections accept only admins.
func (s *Synchronizer) Save(ctx context.Context, key string, records []domain.Record) (SaveResult, error) {
	if err := validate(key, records); err != nil {
		return SaveResult{}, err
	}
	user, hasUser := identity.UserFrom(ctx)
	if isBroadcast(key) && !(hasUser && user.Admin) {
		return SaveResult{}, fmt.Errorf("%w: %s", ErrForbidden, key)
	}
	if s.tombstoneTTL > 0 {
		records = domain.Compact(records, s.now().Add(-s.tombstoneTTL))
	}
	if records == nil {
		records = []domain.Record{}
	}

	res := SaveResult{}
	s.lmu.Lock()
	err := s.local.Write(key, records)
	s.gen[key]++
	s.lmu.Unlock()
	if err != nil {
		var warn *storage.WriteWarning
		if !errors.As(err, &warn) {
			return SaveResult{}, err
		}
		res.Warning = warn
	}

	done := make(chan Outcome, 1)
	res.Done = done
	s.submit(&writeJob{key: key, owner: user.ID, records: domain.Clone(records), waiters: []waiter{{ch: done}}}, true)
	return res, nil
}

// Publish broadcasts the local value of an alert collection. The signed-in
// user must be an admin.
func (s *Synchronizer) Publish(ctx context.Context, key string) (storage.PublishResult, error) {
	if !isBroadcast(key) {
		return storage.PublishResult{}, fmt.Errorf("%w: %s", ErrNotBroadcast, key)
	}
	if s.public == nil {
		return storage.PublishResult{}, nil
	}
	user, err := s.session.EnsureSignedIn(ctx)
	if err != nil {
		return storage.PublishResult{}, err
	}
	if !user.Admin {
		return storage.PublishResult{}, ErrForbidden
	}
	return s.public.Publish(ctx, key, s.local.Read(key)), nil
}

// PublicURL returns the broadcast address for key, or "" without a public
// store.
func (s *Synchronizer) PublicURL(key string) string {
	if s.public == nil || !isBroadcast(key) {
		return ""
	}
	return s.public.URL(key)
}

// Public polls the broadcast copy of key and falls back to the local value.
// The boolean reports whether the public copy was used.
func (s *Synchronizer) Public(ctx context.Context, key string) ([]domain.Record, bool) {
	if s.public != nil && isBroadcast(key) {
		if recs := s.public.Poll(ctx, s.public.URL(key)); recs != nil {
			return recs, true
		}
	}
	return s.local.Read(key), false
}

// Close waits for queued writes and background refreshes to finish. Saves
// after Close stay local.
func (s *Synchronizer) Close() {
	s.qmu.Lock()
	s.closed = true
	s.qmu.Unlock()
	s.wg.Wait()
}

// refresh pulls the remote (and public) value of key. gen is the save
// generation observed when the Load was issued; any save since then makes
// the pulled value stale.
func (s *Synchronizer) refresh(key string, gen uint64) ([]domain.Record, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	var remote, public []domain.Record
	var owner string
	var g errgroup.Group
	if user, err := s.session.EnsureSignedIn(ctx); err == nil {
		owner = user.ID
		g.Go(func() error {
			remote = s.remote.Read(ctx, user.ID, key)
			return nil
		})
	} else {
		s.logger.WithError(err).Debugf("refresh without remote, key=%s", key)
	}
	if s.public != nil && isBroadcast(key) {
		g.Go(func() error {
			public = s.public.Poll(ctx, s.public.URL(key))
			return nil
		})
	}
	_ = g.Wait()

	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.gen[key] != gen || s.hasPending(key) {
		return nil, false
	}
	local := s.local.Read(key)
	if remote != nil && s.needsReconcile(key, local, remote) {
		s.logger.Infof("pushing unconfirmed local collection, key=%s, records=%d", key, len(local))
		s.submit(&writeJob{key: key, owner: owner, records: local}, false)
		return nil, false
	}

	fresh := newest(remote, public)
	if len(fresh) == 0 {
		return nil, false
	}
	if domain.Latest(fresh).Before(domain.Latest(local)) {
		return nil, false
	}
	if sameCollection(fresh, local) {
		return nil, false
	}
	if err := s.local.Replace(key, fresh); err != nil {
		s.logger.WithError(err).Warnf("refresh not persisted, key=%s", key)
	}
	return fresh, true
}

// needsReconcile reports whether the local value has not reached the remote
// store yet: a previous push failed, the remote was never written, or the
// local copy is strictly newer.
func (s *Synchronizer) needsReconcile(key string, local, remote []domain.Record) bool {
	s.qmu.Lock()
	dirty := s.unconfirmed[key]
	s.qmu.Unlock()
	if dirty {
		return true
	}
	if len(local) == 0 {
		return false
	}
	if len(remote) == 0 {
		return true
	}
	return domain.Latest(local).After(domain.Latest(remote))
}

func (s *Synchronizer) setUnconfirmed(key string, v bool) {
	s.qmu.Lock()
	if v {
		s.unconfirmed[key] = true
	} else {
		delete(s.unconfirmed, key)
	}
	s.qmu.Unlock()
}

// push performs one remote write and, for alert collections signed by an
// admin, one publication. Neither is retried.
func (s *Synchronizer) push(job *writeJob) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	out := Outcome{Key: job.key, Status: StatusLocalOnly}
	user, err := s.session.EnsureSignedIn(ctx)
	if err == nil && job.owner != "" && user.ID != job.owner {
		err = fmt.Errorf("%w: saved by %s, signed in as %s", identity.ErrSignInRequired, job.owner, user.ID)
	}
	if err != nil {
		s.logger.WithError(err).Infof("remote sync skipped, key=%s", job.key)
		s.setUnconfirmed(job.key, true)
		out.Status = StatusSignInRequired
		return out
	}

	var remoteOK bool
	var pub storage.PublishResult
	var g errgroup.Group
	g.Go(func() error {
		remoteOK = s.remote.Write(ctx, user.ID, job.key, job.records)
		return nil
	})
	if s.public != nil && isBroadcast(job.key) && user.Admin {
		g.Go(func() error {
			pub = s.public.Publish(ctx, job.key, job.records)
			return nil
		})
	}
	_ = g.Wait()

	s.setUnconfirmed(job.key, !remoteOK)
	out.Remote = remoteOK
	out.Published = pub.OK
	out.PublicURL = pub.PublicURL
	if remoteOK {
		out.Status = StatusSaved
	}
	return out
}

func validate(key string, records []domain.Record) error {
	if !domain.KnownKey(key) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	want, typed := domain.KindForKey(key)
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		if typed && r.Kind != want {
			return fmt.Errorf("%w: record %s: kind %s not allowed in %s", ErrInvalid, r.ID, r.Kind, key)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: record %s: duplicate id", ErrInvalid, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

func isBroadcast(key string) bool {
	k, ok := domain.KindForKey(key)
	return ok && k == domain.KindAlert
}

// newest picks the non-empty candidate with the latest mutation, preferring
// the remote store on ties.
func newest(remote, public []domain.Record) []domain.Record {
	switch {
	case len(remote) == 0:
		return public
	case len(public) == 0:
		return remote
	case domain.Latest(public).After(domain.Latest(remote)):
		return public
	default:
		return remote
	}
}

func sameCollection(a, b []domain.Record) bool {
	ra, err := domain.Serialize(a)
	if err != nil {
		return false
	}
	rb, err := domain.Serialize(b)
	if err != nil {
		return false
	}
	return ra == rb
}
