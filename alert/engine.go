package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"farmcorner/domain"
	"farmcorner/syncer"
)

// Source reads the current task collection.
type Source interface {
	Read(key string) []domain.Record
}

// Saver persists a rewritten task collection.
type Saver interface {
	Save(ctx context.Context, key string, records []domain.Record) (syncer.SaveResult, error)
}

// Speaker voices an announcement. Implementations must not block.
type Speaker interface {
	Speak(text, lang string)
}

// Classified is a live spray task with its derived state.
type Classified struct {
	Record domain.Record    `json:"record"`
	Task   domain.SprayTask `json:"task"`
	State  domain.TaskState `json:"state"`
}

// Announcement is emitted once per overdue task and session.
type Announcement struct {
	TaskID string    `json:"taskId"`
	Text   string    `json:"text"`
	Lang   string    `json:"lang"`
	At     time.Time `json:"at"`
}

// Engine derives overdue notifications from the spray log. The set of
// announced tasks lives in memory only; a restart announces still overdue
// tasks again.
type Engine struct {
	source  Source
	saver   Saver
	speaker Speaker
	logger  *log.Logger
	lang    string
	notify  func(Announcement)

	mu        sync.Mutex
	announced map[string]struct{}
}

type Option func(*Engine)

// WithLanguage sets the speech language tag.
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.lang = lang
		}
	}
}

// WithNotify registers a callback receiving every announcement.
func WithNotify(fn func(Announcement)) Option {
	return func(e *Engine) { e.notify = fn }
}

func NewEngine(source Source, saver Saver, speaker Speaker, logger *log.Logger, opts ...Option) *Engine {
	if source == nil || saver == nil {
		panic("alert.NewEngine: source and saver are required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if speaker == nil {
		speaker = LogSpeaker{Logger: logger}
	}
	e := &Engine{
		source:    source,
		saver:     saver,
		speaker:   speaker,
		logger:    logger,
		lang:      "ur-IN",
		announced: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate classifies every live spray task at now. Reschedule audit entries
// and tombstones are skipped.
func Evaluate(records []domain.Record, now time.Time) []Classified {
	out := make([]Classified, 0, len(records))
	for _, r := range records {
		if r.Deleted() {
			continue
		}
		t, ok := r.Payload.(domain.SprayTask)
		if !ok || t.IsHistory() {
			continue
		}
		out = append(out, Classified{Record: r, Task: t, State: domain.StateOf(t, now)})
	}
	return out
}

// Overdue returns the overdue tasks of the current collection.
func (e *Engine) Overdue(now time.Time) []Classified {
	var out []Classified
	for _, c := range Evaluate(e.source.Read(domain.KeySprayLog), now) {
		if c.State == domain.StateOverdue {
			out = append(out, c)
		}
	}
	return out
}

// Tick announces the first overdue task not yet announced in this session.
// At most one task is announced per call.
func (e *Engine) Tick(now time.Time) (Announcement, bool) {
	for _, c := range e.Overdue(now) {
		id := c.Record.ID
		e.mu.Lock()
		if _, done := e.announced[id]; done {
			e.mu.Unlock()
			continue
		}
		e.announced[id] = struct{}{}
		e.mu.Unlock()

		a := Announcement{TaskID: id, Text: announcementText(c.Task), Lang: e.lang, At: now.UTC()}
		e.logger.Infof("announcing overdue spray, task=%s, due=%s", id, c.Task.DueDate.Format(time.DateOnly))
		e.speaker.Speak(a.Text, a.Lang)
		if e.notify != nil {
			e.notify(a)
		}
		return a, true
	}
	return Announcement{}, false
}

// Reschedule moves task id to due, appends the audit entry and saves the
// collection. The task stays in the announced set, so it is not announced
// again this session. ctx carries the user the save is made for.
func (e *Engine) Reschedule(ctx context.Context, id string, due, now time.Time) (syncer.SaveResult, domain.Record, error) {
	records, hist, err := domain.Reschedule(e.source.Read(domain.KeySprayLog), id, due, now)
	if err != nil {
		return syncer.SaveResult{}, domain.Record{}, err
	}
	res, err := e.saver.Save(ctx, domain.KeySprayLog, records)
	if err != nil {
		return syncer.SaveResult{}, domain.Record{}, err
	}
	e.mu.Lock()
	e.announced[id] = struct{}{}
	e.mu.Unlock()
	return res, hist, nil
}

// Announced reports whether id was announced (or rescheduled) this session.
func (e *Engine) Announced(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.announced[id]
	return ok
}

// Reset forgets every announcement, as a fresh session would.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.announced = make(map[string]struct{})
	e.mu.Unlock()
}

func announcementText(t domain.SprayTask) string {
	text := fmt.Sprintf("اسپرے کا وقت گزر گیا ہے: %s", t.Stage)
	if t.Chemical != "" {
		text += " (" + t.Chemical + ")"
	}
	return text
}
