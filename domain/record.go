package domain

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
)

// Kind discriminates the payload carried by a Record.
type Kind string

const (
	KindSprayTask    Kind = "spray_task"
	KindFinanceEntry Kind = "finance_entry"
	KindAlert        Kind = "alert"
	KindForumPost    Kind = "forum_post"
)

// Valid reports whether k is one of the known record kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSprayTask, KindFinanceEntry, KindAlert, KindForumPost:
		return true
	}
	return false
}

// Record is the envelope stored in every collection.
type Record struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	UpdatedAt time.Time
	// DeletedAt marks a tombstone. Tombstoned records stay in the collection
	// so a stale remote snapshot cannot resurrect them.
	DeletedAt *time.Time
	Payload   Payload
}

type wireRecord struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
	DeletedAt *time.Time             `json:"deletedAt,omitempty"`
	Payload   sonic.NoCopyRawMessage `json:"payload,omitempty"`
}

// NewRecord creates a record with a fresh id stamped at now.
func NewRecord(p Payload, now time.Time) Record {
	now = now.UTC()
	return Record{
		ID:        NewID(),
		Kind:      p.Kind(),
		CreatedAt: now,
		UpdatedAt: now,
		Payload:   p,
	}
}

// Deleted reports whether the record is a tombstone.
func (r Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Touched returns the latest mutation time of the record.
func (r Record) Touched() time.Time {
	if r.DeletedAt != nil && r.DeletedAt.After(r.UpdatedAt) {
		return *r.DeletedAt
	}
	return r.UpdatedAt
}

// Validate rejects records that must never reach the stores.
func (r Record) Validate() error {
	if r.ID == "" {
		return ErrMissingID
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("record %s: %w: %q", r.ID, ErrUnknownKind, r.Kind)
	}
	if r.Payload == nil {
		return fmt.Errorf("record %s: %w", r.ID, ErrMissingPayload)
	}
	if r.Payload.Kind() != r.Kind {
		return fmt.Errorf("record %s: payload %s does not match kind %s", r.ID, r.Payload.Kind(), r.Kind)
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	w := wireRecord{
		ID:        r.ID,
		Kind:      r.Kind,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
	if r.Payload != nil {
		data, err := sonic.ConfigStd.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		w.Payload = data
	}
	return sonic.ConfigStd.Marshal(w)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := sonic.ConfigStd.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return ErrMissingID
	}
	p, err := DecodePayload(w.Kind, w.Payload)
	if err != nil {
		return fmt.Errorf("record %s: %w", w.ID, err)
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = w.CreatedAt
	}
	*r = Record{
		ID:        w.ID,
		Kind:      w.Kind,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
		DeletedAt: w.DeletedAt,
		Payload:   p,
	}
	return nil
}

var lastID int64

// NewID returns a timestamp derived identifier. Identifiers issued by one
// process sort in creation order.
func NewID() string {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastID)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastID, last, now) {
			return strconv.FormatInt(now, 36)
		}
	}
}
