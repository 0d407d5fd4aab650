package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Payload is the kind specific body of a Record.
type Payload interface {
	Kind() Kind
}

// SprayTask is a scheduled orchard treatment. A task with HistoryOf set is
// an audit entry describing a reschedule of another task.
type SprayTask struct {
	Stage           string     `json:"stage"`
	Chemical        string     `json:"chemical"`
	Dose            string     `json:"dose,omitempty"`
	DueDate         time.Time  `json:"dueDate"`
	IsDone          bool       `json:"isDone"`
	Note            string     `json:"note,omitempty"`
	HistoryOf       string     `json:"historyOf,omitempty"`
	PreviousDueDate *time.Time `json:"previousDueDate,omitempty"`
}

func (SprayTask) Kind() Kind { return KindSprayTask }

// IsHistory reports whether the task is a reschedule audit entry.
func (t SprayTask) IsHistory() bool { return t.HistoryOf != "" }

type FinanceType string

const (
	Income  FinanceType = "income"
	Expense FinanceType = "expense"
)

// FinanceEntry is a single ledger line.
type FinanceEntry struct {
	Title    string      `json:"title"`
	Amount   float64     `json:"amount"`
	Category string      `json:"category"`
	Type     FinanceType `json:"type"`
	Date     time.Time   `json:"date,omitempty"`
}

func (FinanceEntry) Kind() Kind { return KindFinanceEntry }

type Severity string

const (
	SeverityInfo    Severity = "Info"
	SeverityWarning Severity = "Warning"
)

// Alert is an admin broadcast shown to every client.
type Alert struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (Alert) Kind() Kind { return KindAlert }

// Comment is a reply on a forum post.
type Comment struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at,omitempty"`
}

// ForumPost is a community forum thread starter.
type ForumPost struct {
	Author   string    `json:"author"`
	Text     string    `json:"text"`
	Likes    int       `json:"likes"`
	Comments []Comment `json:"comments"`
}

func (ForumPost) Kind() Kind { return KindForumPost }

// DecodePayload decodes raw into the variant selected by kind and fills in
// defaults for missing optional fields.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch kind {
	case KindSprayTask:
		return decodeSprayTask(raw)
	case KindFinanceEntry:
		return decodeFinanceEntry(raw)
	case KindAlert:
		return decodeAlert(raw)
	case KindForumPost:
		return decodeForumPost(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func decodeSprayTask(raw []byte) (SprayTask, error) {
	var t SprayTask
	if err := sonic.ConfigStd.Unmarshal(raw, &t); err != nil {
		return SprayTask{}, err
	}
	if strings.TrimSpace(t.Stage) == "" {
		t.Stage = "General"
	}
	return t, nil
}

func decodeFinanceEntry(raw []byte) (FinanceEntry, error) {
	var e struct {
		FinanceEntry
		Desc string `json:"desc"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &e); err != nil {
		return FinanceEntry{}, err
	}
	out := e.FinanceEntry
	if out.Title == "" {
		out.Title = e.Desc
	}
	switch FinanceType(strings.ToLower(string(out.Type))) {
	case Income:
		out.Type = Income
	default:
		out.Type = Expense
	}
	if out.Amount < 0 {
		out.Amount = -out.Amount
	}
	if out.Category == "" {
		out.Category = "Other"
	}
	return out, nil
}

func decodeAlert(raw []byte) (Alert, error) {
	var a struct {
		Alert
		Type string `json:"type"`
	}
	if err := sonic.ConfigStd.Unmarshal(raw, &a); err != nil {
		return Alert{}, err
	}
	out := a.Alert
	sev := string(out.Severity)
	if sev == "" {
		sev = a.Type
	}
	if strings.EqualFold(sev, string(SeverityWarning)) {
		out.Severity = SeverityWarning
	} else {
		out.Severity = SeverityInfo
	}
	return out, nil
}

func decodeForumPost(raw []byte) (ForumPost, error) {
	var p ForumPost
	if err := sonic.ConfigStd.Unmarshal(raw, &p); err != nil {
		return ForumPost{}, err
	}
	if p.Likes < 0 {
		p.Likes = 0
	}
	if p.Comments == nil {
		p.Comments = []Comment{}
	}
	if p.Author == "" {
		p.Author = "Anonymous"
	}
	return p, nil
}
