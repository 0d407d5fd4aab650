package domain

import (
	"fmt"
	"time"
)

// TaskState is the derived status of a spray task.
type TaskState string

const (
	StatePending TaskState = "Pending"
	StateOverdue TaskState = "Overdue"
	StateDone    TaskState = "Done"
)

// StateOf classifies t at now. Done tasks are never overdue.
func StateOf(t SprayTask, now time.Time) TaskState {
	if t.IsDone {
		return StateDone
	}
	if !t.DueDate.IsZero() && t.DueDate.Before(now) {
		return StateOverdue
	}
	return StatePending
}

// SetDone rewrites the done flag of task id.
func SetDone(records []Record, id string, done bool, now time.Time) ([]Record, error) {
	i, task, err := findTask(records, id)
	if err != nil {
		return nil, err
	}
	task.IsDone = done
	out := Clone(records)
	out[i].Payload = task
	out[i].UpdatedAt = now.UTC()
	return out, nil
}

// Reschedule moves task id to due and appends an audit entry recording the
// previous due date. The original record keeps its id.
func Reschedule(records []Record, id string, due, now time.Time) ([]Record, Record, error) {
	i, task, err := findTask(records, id)
	if err != nil {
		return nil, Record{}, err
	}
	if task.IsHistory() {
		return nil, Record{}, fmt.Errorf("%w: %s is a history entry", ErrNotSprayTask, id)
	}
	prev := task.DueDate
	task.DueDate = due.UTC()
	task.IsDone = false

	out := Clone(records)
	out[i].Payload = task
	out[i].UpdatedAt = now.UTC()

	hist := NewRecord(SprayTask{
		Stage:           task.Stage,
		Chemical:        task.Chemical,
		DueDate:         task.DueDate,
		IsDone:          true,
		Note:            "rescheduled",
		HistoryOf:       id,
		PreviousDueDate: &prev,
	}, now)
	out = append(out, hist)
	return out, hist, nil
}

// History returns the audit entries recorded for task id, oldest first.
func History(records []Record, id string) []Record {
	var out []Record
	for _, r := range records {
		if t, ok := r.Payload.(SprayTask); ok && t.HistoryOf == id {
			out = append(out, r)
		}
	}
	SortByCreated(out)
	return out
}

func findTask(records []Record, id string) (int, SprayTask, error) {
	i := Index(records, id)
	if i < 0 || records[i].Deleted() {
		return -1, SprayTask{}, ErrNotFound
	}
	task, ok := records[i].Payload.(SprayTask)
	if !ok {
		return -1, SprayTask{}, ErrNotSprayTask
	}
	return i, task, nil
}
