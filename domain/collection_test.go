package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDeserializeToleratesBadInput(t *testing.T) {
	for _, raw := range []string{"", "null", "{not json", "{}", "42", `"text"`} {
		got := Deserialize(raw)
		if got == nil {
			t.Fatalf("Deserialize(%q) returned nil, want empty slice", raw)
		}
		if len(got) != 0 {
			t.Fatalf("Deserialize(%q) = %d records, want 0", raw, len(got))
		}
	}
}

func TestDeserializeSkipsBrokenElements(t *testing.T) {
	raw := `[
		{"id":"a","kind":"alert","createdAt":"2024-01-01T00:00:00Z","payload":{"title":"Rain","message":"بارش","type":"Warning"}},
		{"kind":"alert","payload":{}},
		{"id":"b","kind":"weather","payload":{}},
		{"id":"c","kind":"finance_entry","payload":"oops"},
		7
	]`
	got := Deserialize(raw)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d: %#v", len(got), got)
	}
	a, ok := got[0].Payload.(Alert)
	if !ok {
		t.Fatalf("unexpected payload type %T", got[0].Payload)
	}
	if a.Severity != SeverityWarning || a.Message != "بارش" {
		t.Fatalf("unexpected alert: %#v", a)
	}
	if !got[0].UpdatedAt.Equal(got[0].CreatedAt) {
		t.Fatalf("expected updatedAt to default to createdAt")
	}
}

func TestSerializeRoundTripsAllKinds(t *testing.T) {
	now := time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)
	records := []Record{
		NewRecord(SprayTask{Stage: "Pink Bud", Chemical: "Captan", DueDate: now.Add(48 * time.Hour)}, now),
		NewRecord(FinanceEntry{Title: "Urea", Amount: 500, Category: "Fertilizer", Type: Expense}, now),
		NewRecord(Alert{Title: "Rain", Message: "بارش", Severity: SeverityWarning}, now),
		NewRecord(ForumPost{Author: "Bilal", Text: "Scab on leaves?", Likes: 2, Comments: []Comment{{Author: "Aijaz", Text: "Spray mancozeb"}}}, now),
	}

	raw, err := Serialize(records)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	again, err := Serialize(Deserialize(raw))
	if err != nil {
		t.Fatalf("serialize again: %v", err)
	}
	if raw != again {
		t.Fatalf("serialization not deterministic:\n%s\n%s", raw, again)
	}
	if diff := cmp.Diff(records, Deserialize(raw)); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestSerializeNilIsEmptyArray(t *testing.T) {
	raw, err := Serialize(nil)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if raw != "[]" {
		t.Fatalf("expected [], got %s", raw)
	}
}

func TestDecodeDefaults(t *testing.T) {
	got := Deserialize(`[
		{"id":"f","kind":"finance_entry","payload":{"amount":-20,"desc":"Diesel"}},
		{"id":"p","kind":"forum_post","payload":{"text":"hi","likes":-3}},
		{"id":"s","kind":"spray_task","payload":{"chemical":"Dodine"}},
		{"id":"a","kind":"alert","payload":{"title":"Frost"}}
	]`)
	if len(got) != 4 {
		t.Fatalf("expected 4 records, got %d", len(got))
	}
	f := got[0].Payload.(FinanceEntry)
	if f.Title != "Diesel" || f.Type != Expense || f.Amount != 20 || f.Category != "Other" {
		t.Fatalf("unexpected finance defaults: %#v", f)
	}
	p := got[1].Payload.(ForumPost)
	if p.Likes != 0 || p.Comments == nil || p.Author != "Anonymous" {
		t.Fatalf("unexpected forum defaults: %#v", p)
	}
	if s := got[2].Payload.(SprayTask); s.Stage != "General" {
		t.Fatalf("unexpected spray defaults: %#v", s)
	}
	if a := got[3].Payload.(Alert); a.Severity != SeverityInfo {
		t.Fatalf("unexpected alert defaults: %#v", a)
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	ok := NewRecord(Alert{Title: "x"}, now)
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := ok
	missing.ID = ""
	if err := missing.Validate(); err != ErrMissingID {
		t.Fatalf("expected ErrMissingID, got %v", err)
	}

	mismatched := ok
	mismatched.Kind = KindForumPost
	if err := mismatched.Validate(); err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("expected kind mismatch error, got %v", err)
	}
}

func TestDeleteTombstonesAndCompact(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewRecord(Alert{Title: "a"}, t0)
	b := NewRecord(Alert{Title: "b"}, t0)
	records := []Record{a, b}

	out, err := Delete(records, a.ID, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if records[0].Deleted() {
		t.Fatalf("delete must not mutate its input")
	}
	if live := Live(out); len(live) != 1 || live[0].ID != b.ID {
		t.Fatalf("unexpected live records: %#v", live)
	}
	if got := Latest(out); !got.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected latest: %v", got)
	}
	if compacted := Compact(out, t0.Add(2*time.Hour)); len(compacted) != 1 {
		t.Fatalf("expected tombstone to be compacted, got %d records", len(compacted))
	}
	if kept := Compact(out, t0); len(kept) != 2 {
		t.Fatalf("expected fresh tombstone to be kept, got %d records", len(kept))
	}

	if _, err := Delete(records, "missing", t0); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewIDMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		id := NewID()
		if len(id) == len(prev) && id <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestKindForKey(t *testing.T) {
	if k, ok := KindForKey(KeyFlashNews); !ok || k != KindAlert {
		t.Fatalf("unexpected kind for flash news: %v %v", k, ok)
	}
	if _, ok := KindForKey(KeyDashboardTiles); ok {
		t.Fatalf("dashboard tiles should accept mixed kinds")
	}
	if !KnownKey(KeyDealerCache) || KnownKey("nope") {
		t.Fatalf("unexpected known key result")
	}
}
