package domain

import (
	"sort"
	"time"

	"github.com/bytedance/sonic"
)

// Logical collection keys. Each key holds one JSON array of records.
const (
	KeySprayLog       = "spray_db"
	KeyFinanceLedger  = "finance_db"
	KeyFlashNews      = "flash_news"
	KeyForumPosts     = "forum_posts"
	KeyDealerCache    = "dealer_cache"
	KeyKnowledgeBase  = "knowledge_base"
	KeyDashboardTiles = "dashboard_tiles"
)

var keyKinds = map[string]Kind{
	KeySprayLog:      KindSprayTask,
	KeyFinanceLedger: KindFinanceEntry,
	KeyFlashNews:     KindAlert,
	KeyForumPosts:    KindForumPost,
}

var knownKeys = map[string]struct{}{
	KeySprayLog:       {},
	KeyFinanceLedger:  {},
	KeyFlashNews:      {},
	KeyForumPosts:     {},
	KeyDealerCache:    {},
	KeyKnowledgeBase:  {},
	KeyDashboardTiles: {},
}

// KindForKey returns the record kind stored under key. Keys that hold mixed
// records report false.
func KindForKey(key string) (Kind, bool) {
	k, ok := keyKinds[key]
	return k, ok
}

// KnownKey reports whether key is a recognised collection key.
func KnownKey(key string) bool {
	_, ok := knownKeys[key]
	return ok
}

// Serialize encodes records deterministically. A nil slice encodes as [].
func Serialize(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := sonic.ConfigStd.Marshal(records)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Deserialize decodes a collection and never fails: empty or malformed input
// yields an empty collection and undecodable elements are dropped.
func Deserialize(raw string) []Record {
	out, err := Decode([]byte(raw))
	if err != nil {
		return []Record{}
	}
	return out
}

// Decode is Deserialize for callers that need to tell a malformed document
// apart from an empty one. Undecodable elements are still dropped.
func Decode(raw []byte) ([]Record, error) {
	out := []Record{}
	if len(raw) == 0 {
		return out, nil
	}
	var elems []sonic.NoCopyRawMessage
	if err := sonic.ConfigStd.Unmarshal(raw, &elems); err != nil {
		return out, err
	}
	for _, elem := range elems {
		var r Record
		if err := r.UnmarshalJSON(elem); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// DeserializeBytes is Deserialize for byte input.
func DeserializeBytes(raw []byte) []Record {
	return Deserialize(string(raw))
}

// Live returns the records that are not tombstoned.
func Live(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.Deleted() {
			out = append(out, r)
		}
	}
	return out
}

// Index returns the position of id in records or -1.
func Index(records []Record, id string) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the record with the same id or appends r. The input slice
// is not modified.
func Upsert(records []Record, r Record) []Record {
	out := Clone(records)
	if i := Index(out, r.ID); i >= 0 {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = out[i].CreatedAt
		}
		out[i] = r
		return out
	}
	return append(out, r)
}

// Delete tombstones the record with id.
func Delete(records []Record, id string, now time.Time) ([]Record, error) {
	i := Index(records, id)
	if i < 0 {
		return nil, ErrNotFound
	}
	out := Clone(records)
	at := now.UTC()
	out[i].DeletedAt = &at
	out[i].UpdatedAt = at
	return out, nil
}

// Compact physically drops tombstones older than cutoff.
func Compact(records []Record, cutoff time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.DeletedAt != nil && r.DeletedAt.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Latest returns the newest mutation time in the collection.
func Latest(records []Record) time.Time {
	var latest time.Time
	for _, r := range records {
		if t := r.Touched(); t.After(latest) {
			latest = t
		}
	}
	return latest
}

// SortByCreated orders records oldest first, breaking ties by id.
func SortByCreated(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// Clone returns a shallow copy of records.
func Clone(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out
}
