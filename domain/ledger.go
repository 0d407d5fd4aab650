package domain

// LedgerSummary holds totals derived from a finance collection. Totals are
// never persisted.
type LedgerSummary struct {
	Income     float64            `json:"income"`
	Expense    float64            `json:"expense"`
	Balance    float64            `json:"balance"`
	ByCategory map[string]float64 `json:"byCategory"`
	Entries    int                `json:"entries"`
}

// Summarize computes ledger totals over the live finance entries in records.
func Summarize(records []Record) LedgerSummary {
	s := LedgerSummary{ByCategory: map[string]float64{}}
	for _, r := range records {
		if r.Deleted() {
			continue
		}
		e, ok := r.Payload.(FinanceEntry)
		if !ok {
			continue
		}
		s.Entries++
		switch e.Type {
		case Income:
			s.Income += e.Amount
		default:
			s.Expense += e.Amount
			s.ByCategory[e.Category] += e.Amount
		}
	}
	s.Balance = s.Income - s.Expense
	return s
}
