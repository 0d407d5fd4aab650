package syncer

// Status is the user-facing result of a save.
type Status string

const (
	StatusSaved          Status = "saved"
	StatusLocalOnly      Status = "saved locally, cloud sync failed"
	StatusSignInRequired Status = "saved locally, cloud sync failed (sign-in required)"
)

// Outcome is the final result of the remote half of a save.
type Outcome struct {
	Key       string `json:"key"`
	Status    Status `json:"status"`
	Remote    bool   `json:"remote"`
	Published bool   `json:"published"`
	PublicURL string `json:"publicUrl,omitempty"`
	// Coalesced is set when a newer save for the same key replaced this
	// value before it reached the remote store.
	Coalesced bool `json:"coalesced,omitempty"`
}

// SaveResult is returned as soon as the local write finished. Done yields
// exactly one Outcome once the remote write (and publication, for alert
// collections) completed.
type SaveResult struct {
	// Warning is set when the local write was kept in memory only.
	Warning error
	Done    <-chan Outcome
}

// Message is the text shown to the user for the local half of the save.
func (r SaveResult) Message() string {
	if r.Warning != nil {
		return "saved in memory only, device storage unavailable"
	}
	return "saved locally"
}
