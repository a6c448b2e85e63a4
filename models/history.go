package models

import "time"

// HistoryEntry is one immutable line in a ticket's audit trail.
type HistoryEntry struct {
	Status      Status    `json:"status"`
	Activity    Activity  `json:"activity"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	BlockNumber int64     `json:"block_number,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	At          time.Time `json:"at"`
}

// History is the append-only audit log of a ticket. Entries are never
// mutated or reordered; the current aggregate state is always derivable
// by folding the log.
type History []HistoryEntry

func (h *History) Append(e HistoryEntry) {
	*h = append(*h, e)
}

func (h History) Len() int {
	return len(h)
}

// Last returns the most recent entry, or nil for an empty log.
func (h History) Last() *HistoryEntry {
	if len(h) == 0 {
		return nil
	}
	return &h[len(h)-1]
}
