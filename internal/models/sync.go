package models

import "time"

// SyncResult summarises one sync pass. It is emitted, never persisted
// on its own (SyncMeta keeps the last one for status reporting).
type SyncResult struct {
	Success        bool     `json:"success"`
	AlreadySyncing bool     `json:"alreadySyncing,omitempty"`
	SyncedMessages int      `json:"syncedMessages"`
	SyncedActions  int      `json:"syncedActions"`
	Failed         int      `json:"failed"`
	Errors         []string `json:"errors,omitempty"`
}

// AddError records a failure message on the result.
func (r *SyncResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// SyncMeta is the persisted record of the most recent sync pass.
type SyncMeta struct {
	LastSyncAt time.Time  `json:"lastSyncAt"`
	LastResult SyncResult `json:"lastResult"`
}
