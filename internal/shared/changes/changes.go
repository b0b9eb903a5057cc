// Package changes defines the record change notifications enigmad streams to
// connected consoles.
package changes

import "time"

// Event types.
const (
	TypeRecordCreated       = "RECORD_CREATED"
	TypeRecordUpdated       = "RECORD_UPDATED"
	TypeRecordDeleted       = "RECORD_DELETED"
	TypeTransactionReversed = "TRANSACTION_REVERSED"
	TypeCallbackResent      = "CALLBACK_RESENT"
)

// TopicChanges is the server event bus topic carrying Event values.
const TopicChanges = "enigma.records.changes"

// Event describes one change to a stored record.
type Event struct {
	Type      string         `json:"type"`
	Resource  string         `json:"resource"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Record    map[string]any `json:"record,omitempty"`
}
