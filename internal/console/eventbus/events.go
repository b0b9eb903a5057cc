package eventbus

import "time"

// Well-known console events.
const (
	EventTransactionReversed = "transaction.reversed"
	EventRecordCreated       = "record.created"
	EventRecordUpdated       = "record.updated"
	EventRecordDeleted       = "record.deleted"
	EventSessionExpired      = "session.expired"
)

// RecordChange is the payload of the record.* events.
type RecordChange struct {
	Resource string
	IDs      []string
	Record   map[string]any
	Remote   bool
}

// TransactionReversed is the payload of EventTransactionReversed.
type TransactionReversed struct {
	ID         string
	Record     map[string]any
	ReversedAt time.Time
	Remote     bool
}
