package dataprovider

import (
	"context"
	"time"

	"github.com/blowfish/enigma/internal/console/eventbus"
)

// Notifying decorates a DataProvider and announces successful mutations on the
// bus. Reads pass straight through.
type Notifying struct {
	DataProvider
	bus *eventbus.Bus
	now func() time.Time
}

var _ DataProvider = (*Notifying)(nil)

// WithNotifications wraps next so that mutations dispatch record.* events, and
// transaction reversals dispatch transaction.reversed, on bus.
func WithNotifications(next DataProvider, bus *eventbus.Bus) *Notifying {
	return &Notifying{DataProvider: next, bus: bus, now: time.Now}
}

// Create dispatches record.created once the call succeeds.
func (n *Notifying) Create(ctx context.Context, resource string, params CreateParams) (Record, error) {
	rec, err := n.DataProvider.Create(ctx, resource, params)
	if err == nil {
		n.bus.Dispatch(eventbus.EventRecordCreated, eventbus.RecordChange{Resource: resource, IDs: []string{rec.ID()}, Record: rec})
	}
	return rec, err
}

// Update dispatches record.updated once the call succeeds.
func (n *Notifying) Update(ctx context.Context, resource string, params UpdateParams) (Record, error) {
	rec, err := n.DataProvider.Update(ctx, resource, params)
	if err == nil {
		n.bus.Dispatch(eventbus.EventRecordUpdated, eventbus.RecordChange{Resource: resource, IDs: []string{params.ID}, Record: rec})
	}
	return rec, err
}

// UpdateMany dispatches record.updated once the call succeeds.
func (n *Notifying) UpdateMany(ctx context.Context, resource string, params UpdateManyParams) ([]string, error) {
	ids, err := n.DataProvider.UpdateMany(ctx, resource, params)
	if err == nil && len(ids) > 0 {
		n.bus.Dispatch(eventbus.EventRecordUpdated, eventbus.RecordChange{Resource: resource, IDs: ids})
	}
	return ids, err
}

// Delete dispatches record.deleted once the call succeeds.
func (n *Notifying) Delete(ctx context.Context, resource string, params DeleteParams) (Record, error) {
	rec, err := n.DataProvider.Delete(ctx, resource, params)
	if err == nil {
		n.bus.Dispatch(eventbus.EventRecordDeleted, eventbus.RecordChange{Resource: resource, IDs: []string{params.ID}, Record: rec})
	}
	return rec, err
}

// DeleteMany dispatches record.deleted once the call succeeds.
func (n *Notifying) DeleteMany(ctx context.Context, resource string, params DeleteManyParams) ([]string, error) {
	ids, err := n.DataProvider.DeleteMany(ctx, resource, params)
	if err == nil && len(ids) > 0 {
		n.bus.Dispatch(eventbus.EventRecordDeleted, eventbus.RecordChange{Resource: resource, IDs: ids})
	}
	return ids, err
}

// Action reports every successful action as an update of the record. A
// transaction reversal additionally dispatches transaction.reversed.
func (n *Notifying) Action(ctx context.Context, resource string, params ActionParams) (Record, error) {
	rec, err := n.DataProvider.Action(ctx, resource, params)
	if err != nil {
		return rec, err
	}
	if resource == "transactions" && params.Action == "reverse" {
		n.bus.Dispatch(eventbus.EventTransactionReversed, eventbus.TransactionReversed{
			ID:         params.ID,
			Record:     rec,
			ReversedAt: n.reversedAt(rec),
		})
	}
	n.bus.Dispatch(eventbus.EventRecordUpdated, eventbus.RecordChange{Resource: resource, IDs: []string{params.ID}, Record: rec})
	return rec, nil
}

func (n *Notifying) reversedAt(rec Record) time.Time {
	if raw, ok := rec["reversed_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return n.now().UTC()
}
