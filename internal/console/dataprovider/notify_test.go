package dataprovider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/console/eventbus"
)

type recordedEvent struct {
	name    string
	payload any
}

func recordBus(events ...string) (*eventbus.Bus, *[]recordedEvent) {
	bus := eventbus.New()
	var seen []recordedEvent
	for _, name := range events {
		name := name
		bus.Register(name, func(payload any) {
			seen = append(seen, recordedEvent{name: name, payload: payload})
		})
	}
	return bus, &seen
}

func TestNotifyingSkipsFailedMutations(t *testing.T) {
	bus, seen := recordBus(eventbus.EventRecordCreated, eventbus.EventRecordDeleted)
	dp := WithNotifications(&countingProvider{}, bus)

	_, err := dp.Create(context.Background(), "merchants", CreateParams{Data: Record{"id": "m-1"}})
	require.Error(t, err)
	assert.Empty(t, *seen)

	_, err = dp.Create(context.Background(), "merchants", CreateParams{Data: Record{"id": "m-1"}})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, recordedEvent{
		name:    eventbus.EventRecordCreated,
		payload: eventbus.RecordChange{Resource: "merchants", IDs: []string{"m-1"}, Record: Record{"id": "m-1"}},
	}, (*seen)[0])
}

func TestNotifyingMutations(t *testing.T) {
	ctx := context.Background()
	bus, seen := recordBus(eventbus.EventRecordUpdated, eventbus.EventRecordDeleted)
	inner := &countingProvider{calls: map[string]int{"Update": 1, "UpdateMany": 1, "Delete": 1, "DeleteMany": 1}}
	dp := WithNotifications(inner, bus)

	_, err := dp.Update(ctx, "terminals", UpdateParams{ID: "t-1", Data: Record{"id": "t-1"}})
	require.NoError(t, err)
	_, err = dp.UpdateMany(ctx, "terminals", UpdateManyParams{IDs: []string{"t-1", "t-2"}})
	require.NoError(t, err)
	_, err = dp.Delete(ctx, "terminals", DeleteParams{ID: "t-3"})
	require.NoError(t, err)
	_, err = dp.DeleteMany(ctx, "terminals", DeleteManyParams{IDs: []string{"t-4"}})
	require.NoError(t, err)

	require.Len(t, *seen, 4)
	assert.Equal(t, eventbus.EventRecordUpdated, (*seen)[0].name)
	assert.Equal(t, []string{"t-1", "t-2"}, (*seen)[1].payload.(eventbus.RecordChange).IDs)
	assert.Equal(t, eventbus.EventRecordDeleted, (*seen)[2].name)
	assert.Equal(t, []string{"t-3"}, (*seen)[2].payload.(eventbus.RecordChange).IDs)
	assert.Equal(t, []string{"t-4"}, (*seen)[3].payload.(eventbus.RecordChange).IDs)
}

func TestNotifyingReadsDoNotDispatch(t *testing.T) {
	bus, seen := recordBus(eventbus.EventRecordUpdated)
	dp := WithNotifications(&countingProvider{calls: map[string]int{"GetList": 1}}, bus)

	_, err := dp.GetList(context.Background(), "transactions", GetListParams{})
	require.NoError(t, err)
	assert.Empty(t, *seen)
}

func TestNotifyingReversalDispatchesTransactionReversed(t *testing.T) {
	bus, seen := recordBus(eventbus.EventTransactionReversed, eventbus.EventRecordUpdated)
	dp := WithNotifications(&countingProvider{calls: map[string]int{"Action": 1}}, bus)
	fixed := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	dp.now = func() time.Time { return fixed }

	_, err := dp.Action(context.Background(), "transactions", ActionParams{ID: "tx-1", Action: "reverse"})
	require.NoError(t, err)

	require.Len(t, *seen, 2)
	assert.Equal(t, eventbus.EventTransactionReversed, (*seen)[0].name)
	ev := (*seen)[0].payload.(eventbus.TransactionReversed)
	assert.Equal(t, "tx-1", ev.ID)
	assert.Equal(t, fixed, ev.ReversedAt)
	assert.False(t, ev.Remote)
	assert.Equal(t, eventbus.EventRecordUpdated, (*seen)[1].name)

	// Other actions only report an update.
	*seen = nil
	_, err = dp.Action(context.Background(), "callback-history", ActionParams{ID: "cb-1", Action: "resend"})
	require.NoError(t, err)
	require.Len(t, *seen, 1)
	assert.Equal(t, eventbus.EventRecordUpdated, (*seen)[0].name)
}

func TestNotifyingReadsReversalTimestamp(t *testing.T) {
	dp := WithNotifications(nil, eventbus.New())
	at := dp.reversedAt(Record{"reversed_at": "2026-03-14T09:30:00Z"})
	assert.Equal(t, time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC), at.UTC())
}
