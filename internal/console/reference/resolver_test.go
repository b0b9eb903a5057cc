package reference

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/resources"
	"github.com/blowfish/enigma/internal/shared/logging"
)

type getManyCall struct {
	resource string
	ids      []string
}

type fakeGetter struct {
	mu      sync.Mutex
	records map[string][]dataprovider.Record
	calls   []getManyCall
	err     error
}

func (f *fakeGetter) GetMany(ctx context.Context, resource string, params dataprovider.GetManyParams) ([]dataprovider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, getManyCall{resource: resource, ids: params.IDs})
	if f.err != nil {
		return nil, f.err
	}
	var out []dataprovider.Record
	for _, rec := range f.records[resource] {
		for _, id := range params.IDs {
			if rec.ID() == id {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

func newGetter() *fakeGetter {
	return &fakeGetter{records: map[string][]dataprovider.Record{
		"merchants": {{"id": "m-1", "name": "Acme"}, {"id": "m-2", "name": "Globex"}},
		"terminals": {{"id": "t-1", "serial": "SN-001"}},
	}}
}

var txRows = []dataprovider.Record{
	{"id": "tx-1", "merchant_id": "m-1", "terminal_id": "t-1"},
	{"id": "tx-2", "merchant_id": "m-2"},
	{"id": "tx-3", "merchant_id": "m-1"},
	{"id": "tx-4", "merchant_id": "m-9"},
}

func TestPrefetchBatchesPerResource(t *testing.T) {
	getter := newGetter()
	r := New(getter, nil, 0, 0, logging.Discard())

	require.NoError(t, r.Prefetch(context.Background(), resources.MustLookup("transactions"), txRows))
	require.Len(t, getter.calls, 2)
	assert.Equal(t, getManyCall{resource: "merchants", ids: []string{"m-1", "m-2", "m-9"}}, getter.calls[0])
	assert.Equal(t, getManyCall{resource: "terminals", ids: []string{"t-1"}}, getter.calls[1])

	merchant := resources.Reference{Field: "merchant_id", Resource: "merchants", Label: "name"}
	assert.Equal(t, "Acme", r.Label(merchant, "m-1"))
	assert.Equal(t, "Globex", r.Label(merchant, "m-2"))
	assert.Equal(t, "m-9", r.Label(merchant, "m-9"))
	assert.Equal(t, "SN-001", r.Label(resources.Reference{Resource: "terminals", Label: "serial"}, "t-1"))

	// Cached ids are not requested again; unknown ones are.
	require.NoError(t, r.Prefetch(context.Background(), resources.MustLookup("transactions"), txRows))
	require.Len(t, getter.calls, 3)
	assert.Equal(t, []string{"m-9"}, getter.calls[2].ids)
}

func TestPrefetchPropagatesErrors(t *testing.T) {
	getter := newGetter()
	getter.err = errors.New("boom")
	r := New(getter, nil, 0, 0, logging.Discard())

	err := r.Prefetch(context.Background(), resources.MustLookup("transactions"), txRows)
	assert.ErrorIs(t, err, getter.err)
}

func TestBusEventsEvictEntries(t *testing.T) {
	bus := eventbus.New()
	getter := newGetter()
	r := New(getter, bus, 0, 0, logging.Discard())
	defer r.Close()

	require.NoError(t, r.Prefetch(context.Background(), resources.MustLookup("transactions"), txRows))
	require.Equal(t, 3, r.Len())

	bus.Dispatch(eventbus.EventRecordUpdated, eventbus.RecordChange{Resource: "merchants", IDs: []string{"m-1"}})
	assert.Equal(t, 2, r.Len())

	bus.Dispatch(eventbus.EventRecordDeleted, eventbus.RecordChange{Resource: "terminals", IDs: []string{"t-1"}})
	assert.Equal(t, 1, r.Len())

	bus.Dispatch(eventbus.EventRecordUpdated, "not a change")
	assert.Equal(t, 1, r.Len())
}

func TestTransactionReversedEvictsTransaction(t *testing.T) {
	bus := eventbus.New()
	getter := &fakeGetter{records: map[string][]dataprovider.Record{
		"transactions": {{"id": "tx-1", "status": "settled"}},
	}}
	r := New(getter, bus, 0, 0, logging.Discard())

	rows := []dataprovider.Record{{"id": "cb-1", "transaction_id": "tx-1"}}
	require.NoError(t, r.Prefetch(context.Background(), resources.MustLookup("callback-history"), rows))
	require.Equal(t, 1, r.Len())

	bus.Dispatch(eventbus.EventTransactionReversed, eventbus.TransactionReversed{ID: "tx-1", ReversedAt: time.Now()})
	assert.Zero(t, r.Len())

	r.Close()
	assert.Zero(t, bus.Subscribers(eventbus.EventTransactionReversed))
	assert.Zero(t, bus.Subscribers(eventbus.EventRecordUpdated))
}

func TestEntriesExpire(t *testing.T) {
	r := New(newGetter(), nil, 0, 20*time.Millisecond, logging.Discard())
	require.NoError(t, r.Prefetch(context.Background(), resources.MustLookup("terminals"), []dataprovider.Record{{"id": "t-9", "merchant_id": "m-1"}}))
	require.Equal(t, 1, r.Len())

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}
