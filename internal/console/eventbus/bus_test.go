package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	args  []any
}

func (r *recorder) cb(name string) Callback {
	return func(payload any) {
		r.calls = append(r.calls, name)
		r.args = append(r.args, payload)
	}
}

func TestRegisterDispatchUnregister(t *testing.T) {
	bus := New()
	rec := &recorder{}

	reg := bus.Register("e", rec.cb("cb"))
	bus.Dispatch("e", 42)
	require.Equal(t, []string{"cb"}, rec.calls)
	assert.Equal(t, []any{42}, rec.args)

	reg.Unregister()
	bus.Dispatch("e", 43)
	assert.Equal(t, []string{"cb"}, rec.calls)
}

func TestUnregisterTwiceIsNoop(t *testing.T) {
	bus := New()
	reg := bus.Register("e", func(any) {})
	other := bus.Register("e", func(any) {})

	reg.Unregister()
	assert.NotPanics(t, reg.Unregister)
	assert.Equal(t, 1, bus.Subscribers("e"))

	other.Unregister()
	assert.NotPanics(t, other.Unregister)
	assert.Zero(t, bus.Subscribers("e"))
}

func TestLastUnregisterRemovesEvent(t *testing.T) {
	bus := New()
	a := bus.Register("e", func(any) {})
	b := bus.Register("e", func(any) {})
	require.ElementsMatch(t, []string{"e"}, bus.Events())

	a.Unregister()
	assert.ElementsMatch(t, []string{"e"}, bus.Events())
	b.Unregister()
	assert.Empty(t, bus.Events())
}

func TestRegisterUniqueReplacesSubscribers(t *testing.T) {
	bus := New()
	rec := &recorder{}

	bus.Register("e", rec.cb("cb1"))
	bus.Register("e", rec.cb("cb1b"))
	bus.RegisterUnique("e", rec.cb("cb2"))
	bus.Dispatch("e", "x")

	assert.Equal(t, []string{"cb2"}, rec.calls)
	assert.Equal(t, 1, bus.Subscribers("e"))
}

func TestRegisterUniqueUnregisterKeepsLaterSubscribers(t *testing.T) {
	bus := New()
	rec := &recorder{}

	unique := bus.RegisterUnique("e", rec.cb("unique"))
	bus.Register("e", rec.cb("later"))
	unique.Unregister()
	bus.Dispatch("e", nil)

	assert.Equal(t, []string{"later"}, rec.calls)
}

func TestStaleHandleAfterRegisterUnique(t *testing.T) {
	bus := New()
	old := bus.Register("e", func(any) {})
	bus.RegisterUnique("e", func(any) {})

	old.Unregister()
	assert.Equal(t, 1, bus.Subscribers("e"))
}

func TestDispatchWithoutSubscribers(t *testing.T) {
	bus := New()
	assert.NotPanics(t, func() { bus.Dispatch("nonexistent-event", "x") })
	assert.Empty(t, bus.Events())
}

func TestDispatchOrderScenario(t *testing.T) {
	bus := New()
	rec := &recorder{}
	payload := map[string]int{"id": 7}

	a := bus.Register("tx", rec.cb("A"))
	b := bus.Register("tx", rec.cb("B"))
	assert.Equal(t, uint64(0), a.ID())
	assert.Equal(t, uint64(1), b.ID())

	bus.Dispatch("tx", payload)
	assert.Equal(t, []string{"A", "B"}, rec.calls)
	assert.Equal(t, []any{payload, payload}, rec.args)

	a.Unregister()
	rec.calls = nil
	bus.Dispatch("tx", payload)
	assert.Equal(t, []string{"B"}, rec.calls)
}

func TestIDsAreNeverReused(t *testing.T) {
	bus := New()
	first := bus.Register("e", func(any) {})
	first.Unregister()
	second := bus.Register("e", func(any) {})
	third := bus.Register("other", func(any) {})

	assert.Greater(t, second.ID(), first.ID())
	assert.Greater(t, third.ID(), second.ID())
}

func TestCallbackMayUnregisterDuringDispatch(t *testing.T) {
	bus := New()
	rec := &recorder{}

	var self, victim *Registration
	self = bus.Register("e", func(any) {
		rec.calls = append(rec.calls, "self")
		self.Unregister()
		victim.Unregister()
	})
	victim = bus.Register("e", rec.cb("victim"))
	bus.Register("e", rec.cb("survivor"))

	bus.Dispatch("e", nil)
	assert.Equal(t, []string{"self", "survivor"}, rec.calls)

	rec.calls = nil
	bus.Dispatch("e", nil)
	assert.Equal(t, []string{"survivor"}, rec.calls)
}

func TestSubscriberAddedDuringDispatchWaitsForNextDispatch(t *testing.T) {
	bus := New()
	rec := &recorder{}

	bus.Register("e", func(any) {
		rec.calls = append(rec.calls, "outer")
		if bus.Subscribers("e") == 1 {
			bus.Register("e", rec.cb("inner"))
		}
	})

	bus.Dispatch("e", nil)
	assert.Equal(t, []string{"outer"}, rec.calls)

	bus.Dispatch("e", nil)
	assert.Equal(t, []string{"outer", "outer", "inner"}, rec.calls)
}

func TestPanickingCallbackAbortsDispatch(t *testing.T) {
	bus := New()
	rec := &recorder{}

	bus.Register("e", rec.cb("first"))
	bus.Register("e", func(any) { panic("boom") })
	bus.Register("e", rec.cb("third"))

	assert.PanicsWithValue(t, "boom", func() { bus.Dispatch("e", nil) })
	assert.Equal(t, []string{"first"}, rec.calls)

	// The registry stays usable after a callback panicked.
	bus.Register("other", rec.cb("other"))
	bus.Dispatch("other", nil)
	assert.Equal(t, []string{"first", "other"}, rec.calls)
}
