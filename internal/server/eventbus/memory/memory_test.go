package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blowfish/enigma/internal/shared/changes"
)

func TestPublishFansOut(t *testing.T) {
	bus := New(nil)
	a := make(chan any, 1)
	b := make(chan any, 1)
	unsubA, err := bus.Subscribe(changes.TopicChanges, a)
	require.NoError(t, err)
	_, err = bus.Subscribe(changes.TopicChanges, b)
	require.NoError(t, err)

	event := changes.Event{Type: changes.TypeRecordCreated, Resource: "merchants", ID: "m-1"}
	require.NoError(t, bus.Publish(context.Background(), changes.TopicChanges, event))
	assert.Equal(t, event, <-a)
	assert.Equal(t, event, <-b)

	unsubA()
	unsubA()
	assert.Equal(t, 1, bus.Subscribers(changes.TopicChanges))
}

func TestPublishSkipsFullSubscribers(t *testing.T) {
	bus := New(nil)
	full := make(chan any)
	_, err := bus.Subscribe(changes.TopicChanges, full)
	require.NoError(t, err)

	assert.NoError(t, bus.Publish(context.Background(), changes.TopicChanges, "x"))
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	bus := New(nil)
	ch := make(chan any)
	_, err := bus.Subscribe("t", ch)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either branch may win the select; a cancelled context must never block.
	_ = bus.Publish(ctx, "t", "x")
}

func TestSubscribeRejectsNilAndCleansUpTopics(t *testing.T) {
	bus := New(nil)
	_, err := bus.Subscribe("t", nil)
	assert.Error(t, err)

	unsub, err := bus.Subscribe("t", make(chan any, 1))
	require.NoError(t, err)
	unsub()
	assert.Zero(t, bus.Subscribers("t"))
	assert.Empty(t, bus.topics)
}
