package messenger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	b := NewBus(testLogger())
	a, stopA := b.Subscribe(4)
	c, stopC := b.Subscribe(4)
	defer stopC()

	b.Publish(Event{Kind: EventDialogsChanged, Dialogs: []DialogID{1}})

	assert.Equal(t, []EventKind{EventDialogsChanged}, eventKinds(drainEvents(a)))
	assert.Equal(t, []EventKind{EventDialogsChanged}, eventKinds(drainEvents(c)))

	stopA()
	stopA()
	_, ok := <-a
	assert.False(t, ok, "unsubscribe closes the channel")

	b.Publish(Event{Kind: EventTypingChanged})
	assert.Len(t, drainEvents(c), 1)
}

func TestBus_FullSubscriberDrops(t *testing.T) {
	b := NewBus(testLogger())
	ch, stop := b.Subscribe(1)
	defer stop()

	b.Publish(Event{Kind: EventDialogsChanged})
	b.Publish(Event{Kind: EventDialogsReset})

	evs := drainEvents(ch)
	require.Len(t, evs, 1)
	assert.Equal(t, EventDialogsChanged, evs[0].Kind)

	b.mu.RLock()
	var dropped int64
	for _, sub := range b.subs {
		dropped = sub.dropped.Load()
	}
	b.mu.RUnlock()
	assert.Equal(t, int64(1), dropped)
}
