package messenger

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// EventKind names an outward notification.
type EventKind string

const (
	EventDialogsChanged   EventKind = "dialogs_changed"
	EventDialogsReset     EventKind = "dialogs_reset"
	EventMessagesReceived EventKind = "messages_received"
	EventMessagesEdited   EventKind = "messages_edited"
	EventMessagesDeleted  EventKind = "messages_deleted"
	EventMessagesRead     EventKind = "messages_read"
	EventTypingChanged    EventKind = "typing_changed"
	EventEntitiesChanged  EventKind = "entities_changed"
	EventSyncStateChanged EventKind = "sync_state_changed"
)

// Event carries the minimal payload a subscriber needs to re-render.
type Event struct {
	Kind       EventKind
	Dialogs    []DialogID
	Messages   []MessageObject
	Generation uint64
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger, subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber with the given buffer size. The
// returned function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.next
	b.next++
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish delivers ev to every subscriber with room for it.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			b.logger.Debug("event subscriber full, dropping",
				slog.Int("subscriber", id),
				slog.String("event", string(ev.Kind)),
				slog.Int64("dropped", n),
			)
		}
	}
}
