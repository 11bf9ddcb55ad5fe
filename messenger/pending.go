package messenger

import (
	"cmp"
	"slices"
	"sort"
	"time"
)

// PendingUpdate is a run of updates that arrived ahead of its space's
// counter. For the seq space the whole container is held instead.
type PendingUpdate struct {
	Space     Space
	ChannelID int64
	Value     int
	Count     int
	Updates   []Update
	Container *Updates
}

// Prior is the counter value the entry expects to follow.
func (p *PendingUpdate) Prior() int { return p.Value - p.Count }

// BufferKey names one pending queue.
type BufferKey struct {
	Space     Space
	ChannelID int64
}

func (k BufferKey) compare(o BufferKey) int {
	if c := cmp.Compare(k.Space, o.Space); c != 0 {
		return c
	}
	return cmp.Compare(k.ChannelID, o.ChannelID)
}

type pendingQueue struct {
	items []PendingUpdate
	// waitStartedAt is zero while the queue is not waiting on a gap.
	waitStartedAt time.Time
}

// PendingBuffers holds out-of-order entries per sequence space. It is
// owned by the stage actor.
type PendingBuffers struct {
	queues map[BufferKey]*pendingQueue
}

func NewPendingBuffers() *PendingBuffers {
	return &PendingBuffers{queues: make(map[BufferKey]*pendingQueue)}
}

func keyOf(p *PendingUpdate) BufferKey {
	if p.Space != SpaceChannel {
		return BufferKey{Space: p.Space}
	}
	return BufferKey{Space: SpaceChannel, ChannelID: p.ChannelID}
}

// Enqueue inserts p keeping the queue ordered by offset.
func (b *PendingBuffers) Enqueue(p PendingUpdate, now time.Time) {
	key := keyOf(&p)
	q := b.queues[key]
	if q == nil {
		q = &pendingQueue{}
		b.queues[key] = q
	}

	i := sort.Search(len(q.items), func(i int) bool {
		it := &q.items[i]
		if it.Value != p.Value {
			return it.Value > p.Value
		}
		return it.Prior() > p.Prior()
	})
	q.items = slices.Insert(q.items, i, p)

	if q.waitStartedAt.IsZero() {
		q.waitStartedAt = now
	}
}

// Drain replays entries from the head of a queue while they apply in
// order. Stale heads are dropped. It stops at the first gap and returns
// how many entries were applied.
func (b *PendingBuffers) Drain(key BufferKey, seq *SequenceState, apply func(PendingUpdate)) int {
	q := b.queues[key]
	if q == nil {
		return 0
	}
	replayed := b.drain(key, q, seq, apply)
	if len(q.items) == 0 && b.queues[key] == q {
		delete(b.queues, key)
	}
	return replayed
}

func (b *PendingBuffers) drain(key BufferKey, q *pendingQueue, seq *SequenceState, apply func(PendingUpdate)) int {
	replayed := 0
	for len(q.items) > 0 {
		head := q.items[0]
		switch seq.TryAdvance(key.Space, key.ChannelID, head.Value, head.Count) {
		case Applied:
			q.items = q.items[1:]
			replayed++
			apply(head)
		case Stale:
			q.items = q.items[1:]
		case Gap:
			return replayed
		}
	}
	q.waitStartedAt = time.Time{}
	return replayed
}

// Tick drains every queue and applies the grace policy. A queue whose
// head is still a gap after grace, with no progress this round, is
// cleared and its key returned so the caller can start differencing.
// Keys for which skip returns true are left untouched.
func (b *PendingBuffers) Tick(now time.Time, grace time.Duration, seq *SequenceState, skip func(BufferKey) bool, apply func(PendingUpdate)) []BufferKey {
	keys := make([]BufferKey, 0, len(b.queues))
	for k := range b.queues {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, BufferKey.compare)

	var expired []BufferKey
	for _, key := range keys {
		q := b.queues[key]
		if q == nil || (skip != nil && skip(key)) {
			continue
		}

		replayed := b.drain(key, q, seq, apply)
		if len(q.items) == 0 {
			if b.queues[key] == q {
				delete(b.queues, key)
			}
			continue
		}

		if replayed > 0 || q.waitStartedAt.IsZero() {
			q.waitStartedAt = now
			continue
		}

		if now.Sub(q.waitStartedAt) > grace {
			delete(b.queues, key)
			expired = append(expired, key)
		}
	}
	return expired
}

// ResetWait clears the grace clock of a queue, e.g. after a forced floor.
func (b *PendingBuffers) ResetWait(key BufferKey) {
	if q := b.queues[key]; q != nil {
		q.waitStartedAt = time.Time{}
	}
}

// Clear drops a queue.
func (b *PendingBuffers) Clear(key BufferKey) {
	delete(b.queues, key)
}

// Reset drops every queue.
func (b *PendingBuffers) Reset() {
	clear(b.queues)
}

// Len returns the number of entries waiting in a queue.
func (b *PendingBuffers) Len(key BufferKey) int {
	if q := b.queues[key]; q != nil {
		return len(q.items)
	}
	return 0
}

// Keys returns every non-empty queue key in a stable order.
func (b *PendingBuffers) Keys() []BufferKey {
	keys := make([]BufferKey, 0, len(b.queues))
	for k, q := range b.queues {
		if len(q.items) > 0 {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, BufferKey.compare)
	return keys
}

// WaitStartedAt exposes the grace clock of a queue.
func (b *PendingBuffers) WaitStartedAt(key BufferKey) time.Time {
	if q := b.queues[key]; q != nil {
		return q.waitStartedAt
	}
	return time.Time{}
}
