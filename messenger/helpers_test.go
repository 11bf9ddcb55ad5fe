package messenger

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// memStore is an in-memory Storage for engine tests.
type memStore struct {
	mu       sync.Mutex
	state    State
	channels map[int64]int
	dialogs  map[DialogID]Dialog
	messages map[DialogID]map[int]Message
	deleted  map[DialogID][]int
	tasks    []PendingTask

	saves      int
	failCreate error
}

func newMemStore() *memStore {
	return &memStore{
		channels: make(map[int64]int),
		dialogs:  make(map[DialogID]Dialog),
		messages: make(map[DialogID]map[int]Message),
		deleted:  make(map[DialogID][]int),
	}
}

func (s *memStore) LoadSyncState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, nil
}

func (s *memStore) SaveSyncState(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
	s.saves++
	return nil
}

func (s *memStore) ChannelPts() (map[int64]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.channels), nil
}

func (s *memStore) SaveChannelPts(channelID int64, pts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pts <= 0 {
		delete(s.channels, channelID)
		return nil
	}
	s.channels[channelID] = pts
	return nil
}

func (s *memStore) Dialogs() ([]Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.dialogs)), nil
}

func (s *memStore) PutDialogs(dialogs []Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range dialogs {
		s.dialogs[d.ID] = d
	}
	return nil
}

func (s *memStore) DeleteDialog(id DialogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogs, id)
	return nil
}

func (s *memStore) DialogReadMax(id DialogID) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dialogs[id]
	return d.ReadInboxMaxID, d.ReadOutboxMaxID, nil
}

func (s *memStore) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if s.messages[m.Peer] == nil {
			s.messages[m.Peer] = make(map[int]Message)
		}
		s.messages[m.Peer][m.ID] = m
	}
	return nil
}

func (s *memStore) MarkMessagesAsDeleted(dialog DialogID, ids []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[dialog] = append(s.deleted[dialog], ids...)
	return nil
}

func (s *memStore) UpdateDialogsWithDeletedMessages(dialogs []Dialog) error {
	return s.PutDialogs(dialogs)
}

func (s *memStore) CreatePendingTask(task PendingTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return s.failCreate
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *memStore) RemovePendingTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = slices.DeleteFunc(s.tasks, func(t PendingTask) bool { return t.ID == id })
	return nil
}

func (s *memStore) PendingTasks() ([]PendingTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks), nil
}

func (s *memStore) taskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *memStore) savedState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *memStore) savedChannel(id int64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts, ok := s.channels[id]
	return pts, ok
}

var _ Storage = (*memStore)(nil)

// gatedStore holds its first PutDialogs call until release is closed.
type gatedStore struct {
	*memStore
	once    sync.Once
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{memStore: newMemStore(), release: make(chan struct{})}
}

func (s *gatedStore) PutDialogs(dialogs []Dialog) error {
	s.once.Do(func() { <-s.release })
	return s.memStore.PutDialogs(dialogs)
}

func (s *memStore) hasDialog(id DialogID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dialogs[id]
	return ok
}

func (s *memStore) messageCount(id DialogID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[id])
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEngine(t *testing.T, ctrl *gomock.Controller, store *memStore, cfg Config) (*Engine, *MockRPC) {
	t.Helper()
	rpc := NewMockRPC(ctrl)
	e, err := NewEngine(cfg, rpc, store, NewBus(testLogger()), testLogger())
	require.NoError(t, err)
	return e, rpc
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// onStage runs fn on the stage actor, for inspecting stage-owned state.
func onStage(t *testing.T, e *Engine, fn func()) {
	t.Helper()
	require.NoError(t, e.callStage(context.Background(), fn))
}

func ptsOf(t *testing.T, e *Engine) int {
	t.Helper()
	var pts int
	onStage(t, e, func() { pts = e.seq.Value(SpacePts, 0) })
	return pts
}

func channelPtsOf(t *testing.T, e *Engine, channelID int64) (int, bool) {
	t.Helper()
	var (
		pts   int
		known bool
	)
	onStage(t, e, func() { pts, known = e.seq.ChannelPts(channelID) })
	return pts, known
}

func pendingLen(t *testing.T, e *Engine, key BufferKey) int {
	t.Helper()
	var n int
	onStage(t, e, func() { n = e.pending.Len(key) })
	return n
}

func newMessageUpdate(peer DialogID, id, date, pts, count int) Update {
	return Update{
		Kind:     UpdateNewMessage,
		Pts:      pts,
		PtsCount: count,
		Message:  &Message{ID: id, Peer: peer, Date: date, FromID: int64(peer)},
	}
}

func channelMessageUpdate(channelID int64, id, date, pts int) Update {
	return Update{
		Kind:      UpdateNewChannelMessage,
		ChannelID: channelID,
		Pts:       pts,
		PtsCount:  1,
		Message:   &Message{ID: id, Peer: ChatDialog(channelID), Date: date},
	}
}

func batch(ups ...Update) *Updates {
	return &Updates{Kind: UpdatesBatch, Updates: ups}
}

// drainEvents collects every event buffered on ch.
func drainEvents(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventKinds(evs []Event) []EventKind {
	kinds := make([]EventKind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}
