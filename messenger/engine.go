package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"golang.org/x/sync/singleflight"
)

const (
	defaultGapGrace     = 1500 * time.Millisecond
	defaultTickInterval = time.Second
	defaultReadDebounce = 5 * time.Second
	defaultRPCTimeout   = 30 * time.Second
	defaultMaxPinned    = 5

	ptsTotalLimit        = 5000
	ptsTotalLimitMetered = 1000
)

// Config tunes an Engine. Zero fields take defaults.
type Config struct {
	GapGrace      time.Duration
	TickInterval  time.Duration
	ReadDebounce  time.Duration
	RPCTimeout    time.Duration
	MaxPinned     int
	MessageWindow int
	Metered       bool
	// CountByDialog makes folder aggregates count unread dialogs instead
	// of unread messages.
	CountByDialog bool
}

func (c *Config) defaults() {
	if c.GapGrace <= 0 {
		c.GapGrace = defaultGapGrace
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.ReadDebounce <= 0 {
		c.ReadDebounce = defaultReadDebounce
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.MaxPinned <= 0 {
		c.MaxPinned = defaultMaxPinned
	}
}

// SyncStatus is a point-in-time view of the engine's sequence state.
type SyncStatus struct {
	State            State          `json:"state"`
	Channels         map[int64]int  `json:"channels,omitempty"`
	Fetching         bool           `json:"fetching"`
	FetchingChannels []int64        `json:"fetching_channels,omitempty"`
	ShortPoll        []int64        `json:"short_poll,omitempty"`
	Pending          map[string]int `json:"pending,omitempty"`
	Generation       uint64         `json:"generation"`
	Fatal            string         `json:"fatal,omitempty"`
}

// Engine keeps one account's dialogs in sync with the server.
//
// Architecture: three actors each drain their own queue on a dedicated
// goroutine. The stage actor owns the sequence counters, the pending
// buffers and the fetch state machines. The view actor owns the dialog
// index, message and entity caches and emits events. The store actor
// performs storage writes. RPCs run on their own goroutines and post
// their results back to the stage, tagged with the generation they were
// started under.
type Engine struct {
	logger *slog.Logger
	cfg    Config
	rpc    RPC
	store  Storage
	bus    *Bus

	ctx    context.Context
	cancel context.CancelFunc

	stage  *actor
	viewQ  *actor
	storeQ *actor

	// Owned by the stage actor.
	seq           *SequenceState
	pending       *PendingBuffers
	diff          differenceFetcher
	chans         *channelFetcher
	generation    uint64
	stateDirty    bool
	dirtyChannels map[int64]struct{}

	// Owned by the view actor.
	view *view

	resets singleflight.Group

	snapshot atomic.Pointer[DialogsSnapshot]
	status   atomic.Pointer[SyncStatus]
	fatal    atomic.Pointer[fatalError]
}

type fatalError struct{ err error }

// NewEngine loads persisted state and builds an engine. Call Run to start
// processing.
func NewEngine(cfg Config, rpc RPC, store Storage, bus *Bus, logger *slog.Logger) (*Engine, error) {
	cfg.defaults()

	st, err := store.LoadSyncState()
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}
	channels, err := store.ChannelPts()
	if err != nil {
		return nil, fmt.Errorf("loading channel pts: %w", err)
	}
	dialogs, err := store.Dialogs()
	if err != nil {
		return nil, fmt.Errorf("loading dialogs: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		logger:        logger,
		cfg:           cfg,
		rpc:           rpc,
		store:         store,
		bus:           bus,
		ctx:           ctx,
		cancel:        cancel,
		stage:         newActor(),
		viewQ:         newActor(),
		storeQ:        newActor(),
		seq:           NewSequenceState(st, channels),
		pending:       NewPendingBuffers(),
		chans:         newChannelFetcher(),
		dirtyChannels: make(map[int64]struct{}),
	}
	e.view = newView(cfg, store, bus, logger, e.persist, e.snapshot.Store)
	e.view.reads.fire = e.fireRead
	e.view.load(dialogs)
	e.publishStatus()

	logger.Info("sync engine loaded",
		slog.Int("pts", st.Pts),
		slog.Int("qts", st.Qts),
		slog.Int("seq", st.Seq),
		slog.Int("channels", len(channels)),
		slog.Int("dialogs", len(dialogs)),
	)
	return e, nil
}

// Run processes work until ctx is cancelled or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, e.cancel)
	defer stop()

	var wg sync.WaitGroup
	for _, a := range []*actor{e.stage, e.viewQ, e.storeQ} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.run(e.ctx)
		}()
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ticker.C:
			e.stage.post(e.tick)
		case <-e.ctx.Done():
			break loop
		}
	}

	wg.Wait()

	// The actors have exited; their state is safe to touch here. Work the
	// stage already handed on is finished first, so the counters saved
	// below never run ahead of the dialogs and messages they cover.
	// Pending stage work is dropped along with the counter moves it would
	// have made.
	e.viewQ.drain()
	e.storeQ.drain()
	e.diff.stopRetry()
	e.chans.stopAll()
	e.view.reads.stopAll()
	e.stateDirty = true
	e.flushState(e.store)
	return nil
}

// Close stops the engine.
func (e *Engine) Close() {
	e.cancel()
}

// Done is closed once the engine has been stopped.
func (e *Engine) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Fatal returns the error that stopped catch-up, if any.
func (e *Engine) Fatal() error {
	if f := e.fatal.Load(); f != nil {
		return f.err
	}
	return nil
}

func (e *Engine) stopped() bool {
	return e.fatal.Load() != nil || e.ctx.Err() != nil
}

func isFatal(err error) bool {
	return errors.Is(err, errs.ErrUnauthorized)
}

// failed logs an abandoned background operation. Auth failures stop all
// further catch-up for this engine.
func (e *Engine) failed(op string, err error, attrs ...slog.Attr) {
	if isFatal(err) {
		if e.fatal.CompareAndSwap(nil, &fatalError{err: err}) {
			e.logger.Error("sync stopped",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if e.ctx.Err() != nil {
		return
	}
	args := []any{slog.String("op", op), slog.String("error", err.Error())}
	for _, a := range attrs {
		args = append(args, a)
	}
	e.logger.Warn("sync operation abandoned", args...)
}

// actionFailed passes a local action's error back to its caller. Auth
// failures also stop catch-up.
func (e *Engine) actionFailed(op string, err error) error {
	if isFatal(err) {
		e.failed(op, err)
	}
	return err
}

// persist queues a storage write. Failures are logged only.
func (e *Engine) persist(op string, fn func(Storage) error) {
	e.storeQ.post(func() {
		if err := fn(e.store); err != nil {
			e.logger.Warn("storage write failed",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		}
	})
}

// onView runs fn on the view actor and commits its changes.
func (e *Engine) onView(fn func(v *view)) {
	e.viewQ.post(func() {
		fn(e.view)
		e.view.commit()
	})
}

// callView runs fn on the view actor and waits for its result.
func (e *Engine) callView(ctx context.Context, fn func(v *view) error) error {
	if e.ctx.Err() != nil {
		return errs.ErrEngineStopped
	}
	var err error
	if cerr := e.viewQ.call(ctx, e.ctx.Done(), func() {
		err = fn(e.view)
		e.view.commit()
	}); cerr != nil {
		return cerr
	}
	return err
}

// callStage runs fn on the stage actor and waits for it.
func (e *Engine) callStage(ctx context.Context, fn func()) error {
	if e.ctx.Err() != nil {
		return errs.ErrEngineStopped
	}
	return e.stage.call(ctx, e.ctx.Done(), fn)
}

// tick drives the grace policy, typing expiry and periodic saves.
func (e *Engine) tick() {
	now := time.Now()
	expired := e.pending.Tick(now, e.cfg.GapGrace, e.seq, e.fetchingFor, e.replay)
	for _, key := range expired {
		if key.Space == SpaceChannel {
			if _, ok := e.seq.ChannelPts(key.ChannelID); !ok {
				e.logger.Debug("dropping updates for uninitialised channel",
					slog.Int64("channel_id", key.ChannelID),
				)
				continue
			}
			e.logger.Debug("channel gap not closed in time",
				slog.Int64("channel_id", key.ChannelID),
			)
			e.getChannelDifference(key.ChannelID)
			continue
		}
		e.logger.Debug("gap not closed in time", slog.String("space", key.Space.String()))
		e.getDifference(false)
	}

	e.onView(func(v *view) { v.prune(now) })
	e.saveState()
	e.publishStatus()
}

func (e *Engine) fetchingFor(key BufferKey) bool {
	if key.Space == SpaceChannel {
		return e.chans.busy(key.ChannelID)
	}
	return e.diff.fetching || e.diff.retry != nil
}

func (e *Engine) markDirty(space Space, channelID int64) {
	if space == SpaceChannel {
		e.dirtyChannels[channelID] = struct{}{}
		return
	}
	e.stateDirty = true
}

// saveState queues the dirty counters for persistence.
func (e *Engine) saveState() {
	if !e.stateDirty && len(e.dirtyChannels) == 0 {
		return
	}
	st := e.seq.State()
	saveGlobal := e.stateDirty
	channels := make(map[int64]int, len(e.dirtyChannels))
	for id := range e.dirtyChannels {
		if pts, ok := e.seq.ChannelPts(id); ok {
			channels[id] = pts
		}
	}
	e.stateDirty = false
	clear(e.dirtyChannels)

	e.persist("save sync state", func(s Storage) error {
		if saveGlobal {
			if err := s.SaveSyncState(st); err != nil {
				return err
			}
		}
		for id, pts := range channels {
			if err := s.SaveChannelPts(id, pts); err != nil {
				return err
			}
		}
		return nil
	})
}

// flushState writes counters synchronously. Only used after the actors
// have stopped.
func (e *Engine) flushState(s Storage) {
	if err := s.SaveSyncState(e.seq.State()); err != nil {
		e.logger.Warn("saving sync state on shutdown", slog.String("error", err.Error()))
	}
	for id, pts := range e.seq.Channels() {
		if err := s.SaveChannelPts(id, pts); err != nil {
			e.logger.Warn("saving channel pts on shutdown",
				slog.Int64("channel_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) publishStatus() {
	st := &SyncStatus{
		State:      e.seq.State(),
		Channels:   e.seq.Channels(),
		Fetching:   e.diff.fetching,
		Generation: e.generation,
	}
	for id := range e.chans.inFlight {
		st.FetchingChannels = append(st.FetchingChannels, id)
	}
	slices.Sort(st.FetchingChannels)
	st.ShortPoll = e.chans.polled()
	for _, key := range e.pending.Keys() {
		if st.Pending == nil {
			st.Pending = make(map[string]int)
		}
		name := key.Space.String()
		if key.Space == SpaceChannel {
			name += ":" + strconv.FormatInt(key.ChannelID, 10)
		}
		st.Pending[name] = e.pending.Len(key)
	}
	if err := e.Fatal(); err != nil {
		st.Fatal = err.Error()
	}
	e.status.Store(st)
}

// --- Public API ---

// ProcessUpdates is the entry point for every server-pushed batch.
func (e *Engine) ProcessUpdates(u *Updates) {
	if u == nil {
		return
	}
	e.stage.post(func() { e.processUpdates(u, false) })
}

// ProcessAffected feeds the pts bookkeeping of a local action's result
// into the pts space.
func (e *Engine) ProcessAffected(pts, ptsCount int) {
	if pts <= 0 {
		return
	}
	e.stage.post(func() {
		e.advance(SpacePts, 0, []Update{{Kind: UpdateAffectedMessages, Pts: pts, PtsCount: ptsCount}}, false)
	})
}

// GetDifference starts a global catch-up unless one is running.
func (e *Engine) GetDifference() {
	e.stage.post(func() { e.getDifference(false) })
}

// GetChannelDifference starts a catch-up for one channel unless one is
// already running for it.
func (e *Engine) GetChannelDifference(channelID int64) {
	e.stage.post(func() { e.getChannelDifference(channelID) })
}

// SetShortPoll turns periodic rechecks of a channel on or off.
func (e *Engine) SetShortPoll(channelID int64, on bool) {
	e.stage.post(func() { e.setShortPoll(channelID, on) })
}

// SetCountByMessage switches folder aggregation between counting unread
// messages and counting unread dialogs. Aggregates are recomputed at once.
func (e *Engine) SetCountByMessage(on bool) {
	e.onView(func(v *view) {
		if v.dialogs.SetCountByMessage(on) {
			e.logger.Info("folder unread mode changed", slog.Bool("count_by_message", on))
		}
	})
}

// ResetDialogs refetches the whole dialog list and replaces the index.
func (e *Engine) ResetDialogs() {
	e.stage.post(e.resetDialogs)
}

// Reset discards in-flight catch-up work, e.g. on logout. Responses to
// requests started before the reset are ignored.
func (e *Engine) Reset() {
	e.stage.post(func() {
		e.generation++
		e.diff.stopRetry()
		e.diff = differenceFetcher{}
		e.chans.reset()
		e.pending.Reset()
		e.publishStatus()
	})
	e.onView(func(v *view) { v.reads.stopAll() })
}

// Snapshot returns the latest published dialog list.
func (e *Engine) Snapshot() *DialogsSnapshot {
	return e.snapshot.Load()
}

// Dialog looks up one dialog in the latest snapshot.
func (e *Engine) Dialog(id DialogID) (Dialog, bool) {
	return e.Snapshot().Dialog(id)
}

// SyncStatus returns the latest sequence state.
func (e *Engine) SyncStatus() SyncStatus {
	return *e.status.Load()
}

// Messages returns the cached messages of a dialog, newest first.
func (e *Engine) Messages(ctx context.Context, id DialogID) ([]MessageObject, error) {
	var out []MessageObject
	err := e.callView(ctx, func(v *view) error {
		out = v.messages.list(id)
		return nil
	})
	return out, err
}

// Typing returns who is currently typing in a dialog.
func (e *Engine) Typing(ctx context.Context, id DialogID) ([]PrintingUser, error) {
	var out []PrintingUser
	err := e.callView(ctx, func(v *view) error {
		out = v.printing.users(id)
		return nil
	})
	return out, err
}

// Resolve finds a dialog by username among cached entities.
func (e *Engine) Resolve(ctx context.Context, username string) (DialogID, bool, error) {
	var (
		id DialogID
		ok bool
	)
	err := e.callView(ctx, func(v *view) error {
		id, ok = v.entities.resolve(username)
		return nil
	})
	return id, ok, err
}

// Subscribe registers for outward events.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.bus.Subscribe(buffer)
}
