package messenger

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

const (
	channelFetchLimit       = 100
	defaultShortPollTimeout = 30 * time.Second
)

// channelFetcher tracks per-channel catch-up. Owned by the stage actor.
type channelFetcher struct {
	inFlight map[int64]bool
	// shortPoll holds registered channels. A nil timer means a fetch is
	// in flight or about to be scheduled.
	shortPoll map[int64]*time.Timer
	// failures counts consecutive transient failures per channel and
	// retries holds the backoff timers they armed.
	failures map[int64]int
	retries  map[int64]*time.Timer
}

func newChannelFetcher() *channelFetcher {
	return &channelFetcher{
		inFlight:  make(map[int64]bool),
		shortPoll: make(map[int64]*time.Timer),
		failures:  make(map[int64]int),
		retries:   make(map[int64]*time.Timer),
	}
}

// busy reports whether a fetch for the channel is running or waiting
// out a backoff.
func (f *channelFetcher) busy(channelID int64) bool {
	if f.inFlight[channelID] {
		return true
	}
	_, waiting := f.retries[channelID]
	return waiting
}

func (f *channelFetcher) stopRetry(channelID int64) {
	if t, ok := f.retries[channelID]; ok {
		t.Stop()
		delete(f.retries, channelID)
	}
	delete(f.failures, channelID)
}

func (f *channelFetcher) polled() []int64 {
	if len(f.shortPoll) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(f.shortPoll))
	for id := range f.shortPoll {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (f *channelFetcher) stopAll() {
	for _, t := range f.shortPoll {
		if t != nil {
			t.Stop()
		}
	}
	for _, t := range f.retries {
		t.Stop()
	}
}

func (f *channelFetcher) reset() {
	f.stopAll()
	clear(f.inFlight)
	clear(f.shortPoll)
	clear(f.failures)
	clear(f.retries)
}

// getChannelDifference runs on the stage actor. At most one fetch per
// channel is in flight. A channel without a known pts is bootstrapped
// with a one-message fetch that only learns its offset.
func (e *Engine) getChannelDifference(channelID int64) {
	if e.stopped() || channelID == 0 {
		return
	}
	if e.chans.busy(channelID) {
		return
	}
	e.chans.inFlight[channelID] = true

	pts, known := e.seq.ChannelPts(channelID)
	req := ChannelDifferenceRequest{ChannelID: channelID, Pts: pts, Limit: channelFetchLimit}
	bootstrap := !known
	if bootstrap {
		req.Pts = 1
		req.Limit = 1
	}
	gen := e.generation

	e.logger.Debug("getting channel difference",
		slog.Int64("channel_id", channelID),
		slog.Int("pts", req.Pts),
		slog.Bool("bootstrap", bootstrap),
	)

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RPCTimeout)
		defer cancel()
		diff, err := e.rpc.GetChannelDifference(ctx, req)
		e.stage.post(func() { e.onChannelDifference(gen, req, bootstrap, diff, err) })
	}()
}

func (e *Engine) onChannelDifference(gen uint64, req ChannelDifferenceRequest, bootstrap bool, diff *ChannelDifference, err error) {
	if gen != e.generation {
		e.logger.Debug("discarding channel difference from previous generation",
			slog.Int64("channel_id", req.ChannelID),
		)
		return
	}
	channelID := req.ChannelID
	key := BufferKey{Space: SpaceChannel, ChannelID: channelID}
	defer func() {
		e.saveState()
		e.publishStatus()
	}()

	if err != nil {
		delete(e.chans.inFlight, channelID)
		if IsTransient(err) && !e.stopped() {
			e.retryChannelDifference(channelID, err)
			return
		}
		delete(e.chans.failures, channelID)
		e.failed("get channel difference", err, slog.Int64("channel_id", channelID))
		if !e.stopped() {
			e.scheduleShortPoll(channelID, 0)
		}
		return
	}
	delete(e.chans.failures, channelID)

	if _, known := e.seq.ChannelPts(channelID); !known && !bootstrap {
		// Left the channel while the fetch was running.
		delete(e.chans.inFlight, channelID)
		return
	}

	if bootstrap {
		if diff.Pts > 0 {
			e.seq.ForceSet(SpaceChannel, channelID, diff.Pts)
			e.markDirty(SpaceChannel, channelID)
		}
		delete(e.chans.inFlight, channelID)
		e.pending.ResetWait(key)
		e.pending.Drain(key, e.seq, e.replay)
		e.logger.Debug("channel bootstrapped",
			slog.Int64("channel_id", channelID),
			slog.Int("pts", diff.Pts),
		)
		e.scheduleShortPoll(channelID, diff.Timeout)
		return
	}

	switch diff.Kind {
	case ChannelDifferenceEmpty:
	case ChannelDifferenceFull:
		e.applyChannelDifference(channelID, diff)
	case ChannelDifferenceTooLong:
		e.logger.Info("channel difference too long, replacing window",
			slog.Int64("channel_id", channelID),
			slog.Int("messages", len(diff.Messages)),
		)
		users, chats := diff.Users, diff.Chats
		dialog, msgs := diff.Dialog, diff.Messages
		e.onView(func(v *view) {
			v.putEntities(users, chats)
			v.replaceChannelWindow(channelID, dialog, msgs)
		})
	}

	if diff.Pts > 0 {
		e.seq.ForceSet(SpaceChannel, channelID, diff.Pts)
		e.markDirty(SpaceChannel, channelID)
	}
	e.pending.ResetWait(key)
	delete(e.chans.inFlight, channelID)
	e.pending.Drain(key, e.seq, e.replay)

	if !diff.Final {
		e.getChannelDifference(channelID)
		return
	}
	e.scheduleShortPoll(channelID, diff.Timeout)
}

// retryChannelDifference schedules the next fetch of a channel after a
// transient failure.
func (e *Engine) retryChannelDifference(channelID int64, err error) {
	n := e.chans.failures[channelID] + 1
	e.chans.failures[channelID] = n
	delay := retryDelay(n)
	e.logger.Warn("get channel difference failed, retrying",
		slog.Int64("channel_id", channelID),
		slog.String("error", err.Error()),
		slog.Int("attempt", n),
		slog.Duration("backoff", delay),
	)

	if t, ok := e.chans.retries[channelID]; ok {
		t.Stop()
	}
	gen := e.generation
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.stage.post(func() {
			if gen != e.generation || e.chans.retries[channelID] != timer {
				return
			}
			delete(e.chans.retries, channelID)
			e.getChannelDifference(channelID)
		})
	})
	e.chans.retries[channelID] = timer
}

// applyChannelDifference applies the channel's own updates directly and
// routes anything else back through the dispatcher.
func (e *Engine) applyChannelDifference(channelID int64, diff *ChannelDifference) {
	own := make([]Update, 0, len(diff.NewMessages)+len(diff.OtherUpdates))
	for i := range diff.NewMessages {
		own = append(own, Update{
			Kind:      UpdateNewChannelMessage,
			ChannelID: channelID,
			Message:   &diff.NewMessages[i],
		})
	}
	var other []Update
	for _, u := range diff.OtherUpdates {
		if space, id := classify(&u); space == SpaceChannel && id == channelID {
			own = append(own, u)
			continue
		}
		other = append(other, u)
	}

	users, chats := diff.Users, diff.Chats
	e.onView(func(v *view) {
		v.putEntities(users, chats)
		v.applyAll(own)
	})
	if len(other) > 0 {
		e.dispatch(other, true)
	}
}

// setShortPoll registers or unregisters a channel for periodic rechecks.
// Registering starts a fetch straight away.
func (e *Engine) setShortPoll(channelID int64, on bool) {
	t, registered := e.chans.shortPoll[channelID]
	if !on {
		if registered {
			if t != nil {
				t.Stop()
			}
			delete(e.chans.shortPoll, channelID)
		}
		return
	}
	if registered {
		return
	}
	e.chans.shortPoll[channelID] = nil
	e.getChannelDifference(channelID)
}

// scheduleShortPoll arms the recheck timer of a registered channel.
// timeout is the server's suggestion in seconds.
func (e *Engine) scheduleShortPoll(channelID int64, timeout int) {
	t, registered := e.chans.shortPoll[channelID]
	if !registered {
		return
	}
	if t != nil {
		t.Stop()
	}
	d := time.Duration(timeout) * time.Second
	if d <= 0 {
		d = defaultShortPollTimeout
	}
	gen := e.generation
	e.chans.shortPoll[channelID] = time.AfterFunc(d, func() {
		e.stage.post(func() {
			if gen != e.generation {
				return
			}
			if _, ok := e.chans.shortPoll[channelID]; !ok {
				return
			}
			e.chans.shortPoll[channelID] = nil
			e.getChannelDifference(channelID)
		})
	})
}
