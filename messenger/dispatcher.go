package messenger

import (
	"cmp"
	"log/slog"
	"slices"
	"time"
)

// processUpdates runs on the stage actor. fromCatchUp marks batches
// synthesised from a difference response, whose offsets have already
// been reconciled by the server.
func (e *Engine) processUpdates(u *Updates, fromCatchUp bool) {
	switch u.Kind {
	case UpdatesTooLong:
		if !fromCatchUp {
			e.getDifference(false)
		}
		return
	case UpdateShort:
		e.processBatch(u, fromCatchUp)
		return
	}

	value, count := u.seqRange()
	if value == 0 || fromCatchUp {
		e.processBatch(u, fromCatchUp)
		return
	}

	switch e.seq.TryAdvance(SpaceSeq, 0, value, count) {
	case Applied:
		e.markDirty(SpaceSeq, 0)
		e.seq.SetDate(u.Date)
		e.processBatch(u, false)
		e.pending.Drain(BufferKey{Space: SpaceSeq}, e.seq, e.replay)
	case Stale:
		e.logger.Debug("dropping stale container",
			slog.Int("seq", value),
			slog.Int("current", e.seq.Value(SpaceSeq, 0)),
		)
	case Gap:
		e.pending.Enqueue(PendingUpdate{
			Space:     SpaceSeq,
			Value:     value,
			Count:     count,
			Container: u,
		}, time.Now())
	}
}

func (e *Engine) processBatch(u *Updates, fromCatchUp bool) {
	if len(u.Users) > 0 || len(u.Chats) > 0 {
		users, chats := u.Users, u.Chats
		e.onView(func(v *view) { v.putEntities(users, chats) })
	}
	e.dispatch(u.Updates, fromCatchUp)
}

// dispatch partitions updates by sequence space and hands each partition
// to advance. Session updates go last.
func (e *Engine) dispatch(updates []Update, fromCatchUp bool) {
	var pts, qts, session []Update
	channels := make(map[int64][]Update)

	for _, u := range updates {
		space, channelID := classify(&u)
		switch space {
		case SpacePts:
			pts = append(pts, u)
		case SpaceQts:
			qts = append(qts, u)
		case SpaceChannel:
			if channelID == 0 {
				e.logger.Debug("channel update without channel id",
					slog.String("kind", u.Kind.String()),
				)
				session = append(session, u)
				continue
			}
			channels[channelID] = append(channels[channelID], u)
		default:
			session = append(session, u)
		}
	}

	e.advance(SpacePts, 0, pts, fromCatchUp)
	e.advance(SpaceQts, 0, qts, fromCatchUp)

	ids := make([]int64, 0, len(channels))
	for id := range channels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		e.advance(SpaceChannel, id, channels[id], fromCatchUp)
	}

	e.applySession(session, fromCatchUp)
}

// run is a maximal block of updates whose offsets follow each other.
type run struct {
	value   int
	count   int
	updates []Update
}

// splitRuns groups sorted updates into contiguous runs. A run's count is
// the sum of its members' counts, so one offset check covers it.
func splitRuns(space Space, ups []Update) []run {
	var runs []run
	for _, u := range ups {
		value, count := u.offset(space)
		if n := len(runs); n > 0 && runs[n-1].value == value-count {
			r := &runs[n-1]
			r.value = value
			r.count += count
			r.updates = append(r.updates, u)
			continue
		}
		runs = append(runs, run{value: value, count: count, updates: []Update{u}})
	}
	return runs
}

func priorOf(space Space, u *Update) int {
	value, count := u.offset(space)
	return value - count
}

func (e *Engine) advance(space Space, channelID int64, ups []Update, fromCatchUp bool) {
	if len(ups) == 0 {
		return
	}
	if fromCatchUp && space != SpaceChannel {
		e.applyRun(ups)
		return
	}

	slices.SortStableFunc(ups, func(a, b Update) int {
		return cmp.Compare(priorOf(space, &a), priorOf(space, &b))
	})

	key := BufferKey{Space: space, ChannelID: channelID}
	cur, known := e.seq.Value(space, channelID), true
	if space == SpaceChannel {
		cur, known = e.seq.ChannelPts(channelID)
		if !known && startsChannel(ups) {
			// A new message is the first meaningful event for a channel
			// we have never synced: adopt its prior offset as the floor.
			floor := priorOf(space, &ups[0])
			e.seq.ForceSet(SpaceChannel, channelID, floor)
			e.markDirty(SpaceChannel, channelID)
			cur, known = floor, true
			e.logger.Debug("channel pts initialised from update",
				slog.Int64("channel_id", channelID),
				slog.Int("pts", floor),
			)
		}
	}

	if known {
		ups = slices.DeleteFunc(ups, func(u Update) bool {
			value, count := u.offset(space)
			return value < cur || (count > 0 && value == cur)
		})
	}

	now := time.Now()
	for _, r := range splitRuns(space, ups) {
		switch e.seq.TryAdvance(space, channelID, r.value, r.count) {
		case Applied:
			e.markDirty(space, channelID)
			e.applyRun(r.updates)
			e.pending.Drain(key, e.seq, e.replay)
		case Stale:
			e.logger.Debug("dropping stale run",
				slog.String("space", space.String()),
				slog.Int64("channel_id", channelID),
				slog.Int("value", r.value),
			)
		case Gap:
			e.pending.Enqueue(PendingUpdate{
				Space:     space,
				ChannelID: channelID,
				Value:     r.value,
				Count:     r.count,
				Updates:   r.updates,
			}, now)
		}
	}
}

func startsChannel(ups []Update) bool {
	for _, u := range ups {
		if u.Kind == UpdateNewChannelMessage {
			return true
		}
	}
	return false
}

// replay applies a buffered entry whose offset check just succeeded.
func (e *Engine) replay(p PendingUpdate) {
	if p.Container != nil {
		e.markDirty(SpaceSeq, 0)
		e.seq.SetDate(p.Container.Date)
		e.processBatch(p.Container, false)
		return
	}
	e.markDirty(p.Space, p.ChannelID)
	e.applyRun(p.Updates)
}

func (e *Engine) applyRun(ups []Update) {
	e.onView(func(v *view) { v.applyAll(ups) })
}

// applySession handles updates that carry no offset. Those that steer
// catch-up are consumed here; the rest go to the view.
func (e *Engine) applySession(ups []Update, fromCatchUp bool) {
	rest := ups[:0:0]
	for _, u := range ups {
		switch u.Kind {
		case UpdateChannelTooLong:
			channelID := u.channelID()
			if channelID == 0 {
				continue
			}
			if pts, ok := e.seq.ChannelPts(channelID); ok && u.Pts > 0 && pts >= u.Pts {
				continue
			}
			e.getChannelDifference(channelID)
		case UpdatePtsChanged:
			if !fromCatchUp {
				e.getDifference(false)
			}
		case UpdateChat:
			if c := u.Chat; c != nil && c.Channel && (c.Left || c.Kicked) {
				e.forgetChannel(c.ID)
			}
			rest = append(rest, u)
		default:
			rest = append(rest, u)
		}
	}
	if len(rest) > 0 {
		e.applyRun(rest)
	}
}

// forgetChannel drops everything the stage knows about a channel the
// account no longer belongs to.
func (e *Engine) forgetChannel(channelID int64) {
	if _, ok := e.seq.ChannelPts(channelID); !ok {
		return
	}
	e.seq.ForgetChannel(channelID)
	e.pending.Clear(BufferKey{Space: SpaceChannel, ChannelID: channelID})
	e.setShortPoll(channelID, false)
	e.chans.stopRetry(channelID)
	delete(e.dirtyChannels, channelID)
	e.persist("forget channel", func(s Storage) error {
		return s.SaveChannelPts(channelID, 0)
	})
	e.logger.Info("channel forgotten", slog.Int64("channel_id", channelID))
}

// drainAll replays every buffer once, e.g. after a difference completes.
func (e *Engine) drainAll() {
	for _, key := range e.pending.Keys() {
		e.pending.Drain(key, e.seq, e.replay)
	}
}
