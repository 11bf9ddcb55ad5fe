package messenger

import (
	"context"
	"log/slog"
	"time"
)

// differenceFetcher is the global catch-up state machine:
// idle -> fetching -> idle, or fetching again while slices continue.
// A transient failure parks it in a backoff wait before the next fetch.
type differenceFetcher struct {
	fetching bool
	// limitSent records that this session has already sent the total
	// limit hint.
	limitSent bool

	failures int
	retry    *time.Timer
}

func (f *differenceFetcher) stopRetry() {
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
}

// getDifference runs on the stage actor. It is a no-op while a fetch is
// in flight unless slice marks a chained continuation.
func (e *Engine) getDifference(slice bool) {
	if e.stopped() {
		return
	}
	if (e.diff.fetching || e.diff.retry != nil) && !slice {
		return
	}
	e.diff.fetching = true

	st := e.seq.State()
	req := DifferenceRequest{Pts: st.Pts, Qts: st.Qts, Date: st.Date}
	if !e.diff.limitSent {
		e.diff.limitSent = true
		req.PtsTotalLimit = ptsTotalLimit
		if e.cfg.Metered {
			req.PtsTotalLimit = ptsTotalLimitMetered
		}
	}
	gen := e.generation

	e.logger.Debug("getting difference",
		slog.Int("pts", req.Pts),
		slog.Int("qts", req.Qts),
		slog.Int("date", req.Date),
		slog.Bool("slice", slice),
	)
	e.publishStatus()

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RPCTimeout)
		defer cancel()
		diff, err := e.rpc.GetDifference(ctx, req)
		e.stage.post(func() { e.onDifference(gen, diff, err) })
	}()
}

func (e *Engine) onDifference(gen uint64, diff *Difference, err error) {
	if gen != e.generation {
		e.logger.Debug("discarding difference from previous generation",
			slog.Uint64("generation", gen),
		)
		return
	}
	defer func() {
		e.saveState()
		e.publishStatus()
		e.bus.Publish(Event{Kind: EventSyncStateChanged})
	}()

	if err != nil {
		e.diff.fetching = false
		if IsTransient(err) && !e.stopped() {
			e.retryDifference(err)
			return
		}
		e.diff.failures = 0
		e.failed("get difference", err)
		return
	}
	e.diff.failures = 0

	switch diff.Kind {
	case DifferenceEmpty:
		e.diff.fetching = false
		e.seq.SetDate(diff.Date)
		if diff.Seq > 0 {
			e.seq.ForceSet(SpaceSeq, 0, diff.Seq)
		}
		e.stateDirty = true
		e.drainAll()

	case DifferenceFull, DifferenceSlice:
		e.applyDifference(diff)
		e.seq.ForceState(diff.State)
		e.stateDirty = true
		e.resetGlobalWaits()

		e.logger.Debug("difference applied",
			slog.String("kind", diff.Kind.String()),
			slog.Int("messages", len(diff.NewMessages)),
			slog.Int("updates", len(diff.OtherUpdates)),
			slog.Int("pts", diff.State.Pts),
		)

		if diff.Kind == DifferenceSlice {
			e.getDifference(true)
			return
		}
		e.diff.fetching = false
		e.drainAll()

	case DifferenceTooLong:
		e.logger.Info("difference too long, resetting dialogs", slog.Int("pts", diff.Pts))
		e.seq.ForceSet(SpacePts, 0, diff.Pts)
		e.stateDirty = true
		e.resetGlobalWaits()
		e.diff.fetching = false
		e.resetDialogs()
		e.drainAll()
	}
}

// retryDifference schedules the next global fetch after a transient
// failure. Buffered gaps wait for it instead of starting their own fetch.
func (e *Engine) retryDifference(err error) {
	e.diff.failures++
	delay := retryDelay(e.diff.failures)
	e.logger.Warn("get difference failed, retrying",
		slog.String("error", err.Error()),
		slog.Int("attempt", e.diff.failures),
		slog.Duration("backoff", delay),
	)

	e.diff.stopRetry()
	gen := e.generation
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.stage.post(func() {
			if gen != e.generation || e.diff.retry != timer {
				return
			}
			e.diff.retry = nil
			e.getDifference(false)
		})
	})
	e.diff.retry = timer
}

// applyDifference feeds a difference's contents through the dispatcher
// without offset checks on the global spaces.
func (e *Engine) applyDifference(diff *Difference) {
	ups := make([]Update, 0, len(diff.NewMessages)+len(diff.NewEncryptedMessages)+len(diff.OtherUpdates))
	for i := range diff.NewMessages {
		ups = append(ups, Update{Kind: UpdateNewMessage, Message: &diff.NewMessages[i]})
	}
	for i := range diff.NewEncryptedMessages {
		ups = append(ups, Update{Kind: UpdateNewEncryptedMessage, Message: &diff.NewEncryptedMessages[i]})
	}
	ups = append(ups, diff.OtherUpdates...)

	e.processBatch(&Updates{
		Kind:    UpdatesBatch,
		Updates: ups,
		Users:   diff.Users,
		Chats:   diff.Chats,
	}, true)
}

func (e *Engine) resetGlobalWaits() {
	for _, space := range []Space{SpaceSeq, SpacePts, SpaceQts} {
		e.pending.ResetWait(BufferKey{Space: space})
	}
}
