package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
)

// ReadRequest asks to mark a dialog read up to MaxID. A zero MaxID means
// the dialog's top message. Secret chats are acknowledged by MaxDate.
// Now skips the debounce.
type ReadRequest struct {
	Dialog  DialogID
	MaxID   int
	MaxDate int
	Now     bool

	channel bool
}

func (r *ReadRequest) merge(o ReadRequest) {
	r.MaxID = max(r.MaxID, o.MaxID)
	r.MaxDate = max(r.MaxDate, o.MaxDate)
	r.channel = r.channel || o.channel
}

type readTask struct {
	req   ReadRequest
	timer *time.Timer
}

// readTracker debounces read acknowledgements per dialog. Owned by the
// view actor; fire is called from timer goroutines.
type readTracker struct {
	debounce time.Duration
	tasks    map[DialogID]*readTask
	fire     func(DialogID, *readTask)
}

func newReadTracker(debounce time.Duration) *readTracker {
	if debounce <= 0 {
		debounce = defaultReadDebounce
	}
	return &readTracker{debounce: debounce, tasks: make(map[DialogID]*readTask)}
}

// schedule records a read intent. A pending task for the same dialog
// absorbs it. For an immediate request the pending task is cancelled and
// the merged request returned for sending.
func (r *readTracker) schedule(req ReadRequest) (ReadRequest, bool) {
	t := r.tasks[req.Dialog]
	if req.Now {
		if t != nil {
			t.timer.Stop()
			delete(r.tasks, req.Dialog)
			req.merge(t.req)
		}
		return req, true
	}
	if t != nil {
		t.req.merge(req)
		return ReadRequest{}, false
	}
	t = &readTask{req: req}
	t.timer = time.AfterFunc(r.debounce, func() {
		if r.fire != nil {
			r.fire(req.Dialog, t)
		}
	})
	r.tasks[req.Dialog] = t
	return ReadRequest{}, false
}

// take removes a fired task. It fails if the task was cancelled or
// replaced in the meantime.
func (r *readTracker) take(id DialogID, t *readTask) (ReadRequest, bool) {
	if r.tasks[id] != t {
		return ReadRequest{}, false
	}
	delete(r.tasks, id)
	return t.req, true
}

func (r *readTracker) cancel(id DialogID) {
	if t := r.tasks[id]; t != nil {
		t.timer.Stop()
		delete(r.tasks, id)
	}
}

func (r *readTracker) stopAll() {
	for id, t := range r.tasks {
		t.timer.Stop()
		delete(r.tasks, id)
	}
}

func (r *readTracker) pending() int { return len(r.tasks) }

// MarkDialogAsRead clears the dialog's unread state at once and
// acknowledges the read to the server, debounced unless req.Now is set.
// Mention counters are left for the server to clear.
func (e *Engine) MarkDialogAsRead(ctx context.Context, req ReadRequest) error {
	var (
		send ReadRequest
		now  bool
	)
	err := e.callView(ctx, func(v *view) error {
		d, ok := v.dialogs.Get(req.Dialog)
		if !ok {
			return fmt.Errorf("marking %s read: %w", req.Dialog, errs.ErrDialogNotFound)
		}
		if req.MaxID <= 0 {
			req.MaxID = d.TopMessageID
		}
		if req.MaxDate <= 0 && req.Dialog.Kind() == KindSecret {
			req.MaxDate = d.LastMessageDate
		}
		req.channel = d.Channel
		v.markReadLocal(req.Dialog, req.MaxID)
		send, now = v.reads.schedule(req)
		return nil
	})
	if err != nil || !now {
		return err
	}
	if err := e.sendRead(ctx, send); err != nil {
		return e.actionFailed("read history", err)
	}
	return nil
}

// markReadLocal is the optimistic half of a read.
func (v *view) markReadLocal(id DialogID, maxID int) {
	v.readInbox(id, maxID, nil)
	v.mutateIf(id, func(d *Dialog) bool {
		if !d.UnreadMark && (d.UnreadCount == 0 || maxID < d.TopMessageID) {
			return false
		}
		d.UnreadMark = false
		if maxID >= d.TopMessageID {
			d.UnreadCount = 0
		}
		return true
	})
}

// fireRead runs on a timer goroutine when a debounced read is due.
func (e *Engine) fireRead(id DialogID, t *readTask) {
	e.viewQ.post(func() {
		if e.ctx.Err() != nil {
			return
		}
		req, ok := e.view.reads.take(id, t)
		if !ok {
			return
		}
		go func() {
			if err := e.sendRead(e.ctx, req); err != nil {
				e.failed("read history", err, slog.String("dialog", id.String()))
			}
		}()
	})
}

func (e *Engine) sendRead(ctx context.Context, req ReadRequest) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	e.logger.Debug("acknowledging read",
		slog.String("dialog", req.Dialog.String()),
		slog.Int("max_id", req.MaxID),
	)

	switch {
	case req.Dialog.Kind() == KindSecret:
		if err := e.rpc.ReadEncryptedHistory(ctx, req.Dialog.EncryptedChatID(), req.MaxDate); err != nil {
			return fmt.Errorf("reading encrypted history of %s: %w", req.Dialog, err)
		}
	case req.channel && req.Dialog.Kind() == KindChat:
		if err := e.rpc.ReadChannelHistory(ctx, req.Dialog.ChatID(), req.MaxID); err != nil {
			return fmt.Errorf("reading channel history of %s: %w", req.Dialog, err)
		}
	default:
		affected, err := e.rpc.ReadHistory(ctx, req.Dialog, req.MaxID)
		if err != nil {
			return fmt.Errorf("reading history of %s: %w", req.Dialog, err)
		}
		if affected != nil {
			e.ProcessAffected(affected.Pts, affected.PtsCount)
		}
	}
	return nil
}
