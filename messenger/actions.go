package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
)

const maxDeleteRounds = 100

// PinDialog pins or unpins a dialog. The index changes at once; if the
// server rejects the change it is rolled back and the error returned.
func (e *Engine) PinDialog(ctx context.Context, id DialogID, pinned bool) error {
	var (
		prev Dialog
		noop bool
	)
	err := e.callView(ctx, func(v *view) error {
		d, ok := v.dialogs.Get(id)
		if !ok {
			return fmt.Errorf("pinning %s: %w", id, errs.ErrDialogNotFound)
		}
		if d.Pinned == pinned {
			noop = true
			return nil
		}
		if pinned && v.dialogs.PinnedCount(d.FolderID) >= e.cfg.MaxPinned {
			return fmt.Errorf("pinning %s: %w", id, errs.ErrTooManyPinned)
		}
		prev = *d
		v.pin(id, pinned)
		return nil
	})
	if err != nil || noop {
		return err
	}

	task := newTask(TaskPinDialog, time.Now())
	task.Dialog = id
	task.Pinned = pinned
	if err := e.createTask(ctx, task); err != nil {
		e.restore([]Dialog{prev})
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	rpcErr := e.rpc.ToggleDialogPin(rctx, id, pinned)
	e.removeTask(task.ID)
	if rpcErr != nil {
		e.restore([]Dialog{prev})
		return e.actionFailed("pin dialog", fmt.Errorf("pinning %s: %w", id, rpcErr))
	}
	return nil
}

// ReorderPinned replaces a folder's pinned block with order.
func (e *Engine) ReorderPinned(ctx context.Context, folderID int, order []DialogID) error {
	if folderID < 0 {
		return fmt.Errorf("reordering pinned dialogs: %w", errs.ErrInvalidFolder)
	}
	if len(order) > e.cfg.MaxPinned {
		return fmt.Errorf("reordering pinned dialogs: %w", errs.ErrTooManyPinned)
	}

	var prev []Dialog
	err := e.callView(ctx, func(v *view) error {
		for _, id := range order {
			if _, ok := v.dialogs.Get(id); !ok {
				return fmt.Errorf("reordering pinned dialogs: %s: %w", id, errs.ErrDialogNotFound)
			}
		}
		for id, d := range v.dialogs.byID {
			if id.IsFolder() {
				continue
			}
			if (d.Pinned && d.FolderID == folderID) || slices.Contains(order, id) {
				prev = append(prev, *d)
			}
		}
		v.reorderPinned(folderID, order)
		return nil
	})
	if err != nil {
		return err
	}

	task := newTask(TaskReorderPinned, time.Now())
	task.FolderID = folderID
	task.Order = order
	if err := e.createTask(ctx, task); err != nil {
		e.restore(prev)
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	rpcErr := e.rpc.ReorderPinnedDialogs(rctx, folderID, order)
	e.removeTask(task.ID)
	if rpcErr != nil {
		e.restore(prev)
		return e.actionFailed("reorder pinned", fmt.Errorf("reordering pinned dialogs: %w", rpcErr))
	}
	return nil
}

// AddDialogToFolder moves a dialog into a folder. Moving unpins it.
func (e *Engine) AddDialogToFolder(ctx context.Context, id DialogID, folderID int) error {
	if folderID < 0 {
		return fmt.Errorf("moving %s: %w", id, errs.ErrInvalidFolder)
	}

	var (
		prev Dialog
		noop bool
	)
	err := e.callView(ctx, func(v *view) error {
		d, ok := v.dialogs.Get(id)
		if !ok {
			return fmt.Errorf("moving %s: %w", id, errs.ErrDialogNotFound)
		}
		if d.FolderID == folderID {
			noop = true
			return nil
		}
		prev = *d
		v.moveToFolder(id, folderID)
		return nil
	})
	if err != nil || noop {
		return err
	}

	task := newTask(TaskFolderMove, time.Now())
	task.Dialog = id
	task.FolderID = folderID
	if err := e.createTask(ctx, task); err != nil {
		e.restore([]Dialog{prev})
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	updates, rpcErr := e.rpc.EditPeerFolders(rctx, []FolderPeer{{Peer: id, FolderID: folderID}})
	e.removeTask(task.ID)
	if rpcErr != nil {
		e.restore([]Dialog{prev})
		return e.actionFailed("folder move", fmt.Errorf("moving %s: %w", id, rpcErr))
	}
	e.ProcessUpdates(updates)
	return nil
}

// DeleteDialog removes a dialog locally and deletes its history on the
// server. The task is recorded first so an interrupted delete resumes
// after a restart.
func (e *Engine) DeleteDialog(ctx context.Context, id DialogID) error {
	task := newTask(TaskDeleteHistory, time.Now())
	task.Dialog = id

	err := e.callView(ctx, func(v *view) error {
		d, ok := v.dialogs.Get(id)
		if !ok {
			return fmt.Errorf("deleting %s: %w", id, errs.ErrDialogNotFound)
		}
		task.MaxID = d.TopMessageID
		task.Channel = d.Channel
		return nil
	})
	if err != nil {
		return err
	}
	if err := e.createTask(ctx, task); err != nil {
		return err
	}

	if err := e.callView(ctx, func(v *view) error {
		v.removeDialog(id)
		return nil
	}); err != nil {
		return err
	}
	if task.Channel && id.Kind() == KindChat {
		e.stage.post(func() { e.forgetChannel(id.ChatID()) })
	}

	if err := e.deleteHistory(ctx, task); err != nil {
		return e.actionFailed("delete history", err)
	}
	return nil
}

// deleteHistory repeats DeleteHistory until the server reports nothing
// left. On error the task stays recorded.
func (e *Engine) deleteHistory(ctx context.Context, task PendingTask) error {
	for range maxDeleteRounds {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
		res, err := e.rpc.DeleteHistory(rctx, task.Dialog, task.MaxID)
		cancel()
		if err != nil {
			return fmt.Errorf("deleting history of %s: %w", task.Dialog, err)
		}
		if !task.Channel {
			e.ProcessAffected(res.Pts, res.PtsCount)
		}
		if res.Offset == 0 {
			e.removeTask(task.ID)
			return nil
		}
	}
	return fmt.Errorf("deleting history of %s: no end after %d rounds: %w",
		task.Dialog, maxDeleteRounds, errs.ErrAPIResponse)
}

// SaveDraft stores a draft locally and on the server. A server draft
// arriving later is merged with the local edits.
func (e *Engine) SaveDraft(ctx context.Context, id DialogID, text string) error {
	err := e.callView(ctx, func(v *view) error {
		d, ok := v.dialogs.Get(id)
		if !ok {
			return fmt.Errorf("saving draft of %s: %w", id, errs.ErrDialogNotFound)
		}
		base := ""
		if d.Draft != nil {
			base = d.Draft.Text
		}
		if local, ok := v.drafts[id]; ok {
			base = local.Base
		}
		v.drafts[id] = localDraft{Base: base, Text: text}
		v.setDraft(id, text, int(time.Now().Unix()))
		return nil
	})
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	if err := e.rpc.SaveDraft(rctx, id, text); err != nil {
		return e.actionFailed("save draft", fmt.Errorf("saving draft of %s: %w", id, err))
	}
	return nil
}

// ResumePendingTasks replays actions interrupted by a restart. A failed
// pin or folder task is dropped and the dialog list refetched, which
// unwinds the optimistic local change; a failed delete stays recorded.
func (e *Engine) ResumePendingTasks(ctx context.Context) error {
	var (
		tasks []PendingTask
		err   error
	)
	if cerr := e.storeQ.call(ctx, e.ctx.Done(), func() {
		tasks, err = e.store.PendingTasks()
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("loading pending tasks: %w", err)
	}

	var failures []error
	unwind := false
	for _, task := range tasks {
		e.logger.Info("resuming pending task",
			slog.String("id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.String("dialog", task.Dialog.String()),
		)
		rerr := e.resumeTask(ctx, task)
		if rerr == nil {
			continue
		}
		failures = append(failures, fmt.Errorf("task %s (%s): %w", task.ID, task.Kind, rerr))
		if task.Kind != TaskDeleteHistory && !isFatal(rerr) {
			e.removeTask(task.ID)
			unwind = true
		}
	}
	if unwind {
		e.ResetDialogs()
	}
	return errors.Join(failures...)
}

func (e *Engine) resumeTask(ctx context.Context, task PendingTask) error {
	if task.Kind == TaskDeleteHistory {
		return e.deleteHistory(ctx, task)
	}

	rctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()

	var err error
	switch task.Kind {
	case TaskPinDialog:
		err = e.rpc.ToggleDialogPin(rctx, task.Dialog, task.Pinned)
	case TaskReorderPinned:
		err = e.rpc.ReorderPinnedDialogs(rctx, task.FolderID, task.Order)
	case TaskFolderMove:
		var updates *Updates
		updates, err = e.rpc.EditPeerFolders(rctx, []FolderPeer{{Peer: task.Dialog, FolderID: task.FolderID}})
		if err == nil {
			e.ProcessUpdates(updates)
		}
	default:
		e.logger.Warn("dropping pending task of unknown kind",
			slog.String("id", task.ID),
			slog.String("kind", string(task.Kind)),
		)
	}
	if err != nil {
		return err
	}
	e.removeTask(task.ID)
	return nil
}

func (e *Engine) createTask(ctx context.Context, task PendingTask) error {
	var err error
	if cerr := e.storeQ.call(ctx, e.ctx.Done(), func() {
		err = e.store.CreatePendingTask(task)
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return fmt.Errorf("recording %s task: %w", task.Kind, err)
	}
	return nil
}

func (e *Engine) removeTask(id string) {
	e.persist("remove pending task", func(s Storage) error {
		return s.RemovePendingTask(id)
	})
}

// restore puts back the pin and folder fields of dialogs changed by a
// failed action.
func (e *Engine) restore(prev []Dialog) {
	if len(prev) == 0 {
		return
	}
	e.onView(func(v *view) {
		for _, p := range prev {
			v.mutateIf(p.ID, func(d *Dialog) bool {
				if d.Pinned == p.Pinned && d.PinnedRank == p.PinnedRank && d.FolderID == p.FolderID {
					return false
				}
				d.Pinned, d.PinnedRank, d.FolderID = p.Pinned, p.PinnedRank, p.FolderID
				return true
			})
		}
	})
}
