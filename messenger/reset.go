package messenger

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	dialogsPageSize = 100
	maxDialogPages  = 500
)

// resetDialogs refetches the whole dialog list and replaces the index
// wholesale. Concurrent requests within one generation share a fetch.
func (e *Engine) resetDialogs() {
	if e.stopped() {
		return
	}
	gen := e.generation
	e.logger.Info("resetting dialogs")

	go func() {
		v, err, _ := e.resets.Do(fmt.Sprint("dialogs:", gen), func() (any, error) {
			return e.fetchAllDialogs(e.ctx)
		})
		page, _ := v.(*DialogsPage)
		e.stage.post(func() { e.onDialogsReset(gen, page, err) })
	}()
}

// fetchAllDialogs loads pinned dialogs of the inbox and archive, then
// pages through the rest of the list from the newest entry.
func (e *Engine) fetchAllDialogs(ctx context.Context) (*DialogsPage, error) {
	all := &DialogsPage{}
	seen := make(map[DialogID]bool)
	add := func(page *DialogsPage) {
		all.Messages = append(all.Messages, page.Messages...)
		all.Users = append(all.Users, page.Users...)
		all.Chats = append(all.Chats, page.Chats...)
	}

	for _, folderID := range []int{FolderInbox, FolderArchive} {
		page, err := e.withTimeout(ctx, func(ctx context.Context) (*DialogsPage, error) {
			return e.rpc.GetPinnedDialogs(ctx, folderID)
		})
		if err != nil {
			return nil, fmt.Errorf("fetching pinned dialogs of folder %d: %w", folderID, err)
		}
		n := len(page.Dialogs)
		for i, d := range page.Dialogs {
			d.Pinned = true
			d.PinnedRank = n - i
			d.FolderID = folderID
			seen[d.ID] = true
			all.Dialogs = append(all.Dialogs, d)
		}
		add(page)
	}

	req := DialogsRequest{Limit: dialogsPageSize}
	for range maxDialogPages {
		page, err := e.withTimeout(ctx, func(ctx context.Context) (*DialogsPage, error) {
			return e.rpc.GetDialogs(ctx, req)
		})
		if err != nil {
			return nil, fmt.Errorf("fetching dialogs: %w", err)
		}
		for _, d := range page.Dialogs {
			if seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			d.Pinned = false
			d.PinnedRank = 0
			all.Dialogs = append(all.Dialogs, d)
		}
		add(page)

		if len(page.Dialogs) < req.Limit || (page.Count > 0 && len(all.Dialogs) >= page.Count) {
			break
		}
		last := page.Dialogs[len(page.Dialogs)-1]
		req.OffsetDate = last.LastMessageDate
		req.OffsetID = last.TopMessageID
		req.OffsetPeer = last.ID
	}
	return all, nil
}

func (e *Engine) withTimeout(ctx context.Context, fn func(context.Context) (*DialogsPage, error)) (*DialogsPage, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RPCTimeout)
	defer cancel()
	return fn(ctx)
}

func (e *Engine) onDialogsReset(gen uint64, page *DialogsPage, err error) {
	if gen != e.generation {
		e.logger.Debug("discarding dialog reset from previous generation")
		return
	}
	if err != nil {
		e.failed("reset dialogs", err)
		return
	}

	for _, d := range page.Dialogs {
		if !d.Channel || d.ChannelPts <= 0 || d.ID.Kind() != KindChat {
			continue
		}
		channelID := d.ID.ChatID()
		e.seq.ForceSet(SpaceChannel, channelID, d.ChannelPts)
		e.markDirty(SpaceChannel, channelID)
		e.pending.ResetWait(BufferKey{Space: SpaceChannel, ChannelID: channelID})
	}

	e.onView(func(v *view) { v.replaceAll(page) })
	e.drainAll()
	e.saveState()
	e.publishStatus()

	e.logger.Info("dialogs reset", slog.Int("dialogs", len(page.Dialogs)))
}
