package messenger

import (
	"log/slog"
	"slices"
	"time"
)

func (v *view) applyAll(ups []Update) {
	for i := range ups {
		v.apply(&ups[i])
	}
}

// apply mutates the view for one update whose offset has been accepted.
func (v *view) apply(u *Update) {
	switch u.Kind {
	case UpdateNewMessage, UpdateNewChannelMessage, UpdateNewEncryptedMessage:
		if u.Message != nil {
			v.receive(*u.Message, u.Kind == UpdateNewChannelMessage)
		}

	case UpdateEditMessage, UpdateEditChannelMessage:
		if u.Message != nil {
			if obj := v.messages.replace(*u.Message); obj != nil {
				v.queue(EventMessagesEdited, obj.DialogID, obj)
			}
		}

	case UpdateDeleteMessages:
		v.deleteGlobal(u.MessageIDs)
	case UpdateDeleteChannelMessages:
		v.deleteMessages(ChatDialog(u.channelID()), u.MessageIDs)

	case UpdateReadHistoryInbox:
		v.readInbox(u.Peer, u.MaxID, u.StillUnreadCount)
	case UpdateReadChannelInbox:
		v.readInbox(ChatDialog(u.channelID()), u.MaxID, u.StillUnreadCount)
	case UpdateReadHistoryOutbox:
		v.readOutbox(u.Peer, u.MaxID)
	case UpdateReadChannelOutbox:
		v.readOutbox(ChatDialog(u.channelID()), u.MaxID)
	case UpdateEncryptedMessagesRead:
		v.readOutboxByDate(u.Peer, u.MaxDate)
	case UpdateReadMessagesContents:
		for _, obj := range v.messages.markContentsRead(u.MessageIDs) {
			v.queue(EventMessagesRead, obj.DialogID, obj)
		}

	case UpdateChatParticipants:
		if ch, ok := v.entities.chat(u.Peer.ChatID()); ok && u.Peer.Kind() == KindChat {
			ch.ParticipantsCount = u.Participants
			v.entities.chats[ch.ID] = ch
			v.queue(EventEntitiesChanged, u.Peer)
		}

	case UpdateFolderPeers:
		for _, fp := range u.FolderPeers {
			v.moveToFolder(fp.Peer, fp.FolderID)
		}

	case UpdateUserTyping, UpdateChatUserTyping, UpdateChannelUserTyping, UpdateEncryptedChatTyping:
		v.typing(u)

	case UpdateDialogPinned:
		v.pin(u.Peer, u.Pinned)
	case UpdatePinnedDialogs:
		v.reorderPinned(u.FolderID, u.Order)

	case UpdateDialogUnreadMark:
		v.mutateIf(u.Peer, func(d *Dialog) bool {
			if d.UnreadMark == u.UnreadMark {
				return false
			}
			d.UnreadMark = u.UnreadMark
			return true
		})

	case UpdateDraftMessage:
		v.serverDraft(u.Peer, u.Draft)

	case UpdateNotifySettings:
		if u.Muted != nil {
			muted := *u.Muted
			v.mutateIf(u.Peer, func(d *Dialog) bool {
				if d.Muted == muted {
					return false
				}
				d.Muted = muted
				return true
			})
		}

	case UpdateUser:
		if u.User != nil {
			v.putEntities([]User{*u.User}, nil)
		}
	case UpdateUserName:
		if u.User != nil {
			nu := *u.User
			if old, ok := v.entities.user(nu.ID); ok {
				old.FirstName, old.LastName, old.Username = nu.FirstName, nu.LastName, nu.Username
				nu = old
			}
			v.putEntities([]User{nu}, nil)
		}
	case UpdateChat:
		if u.Chat != nil {
			v.putEntities(nil, []Chat{*u.Chat})
			if c := u.Chat; c.Channel && (c.Left || c.Kicked) {
				v.removeDialog(ChatDialog(c.ID))
			}
		}

	case UpdateWebPage, UpdateChannelWebPage, UpdateAffectedMessages,
		UpdateChannelTooLong, UpdatePtsChanged, UpdateUnknown:
	}
}

// mutateIf runs fn on an existing dialog and records the change only if
// fn reports one.
func (v *view) mutateIf(id DialogID, fn func(d *Dialog) bool) {
	d, ok := v.dialogs.Get(id)
	if !ok {
		return
	}
	next := *d
	if !fn(&next) {
		return
	}
	v.dialogs.Mutate(id, func(d *Dialog) { *d = next })
}

// receive adds a new message. A message at or below the dialog's top, or
// one the cache has already accepted, is a redelivery and changes nothing.
func (v *view) receive(m Message, channel bool) {
	id := m.Peer
	d, ok := v.dialogs.Get(id)
	if ok && m.ID <= d.TopMessageID || v.messages.seen(id, m.ID) {
		return
	}
	if !ok {
		v.dialogs.Put(v.newDialog(id, channel))
		d, _ = v.dialogs.Get(id)
	}

	obj := v.messages.put(m, d)
	if obj == nil {
		return
	}

	v.dialogs.Mutate(id, func(d *Dialog) {
		if m.ID > d.TopMessageID {
			d.TopMessageID = m.ID
			d.LastMessageDate = max(d.LastMessageDate, m.Date)
		}
		if obj.Unread && !m.Out {
			d.UnreadCount++
			if m.Mentioned {
				d.UnreadMentionCount++
			}
		}
	})

	if m.FromID != 0 && v.printing.clear(id, m.FromID) {
		v.queue(EventTypingChanged, id)
	}
	v.received = append(v.received, m)
	v.queue(EventMessagesReceived, id, obj)
}

// deleteGlobal handles deletions that carry only message ids.
func (v *view) deleteGlobal(ids []int) {
	groups := v.messages.locate(ids)
	dialogs := make([]DialogID, 0, len(groups))
	located := make(map[int]bool, len(ids))
	for id, msgs := range groups {
		dialogs = append(dialogs, id)
		for _, m := range msgs {
			located[m] = true
		}
	}
	slices.Sort(dialogs)
	for _, id := range dialogs {
		v.deleteMessages(id, groups[id])
	}

	var rest []int
	for _, id := range ids {
		if !located[id] {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		v.persist("mark messages deleted", func(s Storage) error {
			return s.MarkMessagesAsDeleted(0, rest)
		})
	}
}

func (v *view) deleteMessages(id DialogID, ids []int) {
	if len(ids) == 0 {
		return
	}
	gone := v.messages.remove(id, ids)
	v.persist("mark messages deleted", func(s Storage) error {
		return s.MarkMessagesAsDeleted(id, ids)
	})
	if len(gone) == 0 {
		return
	}

	d, ok := v.dialogs.Get(id)
	if ok {
		unread, mentions, topGone := 0, 0, false
		for _, g := range gone {
			if g.Unread && !g.Out {
				unread++
				if g.Mentioned {
					mentions++
				}
			}
			if g.ID == d.TopMessageID {
				topGone = true
			}
		}
		v.dialogs.Mutate(id, func(d *Dialog) {
			d.UnreadCount = max(0, d.UnreadCount-unread)
			d.UnreadMentionCount = max(0, d.UnreadMentionCount-mentions)
			if topGone {
				d.TopMessageID = 0
				if top, ok := v.messages.top(id); ok {
					d.TopMessageID = top.ID
				}
			}
		})
		updated := *d
		v.persist("update dialogs with deleted messages", func(s Storage) error {
			return s.UpdateDialogsWithDeletedMessages([]Dialog{updated})
		})
	}
	v.queue(EventMessagesDeleted, id, gone...)
}

// readInbox moves a dialog's inbox read marker forward. The marker never
// moves back.
func (v *view) readInbox(id DialogID, maxID int, stillUnread *int) {
	d, ok := v.dialogs.Get(id)
	if !ok || maxID <= d.ReadInboxMaxID {
		return
	}
	changed := v.messages.markRead(id, false, maxID)
	v.dialogs.Mutate(id, func(d *Dialog) {
		d.ReadInboxMaxID = maxID
		switch {
		case stillUnread != nil:
			d.UnreadCount = max(0, *stillUnread)
		case maxID >= d.TopMessageID:
			d.UnreadCount = 0
		default:
			d.UnreadCount = max(0, d.UnreadCount-len(changed))
		}
		d.UnreadMark = false
	})
	if len(changed) > 0 {
		v.queue(EventMessagesRead, id, changed...)
	}
}

func (v *view) readOutbox(id DialogID, maxID int) {
	d, ok := v.dialogs.Get(id)
	if !ok || maxID <= d.ReadOutboxMaxID {
		return
	}
	changed := v.messages.markRead(id, true, maxID)
	v.dialogs.Mutate(id, func(d *Dialog) { d.ReadOutboxMaxID = maxID })
	if len(changed) > 0 {
		v.queue(EventMessagesRead, id, changed...)
	}
}

// readOutboxByDate handles secret chats, whose read receipts carry a date.
func (v *view) readOutboxByDate(id DialogID, maxDate int) {
	maxID := 0
	for _, m := range v.messages.byDialog[id] {
		if m.Out && m.Date <= maxDate && m.ID > maxID {
			maxID = m.ID
		}
	}
	if maxID > 0 {
		v.readOutbox(id, maxID)
	}
}

func (v *view) moveToFolder(id DialogID, folderID int) {
	v.mutateIf(id, func(d *Dialog) bool {
		if d.FolderID == folderID {
			return false
		}
		d.FolderID = folderID
		d.Pinned = false
		d.PinnedRank = 0
		return true
	})
}

func (v *view) typing(u *Update) {
	dialog := u.Peer
	if dialog == 0 {
		switch u.Kind {
		case UpdateUserTyping:
			dialog = UserDialog(u.UserID)
		case UpdateChannelUserTyping:
			dialog = ChatDialog(u.channelID())
		}
	}
	if dialog == 0 {
		return
	}
	if v.printing.set(dialog, u.UserID, u.Action, time.Now()) {
		v.queue(EventTypingChanged, dialog)
	}
}

// pin pins a dialog at the top of its folder's pinned block.
func (v *view) pin(id DialogID, pinned bool) {
	d, ok := v.dialogs.Get(id)
	if !ok || d.Pinned == pinned {
		return
	}
	rank := 0
	if pinned {
		rank = v.dialogs.MaxPinnedRank(d.FolderID) + 1
	}
	v.dialogs.Mutate(id, func(d *Dialog) {
		d.Pinned = pinned
		d.PinnedRank = rank
	})
}

// reorderPinned sets a folder's pinned block to exactly order, first
// entry highest.
func (v *view) reorderPinned(folderID int, order []DialogID) {
	keep := make(map[DialogID]bool, len(order))
	n := len(order)
	for i, id := range order {
		keep[id] = true
		rank := n - i
		v.mutateIf(id, func(d *Dialog) bool {
			if d.Pinned && d.PinnedRank == rank && d.FolderID == folderID {
				return false
			}
			d.Pinned = true
			d.PinnedRank = rank
			d.FolderID = folderID
			return true
		})
	}

	var unpin []DialogID
	for id, d := range v.dialogs.byID {
		if d.Pinned && d.FolderID == folderID && !id.IsFolder() && !keep[id] {
			unpin = append(unpin, id)
		}
	}
	for _, id := range unpin {
		v.dialogs.Mutate(id, func(d *Dialog) {
			d.Pinned = false
			d.PinnedRank = 0
		})
	}
}

// serverDraft reconciles a draft pushed by the server with one being
// edited locally.
func (v *view) serverDraft(id DialogID, draft *Draft) {
	text, date := "", 0
	if draft != nil {
		text, date = draft.Text, draft.Date
	}
	shown := text
	if local, ok := v.drafts[id]; ok {
		merged, clean := mergeDraft(local.Base, local.Text, text)
		if !clean {
			v.logger.Debug("local draft conflicts with server draft",
				slog.String("dialog", id.String()),
			)
		}
		if merged == text {
			delete(v.drafts, id)
		} else {
			v.drafts[id] = localDraft{Base: text, Text: merged}
		}
		shown = merged
	}
	v.setDraft(id, shown, date)
}

func (v *view) setDraft(id DialogID, text string, date int) {
	v.mutateIf(id, func(d *Dialog) bool {
		if text == "" {
			if d.Draft == nil {
				return false
			}
			d.Draft = nil
			d.DraftDate = 0
			return true
		}
		if d.Draft != nil && d.Draft.Text == text && d.DraftDate == date {
			return false
		}
		d.Draft = &Draft{Text: text, Date: date}
		d.DraftDate = date
		return true
	})
}

// putEntities merges users and chats and refreshes dialog titles.
func (v *view) putEntities(users []User, chats []Chat) {
	for _, in := range users {
		u := v.entities.putUser(in)
		v.retitle(UserDialog(u.ID))
	}
	for _, in := range chats {
		c := v.entities.putChat(in)
		id := ChatDialog(c.ID)
		v.retitle(id)
		if c.Channel {
			v.mutateIf(id, func(d *Dialog) bool {
				if d.Channel {
					return false
				}
				d.Channel = true
				return true
			})
		}
	}
	if len(users) > 0 || len(chats) > 0 {
		v.queue(EventEntitiesChanged, 0)
	}
}

func (v *view) retitle(id DialogID) {
	title := v.entities.title(id)
	if title == "" {
		return
	}
	v.mutateIf(id, func(d *Dialog) bool {
		if d.Title == title {
			return false
		}
		d.Title = title
		return true
	})
}
