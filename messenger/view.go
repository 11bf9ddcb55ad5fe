package messenger

import (
	"log/slog"
	"slices"
	"time"
)

// view is the presentation-side state of an engine. Every field is owned
// by the view actor; the rest of the engine reaches it by posting.
type view struct {
	logger  *slog.Logger
	cfg     Config
	store   Storage
	bus     *Bus
	persist func(op string, fn func(Storage) error)
	publish func(*DialogsSnapshot)

	dialogs  *DialogIndex
	messages *messageCache
	entities *entityCache
	printing *printingTracker
	drafts   map[DialogID]localDraft
	reads    *readTracker

	// Pending outward effects, flushed by commit.
	reset    bool
	events   []Event
	received []Message
}

func newView(cfg Config, store Storage, bus *Bus, logger *slog.Logger, persist func(string, func(Storage) error), publish func(*DialogsSnapshot)) *view {
	return &view{
		logger:   logger,
		cfg:      cfg,
		store:    store,
		bus:      bus,
		persist:  persist,
		publish:  publish,
		dialogs:  NewDialogIndex(!cfg.CountByDialog),
		messages: newMessageCache(cfg.MessageWindow),
		entities: newEntityCache(),
		printing: newPrintingTracker(),
		drafts:   make(map[DialogID]localDraft),
		reads:    newReadTracker(cfg.ReadDebounce),
	}
}

// load seeds the index from storage without emitting events.
func (v *view) load(dialogs []Dialog) {
	for _, d := range dialogs {
		v.dialogs.Put(d)
	}
	v.publish(v.dialogs.Resort())
}

// queue records an outward event. Consecutive events of the same kind
// are merged.
func (v *view) queue(kind EventKind, dialog DialogID, objs ...*MessageObject) {
	var ev *Event
	if n := len(v.events); n > 0 && v.events[n-1].Kind == kind {
		ev = &v.events[n-1]
	} else {
		v.events = append(v.events, Event{Kind: kind})
		ev = &v.events[len(v.events)-1]
	}
	if dialog != 0 && !slices.Contains(ev.Dialogs, dialog) {
		ev.Dialogs = append(ev.Dialogs, dialog)
	}
	for _, o := range objs {
		ev.Messages = append(ev.Messages, *o)
	}
}

// commit publishes a new snapshot if the index changed, then flushes
// queued events and storage writes.
func (v *view) commit() {
	gen := v.dialogs.generation
	if v.dialogs.Dirty() || v.reset {
		changed, removed := v.dialogs.Changes()
		snap := v.dialogs.Resort()
		v.publish(snap)
		gen = snap.Generation

		if len(changed) > 0 || len(removed) > 0 {
			v.persist("put dialogs", func(s Storage) error {
				if len(changed) > 0 {
					if err := s.PutDialogs(changed); err != nil {
						return err
					}
				}
				for _, id := range removed {
					if err := s.DeleteDialog(id); err != nil {
						return err
					}
				}
				return nil
			})
		}

		if v.reset {
			v.bus.Publish(Event{Kind: EventDialogsReset, Generation: gen})
			v.reset = false
		} else {
			ids := make([]DialogID, 0, len(changed)+len(removed))
			for _, d := range changed {
				ids = append(ids, d.ID)
			}
			ids = append(ids, removed...)
			v.bus.Publish(Event{Kind: EventDialogsChanged, Dialogs: ids, Generation: gen})
		}
	}

	for _, ev := range v.events {
		ev.Generation = gen
		v.bus.Publish(ev)
	}
	v.events = nil

	if len(v.received) > 0 {
		msgs := v.received
		v.received = nil
		v.persist("put messages", func(s Storage) error {
			return s.PutMessages(msgs)
		})
	}
}

// newDialog builds the entry for a dialog first seen through a message.
func (v *view) newDialog(id DialogID, channel bool) Dialog {
	d := Dialog{ID: id, Title: v.entities.title(id), Channel: channel}
	if id.Kind() == KindChat {
		if ch, ok := v.entities.chat(id.ChatID()); ok && ch.Channel {
			d.Channel = true
		}
	}
	inbox, outbox, err := v.store.DialogReadMax(id)
	if err != nil {
		v.logger.Debug("loading read max",
			slog.String("dialog", id.String()),
			slog.String("error", err.Error()),
		)
		return d
	}
	d.ReadInboxMaxID, d.ReadOutboxMaxID = inbox, outbox
	return d
}

// replaceAll swaps the index for the result of a full dialog reset.
func (v *view) replaceAll(page *DialogsPage) {
	for _, u := range page.Users {
		v.entities.putUser(u)
	}
	for _, c := range page.Chats {
		v.entities.putChat(c)
	}

	dialogs := make([]Dialog, len(page.Dialogs))
	for i, d := range page.Dialogs {
		if d.Title == "" {
			d.Title = v.entities.title(d.ID)
		}
		dialogs[i] = d
	}
	v.dialogs.ReplaceAll(dialogs)

	v.messages = newMessageCache(v.cfg.MessageWindow)
	for _, m := range page.Messages {
		d, _ := v.dialogs.Get(m.Peer)
		v.messages.put(m, d)
	}
	v.received = append(v.received, page.Messages...)

	for id := range v.drafts {
		if _, ok := v.dialogs.Get(id); !ok {
			delete(v.drafts, id)
		}
	}
	v.reset = true
}

// replaceChannelWindow swaps a channel's cached messages after a
// too-long channel difference.
func (v *view) replaceChannelWindow(channelID int64, dialog *Dialog, msgs []Message) {
	id := ChatDialog(channelID)
	msgs = slices.Clone(msgs)
	for i := range msgs {
		msgs[i].Peer = id
	}
	if dialog != nil {
		nd := *dialog
		nd.ID = id
		nd.Channel = true
		if nd.Title == "" {
			nd.Title = v.entities.title(id)
		}
		if old, ok := v.dialogs.Get(id); ok {
			nd.Pinned, nd.PinnedRank = old.Pinned, old.PinnedRank
			if nd.FolderID == 0 {
				nd.FolderID = old.FolderID
			}
		}
		v.dialogs.Put(nd)
	}
	d, ok := v.dialogs.Get(id)
	if !ok {
		return
	}
	objs := v.messages.replaceWindow(id, msgs, d)
	if dialog == nil {
		if top, ok := v.messages.top(id); ok {
			v.dialogs.Mutate(id, func(d *Dialog) {
				d.TopMessageID = top.ID
				d.LastMessageDate = max(d.LastMessageDate, top.Date)
			})
		}
	}
	v.received = append(v.received, msgs...)
	if len(objs) > 0 {
		v.queue(EventMessagesReceived, id, objs...)
	}
}

// removeDialog drops a dialog from every structure in one step.
func (v *view) removeDialog(id DialogID) bool {
	if !v.dialogs.Remove(id) {
		return false
	}
	v.messages.drop(id)
	if len(v.printing.users(id)) > 0 {
		v.queue(EventTypingChanged, id)
	}
	v.printing.forget(id)
	delete(v.drafts, id)
	v.reads.cancel(id)
	return true
}

// prune expires typing entries.
func (v *view) prune(now time.Time) {
	for _, id := range v.printing.prune(now) {
		v.queue(EventTypingChanged, id)
	}
}
