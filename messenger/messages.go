package messenger

import (
	"cmp"
	"slices"
)

// MessageObject is an immutable view of a cached message. Changes to the
// unread or deleted state publish a new object with a higher generation;
// objects already handed out are never modified.
type MessageObject struct {
	Message
	DialogID   DialogID `json:"dialog_id"`
	Unread     bool     `json:"unread"`
	Deleted    bool     `json:"deleted,omitempty"`
	Generation uint64   `json:"generation"`
}

// unreadFor computes the unread flag of a message from its dialog's
// read-max trackers.
func unreadFor(m *Message, d *Dialog) bool {
	if d == nil {
		return !m.Out
	}
	if m.Out {
		return m.ID > d.ReadOutboxMaxID
	}
	return m.ID > d.ReadInboxMaxID
}

// messageCache is the per-dialog message window plus the global id index
// used by updates that carry only message ids. Owned by the view actor.
type messageCache struct {
	byDialog map[DialogID]map[int]*MessageObject
	// global maps ids of non-channel messages to their dialog.
	global map[int]DialogID
	// highest is the newest id ever cached per dialog. It survives
	// trimming and deletion.
	highest    map[DialogID]int
	window     int
	generation uint64
}

func newMessageCache(window int) *messageCache {
	if window <= 0 {
		window = 200
	}
	return &messageCache{
		byDialog: make(map[DialogID]map[int]*MessageObject),
		global:   make(map[int]DialogID),
		highest:  make(map[DialogID]int),
		window:   window,
	}
}

// seen reports whether a message was delivered before, even if it has
// since been trimmed from the window or deleted.
func (c *messageCache) seen(dialog DialogID, id int) bool {
	if _, ok := c.byDialog[dialog][id]; ok {
		return true
	}
	return id <= c.highest[dialog]
}

func (c *messageCache) next() uint64 {
	c.generation++
	return c.generation
}

func (c *messageCache) get(dialog DialogID, id int) (*MessageObject, bool) {
	m, ok := c.byDialog[dialog][id]
	return m, ok
}

// put stores a new message. It returns nil when the message is already
// cached, which makes re-delivery a no-op.
func (c *messageCache) put(m Message, d *Dialog) *MessageObject {
	dialog := m.Peer
	msgs := c.byDialog[dialog]
	if msgs == nil {
		msgs = make(map[int]*MessageObject)
		c.byDialog[dialog] = msgs
	}
	if _, ok := msgs[m.ID]; ok {
		return nil
	}
	obj := &MessageObject{
		Message:    m,
		DialogID:   dialog,
		Unread:     unreadFor(&m, d),
		Generation: c.next(),
	}
	msgs[m.ID] = obj
	c.highest[dialog] = max(c.highest[dialog], m.ID)
	if d == nil || !d.Channel {
		c.global[m.ID] = dialog
	}
	c.trim(dialog)
	return obj
}

// replace swaps a cached message for an edited copy, keeping its state.
func (c *messageCache) replace(m Message) *MessageObject {
	old, ok := c.get(m.Peer, m.ID)
	if !ok {
		return nil
	}
	obj := &MessageObject{
		Message:    m,
		DialogID:   old.DialogID,
		Unread:     old.Unread,
		Generation: c.next(),
	}
	c.byDialog[m.Peer][m.ID] = obj
	return obj
}

func (c *messageCache) trim(dialog DialogID) {
	msgs := c.byDialog[dialog]
	if len(msgs) <= c.window {
		return
	}
	ids := make([]int, 0, len(msgs))
	for id := range msgs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids[:len(ids)-c.window] {
		delete(msgs, id)
		if c.global[id] == dialog {
			delete(c.global, id)
		}
	}
}

// markRead republishes cached messages at or below maxID as read. out
// selects outgoing messages, otherwise incoming ones.
func (c *messageCache) markRead(dialog DialogID, out bool, maxID int) []*MessageObject {
	var changed []*MessageObject
	for id, m := range c.byDialog[dialog] {
		if m.Out != out || !m.Unread || id > maxID {
			continue
		}
		obj := *m
		obj.Unread = false
		obj.Generation = c.next()
		c.byDialog[dialog][id] = &obj
		changed = append(changed, &obj)
	}
	sortObjects(changed)
	return changed
}

// markContentsRead clears the media-unread flag on the given messages.
func (c *messageCache) markContentsRead(ids []int) []*MessageObject {
	var changed []*MessageObject
	for _, id := range ids {
		dialog, ok := c.global[id]
		if !ok {
			continue
		}
		m, ok := c.get(dialog, id)
		if !ok || !m.MediaUnread {
			continue
		}
		obj := *m
		obj.MediaUnread = false
		obj.Generation = c.next()
		c.byDialog[dialog][id] = &obj
		changed = append(changed, &obj)
	}
	return changed
}

// remove evicts messages and returns deleted copies of the ones that
// were cached.
func (c *messageCache) remove(dialog DialogID, ids []int) []*MessageObject {
	var gone []*MessageObject
	msgs := c.byDialog[dialog]
	for _, id := range ids {
		m, ok := msgs[id]
		if !ok {
			continue
		}
		obj := *m
		obj.Deleted = true
		obj.Generation = c.next()
		delete(msgs, id)
		if c.global[id] == dialog {
			delete(c.global, id)
		}
		gone = append(gone, &obj)
	}
	return gone
}

// locate groups non-channel message ids by their cached dialog.
func (c *messageCache) locate(ids []int) map[DialogID][]int {
	out := make(map[DialogID][]int)
	for _, id := range ids {
		if dialog, ok := c.global[id]; ok {
			out[dialog] = append(out[dialog], id)
		}
	}
	return out
}

// top returns the newest cached message of a dialog.
func (c *messageCache) top(dialog DialogID) (*MessageObject, bool) {
	var best *MessageObject
	for _, m := range c.byDialog[dialog] {
		if best == nil || m.ID > best.ID {
			best = m
		}
	}
	return best, best != nil
}

// unreadIncoming counts cached incoming messages above maxID.
func (c *messageCache) unreadIncoming(dialog DialogID, maxID int) (count, mentions int) {
	for id, m := range c.byDialog[dialog] {
		if m.Out || id <= maxID {
			continue
		}
		count++
		if m.Mentioned {
			mentions++
		}
	}
	return count, mentions
}

// replaceWindow swaps the whole window of a dialog.
func (c *messageCache) replaceWindow(dialog DialogID, msgs []Message, d *Dialog) []*MessageObject {
	c.drop(dialog)
	out := make([]*MessageObject, 0, len(msgs))
	for _, m := range msgs {
		m.Peer = dialog
		if obj := c.put(m, d); obj != nil {
			out = append(out, obj)
		}
	}
	sortObjects(out)
	return out
}

// drop forgets every cached message of a dialog.
func (c *messageCache) drop(dialog DialogID) {
	for id := range c.byDialog[dialog] {
		if c.global[id] == dialog {
			delete(c.global, id)
		}
	}
	delete(c.byDialog, dialog)
}

// list returns a dialog's cached messages, newest first.
func (c *messageCache) list(dialog DialogID) []MessageObject {
	msgs := c.byDialog[dialog]
	out := make([]MessageObject, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b MessageObject) int { return cmp.Compare(b.ID, a.ID) })
	return out
}

func sortObjects(objs []*MessageObject) {
	slices.SortFunc(objs, func(a, b *MessageObject) int { return cmp.Compare(a.ID, b.ID) })
}
