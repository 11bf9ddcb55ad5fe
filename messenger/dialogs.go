package messenger

import (
	"cmp"
	"slices"
)

// compareDialogs orders dialogs for display: folder pseudo-dialogs
// first, then pinned by rank, then unpinned by most recent activity.
// Id breaks every remaining tie so the order is total.
func compareDialogs(a, b *Dialog) int {
	af, bf := a.ID.IsFolder(), b.ID.IsFolder()
	if af != bf {
		if af {
			return -1
		}
		return 1
	}
	if a.Pinned != b.Pinned {
		if a.Pinned {
			return -1
		}
		return 1
	}
	if a.Pinned {
		if c := cmp.Compare(b.PinnedRank, a.PinnedRank); c != 0 {
			return c
		}
	} else {
		if c := cmp.Compare(b.SortDate(), a.SortDate()); c != 0 {
			return c
		}
	}
	return cmp.Compare(b.ID, a.ID)
}

// DialogIndex is the reconciled dialog model. It is owned by the view
// actor; readers outside the engine use DialogsSnapshot.
//
// Every mutation of a dialog goes through mutate so that folder
// aggregates are adjusted by the dialog's old and new contribution
// rather than by rescanning members.
type DialogIndex struct {
	byID    map[DialogID]*Dialog
	members map[int]map[DialogID]struct{}

	countByMessage bool

	ordered    map[int][]DialogID
	generation uint64
	dirty      map[DialogID]struct{}
	removed    map[DialogID]struct{}
}

func NewDialogIndex(countByMessage bool) *DialogIndex {
	return &DialogIndex{
		byID:           make(map[DialogID]*Dialog),
		members:        make(map[int]map[DialogID]struct{}),
		countByMessage: countByMessage,
		ordered:        make(map[int][]DialogID),
		dirty:          make(map[DialogID]struct{}),
		removed:        make(map[DialogID]struct{}),
	}
}

// Get returns the live dialog. Callers inside the view actor must not
// mutate it except through Mutate.
func (x *DialogIndex) Get(id DialogID) (*Dialog, bool) {
	d, ok := x.byID[id]
	return d, ok
}

// Len returns the number of ordinary dialogs.
func (x *DialogIndex) Len() int {
	n := 0
	for id := range x.byID {
		if !id.IsFolder() {
			n++
		}
	}
	return n
}

// contribution is what a member dialog adds to its folder's aggregate.
// Muted members feed the unread bucket and unmuted members the mention
// bucket.
func (x *DialogIndex) contribution(d *Dialog) (unread, mentions int) {
	n := d.UnreadCount
	if !x.countByMessage {
		n = 0
		if d.UnreadCount > 0 {
			n = 1
		}
	}
	if n == 0 && d.UnreadMark {
		n = 1
	}
	if d.Muted {
		return n, 0
	}
	return 0, n
}

func (x *DialogIndex) folderDialog(folderID int) *Dialog {
	id := FolderDialog(folderID)
	f, ok := x.byID[id]
	if !ok {
		f = &Dialog{ID: id, FolderID: FolderInbox}
		x.byID[id] = f
		delete(x.removed, id)
	}
	x.dirty[id] = struct{}{}
	return f
}

func (x *DialogIndex) join(d *Dialog) {
	if d.FolderID == FolderInbox || d.ID.IsFolder() {
		return
	}
	set := x.members[d.FolderID]
	if set == nil {
		set = make(map[DialogID]struct{})
		x.members[d.FolderID] = set
	}
	set[d.ID] = struct{}{}

	f := x.folderDialog(d.FolderID)
	unread, mentions := x.contribution(d)
	f.UnreadCount += unread
	f.UnreadMentionCount += mentions
}

func (x *DialogIndex) leave(d *Dialog) {
	if d.FolderID == FolderInbox || d.ID.IsFolder() {
		return
	}
	f := x.folderDialog(d.FolderID)
	unread, mentions := x.contribution(d)
	f.UnreadCount -= unread
	f.UnreadMentionCount -= mentions

	set := x.members[d.FolderID]
	delete(set, d.ID)
	if len(set) == 0 {
		delete(x.members, d.FolderID)
		delete(x.byID, f.ID)
		delete(x.dirty, f.ID)
		x.removed[f.ID] = struct{}{}
	}
}

// Put inserts or replaces a dialog.
func (x *DialogIndex) Put(d Dialog) {
	if d.ID.IsFolder() {
		return
	}
	if old, ok := x.byID[d.ID]; ok {
		x.leave(old)
	}
	nd := d
	x.byID[d.ID] = &nd
	x.join(&nd)
	x.dirty[d.ID] = struct{}{}
	delete(x.removed, d.ID)
}

// Mutate applies fn to an existing dialog and keeps folder membership
// and aggregates consistent. It reports whether the dialog exists.
func (x *DialogIndex) Mutate(id DialogID, fn func(d *Dialog)) bool {
	d, ok := x.byID[id]
	if !ok || id.IsFolder() {
		return false
	}
	x.leave(d)
	fn(d)
	d.ID = id
	x.join(d)
	x.dirty[id] = struct{}{}
	return true
}

// Remove deletes a dialog from the id map, its folder and the folder's
// aggregate in one step.
func (x *DialogIndex) Remove(id DialogID) bool {
	d, ok := x.byID[id]
	if !ok || id.IsFolder() {
		return false
	}
	x.leave(d)
	delete(x.byID, id)
	delete(x.dirty, id)
	x.removed[id] = struct{}{}
	return true
}

// ReplaceAll swaps the whole index for a fresh dialog list.
func (x *DialogIndex) ReplaceAll(dialogs []Dialog) {
	for id := range x.byID {
		x.removed[id] = struct{}{}
	}
	clear(x.byID)
	clear(x.members)
	clear(x.dirty)
	for _, d := range dialogs {
		x.Put(d)
	}
}

// SetCountByMessage switches the aggregation mode and recomputes every
// folder aggregate.
func (x *DialogIndex) SetCountByMessage(on bool) bool {
	if x.countByMessage == on {
		return false
	}
	x.countByMessage = on
	x.recomputeFolders()
	return true
}

// CountByMessage reports the aggregation mode.
func (x *DialogIndex) CountByMessage() bool { return x.countByMessage }

func (x *DialogIndex) recomputeFolders() {
	for folderID, set := range x.members {
		f := x.folderDialog(folderID)
		f.UnreadCount, f.UnreadMentionCount = 0, 0
		for id := range set {
			unread, mentions := x.contribution(x.byID[id])
			f.UnreadCount += unread
			f.UnreadMentionCount += mentions
		}
	}
}

// MaxPinnedRank returns the highest pinned rank within a folder.
func (x *DialogIndex) MaxPinnedRank(folderID int) int {
	rank := 0
	for _, d := range x.byID {
		if d.Pinned && d.FolderID == folderID && !d.ID.IsFolder() {
			rank = max(rank, d.PinnedRank)
		}
	}
	return rank
}

// PinnedCount returns how many dialogs are pinned within a folder.
func (x *DialogIndex) PinnedCount(folderID int) int {
	n := 0
	for _, d := range x.byID {
		if d.Pinned && d.FolderID == folderID && !d.ID.IsFolder() {
			n++
		}
	}
	return n
}

// Dirty reports whether anything changed since the last Resort.
func (x *DialogIndex) Dirty() bool {
	return len(x.dirty) > 0 || len(x.removed) > 0
}

// Changes returns copies of the dialogs changed and the ids removed since
// the last Resort.
func (x *DialogIndex) Changes() (changed []Dialog, removed []DialogID) {
	for id := range x.dirty {
		if d, ok := x.byID[id]; ok && !id.IsFolder() {
			changed = append(changed, *d)
		}
	}
	for id := range x.removed {
		if !id.IsFolder() {
			removed = append(removed, id)
		}
	}
	slices.SortFunc(changed, func(a, b Dialog) int { return cmp.Compare(a.ID, b.ID) })
	slices.Sort(removed)
	return changed, removed
}

// Resort rebuilds every ordered list from scratch and returns an
// immutable snapshot of the result.
func (x *DialogIndex) Resort() *DialogsSnapshot {
	for folderID, set := range x.members {
		f := x.byID[FolderDialog(folderID)]
		if f == nil {
			continue
		}
		top, date := 0, 0
		for id := range set {
			d := x.byID[id]
			if d.SortDate() > date {
				top, date = d.TopMessageID, d.SortDate()
			}
		}
		f.TopMessageID, f.LastMessageDate = top, date
	}

	lists := make(map[int][]*Dialog)
	for _, d := range x.byID {
		lists[d.FolderID] = append(lists[d.FolderID], d)
	}

	x.generation++
	snap := &DialogsSnapshot{
		Generation:     x.generation,
		CountByMessage: x.countByMessage,
		folders:        make(map[int][]Dialog, len(lists)),
		index:          make(map[DialogID]dialogPos, len(x.byID)),
	}
	clear(x.ordered)
	for folderID, list := range lists {
		slices.SortFunc(list, compareDialogs)
		ids := make([]DialogID, len(list))
		out := make([]Dialog, len(list))
		for i, d := range list {
			ids[i] = d.ID
			out[i] = *d
			snap.index[d.ID] = dialogPos{folder: folderID, pos: i}
		}
		x.ordered[folderID] = ids
		snap.folders[folderID] = out
	}

	clear(x.dirty)
	clear(x.removed)
	return snap
}

// Ordered returns the ids of a folder in display order as of the last
// Resort.
func (x *DialogIndex) Ordered(folderID int) []DialogID {
	return slices.Clone(x.ordered[folderID])
}

type dialogPos struct {
	folder int
	pos    int
}

// DialogsSnapshot is an immutable, generation-stamped view of the index.
type DialogsSnapshot struct {
	Generation     uint64
	CountByMessage bool

	folders map[int][]Dialog
	index   map[DialogID]dialogPos
}

// Folder returns a folder's dialogs in display order. The inbox list
// starts with the folder pseudo-dialogs.
func (s *DialogsSnapshot) Folder(folderID int) []Dialog {
	if s == nil {
		return nil
	}
	return slices.Clone(s.folders[folderID])
}

// Dialog looks up one dialog.
func (s *DialogsSnapshot) Dialog(id DialogID) (Dialog, bool) {
	if s == nil {
		return Dialog{}, false
	}
	p, ok := s.index[id]
	if !ok {
		return Dialog{}, false
	}
	return s.folders[p.folder][p.pos], true
}

// FolderIDs returns every folder with at least one dialog.
func (s *DialogsSnapshot) FolderIDs() []int {
	if s == nil {
		return nil
	}
	ids := make([]int, 0, len(s.folders))
	for id := range s.folders {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// All returns every ordinary dialog across folders, ordered by the same
// contract.
func (s *DialogsSnapshot) All() []Dialog {
	if s == nil {
		return nil
	}
	var all []Dialog
	for _, list := range s.folders {
		for _, d := range list {
			if !d.ID.IsFolder() {
				all = append(all, d)
			}
		}
	}
	slices.SortFunc(all, func(a, b Dialog) int { return compareDialogs(&a, &b) })
	return all
}

// Len returns the number of ordinary dialogs.
func (s *DialogsSnapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for id := range s.index {
		if !id.IsFolder() {
			n++
		}
	}
	return n
}
