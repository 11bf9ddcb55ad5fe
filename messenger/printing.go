package messenger

import (
	"cmp"
	"slices"
	"time"
)

const (
	typingExpiry     = 5900 * time.Millisecond
	gameTypingExpiry = 30 * time.Second
)

func typingTTL(a TypingAction) time.Duration {
	if a == ActionPlayingGame {
		return gameTypingExpiry
	}
	return typingExpiry
}

// PrintingUser is one entry of a dialog's "who is typing" set.
type PrintingUser struct {
	UserID    int64        `json:"user_id"`
	Action    TypingAction `json:"action"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// printingTracker keeps the typing sets per dialog. Owned by the view
// actor.
type printingTracker struct {
	byDialog map[DialogID]map[int64]PrintingUser
}

func newPrintingTracker() *printingTracker {
	return &printingTracker{byDialog: make(map[DialogID]map[int64]PrintingUser)}
}

// set records an action and reports whether the visible set changed.
// ActionCancel removes the user.
func (p *printingTracker) set(dialog DialogID, userID int64, action TypingAction, now time.Time) bool {
	if action == ActionCancel {
		return p.clear(dialog, userID)
	}
	users := p.byDialog[dialog]
	if users == nil {
		users = make(map[int64]PrintingUser)
		p.byDialog[dialog] = users
	}
	old, existed := users[userID]
	users[userID] = PrintingUser{UserID: userID, Action: action, UpdatedAt: now}
	return !existed || old.Action != action
}

// clear removes a user, e.g. because their message arrived.
func (p *printingTracker) clear(dialog DialogID, userID int64) bool {
	users := p.byDialog[dialog]
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(p.byDialog, dialog)
	}
	return true
}

// prune drops expired entries and returns the dialogs whose set changed.
func (p *printingTracker) prune(now time.Time) []DialogID {
	var changed []DialogID
	for dialog, users := range p.byDialog {
		before := len(users)
		for id, u := range users {
			if now.Sub(u.UpdatedAt) >= typingTTL(u.Action) {
				delete(users, id)
			}
		}
		if len(users) != before {
			changed = append(changed, dialog)
		}
		if len(users) == 0 {
			delete(p.byDialog, dialog)
		}
	}
	slices.Sort(changed)
	return changed
}

// users returns a dialog's typing set ordered by user id.
func (p *printingTracker) users(dialog DialogID) []PrintingUser {
	users := p.byDialog[dialog]
	out := make([]PrintingUser, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b PrintingUser) int { return cmp.Compare(a.UserID, b.UserID) })
	return out
}

func (p *printingTracker) forget(dialog DialogID) {
	delete(p.byDialog, dialog)
}
