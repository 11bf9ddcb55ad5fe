package messenger

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// foldKey normalises a name or username for case-insensitive matching.
func foldKey(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "@")
	return cases.Fold().String(norm.NFKC.String(s))
}

// mergeUser folds an incoming user into the cached one. A min user only
// refreshes the photo and username of a complete cached user.
func mergeUser(old *User, in User) User {
	if old == nil || !in.Min || old.Min {
		return in
	}
	out := *old
	out.Photo = in.Photo
	out.Username = in.Username
	return out
}

// mergeChat folds an incoming chat into the cached one. A min chat only
// refreshes the photo, username and membership flags of a complete one.
func mergeChat(old *Chat, in Chat) Chat {
	if old == nil || !in.Min || old.Min {
		return in
	}
	out := *old
	out.Photo = in.Photo
	out.Username = in.Username
	out.Left = in.Left
	out.Kicked = in.Kicked
	out.Admin = in.Admin
	return out
}

// entityCache holds users and chats. Owned by the view actor.
type entityCache struct {
	users     map[int64]User
	chats     map[int64]Chat
	usernames map[string]DialogID
}

func newEntityCache() *entityCache {
	return &entityCache{
		users:     make(map[int64]User),
		chats:     make(map[int64]Chat),
		usernames: make(map[string]DialogID),
	}
}

func (c *entityCache) putUser(in User) User {
	var old *User
	if u, ok := c.users[in.ID]; ok {
		old = &u
		if old.Username != "" {
			delete(c.usernames, foldKey(old.Username))
		}
	}
	u := mergeUser(old, in)
	c.users[u.ID] = u
	if u.Username != "" {
		c.usernames[foldKey(u.Username)] = UserDialog(u.ID)
	}
	return u
}

func (c *entityCache) putChat(in Chat) Chat {
	var old *Chat
	if ch, ok := c.chats[in.ID]; ok {
		old = &ch
		if old.Username != "" {
			delete(c.usernames, foldKey(old.Username))
		}
	}
	ch := mergeChat(old, in)
	c.chats[ch.ID] = ch
	if ch.Username != "" {
		c.usernames[foldKey(ch.Username)] = ChatDialog(ch.ID)
	}
	return ch
}

func (c *entityCache) user(id int64) (User, bool) {
	u, ok := c.users[id]
	return u, ok
}

func (c *entityCache) chat(id int64) (Chat, bool) {
	ch, ok := c.chats[id]
	return ch, ok
}

// resolve finds a dialog by username.
func (c *entityCache) resolve(username string) (DialogID, bool) {
	id, ok := c.usernames[foldKey(username)]
	return id, ok
}

// title returns the display title for a dialog, or "".
func (c *entityCache) title(id DialogID) string {
	switch id.Kind() {
	case KindUser:
		if u, ok := c.users[int64(id)]; ok {
			return u.DisplayName()
		}
	case KindChat:
		if ch, ok := c.chats[id.ChatID()]; ok {
			return ch.Title
		}
	}
	return ""
}
