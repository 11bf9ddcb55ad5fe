package messenger

import (
	"fmt"
	"strconv"
	"strings"
)

// DialogID identifies a conversation. Positive ids are users, negative ids
// are groups and channels. Secret chats and folder pseudo-dialogs live in
// reserved high-bit ranges above any user id.
type DialogID int64

const (
	secretDialogBit int64 = 1 << 62
	folderDialogBit int64 = 1 << 61
	reservedMask          = secretDialogBit | folderDialogBit
)

// DialogKind is the broad category a DialogID falls into.
type DialogKind int

const (
	KindUser DialogKind = iota
	KindChat
	KindSecret
	KindFolder
)

func (k DialogKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindChat:
		return "chat"
	case KindSecret:
		return "secret"
	case KindFolder:
		return "folder"
	}
	return "unknown"
}

// UserDialog returns the dialog id for a private chat with a user.
func UserDialog(userID int64) DialogID { return DialogID(userID) }

// ChatDialog returns the dialog id for a group or channel.
func ChatDialog(chatID int64) DialogID { return DialogID(-chatID) }

// SecretDialog returns the dialog id for an end-to-end encrypted chat.
func SecretDialog(encryptedChatID int64) DialogID {
	return DialogID(secretDialogBit | encryptedChatID)
}

// FolderDialog returns the synthetic dialog id aggregating a folder.
func FolderDialog(folderID int) DialogID {
	return DialogID(folderDialogBit | int64(folderID))
}

// Kind reports the category of the dialog.
func (id DialogID) Kind() DialogKind {
	v := int64(id)
	switch {
	case v < 0:
		return KindChat
	case v&secretDialogBit != 0:
		return KindSecret
	case v&folderDialogBit != 0:
		return KindFolder
	default:
		return KindUser
	}
}

// IsFolder reports whether the id names a folder pseudo-dialog.
func (id DialogID) IsFolder() bool { return id.Kind() == KindFolder }

// FolderID returns the folder number of a folder pseudo-dialog.
func (id DialogID) FolderID() int {
	return int(int64(id) &^ reservedMask)
}

// ChatID returns the positive chat id of a group or channel dialog.
func (id DialogID) ChatID() int64 { return -int64(id) }

// EncryptedChatID returns the encrypted chat id of a secret dialog.
func (id DialogID) EncryptedChatID() int64 { return int64(id) &^ reservedMask }

func (id DialogID) String() string {
	switch id.Kind() {
	case KindFolder:
		return "folder:" + strconv.Itoa(id.FolderID())
	case KindSecret:
		return "secret:" + strconv.FormatInt(id.EncryptedChatID(), 10)
	}
	return strconv.FormatInt(int64(id), 10)
}

// ParseDialogID is the inverse of DialogID.String.
func ParseDialogID(s string) (DialogID, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || (v > 0 && v&reservedMask != 0) {
			return 0, fmt.Errorf("invalid dialog id %q", s)
		}
		return DialogID(v), nil
	}
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || v < 0 || v&reservedMask != 0 {
		return 0, fmt.Errorf("invalid dialog id %q", s)
	}
	switch prefix {
	case "secret":
		return SecretDialog(v), nil
	case "folder":
		return FolderDialog(int(v)), nil
	}
	return 0, fmt.Errorf("invalid dialog id %q", s)
}

// Folder numbers with fixed meaning.
const (
	FolderInbox   = 0
	FolderArchive = 1
)

// Space names one of the independent sequence spaces.
type Space int

const (
	SpaceSeq Space = iota
	SpacePts
	SpaceQts
	SpaceChannel
	// SpaceSession covers updates applied without any offset check.
	SpaceSession
)

func (s Space) String() string {
	switch s {
	case SpaceSeq:
		return "seq"
	case SpacePts:
		return "pts"
	case SpaceQts:
		return "qts"
	case SpaceChannel:
		return "channel"
	case SpaceSession:
		return "session"
	}
	return "space(" + strconv.Itoa(int(s)) + ")"
}

// State is the authoritative floor for the global sequence spaces.
type State struct {
	Pts  int `json:"pts"`
	Qts  int `json:"qts"`
	Seq  int `json:"seq"`
	Date int `json:"date"`
}

// Draft is an unsent message saved in a dialog.
type Draft struct {
	Text string `json:"text"`
	Date int    `json:"date"`
}

// Dialog is one conversation in the local index.
type Dialog struct {
	ID                 DialogID `json:"id"`
	Title              string   `json:"title,omitempty"`
	TopMessageID       int      `json:"top_message_id"`
	ReadInboxMaxID     int      `json:"read_inbox_max_id"`
	ReadOutboxMaxID    int      `json:"read_outbox_max_id"`
	UnreadCount        int      `json:"unread_count"`
	UnreadMentionCount int      `json:"unread_mention_count"`
	UnreadMark         bool     `json:"unread_mark,omitempty"`
	Pinned             bool     `json:"pinned,omitempty"`
	PinnedRank         int      `json:"pinned_rank,omitempty"`
	FolderID           int      `json:"folder_id"`
	LastMessageDate    int      `json:"last_message_date"`
	DraftDate          int      `json:"draft_date,omitempty"`
	Draft              *Draft   `json:"draft,omitempty"`
	Muted              bool     `json:"muted,omitempty"`
	Channel            bool     `json:"channel,omitempty"`
	ChannelPts         int      `json:"channel_pts,omitempty"`
}

// SortDate is the later of the draft date and the last message date.
func (d *Dialog) SortDate() int {
	return max(d.DraftDate, d.LastMessageDate)
}

// Message is a raw message as delivered by the server.
type Message struct {
	ID          int      `json:"id"`
	Peer        DialogID `json:"peer"`
	FromID      int64    `json:"from_id,omitempty"`
	Out         bool     `json:"out,omitempty"`
	Date        int      `json:"date"`
	Text        string   `json:"text,omitempty"`
	Mentioned   bool     `json:"mentioned,omitempty"`
	MediaUnread bool     `json:"media_unread,omitempty"`
}

// User is a cached user entity. Min entities carry only partial data.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Photo     string `json:"photo,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Bot       bool   `json:"bot,omitempty"`
	Min       bool   `json:"min,omitempty"`
}

// DisplayName joins the first and last name.
func (u *User) DisplayName() string {
	switch {
	case u.LastName == "":
		return u.FirstName
	case u.FirstName == "":
		return u.LastName
	}
	return u.FirstName + " " + u.LastName
}

// Chat is a cached group or channel entity.
type Chat struct {
	ID                int64  `json:"id"`
	Title             string `json:"title,omitempty"`
	Username          string `json:"username,omitempty"`
	Photo             string `json:"photo,omitempty"`
	Channel           bool   `json:"channel,omitempty"`
	Megagroup         bool   `json:"megagroup,omitempty"`
	ParticipantsCount int    `json:"participants_count,omitempty"`
	Left              bool   `json:"left,omitempty"`
	Kicked            bool   `json:"kicked,omitempty"`
	Admin             bool   `json:"admin,omitempty"`
	Min               bool   `json:"min,omitempty"`
}

// FolderPeer assigns a dialog to a folder.
type FolderPeer struct {
	Peer     DialogID `json:"peer"`
	FolderID int      `json:"folder_id"`
}

// UnknownKindError is returned when decoding an unrecognised tag.
type UnknownKindError struct {
	What string
	Tag  string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown %s kind %q", e.What, e.Tag)
}
