package messenger

// UpdateKind tags a single server mutation.
type UpdateKind int

const (
	UpdateUnknown UpdateKind = iota

	// Global pts space.
	UpdateNewMessage
	UpdateEditMessage
	UpdateDeleteMessages
	UpdateReadHistoryInbox
	UpdateReadHistoryOutbox
	UpdateReadMessagesContents
	UpdateChatParticipants
	UpdateFolderPeers
	UpdateWebPage
	UpdateAffectedMessages

	// Qts space.
	UpdateNewEncryptedMessage

	// Per-channel pts space.
	UpdateNewChannelMessage
	UpdateEditChannelMessage
	UpdateDeleteChannelMessages
	UpdateChannelWebPage

	// Session updates, applied without offset checks.
	UpdateUserTyping
	UpdateChatUserTyping
	UpdateChannelUserTyping
	UpdateEncryptedChatTyping
	UpdateDialogPinned
	UpdatePinnedDialogs
	UpdateDialogUnreadMark
	UpdateDraftMessage
	UpdateNotifySettings
	UpdateUser
	UpdateUserName
	UpdateChat
	UpdateChannelTooLong
	UpdateReadChannelInbox
	UpdateReadChannelOutbox
	UpdateEncryptedMessagesRead
	UpdatePtsChanged
)

var updateKindNames = [...]string{
	UpdateUnknown:               "unknown",
	UpdateNewMessage:            "new_message",
	UpdateEditMessage:           "edit_message",
	UpdateDeleteMessages:        "delete_messages",
	UpdateReadHistoryInbox:      "read_history_inbox",
	UpdateReadHistoryOutbox:     "read_history_outbox",
	UpdateReadMessagesContents:  "read_messages_contents",
	UpdateChatParticipants:      "chat_participants",
	UpdateFolderPeers:           "folder_peers",
	UpdateWebPage:               "web_page",
	UpdateAffectedMessages:      "affected_messages",
	UpdateNewEncryptedMessage:   "new_encrypted_message",
	UpdateNewChannelMessage:     "new_channel_message",
	UpdateEditChannelMessage:    "edit_channel_message",
	UpdateDeleteChannelMessages: "delete_channel_messages",
	UpdateChannelWebPage:        "channel_web_page",
	UpdateUserTyping:            "user_typing",
	UpdateChatUserTyping:        "chat_user_typing",
	UpdateChannelUserTyping:     "channel_user_typing",
	UpdateEncryptedChatTyping:   "encrypted_chat_typing",
	UpdateDialogPinned:          "dialog_pinned",
	UpdatePinnedDialogs:         "pinned_dialogs",
	UpdateDialogUnreadMark:      "dialog_unread_mark",
	UpdateDraftMessage:          "draft_message",
	UpdateNotifySettings:        "notify_settings",
	UpdateUser:                  "user",
	UpdateUserName:              "user_name",
	UpdateChat:                  "chat",
	UpdateChannelTooLong:        "channel_too_long",
	UpdateReadChannelInbox:      "read_channel_inbox",
	UpdateReadChannelOutbox:     "read_channel_outbox",
	UpdateEncryptedMessagesRead: "encrypted_messages_read",
	UpdatePtsChanged:            "pts_changed",
}

func (k UpdateKind) String() string {
	if k < 0 || int(k) >= len(updateKindNames) {
		return updateKindNames[UpdateUnknown]
	}
	return updateKindNames[k]
}

func (k UpdateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *UpdateKind) UnmarshalText(text []byte) error {
	for i, name := range updateKindNames {
		if name == string(text) {
			*k = UpdateKind(i)
			return nil
		}
	}
	return &UnknownKindError{What: "update", Tag: string(text)}
}

// TypingAction is what a user in a dialog is currently doing.
type TypingAction int

const (
	ActionTyping TypingAction = iota
	ActionCancel
	ActionRecordVoice
	ActionRecordVideo
	ActionUploadPhoto
	ActionUploadDocument
	ActionChooseSticker
	ActionPlayingGame
)

var typingActionNames = [...]string{
	ActionTyping:         "typing",
	ActionCancel:         "cancel",
	ActionRecordVoice:    "record_voice",
	ActionRecordVideo:    "record_video",
	ActionUploadPhoto:    "upload_photo",
	ActionUploadDocument: "upload_document",
	ActionChooseSticker:  "choose_sticker",
	ActionPlayingGame:    "playing_game",
}

func (a TypingAction) String() string {
	if a < 0 || int(a) >= len(typingActionNames) {
		return typingActionNames[ActionTyping]
	}
	return typingActionNames[a]
}

func (a TypingAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *TypingAction) UnmarshalText(text []byte) error {
	for i, name := range typingActionNames {
		if name == string(text) {
			*a = TypingAction(i)
			return nil
		}
	}
	return &UnknownKindError{What: "typing action", Tag: string(text)}
}

// Update is one server mutation. Only the fields relevant to Kind are set.
type Update struct {
	Kind UpdateKind `json:"kind"`

	Pts       int   `json:"pts,omitempty"`
	PtsCount  int   `json:"pts_count,omitempty"`
	Qts       int   `json:"qts,omitempty"`
	ChannelID int64 `json:"channel_id,omitempty"`

	Peer             DialogID     `json:"peer,omitempty"`
	Message          *Message     `json:"message,omitempty"`
	MessageIDs       []int        `json:"messages,omitempty"`
	MaxID            int          `json:"max_id,omitempty"`
	MaxDate          int          `json:"max_date,omitempty"`
	StillUnreadCount *int         `json:"still_unread_count,omitempty"`
	UserID           int64        `json:"user_id,omitempty"`
	Action           TypingAction `json:"action,omitempty"`
	Pinned           bool         `json:"pinned,omitempty"`
	FolderID         int          `json:"folder_id,omitempty"`
	Order            []DialogID   `json:"order,omitempty"`
	FolderPeers      []FolderPeer `json:"folder_peers,omitempty"`
	UnreadMark       bool         `json:"unread_mark,omitempty"`
	Draft            *Draft       `json:"draft,omitempty"`
	Muted            *bool        `json:"muted,omitempty"`
	User             *User        `json:"user,omitempty"`
	Chat             *Chat        `json:"chat,omitempty"`
	Participants     int          `json:"participants_count,omitempty"`
}

// classify maps an update to its sequence space. For channel-scoped
// updates the channel id is returned as well.
func classify(u *Update) (Space, int64) {
	switch u.Kind {
	case UpdateNewMessage, UpdateEditMessage, UpdateDeleteMessages,
		UpdateReadHistoryInbox, UpdateReadHistoryOutbox, UpdateReadMessagesContents,
		UpdateChatParticipants, UpdateFolderPeers, UpdateWebPage, UpdateAffectedMessages:
		return SpacePts, 0
	case UpdateNewEncryptedMessage:
		return SpaceQts, 0
	case UpdateNewChannelMessage, UpdateEditChannelMessage,
		UpdateDeleteChannelMessages, UpdateChannelWebPage:
		return SpaceChannel, u.channelID()
	case UpdateUserTyping, UpdateChatUserTyping, UpdateChannelUserTyping,
		UpdateEncryptedChatTyping, UpdateDialogPinned, UpdatePinnedDialogs,
		UpdateDialogUnreadMark, UpdateDraftMessage, UpdateNotifySettings,
		UpdateUser, UpdateUserName, UpdateChat, UpdateChannelTooLong,
		UpdateReadChannelInbox, UpdateReadChannelOutbox,
		UpdateEncryptedMessagesRead, UpdatePtsChanged, UpdateUnknown:
		return SpaceSession, 0
	}
	return SpaceSession, 0
}

// offset returns the value and count the update contributes to its space.
func (u *Update) offset(space Space) (value, count int) {
	switch space {
	case SpaceQts:
		return u.Qts, 1
	case SpacePts, SpaceChannel:
		return u.Pts, u.PtsCount
	}
	return 0, 0
}

func (u *Update) channelID() int64 {
	if u.ChannelID != 0 {
		return u.ChannelID
	}
	if u.Message != nil && u.Message.Peer.Kind() == KindChat {
		return u.Message.Peer.ChatID()
	}
	return 0
}

// UpdatesKind tags a pushed container of updates.
type UpdatesKind int

const (
	UpdatesTooLong UpdatesKind = iota
	UpdateShort
	UpdatesBatch
	UpdatesCombined
)

var updatesKindNames = [...]string{
	UpdatesTooLong:  "too_long",
	UpdateShort:     "short",
	UpdatesBatch:    "updates",
	UpdatesCombined: "combined",
}

func (k UpdatesKind) String() string {
	if k < 0 || int(k) >= len(updatesKindNames) {
		return "invalid"
	}
	return updatesKindNames[k]
}

func (k UpdatesKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *UpdatesKind) UnmarshalText(text []byte) error {
	for i, name := range updatesKindNames {
		if name == string(text) {
			*k = UpdatesKind(i)
			return nil
		}
	}
	return &UnknownKindError{What: "updates", Tag: string(text)}
}

// Updates is a batch of mutations pushed by the server or returned from
// a local action.
type Updates struct {
	Kind     UpdatesKind `json:"kind"`
	Updates  []Update    `json:"updates,omitempty"`
	Users    []User      `json:"users,omitempty"`
	Chats    []Chat      `json:"chats,omitempty"`
	Date     int         `json:"date,omitempty"`
	Seq      int         `json:"seq,omitempty"`
	SeqStart int         `json:"seq_start,omitempty"`
}

// seqRange returns the container's seq value and how many seq numbers it
// covers. A zero value means the container carries no seq.
func (u *Updates) seqRange() (value, count int) {
	if u.Seq == 0 {
		return 0, 0
	}
	start := u.SeqStart
	if start == 0 || start > u.Seq {
		start = u.Seq
	}
	return u.Seq, u.Seq - start + 1
}
