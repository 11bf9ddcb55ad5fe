package messenger

import "context"

//go:generate mockgen -source=rpc.go -destination=mock_rpc_test.go -package=messenger

// RPC is the request surface the engine needs from the server. Request
// cancellation is carried by the context.
type RPC interface {
	GetDifference(ctx context.Context, req DifferenceRequest) (*Difference, error)
	GetChannelDifference(ctx context.Context, req ChannelDifferenceRequest) (*ChannelDifference, error)
	GetDialogs(ctx context.Context, req DialogsRequest) (*DialogsPage, error)
	GetPinnedDialogs(ctx context.Context, folderID int) (*DialogsPage, error)
	ReadHistory(ctx context.Context, peer DialogID, maxID int) (*AffectedMessages, error)
	ReadChannelHistory(ctx context.Context, channelID int64, maxID int) error
	ReadEncryptedHistory(ctx context.Context, chatID int64, maxDate int) error
	ToggleDialogPin(ctx context.Context, peer DialogID, pinned bool) error
	ReorderPinnedDialogs(ctx context.Context, folderID int, order []DialogID) error
	EditPeerFolders(ctx context.Context, peers []FolderPeer) (*Updates, error)
	DeleteHistory(ctx context.Context, peer DialogID, maxID int) (*AffectedHistory, error)
	SaveDraft(ctx context.Context, peer DialogID, text string) error
}

// DifferenceRequest asks for every mutation after the given floor.
type DifferenceRequest struct {
	Pts  int `json:"pts"`
	Qts  int `json:"qts"`
	Date int `json:"date"`
	// PtsTotalLimit bounds the response size. Zero means server default.
	PtsTotalLimit int `json:"pts_total_limit,omitempty"`
}

// DifferenceKind tags a global difference response.
type DifferenceKind int

const (
	DifferenceEmpty DifferenceKind = iota
	DifferenceFull
	DifferenceSlice
	DifferenceTooLong
)

var differenceKindNames = [...]string{
	DifferenceEmpty:   "empty",
	DifferenceFull:    "full",
	DifferenceSlice:   "slice",
	DifferenceTooLong: "too_long",
}

func (k DifferenceKind) String() string {
	if k < 0 || int(k) >= len(differenceKindNames) {
		return "invalid"
	}
	return differenceKindNames[k]
}

func (k DifferenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *DifferenceKind) UnmarshalText(text []byte) error {
	for i, name := range differenceKindNames {
		if name == string(text) {
			*k = DifferenceKind(i)
			return nil
		}
	}
	return &UnknownKindError{What: "difference", Tag: string(text)}
}

// Difference is the server's answer to GetDifference.
type Difference struct {
	Kind                 DifferenceKind `json:"kind"`
	NewMessages          []Message      `json:"new_messages,omitempty"`
	NewEncryptedMessages []Message      `json:"new_encrypted_messages,omitempty"`
	OtherUpdates         []Update       `json:"other_updates,omitempty"`
	Users                []User         `json:"users,omitempty"`
	Chats                []Chat         `json:"chats,omitempty"`
	// State is the final state for a full difference and the
	// intermediate state for a slice.
	State State `json:"state"`
	// Date and Seq are set on an empty difference.
	Date int `json:"date,omitempty"`
	Seq  int `json:"seq,omitempty"`
	// Pts is set on a too-long difference.
	Pts int `json:"pts,omitempty"`
}

// ChannelDifferenceRequest asks for mutations of one channel.
type ChannelDifferenceRequest struct {
	ChannelID int64 `json:"channel_id"`
	Pts       int   `json:"pts"`
	Limit     int   `json:"limit"`
	Force     bool  `json:"force,omitempty"`
}

// ChannelDifferenceKind tags a channel difference response.
type ChannelDifferenceKind int

const (
	ChannelDifferenceEmpty ChannelDifferenceKind = iota
	ChannelDifferenceFull
	ChannelDifferenceTooLong
)

var channelDifferenceKindNames = [...]string{
	ChannelDifferenceEmpty:   "empty",
	ChannelDifferenceFull:    "full",
	ChannelDifferenceTooLong: "too_long",
}

func (k ChannelDifferenceKind) String() string {
	if k < 0 || int(k) >= len(channelDifferenceKindNames) {
		return "invalid"
	}
	return channelDifferenceKindNames[k]
}

func (k ChannelDifferenceKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ChannelDifferenceKind) UnmarshalText(text []byte) error {
	for i, name := range channelDifferenceKindNames {
		if name == string(text) {
			*k = ChannelDifferenceKind(i)
			return nil
		}
	}
	return &UnknownKindError{What: "channel difference", Tag: string(text)}
}

// ChannelDifference is the server's answer to GetChannelDifference.
type ChannelDifference struct {
	Kind  ChannelDifferenceKind `json:"kind"`
	Final bool                  `json:"final"`
	Pts   int                   `json:"pts"`
	// Timeout is the server's suggested recheck delay in seconds.
	Timeout      int       `json:"timeout,omitempty"`
	NewMessages  []Message `json:"new_messages,omitempty"`
	OtherUpdates []Update  `json:"other_updates,omitempty"`
	Users        []User    `json:"users,omitempty"`
	Chats        []Chat    `json:"chats,omitempty"`
	// Dialog and Messages replace the local window on a too-long answer.
	Dialog   *Dialog   `json:"dialog,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// DialogsRequest pages through the dialog list from the newest entry.
type DialogsRequest struct {
	OffsetDate int      `json:"offset_date"`
	OffsetID   int      `json:"offset_id"`
	OffsetPeer DialogID `json:"offset_peer"`
	Limit      int      `json:"limit"`
}

// DialogsPage is one page of the server's dialog list.
type DialogsPage struct {
	Dialogs  []Dialog  `json:"dialogs"`
	Messages []Message `json:"messages,omitempty"`
	Users    []User    `json:"users,omitempty"`
	Chats    []Chat    `json:"chats,omitempty"`
	Count    int       `json:"count,omitempty"`
}

// AffectedMessages is the pts bookkeeping returned by read acknowledgements.
type AffectedMessages struct {
	Pts      int `json:"pts"`
	PtsCount int `json:"pts_count"`
}

// AffectedHistory is returned by DeleteHistory. A non-zero Offset means
// the server stopped early and the call must be repeated.
type AffectedHistory struct {
	Pts      int `json:"pts"`
	PtsCount int `json:"pts_count"`
	Offset   int `json:"offset"`
}
