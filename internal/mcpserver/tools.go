// Package mcpserver registers MCP tools that expose the synchronized
// dialog state. It adapts the messenger engines to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/alexjbarnes/dialog-sync/internal/auth"
	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/alexjbarnes/dialog-sync/messenger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultListLimit   = 50
	defaultSearchLimit = 20
)

// RegisterTools adds all dialog tools to the given MCP server.
func RegisterTools(server *mcp.Server, reg *messenger.Registry, logger *slog.Logger) {
	t := &tools{reg: reg, logger: logger}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dialogs_list",
		Description: "List dialogs of one folder in display order (pinned first, then by latest activity). Folder 0 is the main list and starts with folder pseudo-dialogs carrying aggregate unread counters.",
	}, t.listHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dialog_get",
		Description: "Get one dialog with its cached recent messages and the users currently typing in it.",
	}, t.getHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dialog_search",
		Description: "Search dialogs by title. Case and width insensitive; results keep the dialog list order.",
	}, t.searchHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_state",
		Description: "Report the synchronization state: pts, qts, seq, date, per-channel pts, running catch-ups and buffered updates.",
	}, t.syncStateHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dialog_mark_read",
		Description: "Mark a dialog read up to a message id (defaults to the latest). The server acknowledgement is debounced unless now is set.",
	}, t.markReadHandler)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dialog_pin",
		Description: "Pin or unpin a dialog. Fails when the pinned limit is reached.",
	}, t.pinHandler)
}

type tools struct {
	reg    *messenger.Registry
	logger *slog.Logger
}

// engine resolves the target account. With a single registered account
// the account argument may be omitted.
func (t *tools) engine(account int64) (*messenger.Engine, messenger.AccountID, error) {
	if account == 0 {
		ids := t.reg.Accounts()
		if len(ids) != 1 {
			return nil, 0, fmt.Errorf("account is required when %d accounts are registered", len(ids))
		}

		account = int64(ids[0])
	}

	id := messenger.AccountID(account)

	e, ok := t.reg.Get(id)
	if !ok {
		return nil, 0, fmt.Errorf("account %d: %w", account, errs.ErrNoAccount)
	}

	return e, id, nil
}

func (t *tools) logCall(ctx context.Context, tool string, account messenger.AccountID, attrs ...any) {
	attrs = append([]any{
		slog.String("tool", tool),
		slog.Int64("account", int64(account)),
		slog.String("user_id", auth.RequestUserID(ctx)),
	}, attrs...)
	t.logger.Debug("mcp tool call", attrs...)
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for dialogs_list.
type ListInput struct {
	Account  int64 `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
	FolderID int   `json:"folder_id,omitempty" jsonschema:"folder number, 0 is the main list and 1 the archive"`
	Limit    int   `json:"limit,omitempty" jsonschema:"maximum number of dialogs, defaults to 50"`
}

// GetInput holds parameters for dialog_get.
type GetInput struct {
	Account  int64  `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
	DialogID string `json:"dialog_id" jsonschema:"dialog id as listed, e.g. 7, -50 or secret:9"`
}

// SearchInput holds parameters for dialog_search.
type SearchInput struct {
	Account    int64  `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
	Query      string `json:"query" jsonschema:"title search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// SyncStateInput holds parameters for sync_state.
type SyncStateInput struct {
	Account int64 `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
}

// MarkReadInput holds parameters for dialog_mark_read.
type MarkReadInput struct {
	Account  int64  `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
	DialogID string `json:"dialog_id" jsonschema:"dialog id as listed"`
	MaxID    int    `json:"max_id,omitempty" jsonschema:"read up to this message id, defaults to the latest message"`
	Now      bool   `json:"now,omitempty" jsonschema:"send the acknowledgement immediately instead of debouncing"`
}

// PinInput holds parameters for dialog_pin.
type PinInput struct {
	Account  int64  `json:"account,omitempty" jsonschema:"account id, optional when only one account is synced"`
	DialogID string `json:"dialog_id" jsonschema:"dialog id as listed"`
	Pinned   bool   `json:"pinned" jsonschema:"true to pin, false to unpin"`
}

// --- Result types ---

// DialogEntry is one dialog as shown to tool callers.
type DialogEntry struct {
	ID                 string `json:"id"`
	Kind               string `json:"kind"`
	Title              string `json:"title,omitempty"`
	FolderID           int    `json:"folder_id"`
	Pinned             bool   `json:"pinned,omitempty"`
	UnreadCount        int    `json:"unread_count"`
	UnreadMentionCount int    `json:"unread_mention_count"`
	UnreadMark         bool   `json:"unread_mark,omitempty"`
	Muted              bool   `json:"muted,omitempty"`
	TopMessageID       int    `json:"top_message_id"`
	ReadInboxMaxID     int    `json:"read_inbox_max_id"`
	ReadOutboxMaxID    int    `json:"read_outbox_max_id"`
	LastMessageDate    int    `json:"last_message_date"`
	Draft              string `json:"draft,omitempty"`
}

func newDialogEntry(d *messenger.Dialog) DialogEntry {
	e := DialogEntry{
		ID:                 d.ID.String(),
		Kind:               d.ID.Kind().String(),
		Title:              d.Title,
		FolderID:           d.FolderID,
		Pinned:             d.Pinned,
		UnreadCount:        d.UnreadCount,
		UnreadMentionCount: d.UnreadMentionCount,
		UnreadMark:         d.UnreadMark,
		Muted:              d.Muted,
		TopMessageID:       d.TopMessageID,
		ReadInboxMaxID:     d.ReadInboxMaxID,
		ReadOutboxMaxID:    d.ReadOutboxMaxID,
		LastMessageDate:    d.LastMessageDate,
	}
	if d.Draft != nil {
		e.Draft = d.Draft.Text
	}

	return e
}

func newDialogEntries(dialogs []messenger.Dialog, limit int) []DialogEntry {
	if limit > 0 && len(dialogs) > limit {
		dialogs = dialogs[:limit]
	}

	out := make([]DialogEntry, len(dialogs))
	for i := range dialogs {
		out[i] = newDialogEntry(&dialogs[i])
	}

	return out
}

// ListResult is the output of dialogs_list.
type ListResult struct {
	Generation     uint64        `json:"generation"`
	CountByMessage bool          `json:"count_by_message"`
	FolderID       int           `json:"folder_id"`
	Folders        []int         `json:"folders"`
	Total          int           `json:"total"`
	Dialogs        []DialogEntry `json:"dialogs"`
}

// MessageEntry is one cached message.
type MessageEntry struct {
	ID        int    `json:"id"`
	FromID    int64  `json:"from_id,omitempty"`
	Out       bool   `json:"out,omitempty"`
	Date      int    `json:"date"`
	Text      string `json:"text,omitempty"`
	Unread    bool   `json:"unread"`
	Mentioned bool   `json:"mentioned,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// TypingEntry is one user currently typing.
type TypingEntry struct {
	UserID int64  `json:"user_id"`
	Action string `json:"action"`
}

// GetResult is the output of dialog_get.
type GetResult struct {
	Dialog   DialogEntry    `json:"dialog"`
	Messages []MessageEntry `json:"messages"`
	Typing   []TypingEntry  `json:"typing,omitempty"`
}

// SearchResult is the output of dialog_search.
type SearchResult struct {
	Query   string        `json:"query"`
	Dialogs []DialogEntry `json:"dialogs"`
}

// ChannelState is the pts of one channel.
type ChannelState struct {
	ChannelID int64 `json:"channel_id"`
	Pts       int   `json:"pts"`
	Fetching  bool  `json:"fetching,omitempty"`
	ShortPoll bool  `json:"short_poll,omitempty"`
}

// SyncStateResult is the output of sync_state.
type SyncStateResult struct {
	Account    int64          `json:"account"`
	Pts        int            `json:"pts"`
	Qts        int            `json:"qts"`
	Seq        int            `json:"seq"`
	Date       int            `json:"date"`
	Fetching   bool           `json:"fetching"`
	Generation uint64         `json:"generation"`
	Pending    map[string]int `json:"pending,omitempty"`
	Channels   []ChannelState `json:"channels,omitempty"`
	Fatal      string         `json:"fatal,omitempty"`
}

// ActionResult is the output of the mutating tools.
type ActionResult struct {
	Dialog DialogEntry `json:"dialog"`
}

// --- Handlers ---

func (t *tools) listHandler(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "dialogs_list", id, slog.Int("folder_id", input.FolderID))

	limit := input.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	snap := e.Snapshot()
	dialogs := snap.Folder(input.FolderID)

	result := &ListResult{
		FolderID: input.FolderID,
		Folders:  snap.FolderIDs(),
		Total:    len(dialogs),
		Dialogs:  newDialogEntries(dialogs, limit),
	}
	if snap != nil {
		result.Generation = snap.Generation
		result.CountByMessage = snap.CountByMessage
	}

	return textResult(result), result, nil
}

func (t *tools) getHandler(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, *GetResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	dialogID, err := messenger.ParseDialogID(input.DialogID)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "dialog_get", id, slog.String("dialog", input.DialogID))

	d, ok := e.Dialog(dialogID)
	if !ok {
		return nil, nil, fmt.Errorf("dialog %s: %w", dialogID, errs.ErrDialogNotFound)
	}

	msgs, err := e.Messages(ctx, dialogID)
	if err != nil {
		return nil, nil, err
	}

	typing, err := e.Typing(ctx, dialogID)
	if err != nil {
		return nil, nil, err
	}

	result := &GetResult{
		Dialog:   newDialogEntry(&d),
		Messages: make([]MessageEntry, 0, len(msgs)),
	}

	for _, m := range msgs {
		result.Messages = append(result.Messages, MessageEntry{
			ID:        m.ID,
			FromID:    m.FromID,
			Out:       m.Out,
			Date:      m.Date,
			Text:      m.Text,
			Unread:    m.Unread,
			Mentioned: m.Mentioned,
			Deleted:   m.Deleted,
		})
	}

	for _, p := range typing {
		result.Typing = append(result.Typing, TypingEntry{UserID: p.UserID, Action: p.Action.String()})
	}

	return textResult(result), result, nil
}

func (t *tools) searchHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "dialog_search", id, slog.String("query", input.Query))

	limit := input.MaxResults
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	result := &SearchResult{
		Query:   input.Query,
		Dialogs: newDialogEntries(e.Snapshot().Search(input.Query, limit), 0),
	}

	return textResult(result), result, nil
}

func (t *tools) syncStateHandler(ctx context.Context, _ *mcp.CallToolRequest, input SyncStateInput) (*mcp.CallToolResult, *SyncStateResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "sync_state", id)

	st := e.SyncStatus()
	result := &SyncStateResult{
		Account:    int64(id),
		Pts:        st.State.Pts,
		Qts:        st.State.Qts,
		Seq:        st.State.Seq,
		Date:       st.State.Date,
		Fetching:   st.Fetching,
		Generation: st.Generation,
		Pending:    st.Pending,
		Fatal:      st.Fatal,
	}

	for ch, pts := range st.Channels {
		result.Channels = append(result.Channels, ChannelState{
			ChannelID: ch,
			Pts:       pts,
			Fetching:  slices.Contains(st.FetchingChannels, ch),
			ShortPoll: slices.Contains(st.ShortPoll, ch),
		})
	}

	slices.SortFunc(result.Channels, func(a, b ChannelState) int {
		return cmp.Compare(a.ChannelID, b.ChannelID)
	})

	return textResult(result), result, nil
}

func (t *tools) markReadHandler(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *ActionResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	dialogID, err := messenger.ParseDialogID(input.DialogID)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "dialog_mark_read", id,
		slog.String("dialog", input.DialogID),
		slog.Int("max_id", input.MaxID),
	)

	err = e.MarkDialogAsRead(ctx, messenger.ReadRequest{Dialog: dialogID, MaxID: input.MaxID, Now: input.Now})
	if err != nil {
		return nil, nil, err
	}

	return t.actionResult(e, dialogID)
}

func (t *tools) pinHandler(ctx context.Context, _ *mcp.CallToolRequest, input PinInput) (*mcp.CallToolResult, *ActionResult, error) {
	e, id, err := t.engine(input.Account)
	if err != nil {
		return nil, nil, err
	}

	dialogID, err := messenger.ParseDialogID(input.DialogID)
	if err != nil {
		return nil, nil, err
	}

	t.logCall(ctx, "dialog_pin", id,
		slog.String("dialog", input.DialogID),
		slog.Bool("pinned", input.Pinned),
	)

	if err := e.PinDialog(ctx, dialogID, input.Pinned); err != nil {
		return nil, nil, err
	}

	return t.actionResult(e, dialogID)
}

func (t *tools) actionResult(e *messenger.Engine, id messenger.DialogID) (*mcp.CallToolResult, *ActionResult, error) {
	d, ok := e.Dialog(id)
	if !ok {
		return nil, nil, fmt.Errorf("dialog %s: %w", id, errs.ErrDialogNotFound)
	}

	result := &ActionResult{Dialog: newDialogEntry(&d)}

	return textResult(result), result, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
