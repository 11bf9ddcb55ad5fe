package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/dialog-sync/internal/state"
	"github.com/alexjbarnes/dialog-sync/messenger"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI records RPC calls and answers every method with an empty
// success, or with the configured response.
type fakeAPI struct {
	mu        sync.Mutex
	calls     []string
	bodies    map[string]string
	responses map[string]string
	failures  map[string]int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/rpc/")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.bodies[method] = string(body)
	resp, ok := f.responses[method]
	status := f.failures[method]
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"PEER_ID_INVALID","code":"BAD_REQUEST"}`)
		return
	}
	if !ok {
		resp = "{}"
	}
	_, _ = io.WriteString(w, resp)
}

func (f *fakeAPI) called(method string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[method]
	return body, ok
}

var testDialogs = []messenger.Dialog{
	{ID: messenger.UserDialog(7), Title: "Ada Lovelace", TopMessageID: 12, ReadInboxMaxID: 10, UnreadCount: 2, LastMessageDate: 300},
	{ID: messenger.ChatDialog(50), Title: "Analytical Engine", TopMessageID: 40, ReadInboxMaxID: 40, LastMessageDate: 200, Pinned: true, PinnedRank: 1},
	{ID: messenger.UserDialog(8), Title: "Charles Babbage", TopMessageID: 3, ReadInboxMaxID: 1, UnreadCount: 1, LastMessageDate: 100, FolderID: messenger.FolderArchive, Muted: true},
}

// testSetup builds an engine over a bbolt store and a fake API, registers
// the tools on an MCP server and returns a connected client session.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeAPI, *messenger.Engine) {
	t.Helper()

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := db.Account(42)
	require.NoError(t, err)
	require.NoError(t, store.SaveSyncState(messenger.State{Pts: 100, Qts: 1, Seq: 5, Date: 1000}))
	require.NoError(t, store.SaveChannelPts(50, 30))
	require.NoError(t, store.PutDialogs(testDialogs))

	api := &fakeAPI{
		bodies:    make(map[string]string),
		responses: map[string]string{"messages.readHistory": `{"pts":101,"pts_count":1}`},
		failures:  make(map[string]int),
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client := messenger.NewClient(srv.Client(), srv.URL, "tok")
	engine, err := messenger.NewEngine(messenger.Config{}, client, store, messenger.NewBus(testLogger()), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	reg := messenger.NewRegistry()
	require.NoError(t, reg.Add(42, engine))

	server := mcp.NewServer(
		&mcp.Implementation{Name: "dialog-sync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, reg, testLogger())

	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	mcpClient := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := mcpClient.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, api, engine
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func errorText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.True(t, result.IsError)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func dialogIDs(entries []DialogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

// --- dialogs_list ---

func TestList_MainFolder(t *testing.T) {
	session, _, _ := testSetup(t)
	result := callTool(t, session, "dialogs_list", nil)
	assert.False(t, result.IsError)

	var out ListResult
	extractJSON(t, result, &out)
	assert.Equal(t, 0, out.FolderID)
	assert.Equal(t, []int{0, 1}, out.Folders)
	assert.Equal(t, 3, out.Total)

	// The archive pseudo-dialog leads, then the pinned chat, then by date.
	assert.Equal(t, []string{"folder:1", "-50", "7"}, dialogIDs(out.Dialogs))
	assert.Equal(t, "folder", out.Dialogs[0].Kind)
	assert.Equal(t, 1, out.Dialogs[0].UnreadCount, "muted dialog adds its unread messages")
	assert.True(t, out.Dialogs[1].Pinned)
}

func TestList_ArchiveWithLimit(t *testing.T) {
	session, _, _ := testSetup(t)
	result := callTool(t, session, "dialogs_list", map[string]any{"folder_id": 1, "limit": 5})
	assert.False(t, result.IsError)

	var out ListResult
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"8"}, dialogIDs(out.Dialogs))

	result = callTool(t, session, "dialogs_list", map[string]any{"limit": 1})
	extractJSON(t, result, &out)
	assert.Len(t, out.Dialogs, 1)
	assert.Equal(t, 3, out.Total)
}

func TestList_UnknownAccount(t *testing.T) {
	session, _, _ := testSetup(t)
	result := callTool(t, session, "dialogs_list", map[string]any{"account": 9})
	assert.Contains(t, errorText(t, result), "account not registered")
}

// --- dialog_get ---

func TestGet_WithMessages(t *testing.T) {
	session, _, engine := testSetup(t)

	engine.ProcessUpdates(&messenger.Updates{Kind: messenger.UpdatesBatch, Updates: []messenger.Update{
		{Kind: messenger.UpdateNewMessage, Pts: 101, PtsCount: 1,
			Message: &messenger.Message{ID: 13, Peer: messenger.UserDialog(7), FromID: 7, Date: 310, Text: "hello"}},
		{Kind: messenger.UpdateNewMessage, Pts: 102, PtsCount: 1,
			Message: &messenger.Message{ID: 14, Peer: messenger.UserDialog(7), FromID: 7, Date: 320, Text: "are you there?"}},
	}})

	require.Eventually(t, func() bool {
		msgs, err := engine.Messages(context.Background(), messenger.UserDialog(7))
		return err == nil && len(msgs) == 2
	}, 5*time.Second, 20*time.Millisecond)

	result := callTool(t, session, "dialog_get", map[string]any{"dialog_id": "7"})
	assert.False(t, result.IsError)

	var out GetResult
	extractJSON(t, result, &out)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "Ada Lovelace", out.Dialog.Title)
	assert.Equal(t, 14, out.Dialog.TopMessageID)
	assert.Equal(t, 14, out.Messages[0].ID, "newest first")
	assert.Equal(t, "hello", out.Messages[1].Text)
	assert.True(t, out.Messages[0].Unread)
	assert.True(t, out.Messages[1].Unread)
	assert.Empty(t, out.Typing)
}

func TestGet_Errors(t *testing.T) {
	session, _, _ := testSetup(t)

	result := callTool(t, session, "dialog_get", map[string]any{"dialog_id": "99"})
	assert.Contains(t, errorText(t, result), "dialog not found")

	result = callTool(t, session, "dialog_get", map[string]any{"dialog_id": "group:5"})
	assert.Contains(t, errorText(t, result), "invalid dialog id")
}

// --- dialog_search ---

func TestSearch(t *testing.T) {
	session, _, _ := testSetup(t)
	result := callTool(t, session, "dialog_search", map[string]any{"query": "ＡＤＡ"})
	assert.False(t, result.IsError)

	var out SearchResult
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"7"}, dialogIDs(out.Dialogs))

	result = callTool(t, session, "dialog_search", map[string]any{"query": "a", "max_results": 2})
	extractJSON(t, result, &out)
	assert.Equal(t, []string{"-50", "7"}, dialogIDs(out.Dialogs))
}

// --- sync_state ---

func TestSyncState(t *testing.T) {
	session, _, _ := testSetup(t)
	result := callTool(t, session, "sync_state", nil)
	assert.False(t, result.IsError)

	var out SyncStateResult
	extractJSON(t, result, &out)
	assert.Equal(t, int64(42), out.Account)
	assert.Equal(t, 100, out.Pts)
	assert.Equal(t, 1, out.Qts)
	assert.Equal(t, 5, out.Seq)
	assert.Equal(t, 1000, out.Date)
	assert.False(t, out.Fetching)
	assert.Equal(t, []ChannelState{{ChannelID: 50, Pts: 30}}, out.Channels)
	assert.Empty(t, out.Fatal)
}

// --- dialog_mark_read ---

func TestMarkRead_Now(t *testing.T) {
	session, api, _ := testSetup(t)
	result := callTool(t, session, "dialog_mark_read", map[string]any{"dialog_id": "7", "now": true})
	assert.False(t, result.IsError)

	var out ActionResult
	extractJSON(t, result, &out)
	assert.Equal(t, 0, out.Dialog.UnreadCount)
	assert.Equal(t, 12, out.Dialog.ReadInboxMaxID)

	body, ok := api.called("messages.readHistory")
	require.True(t, ok)
	assert.JSONEq(t, `{"peer":7,"max_id":12}`, body)
}

func TestMarkRead_DebouncedStaysLocal(t *testing.T) {
	session, api, _ := testSetup(t)
	result := callTool(t, session, "dialog_mark_read", map[string]any{"dialog_id": "7", "max_id": 11})
	assert.False(t, result.IsError)

	var out ActionResult
	extractJSON(t, result, &out)
	assert.Equal(t, 11, out.Dialog.ReadInboxMaxID)

	_, ok := api.called("messages.readHistory")
	assert.False(t, ok, "acknowledgement waits for the debounce")
}

// --- dialog_pin ---

func TestPin(t *testing.T) {
	session, api, _ := testSetup(t)
	result := callTool(t, session, "dialog_pin", map[string]any{"dialog_id": "7", "pinned": true})
	assert.False(t, result.IsError)

	var out ActionResult
	extractJSON(t, result, &out)
	assert.True(t, out.Dialog.Pinned)

	body, ok := api.called("messages.toggleDialogPin")
	require.True(t, ok)
	assert.JSONEq(t, `{"peer":7,"pinned":true}`, body)

	result = callTool(t, session, "dialogs_list", nil)
	var list ListResult
	extractJSON(t, result, &list)
	assert.Equal(t, []string{"folder:1", "7", "-50"}, dialogIDs(list.Dialogs), "newest pin sorts first")
}

func TestPin_ServerRejects(t *testing.T) {
	session, api, _ := testSetup(t)
	api.failures["messages.toggleDialogPin"] = http.StatusBadRequest

	result := callTool(t, session, "dialog_pin", map[string]any{"dialog_id": "7", "pinned": true})
	assert.Contains(t, errorText(t, result), "PEER_ID_INVALID")

	result = callTool(t, session, "dialog_get", map[string]any{"dialog_id": "7"})
	var out GetResult
	extractJSON(t, result, &out)
	assert.False(t, out.Dialog.Pinned, "optimistic pin rolled back")
}
