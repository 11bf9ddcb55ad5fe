package e2e_test

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

	"github.com/alexjbarnes/dialog-sync/internal/auth"
	"github.com/alexjbarnes/dialog-sync/internal/mcpserver"
	"github.com/alexjbarnes/dialog-sync/internal/server"
	"github.com/alexjbarnes/dialog-sync/internal/state"
	"github.com/alexjbarnes/dialog-sync/messenger"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testAccount  = 42
	accountToken = "tok_e2e"
	testUsername = "testuser"
	testPassword = "testpass"
	testAPIKey   = "ds_00112233445566778899aabbccddeeff"
)

var seedDialogs = []messenger.Dialog{
	{ID: messenger.UserDialog(7), Title: "Ada Lovelace", TopMessageID: 12, ReadInboxMaxID: 10, UnreadCount: 2, LastMessageDate: 300},
	{ID: messenger.ChatDialog(50), Title: "Analytical Engine", TopMessageID: 40, ReadInboxMaxID: 40, LastMessageDate: 200},
}

// rpcServer answers the JSON RPC methods the engine calls and records
// every request body.
type rpcServer struct {
	mu        sync.Mutex
	calls     map[string][]string
	responses map[string]string
}

func (s *rpcServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+accountToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"auth key invalid","code":"AUTH_KEY_INVALID"}`)
		return
	}

	method := strings.TrimPrefix(r.URL.Path, "/rpc/")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.calls[method] = append(s.calls[method], string(body))
	resp, ok := s.responses[method]
	s.mu.Unlock()

	if !ok {
		resp = "{}"
	}
	_, _ = io.WriteString(w, resp)
}

func (s *rpcServer) bodies(method string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.calls[method]...)
}

// pushServer accepts one stream connection at a time, acknowledges the
// init frame and forwards queued frames.
type pushServer struct {
	frames chan string

	mu    sync.Mutex
	inits []map[string]any
}

func (p *pushServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var init map[string]any
	if json.Unmarshal(data, &init) != nil || init["op"] != "init" {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"error","code":400,"msg":"expected init"}`))
		return
	}

	p.mu.Lock()
	p.inits = append(p.inits, init)
	p.mu.Unlock()

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"op":"ready"}`)); err != nil {
		return
	}

	// Drain client pings so control frames keep flowing. The handler
	// ends once the client goes away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case frame := <-p.frames:
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				return
			}
		}
	}
}

func (p *pushServer) initFrames() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]map[string]any(nil), p.inits...)
}

// harness holds the full e2e stack: a fake API and push server, a
// running engine fed by a real stream, and the MCP HTTP surface in front
// of it.
type harness struct {
	URL    string
	Client *http.Client
	Engine *messenger.Engine
	RPC    *rpcServer
	Push   *pushServer
}

// newHarness seeds a bbolt store, starts the engine and the push stream
// and serves the mux from an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	db, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := db.Account(testAccount)
	require.NoError(t, err)
	require.NoError(t, store.SaveSyncState(messenger.State{Pts: 100, Qts: 1, Seq: 5, Date: 1000}))
	require.NoError(t, store.PutDialogs(seedDialogs))

	rpc := &rpcServer{
		calls: make(map[string][]string),
		responses: map[string]string{
			"updates.getDifference": `{"kind":"empty","date":1000,"seq":5}`,
			"messages.readHistory":  `{"pts":101,"pts_count":1}`,
		},
	}
	api := httptest.NewServer(rpc)
	t.Cleanup(api.Close)

	push := &pushServer{frames: make(chan string, 16)}
	pushSrv := httptest.NewServer(push)
	t.Cleanup(pushSrv.Close)

	client := messenger.NewClient(api.Client(), api.URL, accountToken)
	engine, err := messenger.NewEngine(messenger.Config{}, client, store, messenger.NewBus(logger), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = engine.Run(ctx)
	}()

	stream := messenger.NewStream(messenger.StreamConfig{
		URL:   "ws" + strings.TrimPrefix(pushSrv.URL, "http"),
		Token: accountToken,
		Sink:  engine,
		State: func() messenger.State { return engine.SyncStatus().State },
	}, logger)

	go func() {
		defer wg.Done()
		_ = stream.Listen(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	registry := messenger.NewRegistry()
	require.NoError(t, registry.Add(testAccount, engine))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "dialog-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, registry, logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewAPIKeys(map[string]string{testAPIKey: "e2e-bot"}),
		Users:      auth.UserCredentials{testUsername: hash},
		MCPHandler: mcpHandler,
		Registry:   registry,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	h := &harness{
		URL:    ts.URL,
		Client: ts.Client(),
		Engine: engine,
		RPC:    rpc,
		Push:   push,
	}

	h.waitIdle(t)

	return h
}

// waitIdle waits until the stream is connected and the engine has
// finished the difference requested after connecting.
func (h *harness) waitIdle(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return len(h.Push.initFrames()) > 0 &&
			len(h.RPC.bodies("updates.getDifference")) > 0 &&
			!h.Engine.SyncStatus().Fetching
	}, 5*time.Second, 20*time.Millisecond)
}

// push queues a frame for the connected stream.
func (h *harness) push(frame string) {
	h.Push.frames <- frame
}

// mcpSession creates an MCP client session whose requests pass through
// the given RoundTripper wrapper.
func (h *harness) mcpSession(t *testing.T, wrap func(http.RoundTripper) http.RoundTripper) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: wrap(h.Client.Transport),
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// keySession authenticates with the configured API key.
func (h *harness) keySession(t *testing.T) *mcp.ClientSession {
	return h.mcpSession(t, func(base http.RoundTripper) http.RoundTripper {
		return &bearerTransport{token: testAPIKey, base: base}
	})
}

// callTool calls a tool and decodes its JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned an error", name)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// basicTransport injects basic credentials.
type basicTransport struct {
	user, pass string
	base       http.RoundTripper
}

func (bt *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(bt.user, bt.pass)

	return bt.base.RoundTrip(req)
}
