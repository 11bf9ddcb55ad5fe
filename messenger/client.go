package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
)

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Difference responses
	// can carry thousands of updates.
	maxAPIResponseBytes = 16 * 1024 * 1024
)

// RPCError is a request the server answered with an error.
type RPCError struct {
	Method  string
	Status  int
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc %s (%d %s): %s", e.Method, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rpc %s (%d): %s", e.Method, e.Status, e.Message)
}

// Is maps rejected credentials to ErrUnauthorized and every RPC error to
// ErrAPIRequest.
func (e *RPCError) Is(target error) bool {
	switch target {
	case errs.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case errs.ErrAPIRequest:
		return true
	}
	return false
}

// Transient reports whether retrying later may succeed.
func (e *RPCError) Transient() bool {
	return isTransientStatus(e.Status)
}

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var re *RPCError
	return errors.As(err, &re) && re.Transient()
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Client implements RPC over HTTP JSON: every method is a POST to
// {baseURL}/rpc/{method} carrying a bearer token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only to the original host so
// the bearer token never leaks to a third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}
	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}
	return nil
}

// NewClient creates an RPC client. If httpClient is nil, a client with a
// 30-second timeout and same-host redirect policy is used.
func NewClient(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates a response body for error messages and
// replaces control characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}
	var clean []byte
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]
			continue
		}
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}
		body = body[size:]
	}
	return string(clean)
}

// post sends a JSON request and decodes the response into result.
func (c *Client) post(ctx context.Context, method string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, refused connections, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("sending %s: %w", method, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading %s response: %w", method, err)}
	}

	if resp.StatusCode != http.StatusOK {
		rerr := &RPCError{Method: method, Status: resp.StatusCode}
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			rerr.Code = apiErr.Code
			rerr.Message = apiErr.Error
		} else {
			rerr.Message = sanitizeResponseBody(respBody)
		}
		return rerr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding %s response: %w: %w", method, errs.ErrAPIResponse, err)
		}
	}
	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) GetDifference(ctx context.Context, req DifferenceRequest) (*Difference, error) {
	var resp Difference
	if err := c.post(ctx, "updates.getDifference", req, &resp); err != nil {
		return nil, fmt.Errorf("getting difference: %w", err)
	}
	return &resp, nil
}

func (c *Client) GetChannelDifference(ctx context.Context, req ChannelDifferenceRequest) (*ChannelDifference, error) {
	var resp ChannelDifference
	if err := c.post(ctx, "updates.getChannelDifference", req, &resp); err != nil {
		return nil, fmt.Errorf("getting channel difference: %w", err)
	}
	return &resp, nil
}

func (c *Client) GetDialogs(ctx context.Context, req DialogsRequest) (*DialogsPage, error) {
	var resp DialogsPage
	if err := c.post(ctx, "messages.getDialogs", req, &resp); err != nil {
		return nil, fmt.Errorf("getting dialogs: %w", err)
	}
	return &resp, nil
}

func (c *Client) GetPinnedDialogs(ctx context.Context, folderID int) (*DialogsPage, error) {
	req := struct {
		FolderID int `json:"folder_id"`
	}{folderID}
	var resp DialogsPage
	if err := c.post(ctx, "messages.getPinnedDialogs", req, &resp); err != nil {
		return nil, fmt.Errorf("getting pinned dialogs: %w", err)
	}
	return &resp, nil
}

func (c *Client) ReadHistory(ctx context.Context, peer DialogID, maxID int) (*AffectedMessages, error) {
	req := struct {
		Peer  DialogID `json:"peer"`
		MaxID int      `json:"max_id"`
	}{peer, maxID}
	var resp AffectedMessages
	if err := c.post(ctx, "messages.readHistory", req, &resp); err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return &resp, nil
}

func (c *Client) ReadChannelHistory(ctx context.Context, channelID int64, maxID int) error {
	req := struct {
		ChannelID int64 `json:"channel_id"`
		MaxID     int   `json:"max_id"`
	}{channelID, maxID}
	if err := c.post(ctx, "channels.readHistory", req, nil); err != nil {
		return fmt.Errorf("reading channel history: %w", err)
	}
	return nil
}

func (c *Client) ReadEncryptedHistory(ctx context.Context, chatID int64, maxDate int) error {
	req := struct {
		ChatID  int64 `json:"chat_id"`
		MaxDate int   `json:"max_date"`
	}{chatID, maxDate}
	if err := c.post(ctx, "messages.readEncryptedHistory", req, nil); err != nil {
		return fmt.Errorf("reading encrypted history: %w", err)
	}
	return nil
}

func (c *Client) ToggleDialogPin(ctx context.Context, peer DialogID, pinned bool) error {
	req := struct {
		Peer   DialogID `json:"peer"`
		Pinned bool     `json:"pinned"`
	}{peer, pinned}
	if err := c.post(ctx, "messages.toggleDialogPin", req, nil); err != nil {
		return fmt.Errorf("toggling dialog pin: %w", err)
	}
	return nil
}

func (c *Client) ReorderPinnedDialogs(ctx context.Context, folderID int, order []DialogID) error {
	req := struct {
		FolderID int        `json:"folder_id"`
		Order    []DialogID `json:"order"`
	}{folderID, order}
	if err := c.post(ctx, "messages.reorderPinnedDialogs", req, nil); err != nil {
		return fmt.Errorf("reordering pinned dialogs: %w", err)
	}
	return nil
}

func (c *Client) EditPeerFolders(ctx context.Context, peers []FolderPeer) (*Updates, error) {
	req := struct {
		Peers []FolderPeer `json:"folder_peers"`
	}{peers}
	var resp Updates
	if err := c.post(ctx, "folders.editPeerFolders", req, &resp); err != nil {
		return nil, fmt.Errorf("editing peer folders: %w", err)
	}
	return &resp, nil
}

func (c *Client) DeleteHistory(ctx context.Context, peer DialogID, maxID int) (*AffectedHistory, error) {
	req := struct {
		Peer  DialogID `json:"peer"`
		MaxID int      `json:"max_id"`
	}{peer, maxID}
	var resp AffectedHistory
	if err := c.post(ctx, "messages.deleteHistory", req, &resp); err != nil {
		return nil, fmt.Errorf("deleting history: %w", err)
	}
	return &resp, nil
}

func (c *Client) SaveDraft(ctx context.Context, peer DialogID, text string) error {
	req := struct {
		Peer DialogID `json:"peer"`
		Text string   `json:"text"`
	}{peer, text}
	if err := c.post(ctx, "messages.saveDraft", req, nil); err != nil {
		return fmt.Errorf("saving draft: %w", err)
	}
	return nil
}

var _ RPC = (*Client)(nil)
