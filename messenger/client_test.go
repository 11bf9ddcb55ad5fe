package messenger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.Client(), srv.URL+"/", "tok")
}

// --- post() internals ---

func TestPost_SetsHeadersAndPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rpc/messages.saveDraft", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"peer":-50,"text":"hi"}`, string(body))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).SaveDraft(context.Background(), ChatDialog(50), "hi")
	require.NoError(t, err)
}

func TestPost_DecodesDifference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req DifferenceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DifferenceRequest{Pts: 100, Date: 5, PtsTotalLimit: 1000}, req)

		w.Write([]byte(`{
			"kind": "slice",
			"new_messages": [{"id": 1, "peer": 7, "date": 10}],
			"other_updates": [{"kind": "read_history_inbox", "pts": 101, "pts_count": 1, "peer": 7, "max_id": 1}],
			"state": {"pts": 101, "qts": 0, "seq": 3, "date": 10}
		}`))
	}))
	defer srv.Close()

	diff, err := newTestClient(srv).GetDifference(context.Background(), DifferenceRequest{Pts: 100, Date: 5, PtsTotalLimit: 1000})
	require.NoError(t, err)
	assert.Equal(t, DifferenceSlice, diff.Kind)
	require.Len(t, diff.NewMessages, 1)
	assert.Equal(t, UserDialog(7), diff.NewMessages[0].Peer)
	require.Len(t, diff.OtherUpdates, 1)
	assert.Equal(t, UpdateReadHistoryInbox, diff.OtherUpdates[0].Kind)
	assert.Equal(t, State{Pts: 101, Seq: 3, Date: 10}, diff.State)
}

func TestPost_APIErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"peer invalid","code":"PEER_ID_INVALID"}`))
	}))
	defer srv.Close()

	err := newTestClient(srv).ToggleDialogPin(context.Background(), UserDialog(7), true)

	var rerr *RPCError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "messages.toggleDialogPin", rerr.Method)
	assert.Equal(t, "PEER_ID_INVALID", rerr.Code)
	assert.Equal(t, "peer invalid", rerr.Message)
	assert.ErrorIs(t, err, errs.ErrAPIRequest)
	assert.False(t, IsTransient(err))
}

func TestPost_StatusClassification(t *testing.T) {
	tests := []struct {
		status       int
		unauthorized bool
		transient    bool
	}{
		{http.StatusUnauthorized, true, false},
		{http.StatusForbidden, true, false},
		{http.StatusTooManyRequests, false, true},
		{http.StatusServiceUnavailable, false, true},
		{http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte("nope\x1b[31m"))
			}))
			defer srv.Close()

			err := newTestClient(srv).ReadChannelHistory(context.Background(), 50, 10)
			require.Error(t, err)
			assert.Equal(t, tt.unauthorized, isFatal(err))
			assert.Equal(t, tt.transient, IsTransient(err))

			var rerr *RPCError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, "nope?[31m", rerr.Message)
		})
	}
}

func TestPost_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	_, err := c.GetDialogs(context.Background(), DialogsRequest{Limit: 10})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestPost_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"pts":`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ReadHistory(context.Background(), UserDialog(7), 10)
	assert.ErrorIs(t, err, errs.ErrAPIResponse)
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b\nc", sanitizeResponseBody([]byte("a\x00b\nc")))
	assert.Equal(t, "??", sanitizeResponseBody([]byte{0xff, 0xfe}))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("x", 1000))), 256)
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodPost, "https://api.example.com/rpc/x", nil)
	same, _ := http.NewRequest(http.MethodPost, "https://api.example.com/rpc/y", nil)
	other, _ := http.NewRequest(http.MethodPost, "https://evil.example.com/rpc/y", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.ErrorContains(t, sameHostRedirectPolicy(other, []*http.Request{orig}), "blocked")
}
