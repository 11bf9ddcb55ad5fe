package messenger

import (
	"encoding/json"
	"fmt"

	errs "github.com/alexjbarnes/dialog-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// Push stream frame ops.
const (
	opInit    = "init"
	opReady   = "ready"
	opError   = "error"
	opPing    = "ping"
	opPong    = "pong"
	opUpdates = "updates"
	opTooLong = "too_long"
)

type initFrame struct {
	Op    string `json:"op"`
	Token string `json:"token"`
	Pts   int    `json:"pts"`
	Qts   int    `json:"qts"`
	Seq   int    `json:"seq"`
	Date  int    `json:"date"`
}

type errorFrame struct {
	Op   string `json:"op"`
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// frameOp peeks at a frame's op without decoding the rest of it.
func frameOp(data []byte) string {
	return gjson.GetBytes(data, "op").Str
}

// DecodeUpdates extracts the Updates container of an "updates" frame.
func DecodeUpdates(data []byte) (*Updates, error) {
	raw := gjson.GetBytes(data, "updates")
	if !raw.Exists() || !raw.IsObject() {
		return nil, fmt.Errorf("updates frame without payload: %w", errs.ErrAPIResponse)
	}
	var u Updates
	if err := json.Unmarshal([]byte(raw.Raw), &u); err != nil {
		return nil, fmt.Errorf("decoding updates frame: %w", err)
	}
	return &u, nil
}
