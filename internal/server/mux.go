// Package server provides HTTP server construction for dialog-sync.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/dialog-sync/internal/auth"
	"github.com/alexjbarnes/dialog-sync/messenger"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Keys       *auth.APIKeys
	Users      auth.UserCredentials
	AuthLimits auth.FailureLimits
	MCPHandler http.Handler
	Registry   *messenger.Registry
	Logger     *slog.Logger
}

type accountHealth struct {
	Account    int64  `json:"account"`
	Pts        int    `json:"pts"`
	Qts        int    `json:"qts"`
	Seq        int    `json:"seq"`
	Fetching   bool   `json:"fetching"`
	Generation uint64 `json:"generation"`
	Fatal      string `json:"fatal,omitempty"`
}

// NewMux builds the HTTP mux. The MCP endpoint requires an API key or
// basic credentials; the health endpoint is open and reports each
// account's sync position.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Registry))

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Users, cfg.AuthLimits, cfg.Logger)
	mux.Handle("/mcp", authMiddleware(cfg.MCPHandler))

	return mux
}

// handleHealth answers 503 when any engine has stopped on a fatal error.
func handleHealth(reg *messenger.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := []accountHealth{}
		status := http.StatusOK

		for _, id := range reg.Accounts() {
			e, ok := reg.Get(id)
			if !ok {
				continue
			}

			st := e.SyncStatus()
			if st.Fatal != "" {
				status = http.StatusServiceUnavailable
			}

			accounts = append(accounts, accountHealth{
				Account:    int64(id),
				Pts:        st.State.Pts,
				Qts:        st.State.Qts,
				Seq:        st.State.Seq,
				Fetching:   st.Fetching,
				Generation: st.Generation,
				Fatal:      st.Fatal,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"accounts": accounts})
	}
}
