package auth

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that accepts a Bearer API key or
// Basic credentials. Unauthenticated requests get a 401 with a
// WWW-Authenticate challenge for every configured scheme. A credential
// that keeps failing from one client, or a client that keeps failing
// with any credential, gets a 429 with Retry-After until its window ends.
func Middleware(keys *APIKeys, users UserCredentials, limits FailureLimits, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter(limits)

	var challenges []string
	if keys.Len() > 0 {
		challenges = append(challenges, `Bearer realm="dialog-sync"`)
	}

	if len(users) > 0 {
		challenges = append(challenges, `Basic realm="dialog-sync", charset="UTF-8"`)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			authHeader := r.Header.Get("Authorization")
			token, isBearer := strings.CutPrefix(authHeader, "Bearer ")
			username, password, isBasic := r.BasicAuth()

			var cred string

			switch {
			case isBearer:
				cred = keyCredential(token)
			case isBasic:
				cred = userCredential(username)
			}

			if wait := limiter.retryAfter(cred, ip); wait > 0 {
				logger.Warn("middleware: rate limited",
					slog.String("ip", ip),
					slog.String("credential", cred),
					slog.Duration("retry_after", wait),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)

				return
			}

			reject := func(reason string) {
				logger.Debug("middleware: "+reason,
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)

				for _, c := range challenges {
					w.Header().Add("WWW-Authenticate", c)
				}

				w.WriteHeader(http.StatusUnauthorized)
			}

			var (
				userID string
				method string
			)

			switch {
			case authHeader == "":
				reject("no credentials")
				return

			case isBearer:
				uid, ok := keys.Validate(token)
				if !ok {
					limiter.fail(cred, ip)
					reject("invalid API key")

					return
				}

				userID, method = uid, "api_key"

			case isBasic:
				if !users.Check(username, password) {
					limiter.fail(cred, ip)
					logger.Warn("middleware: login failed",
						slog.String("username", username),
						slog.String("ip", ip),
					)
					reject("invalid password")

					return
				}

				userID, method = username, "basic"

			default:
				reject("unsupported authorization scheme")
				return
			}

			limiter.succeed(cred, ip)

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("method", method),
				slog.String("ip", ip),
			)

			// Inject authenticated identity into the request context
			// so downstream handlers (MCP tools) can log it.
			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
