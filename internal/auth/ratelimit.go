package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultMaxFailures   = 10
	defaultFailureWindow = 5 * time.Minute

	// clientFailureFactor scales MaxFailures into the ceiling for one
	// client across every credential it presents.
	clientFailureFactor = 3

	// limiterPruneAt is the number of tracked windows above which expired
	// ones are swept on the next failure.
	limiterPruneAt = 1000
)

// FailureLimits bounds failed authentication attempts. A credential that
// keeps failing from one client is refused until its window ends. A
// client cycling through credentials is refused once it reaches
// clientFailureFactor times MaxFailures. Zero fields take defaults.
type FailureLimits struct {
	MaxFailures int
	Window      time.Duration
}

func (l FailureLimits) withDefaults() FailureLimits {
	if l.MaxFailures <= 0 {
		l.MaxFailures = defaultMaxFailures
	}
	if l.Window <= 0 {
		l.Window = defaultFailureWindow
	}
	return l
}

// failureWindow counts failures from start until start plus the window.
type failureWindow struct {
	start time.Time
	count int
}

type failureLimiter struct {
	limits FailureLimits
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*failureWindow
}

func newFailureLimiter(limits FailureLimits) *failureLimiter {
	return &failureLimiter{
		limits:  limits.withDefaults(),
		now:     time.Now,
		windows: make(map[string]*failureWindow),
	}
}

// retryAfter returns how long a request presenting cred from ip must
// wait, or zero if it may proceed.
func (l *failureLimiter) retryAfter(cred, ip string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	wait := l.waitLocked(now, clientKey(ip), l.limits.MaxFailures*clientFailureFactor)
	if cred != "" {
		wait = max(wait, l.waitLocked(now, credentialKey(cred, ip), l.limits.MaxFailures))
	}

	return wait
}

func (l *failureLimiter) waitLocked(now time.Time, key string, limit int) time.Duration {
	w, ok := l.windows[key]
	if !ok {
		return 0
	}

	end := w.start.Add(l.limits.Window)
	if !now.Before(end) {
		delete(l.windows, key)
		return 0
	}

	if w.count < limit {
		return 0
	}

	return end.Sub(now)
}

// fail counts a rejected attempt against the credential and the client.
func (l *failureLimiter) fail(cred, ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) >= limiterPruneAt {
		for key, w := range l.windows {
			if !now.Before(w.start.Add(l.limits.Window)) {
				delete(l.windows, key)
			}
		}
	}

	for _, key := range []string{credentialKey(cred, ip), clientKey(ip)} {
		w, ok := l.windows[key]
		if !ok || !now.Before(w.start.Add(l.limits.Window)) {
			w = &failureWindow{start: now}
			l.windows[key] = w
		}
		w.count++
	}
}

// succeed forgets the credential's failures from ip. The client-wide
// count is kept.
func (l *failureLimiter) succeed(cred, ip string) {
	l.mu.Lock()
	delete(l.windows, credentialKey(cred, ip))
	l.mu.Unlock()
}

func credentialKey(cred, ip string) string { return cred + "|" + ip }
func clientKey(ip string) string           { return "*|" + ip }

// keyCredential names an API key by a digest prefix so raw keys are never
// held by the limiter.
func keyCredential(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "key:" + hex.EncodeToString(sum[:8])
}

func userCredential(username string) string {
	return "user:" + username
}
