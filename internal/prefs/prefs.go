// Package prefs loads the user preferences file and applies it to a
// running engine, reloading whenever the file changes on disk.
package prefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Unread counting modes for folder aggregates.
const (
	ModeDialogs  = "dialogs"
	ModeMessages = "messages"
)

// Preferences are the user-editable settings.
type Preferences struct {
	// UnreadCountMode selects whether folder unread counters count
	// messages or dialogs.
	UnreadCountMode string `yaml:"unread_count_mode"`

	// ShortPollChannels are channels whose difference is polled
	// periodically instead of relying on pushes.
	ShortPollChannels []int64 `yaml:"short_poll_channels"`
}

// Default returns the preferences used when no file exists.
func Default() Preferences {
	return Preferences{UnreadCountMode: ModeMessages}
}

// CountByMessage reports whether folder counters count messages.
func (p Preferences) CountByMessage() bool {
	return p.UnreadCountMode == ModeMessages
}

// Parse decodes and validates a preferences document.
func Parse(data []byte) (Preferences, error) {
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Preferences{}, fmt.Errorf("parsing preferences: %w", err)
	}

	switch p.UnreadCountMode {
	case "":
		p.UnreadCountMode = ModeMessages
	case ModeDialogs, ModeMessages:
	default:
		return Preferences{}, fmt.Errorf("unread_count_mode must be %q or %q, got %q", ModeDialogs, ModeMessages, p.UnreadCountMode)
	}

	for _, id := range p.ShortPollChannels {
		if id <= 0 {
			return Preferences{}, fmt.Errorf("short_poll_channels: invalid channel id %d", id)
		}
	}

	slices.Sort(p.ShortPollChannels)
	p.ShortPollChannels = slices.Compact(p.ShortPollChannels)

	return p, nil
}

// Load reads the preferences file. A missing file yields the defaults.
func Load(path string) (Preferences, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}

	if err != nil {
		return Preferences{}, fmt.Errorf("reading preferences: %w", err)
	}

	return Parse(data)
}

// Target receives preference changes.
type Target interface {
	SetCountByMessage(on bool)
	SetShortPoll(channelID int64, on bool)
}

// Watcher applies the preferences file to a target and keeps it in sync.
type Watcher struct {
	path   string
	target Target
	logger *slog.Logger

	mu      sync.Mutex
	current Preferences
	applied bool
}

// NewWatcher creates a watcher for the file at path.
func NewWatcher(path string, target Target, logger *slog.Logger) *Watcher {
	return &Watcher{path: path, target: target, logger: logger}
}

// Current returns the last applied preferences.
func (w *Watcher) Current() Preferences {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current
}

// Apply pushes the differences between p and the last applied
// preferences to the target.
func (w *Watcher) Apply(p Preferences) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.applied || p.CountByMessage() != w.current.CountByMessage() {
		w.target.SetCountByMessage(p.CountByMessage())
	}

	for _, id := range p.ShortPollChannels {
		if !w.applied || !slices.Contains(w.current.ShortPollChannels, id) {
			w.target.SetShortPoll(id, true)
		}
	}

	for _, id := range w.current.ShortPollChannels {
		if !slices.Contains(p.ShortPollChannels, id) {
			w.target.SetShortPoll(id, false)
		}
	}

	w.current = p
	w.applied = true
}

// reload reads the file and applies it. Invalid files are logged and
// leave the previous preferences in effect.
func (w *Watcher) reload() {
	p, err := Load(w.path)
	if err != nil {
		w.logger.Warn("preferences not applied",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)

		return
	}

	w.Apply(p)
	w.logger.Info("preferences applied",
		slog.String("unread_count_mode", p.UnreadCountMode),
		slog.Int("short_poll_channels", len(p.ShortPollChannels)),
	)
}

// Watch applies the current file, then reapplies it on every change
// until ctx is cancelled. The parent directory is watched so that
// editors replacing the file atomically are picked up. Removing the file
// keeps the last preferences in effect.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching preferences directory: %w", err)
	}

	w.reload()

	name := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != name {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.reload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			w.logger.Warn("preferences watcher error", slog.String("error", err.Error()))
		}
	}
}
