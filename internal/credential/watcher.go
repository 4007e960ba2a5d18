package credential

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/matheus3301/inboxd/internal/bus"
)

// DefaultInterval is the credential re-read period.
const DefaultInterval = time.Second

// Connector is driven by credential changes.
type Connector interface {
	Connect(cred Credential)
	Disconnect()
}

// Watcher keeps the connector in step with the credential source. It checks
// immediately, on every tick and whenever the watched path changes on disk,
// and reacts only when the token actually changes.
type Watcher struct {
	source    Source
	conn      Connector
	watchPath string
	interval  time.Duration
	logger    *zap.Logger
	bus       *bus.Bus

	mu      sync.Mutex
	current *Credential
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithWatchPath enables file-system notifications for the token file. The
// containing directory is watched so creation and removal are seen.
func WithWatchPath(path string) Option {
	return func(w *Watcher) { w.watchPath = path }
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithBus publishes credential.changed events.
func WithBus(b *bus.Bus) Option {
	return func(w *Watcher) { w.bus = b }
}

// NewWatcher creates a watcher feeding conn from source.
func NewWatcher(source Source, conn Connector, opts ...Option) *Watcher {
	w := &Watcher{
		source:   source,
		conn:     conn,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.Check()

	var fsEvents <-chan fsnotify.Event
	var fsErrors <-chan error
	if w.watchPath != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("credential file notifications unavailable", zap.Error(err))
		} else {
			defer func() { _ = fw.Close() }()
			dir := filepath.Dir(w.watchPath)
			if err := fw.Add(dir); err != nil {
				w.logger.Warn("cannot watch credential directory", zap.String("dir", dir), zap.Error(err))
			} else {
				fsEvents, fsErrors = fw.Events, fw.Errors
			}
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	target := filepath.Clean(w.watchPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check()
		case evt, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if filepath.Clean(evt.Name) == target {
				w.Check()
			}
		case err, ok := <-fsErrors:
			if !ok {
				fsErrors = nil
				continue
			}
			w.logger.Warn("credential watch error", zap.Error(err))
		}
	}
}

// Check reads the source once and drives the connector if the credential
// appeared, was replaced or went away.
func (w *Watcher) Check() {
	cred, ok := w.source.Current()

	w.mu.Lock()
	prev := w.current
	switch {
	case !ok && prev == nil:
		w.mu.Unlock()
		return
	case ok && prev != nil && prev.Token == cred.Token:
		w.mu.Unlock()
		return
	}
	if ok {
		w.current = &cred
	} else {
		w.current = nil
	}
	w.mu.Unlock()

	change := Change{Present: ok, Subject: cred.Subject}
	if prev != nil {
		change.PreviousSubject = prev.Subject
	}
	if !ok {
		w.logger.Info("credential removed")
		w.bus.Emit(bus.KindCredentialSeen, change)
		w.conn.Disconnect()
		return
	}
	w.logger.Info("credential available", zap.String("subject", cred.Subject), zap.Bool("replaced", prev != nil))
	w.bus.Emit(bus.KindCredentialSeen, change)
	w.conn.Connect(cred)
}

// Change is the payload of credential.changed.
type Change struct {
	Present         bool
	Subject         string
	PreviousSubject string
}

// IdentityChanged reports whether cached data of the previous credential
// must not be shown under the new one: the credential went away or now
// names a different subject.
func (c Change) IdentityChanged() bool {
	if !c.Present {
		return true
	}
	return c.PreviousSubject != "" && c.Subject != c.PreviousSubject
}

// Current returns the last credential the watcher acted on.
func (w *Watcher) Current() (Credential, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return Credential{}, false
	}
	return *w.current, true
}
