// Package alert rings the notification chime.
package alert

import (
	"io"
	"os"
	"sync"
)

// Chime plays the notification sound.
type Chime interface {
	Ring()
}

// Bell writes the terminal bell character.
type Bell struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBell creates a bell writing to w.
func NewBell(w io.Writer) *Bell {
	return &Bell{w: w}
}

// Ring implements Chime.
func (b *Bell) Ring() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.w.Write([]byte{'\a'})
}

// Nop never makes a sound.
type Nop struct{}

// Ring implements Chime.
func (Nop) Ring() {}

var (
	defaultOnce  sync.Once
	defaultChime Chime
)

// Default returns the process-wide chime, created on first use.
func Default() Chime {
	defaultOnce.Do(func() {
		defaultChime = NewBell(os.Stderr)
	})
	return defaultChime
}

// Lazy defers resolving a chime until the first Ring.
type Lazy struct {
	once    sync.Once
	resolve func() Chime
	chime   Chime
}

// NewLazy wraps resolve. A nil resolve uses Default.
func NewLazy(resolve func() Chime) *Lazy {
	if resolve == nil {
		resolve = Default
	}
	return &Lazy{resolve: resolve}
}

// Ring implements Chime.
func (l *Lazy) Ring() {
	l.once.Do(func() { l.chime = l.resolve() })
	l.chime.Ring()
}
