// Package notify provides the single-slot, time-boxed notification channel
// shown to a session's user.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a notification for display.
type Type string

const (
	TypeSuccess Type = "success"
	TypeError   Type = "error"
)

// DefaultTTL is how long a notification stays visible.
const DefaultTTL = 4 * time.Second

// Notification is one displayed message.
type Notification struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Text      string    `json:"text"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Timer is the cancellable handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Listener observes every change; ok is false once the slot is empty.
type Listener func(n Notification, ok bool)

// Channel holds at most one live notification. A newer Show supersedes the
// current one, and a dismiss armed for an older notification never clears a
// newer one.
type Channel struct {
	mu        sync.Mutex
	ttl       time.Duration
	scheduler Scheduler
	now       func() time.Time
	current   *Notification
	timer     Timer
	listeners []Listener
}

// Option customises a Channel.
type Option func(*Channel)

// WithScheduler replaces the timer source.
func WithScheduler(s Scheduler) Option {
	return func(c *Channel) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithClock replaces the clock used for ExpiresAt.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

// NewChannel creates a channel whose notifications live for ttl.
func NewChannel(ttl time.Duration, opts ...Option) *Channel {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Channel{
		ttl:       ttl,
		scheduler: realScheduler{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers a listener for the lifetime of the channel.
func (c *Channel) Subscribe(l Listener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Show replaces the current notification and arms its auto-dismiss.
func (c *Channel) Show(text string, typ Type) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Type:      typ,
		Text:      text,
		ExpiresAt: c.now().Add(c.ttl),
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.current = &n
	id := n.ID
	c.timer = c.scheduler.AfterFunc(c.ttl, func() { c.Dismiss(id) })
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range listeners {
		l(n, true)
	}
	return n
}

// Dismiss clears the notification only if id is still the current one.
func (c *Channel) Dismiss(id string) bool {
	c.mu.Lock()
	if c.current == nil || c.current.ID != id {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	listeners := c.snapshotListeners()
	c.mu.Unlock()

	for _, l := range listeners {
		l(Notification{}, false)
	}
	return true
}

// Current returns the live notification, if any.
func (c *Channel) Current() (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Notification{}, false
	}
	return *c.current, true
}

// Close stops any pending dismiss timer.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) snapshotListeners() []Listener {
	return append([]Listener(nil), c.listeners...)
}
