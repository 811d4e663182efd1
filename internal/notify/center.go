// Package notify produces notification records for external transports.
// The core never sends email or push itself; it keeps a bounded history and
// hands records to whatever transports are registered.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hearth/internal/bus"
	"hearth/internal/clock"
	"hearth/internal/logging"
)

// Priorities, in descending urgency.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

const historyLimit = 1000

// Notification is one record for transports to deliver.
type Notification struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Priority   string     `json:"priority"`
	Category   string     `json:"category"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Channels   []string   `json:"channels,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Persistent bool       `json:"persistent"`
}

// Expired reports whether the record has passed its expiry.
func (n Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && now.After(*n.ExpiresAt)
}

// Transport delivers notifications out of process. Dispatch is asynchronous;
// a slow transport never blocks the producer.
type Transport interface {
	Deliver(n Notification) error
}

// Publisher is the slice of the event bus the center needs.
type Publisher interface {
	Publish(topic string, payload any) error
}

// Option tunes a notification at creation time.
type Option func(*Notification)

// WithChannels restricts delivery to the named channels.
func WithChannels(channels ...string) Option {
	return func(n *Notification) { n.Channels = channels }
}

// WithExpiry drops the record from queries after t.
func WithExpiry(t time.Time) Option {
	return func(n *Notification) { n.ExpiresAt = &t }
}

// WithPersistent keeps the record visible across dashboard reloads.
func WithPersistent() Option {
	return func(n *Notification) { n.Persistent = true }
}

// Center owns the notification history and fan-out.
type Center struct {
	clk    clock.Clock
	logger logging.Logger
	pub    Publisher

	mu         sync.Mutex
	history    []Notification
	transports []Transport

	wg sync.WaitGroup
}

// NewCenter constructs an empty notification center.
func NewCenter(clk clock.Clock, logger logging.Logger, pub Publisher) *Center {
	return &Center{
		clk:    clk,
		logger: logging.OrNop(logger),
		pub:    pub,
	}
}

// AddTransport registers a delivery backend.
func (c *Center) AddTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transports = append(c.transports, t)
}

// Send creates a record, stores it, announces it on the bus and dispatches
// to transports in the background.
func (c *Center) Send(priority, category, title, message string, opts ...Option) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Timestamp: c.clk.Now(),
		Priority:  priority,
		Category:  category,
		Title:     title,
		Message:   message,
	}
	for _, opt := range opts {
		opt(&n)
	}

	c.mu.Lock()
	c.history = append(c.history, n)
	if len(c.history) > historyLimit {
		c.history = c.history[len(c.history)-historyLimit:]
	}
	transports := append([]Transport(nil), c.transports...)
	c.mu.Unlock()

	if c.pub != nil {
		_ = c.pub.Publish(bus.TopicNotification, n)
	}

	for _, t := range transports {
		transport := t
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := transport.Deliver(n); err != nil {
				c.logger.Warn("notification %s delivery failed: %v", n.ID, err)
			}
		}()
	}
	return n
}

// Notify is the minimal producer surface other subsystems depend on.
func (c *Center) Notify(priority, category, title, message string) {
	c.Send(priority, category, title, message)
}

// History returns the newest records first, skipping expired ones.
// limit <= 0 returns everything retained.
func (c *Center) History(limit int) []Notification {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Notification, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Expired(now) {
			continue
		}
		out = append(out, c.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Flush waits for in-flight deliveries, used on shutdown.
func (c *Center) Flush() {
	c.wg.Wait()
}
