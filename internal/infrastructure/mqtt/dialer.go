package mqtt

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// Dialer opens printer connections with shared transport settings and keeps
// a process-wide count of live subscriptions per topic.
//
// The count is what restart logic is checked against: at no point should a
// report topic have more than one live subscription.
type Dialer struct {
	cfg     config.MQTTConfig
	logger  Logger
	tracker *tracker
}

// NewDialer creates a Dialer. logger may be nil.
func NewDialer(cfg config.MQTTConfig, logger Logger) *Dialer {
	return &Dialer{
		cfg:     cfg,
		logger:  logger,
		tracker: newTracker(),
	}
}

// Dial connects to ep. An empty ClientID is replaced with a unique one.
func (d *Dialer) Dial(ctx context.Context, ep Endpoint) (*Client, error) {
	if ep.ClientID == "" {
		ep.ClientID = d.ClientID()
	}
	c, err := connect(ctx, d.cfg, ep, d.tracker)
	if err != nil {
		return nil, err
	}
	if d.logger != nil {
		c.SetLogger(d.logger)
	}
	return c, nil
}

// ClientID returns a fresh client identifier. Brokers drop an existing
// connection when a second one presents the same ID, so every dial gets
// its own.
func (d *Dialer) ClientID() string {
	prefix := d.cfg.ClientIDPrefix
	if prefix == "" {
		prefix = "printwatch"
	}
	return prefix + "-" + uuid.NewString()[:8]
}

// ActiveSubscriptions returns the number of live subscriptions to topic
// across every client this Dialer created.
func (d *Dialer) ActiveSubscriptions(topic string) int {
	return d.tracker.count(topic)
}

// TotalSubscriptions returns the number of live subscriptions across all topics.
func (d *Dialer) TotalSubscriptions() int {
	return d.tracker.total()
}

// tracker counts live subscriptions per topic. A nil tracker is a no-op.
type tracker struct {
	mu     sync.Mutex
	counts map[string]int
}

func newTracker() *tracker {
	return &tracker{counts: make(map[string]int)}
}

func (t *tracker) add(topic string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.counts[topic]++
	t.mu.Unlock()
}

func (t *tracker) remove(topic string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.counts[topic] <= 1 {
		delete(t.counts, topic)
	} else {
		t.counts[topic]--
	}
	t.mu.Unlock()
}

func (t *tracker) count(topic string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[topic]
}

func (t *tracker) total() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}
