package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Type identifies the kind of session event.
type Type string

const (
	// TypeStatus is emitted whenever a session changes status. Data holds
	// the new status.
	TypeStatus Type = "status"
	// TypeResume is emitted when a pending session hands over to an
	// existing one. Data holds the token being resumed.
	TypeResume Type = "resume"
)

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 16

// Event is a fire-and-forget notification about one session.
type Event struct {
	Type Type `json:"type"`
	Data any  `json:"data"`
	// WebhookURLs are the session's registered webhooks at dispatch time.
	WebhookURLs []string `json:"-"`
}

// Dispatcher delivers session events. Dispatch never blocks on delivery.
type Dispatcher interface {
	Dispatch(token string, ev Event)
}

// Bus is an in-process Dispatcher with per-token subscriptions.
type Bus interface {
	Dispatcher

	// Subscribe returns a channel receiving events for token and a func
	// that cancels the subscription and closes the channel.
	Subscribe(token string) (<-chan Event, func())

	// Close drops every subscriber.
	Close()
}

// Compile-time interface check.
var _ Bus = (*bus)(nil)

type bus struct {
	log    logrus.FieldLogger
	mu     sync.Mutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	closed bool
}

// NewBus creates an empty event bus.
func NewBus(log logrus.FieldLogger) Bus {
	return &bus{
		log:  log.WithField("component", "events"),
		subs: make(map[string]map[uint64]chan Event, 16),
	}
}

// Dispatch delivers ev to every subscriber of token. Slow subscribers
// miss events rather than stall the caller.
func (b *bus) Dispatch(token string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs[token] {
		select {
		case ch <- ev:
		default:
			b.log.WithFields(logrus.Fields{
				"token":      token,
				"type":       ev.Type,
				"subscriber": id,
			}).Debug("Dropping event for slow subscriber")
		}
	}
}

func (b *bus) Subscribe(token string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)

		return ch, func() {}
	}

	id := b.nextID
	b.nextID++

	if b.subs[token] == nil {
		b.subs[token] = make(map[uint64]chan Event, 1)
	}

	b.subs[token][id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs, ok := b.subs[token]
			if !ok {
				return
			}

			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}

			if len(subs) == 0 {
				delete(b.subs, token)
			}
		})
	}
}

func (b *bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for token, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}

		delete(b.subs, token)
	}
}
