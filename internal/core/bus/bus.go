// Package bus distributes offer change events to registered handlers.
//
// Handlers run sequentially in registration order on the publishing
// goroutine. A handler error is logged and does not stop delivery to the
// remaining handlers.
package bus

import (
	"context"
	"sync"

	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/logging"
)

// ChangeType identifies what happened to an offer.
type ChangeType int

const (
	// ChangeAdd means an offer became visible on this host.
	ChangeAdd ChangeType = iota
	// ChangeUpdate means a different version of an offer became current.
	ChangeUpdate
	// ChangeDelete means an offer disappeared from this host.
	ChangeDelete
	// ChangeAccept means an offer listed on this host was accepted.
	ChangeAccept
	// ChangeRemoteAccept means this node accepted an offer on a peer.
	ChangeRemoteAccept
	// ChangeRemoteReject means this node rejected an offer on a peer.
	ChangeRemoteReject
	// ChangeRemoteReserve means this node reserved an offer on a peer.
	ChangeRemoteReserve
)

// String returns a human-readable representation of the change type.
func (t ChangeType) String() string {
	switch t {
	case ChangeAdd:
		return "ADD"
	case ChangeUpdate:
		return "UPDATE"
	case ChangeDelete:
		return "DELETE"
	case ChangeAccept:
		return "ACCEPT"
	case ChangeRemoteAccept:
		return "REMOTE_ACCEPT"
	case ChangeRemoteReject:
		return "REMOTE_REJECT"
	case ChangeRemoteReserve:
		return "REMOTE_RESERVE"
	default:
		return "UNKNOWN"
	}
}

// Change describes one offer change on a host.
type Change struct {
	// Type of the change.
	Type ChangeType
	// TimestampUTC is when the change happened, in UTC milliseconds.
	TimestampUTC int64
	// HostOrgURL is the host the change happened on.
	HostOrgURL string
	// Offer is the offer after the change. Nil for deletions.
	Offer *offer.Offer
	// OldOffer is the offer before the change. Nil for additions.
	OldOffer *offer.Offer
	// ActorOrgURL is the organization that accepted, rejected or
	// reserved. Empty for corpus changes.
	ActorOrgURL string
}

// Handler consumes one change. Returning an error only logs it.
type Handler func(ctx context.Context, c Change) error

// Publisher is the delivery side of the bus.
type Publisher interface {
	Publish(ctx context.Context, c Change)
}

// Registry is the subscription side of the bus.
type Registry interface {
	Handle(fn Handler) *Registration
}

// Registration undoes one Handle call.
type Registration struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the handler. Safe to call more than once.
func (r *Registration) Remove() {
	r.once.Do(r.remove)
}

type handlerEntry struct {
	id int64
	fn Handler
}

// Bus is the in-process change bus.
type Bus struct {
	mu       sync.RWMutex
	nextID   int64
	handlers []handlerEntry
	logger   logging.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger logging.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{logger: logging.NewDefaultLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle registers fn and returns its registration.
func (b *Bus) Handle(fn Handler) *Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, handlerEntry{id: id, fn: fn})
	return &Registration{remove: func() { b.removeHandler(id) }}
}

func (b *Bus) removeHandler(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return
		}
	}
}

// Publish delivers c to every handler in registration order.
func (b *Bus) Publish(ctx context.Context, c Change) {
	b.mu.RLock()
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.fn(ctx, c); err != nil {
			b.logger.Error("change handler failed for %s on %s: %v",
				c.Type, c.HostOrgURL, err)
		}
	}
}

// NopPublisher discards every change.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(ctx context.Context, c Change) {}

var _ Publisher = (*Bus)(nil)
var _ Registry = (*Bus)(nil)
var _ Publisher = NopPublisher{}
