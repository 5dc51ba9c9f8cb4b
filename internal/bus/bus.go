// Package bus is the in-process event spine: engine and workers publish
// observer events, the WS hub and the webui adapter lanes subscribe.
package bus

import (
	"sync"

	"github.com/teleclaude/teleclaude/pkg/protocol"
)

// EventHandler handles one broadcast event. Handlers must not block;
// subscribers that fan out to the network buffer internally.
type EventHandler func(protocol.WSEvent)

// Publisher abstracts event broadcast + subscription. Used by the API
// server and adapters to decouple from the concrete Bus.
type Publisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event protocol.WSEvent)
}

// Broadcaster is the send-only half of Publisher.
type Broadcaster interface {
	Broadcast(event protocol.WSEvent)
}

// Fan returns a Publisher that broadcasts to primary plus every extra
// sink (e.g. the cross-host peer relay). Subscriptions stay on primary,
// so events a sink re-imports from elsewhere never loop back through it.
func Fan(primary Publisher, extra ...Broadcaster) Publisher {
	return &fan{primary: primary, extra: extra}
}

type fan struct {
	primary Publisher
	extra   []Broadcaster
}

func (f *fan) Subscribe(id string, handler EventHandler) { f.primary.Subscribe(id, handler) }
func (f *fan) Unsubscribe(id string)                     { f.primary.Unsubscribe(id) }

func (f *fan) Broadcast(event protocol.WSEvent) {
	f.primary.Broadcast(event)
	for _, b := range f.extra {
		b.Broadcast(event)
	}
}

// Bus is the daemon's in-process Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers event to every subscriber. Handlers run on the
// caller's goroutine; the subscriber snapshot is taken under the read lock
// so handlers may subscribe/unsubscribe reentrantly.
func (b *Bus) Broadcast(event protocol.WSEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
