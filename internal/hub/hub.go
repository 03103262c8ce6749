package hub

import (
	"sync"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/bridge"
	"github.com/talkincode/wabridge/internal/domain"
)

// Subscriber receives fan-out for one or more (session, chat) keys. A
// subscriber reporting itself unwritable is skipped for that delivery but
// stays registered; only an explicit Unsubscribe or Drop removes it.
type Subscriber interface {
	Deliver(session, chat string, msg domain.Message) error
	Writable() bool
}

type subKey struct {
	session string
	chat    string
}

// Hub fans observed messages out to realtime subscribers, keyed by the
// canonical (session, chat) pair.
type Hub struct {
	mu   sync.RWMutex
	subs map[subKey]map[Subscriber]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[subKey]map[Subscriber]struct{})}
}

// Attach subscribes the hub to the message-observed bus topic.
func (h *Hub) Attach(bus EventBus.Bus) error {
	return bus.Subscribe(bridge.TopicMessageObserved, h.Publish)
}

func (h *Hub) Subscribe(session, chat string, s Subscriber) {
	k := subKey{session, chat}
	h.mu.Lock()
	set := h.subs[k]
	if set == nil {
		set = make(map[Subscriber]struct{})
		h.subs[k] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Unsubscribe(session, chat string, s Subscriber) {
	k := subKey{session, chat}
	h.mu.Lock()
	if set := h.subs[k]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, k)
		}
	}
	h.mu.Unlock()
}

// Drop removes a subscriber from every key. Called when its socket closes.
func (h *Hub) Drop(s Subscriber) {
	h.mu.Lock()
	for k, set := range h.subs {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, k)
		}
	}
	h.mu.Unlock()
}

// Publish delivers a message to every writable subscriber of its key. A
// failed delivery is logged and the subscriber dropped; one bad socket must
// not starve the rest.
func (h *Hub) Publish(session, chat string, msg domain.Message) {
	k := subKey{session, chat}
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs[k]))
	for s := range h.subs[k] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.Writable() {
			continue
		}
		if err := s.Deliver(session, chat, msg); err != nil {
			zap.S().Warnf("hub: deliver to subscriber failed, dropping: %s", err)
			h.Drop(s)
		}
	}
}

// Count reports the number of subscribers for a key (used by tests and the
// debug endpoint).
func (h *Hub) Count(session, chat string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subKey{session, chat}])
}
