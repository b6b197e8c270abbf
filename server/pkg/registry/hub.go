package registry

import (
	"sync"

	"github.com/hashicorp/go-hclog"
)

type EventType string

const (
	EventRegister   EventType = "register"
	EventDeregister EventType = "deregister"
	// EventReset means the registry was replaced by a snapshot; watchers
	// should re-list.
	EventReset EventType = "reset"
)

type Event struct {
	Type      EventType      `json:"type"`
	Index     uint64         `json:"index"`
	ServiceID string         `json:"service_id,omitempty"`
	Service   *ServiceRecord `json:"service,omitempty"`
}

// Hub fans applied events out to watchers. A watcher that falls behind loses
// events rather than stalling the Applier.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Watcher]bool
	logger  hclog.Logger
}

type Watcher struct {
	C    <-chan Event
	send chan Event
	hub  *Hub
	once sync.Once
}

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{clients: make(map[*Watcher]bool), logger: logger}
}

func (h *Hub) Subscribe(buffer int) *Watcher {
	ch := make(chan Event, buffer)
	w := &Watcher{C: ch, send: ch, hub: h}
	h.mu.Lock()
	h.clients[w] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("watcher registered", "watchers", n)
	return w
}

// Close unregisters the watcher and closes C.
func (w *Watcher) Close() {
	w.once.Do(func() {
		w.hub.mu.Lock()
		delete(w.hub.clients, w)
		close(w.send)
		w.hub.mu.Unlock()
	})
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for w := range h.clients {
		select {
		case w.send <- ev:
		default:
			h.logger.Debug("watcher channel full, dropping event", "index", ev.Index)
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
