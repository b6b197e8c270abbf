package registry

import (
	"fmt"
	"sync"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

func ParseHealthStatus(s string) (HealthStatus, error) {
	switch HealthStatus(s) {
	case Healthy, Unhealthy, Unknown:
		return HealthStatus(s), nil
	}
	return "", fmt.Errorf("unknown health status %q", s)
}

type HealthCheck struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// HealthTable holds health reported by an external checker. It is node-local
// and not replicated: each node keeps whatever its checker last wrote.
type HealthTable struct {
	mu     sync.RWMutex
	checks map[string]HealthCheck
	now    func() time.Time
}

func NewHealthTable() *HealthTable {
	return &HealthTable{checks: make(map[string]HealthCheck), now: time.Now}
}

func (h *HealthTable) Set(id string, status HealthStatus, message string) HealthCheck {
	hc := HealthCheck{Status: status, Message: message, Timestamp: h.now().UTC()}
	h.mu.Lock()
	h.checks[id] = hc
	h.mu.Unlock()
	return hc
}

// Get returns Unknown for ids that were never reported.
func (h *HealthTable) Get(id string) HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if hc, ok := h.checks[id]; ok {
		return hc
	}
	return HealthCheck{Status: Unknown}
}

func (h *HealthTable) Delete(id string) {
	h.mu.Lock()
	delete(h.checks, id)
	h.mu.Unlock()
}
