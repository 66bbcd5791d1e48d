// Package hub fans events out to every admitted session.
//
// Delivery is best effort per recipient: a closed or slow session never
// stops delivery to the others. Each broadcast returns a Report describing
// which recipients failed, and slow consumers are evicted.
package hub

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/codefionn/orbit/internal/logger"
)

// DeliveryError records a failed delivery to one session
type DeliveryError struct {
	SessionID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to session %s: %v", e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Report is the per-recipient outcome of a broadcast
type Report struct {
	Recipients int
	Delivered  int
	Failures   []*DeliveryError
}

// OK reports whether every recipient accepted the message
func (r Report) OK() bool {
	return len(r.Failures) == 0
}

// Stats are cumulative delivery counters
type Stats struct {
	Sessions  int    `json:"sessions"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Evicted   uint64 `json:"evicted"`
}

// Hub delivers encoded events to sessions in a Registry
type Hub struct {
	registry *Registry

	delivered atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a hub over registry
func New(registry *Registry) *Hub {
	return &Hub{registry: registry}
}

// Registry returns the registry the hub delivers to
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Broadcast queues payload for every admitted session. It never fails as a
// whole; per-session failures are collected in the report.
func (h *Hub) Broadcast(payload []byte) Report {
	var report Report
	h.registry.ForEach(func(s *Session) {
		report.Recipients++
		if err := h.Send(s, payload); err != nil {
			var derr *DeliveryError
			if errors.As(err, &derr) {
				report.Failures = append(report.Failures, derr)
			}
			return
		}
		report.Delivered++
	})

	if !report.OK() {
		logger.Warn("Broadcast delivered to %d/%d sessions", report.Delivered, report.Recipients)
	}
	return report
}

// Send queues payload for a single session. A slow consumer is evicted from
// the registry and closed.
func (h *Hub) Send(s *Session, payload []byte) error {
	err := s.Enqueue(payload)
	if err == nil {
		h.delivered.Add(1)
		return nil
	}

	h.failed.Add(1)
	if errors.Is(err, ErrSlowConsumer) {
		h.evict(s)
	}
	logger.Debug("Delivery to session %s failed: %v", s.ID, err)
	return &DeliveryError{SessionID: s.ID, Err: err}
}

func (h *Hub) evict(s *Session) {
	if h.registry.Remove(s) {
		h.evicted.Add(1)
		logger.Warn("Evicting slow session %s", s.ID)
	}
	s.closeDetached(CloseTryAgainLater, "slow consumer")
}

// Stats returns a snapshot of the delivery counters
func (h *Hub) Stats() Stats {
	return Stats{
		Sessions:  h.registry.Len(),
		Delivered: h.delivered.Load(),
		Failed:    h.failed.Load(),
		Evicted:   h.evicted.Load(),
	}
}
