package supervisor

import (
	"log/slog"

	"github.com/nahma/nahma-core/internal/control"
)

// enterDegraded transitions the supervisor into Degraded mode: local
// mutations are still accepted (ApplyLocal never fails for this reason),
// but outbound broadcasts are queued in memory until reconnect, per
// spec.md §4.7.
func (s *Supervisor) enterDegraded() {
	s.degradedMu.Lock()
	already := s.degraded
	s.degraded = true
	s.degradedMu.Unlock()
	if !already {
		slog.Warn("supervisor entering degraded mode")
	}
}

// NotifyReconnected tells the supervisor a transport has regained at
// least one route. If the supervisor is Degraded, it flushes the pending
// queue and requests a partition-heal sync for every open document;
// otherwise it does nothing.
// Called by the transport layer (or a test harness) when a reconnect
// succeeds.
func (s *Supervisor) NotifyReconnected() {
	s.degradedMu.Lock()
	if !s.degraded {
		s.degradedMu.Unlock()
		return
	}
	pending := s.pending
	s.pending = nil
	s.degraded = false
	s.degradedMu.Unlock()

	slog.Info("supervisor leaving degraded mode", "flushing", len(pending))
	for _, p := range pending {
		failures := s.mesh.Broadcast(p.topic, p.frame)
		if len(failures) > 0 {
			slog.Warn("flush broadcast partially failed", "topic", p.topic, "failures", len(failures))
		}
	}

	s.mu.RLock()
	docIDs := make([]string, 0, len(s.docs))
	for id := range s.docs {
		docIDs = append(docIDs, id)
	}
	s.mu.RUnlock()

	for _, docID := range docIDs {
		if err := s.RequestSync(docID); err != nil {
			slog.Warn("partition-heal sync request failed", "docID", docID, "err", err)
		}
	}
}

// Status reports the supervisor's summary health, satisfying
// control.StatusProvider so the local debug HTTP surface can expose it
// without importing this package.
func (s *Supervisor) Status() control.Status {
	s.degradedMu.Lock()
	degraded := s.degraded
	queued := len(s.pending)
	s.degradedMu.Unlock()

	s.mu.RLock()
	openDocs := len(s.docs)
	s.mu.RUnlock()

	connected := 0
	s.mu.RLock()
	seen := make(map[string]struct{})
	for _, d := range s.docs {
		for _, peer := range s.reg.TopicPeers(d.topic) {
			if peer == s.nodeID {
				continue
			}
			if _, ok := seen[peer]; ok {
				continue
			}
			seen[peer] = struct{}{}
			if s.mesh.HasRoute(peer) {
				connected++
			}
		}
	}
	s.mu.RUnlock()

	return control.Status{
		Degraded:       degraded,
		OpenDocuments:  openDocs,
		ConnectedPeers: connected,
		QueuedUpdates:  queued,
	}
}
