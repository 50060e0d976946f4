package connection

import (
	"context"
	"time"
)

// healthCheckLoop periodically pings idle handles
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.done:
			return
		}
	}
}

// checkAll pings every handle that is idle and connected. Borrowed handles are skipped.
func (m *Manager) checkAll() {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	for _, h := range handles {
		m.checkHealth(h)
	}
}

// checkHealth pings one handle. A failed ping counts as an invalidation;
// a successful ping restores a DEGRADED handle.
func (m *Manager) checkHealth(h *Handle) bool {
	pinger, ok := h.dialer.(Pinger)
	if !ok {
		return true
	}
	if !h.tryLock() {
		return true
	}
	defer h.unlock()

	state := h.State()
	if state != StateReady && state != StateDegraded {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.CallTimeout)
	defer cancel()

	if err := pinger.Ping(ctx); err != nil {
		m.logger.Warn("Health check failed", map[string]interface{}{
			"source": string(h.SourceID),
			"error":  err.Error(),
		})
		m.Invalidate(h, err)
		return false
	}

	h.mu.Lock()
	if h.state == StateDegraded {
		h.state = StateReady
		h.consecutiveDegraded = 0
	}
	h.mu.Unlock()
	return true
}
