package watchduty

import "time"

// backdateLease shifts a stored lease's creation time into the past (for
// testing expiry and elapsed-time paths without sleeping).
func (m *MemoryStore) backdateLease(leaseID string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lease, exists := m.leases[leaseID]; exists {
		lease.CreatedAt = lease.CreatedAt.Add(-d)
	}
}
