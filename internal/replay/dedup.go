package replay

import "sync"

// Dedup drops duplicate messages by (source, sequence). A message is
// accepted only when its sequence is higher than every sequence already
// seen from that source, which makes redelivery after reconnect or
// multi-path routing idempotent.
type Dedup struct {
	mu      sync.Mutex
	highest map[string]uint64
}

func NewDedup() *Dedup {
	return &Dedup{highest: make(map[string]uint64)}
}

// Accept reports whether the message should be applied and records it.
// Sequence zero marks unsequenced messages, which always pass.
func (d *Dedup) Accept(source string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq <= d.highest[source] {
		return false
	}
	d.highest[source] = seq
	return true
}

// Highest returns the highest sequence seen from a source.
func (d *Dedup) Highest(source string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.highest[source]
}
