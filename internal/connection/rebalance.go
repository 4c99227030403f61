package connection

import "fmt"

// Rebalancing applies only to registries without a connection limit. Memory
// is split across a reserved number of slots; when the connection count
// outgrows them the slots are multiplied by RebalanceFactor and every
// buffer shrinks, and when the count falls below slots/RebalanceFactor the
// buffers grow back. The total pre-roll memory never exceeds MaxMemoryMB.

func (r *Registry) rebalancing() bool {
	return r.cfg.MaxConnections == 0 && r.cfg.Rebalance && r.cfg.RebalanceFactor > 1 && r.slots > 0
}

func (r *Registry) memoryBytes() int {
	return r.cfg.MaxMemoryMB * 1000000
}

// growSlotsLocked makes room for count connections. r.mu must be held.
func (r *Registry) growSlotsLocked(count int) error {
	if r.cfg.MaxConnections > 0 {
		return nil
	}
	if !r.rebalancing() {
		if count*r.bufferSize > r.memoryBytes() {
			return fmt.Errorf("%w: memory ceiling of %d MB reached", ErrRegistryFull, r.cfg.MaxMemoryMB)
		}
		return nil
	}
	if count <= r.slots {
		return nil
	}
	slots := r.slots
	for count > slots {
		slots *= r.cfg.RebalanceFactor
	}
	size := r.memoryBytes() / slots
	if size < 1 {
		r.log.Warn("Out of allowed memory for %d connections; consider removing some", count)
		return fmt.Errorf("%w: memory ceiling of %d MB reached", ErrRegistryFull, r.cfg.MaxMemoryMB)
	}
	r.slots = slots
	r.resizeAllLocked(size)
	return nil
}

// shrinkSlotsLocked gives buffers back memory after removals. r.mu must be held.
func (r *Registry) shrinkSlotsLocked() {
	if !r.rebalancing() {
		return
	}
	slots := r.slots
	for slots/r.cfg.RebalanceFactor >= r.cfg.ReservedSlots && len(r.conns) < slots/r.cfg.RebalanceFactor {
		slots /= r.cfg.RebalanceFactor
	}
	if slots == r.slots {
		return
	}
	r.slots = slots
	r.resizeAllLocked(r.memoryBytes() / slots)
}

// resizeAllLocked only schedules the new size on each connection; the
// buffers are reallocated by their own users, outside r.mu.
func (r *Registry) resizeAllLocked(size int) {
	r.bufferSize = size
	for id, c := range r.conns {
		if err := c.ResizeBuffer(size); err != nil {
			r.log.Error("Resizing buffer of %s: %v", id, err)
		}
	}
	r.log.Info("Buffers resized to %d B (%d slots)", size, r.slots)
}
