package connection

import (
	"fmt"
	"sort"
	"time"

	"github.com/soucevi1/diploma-thesis-server/internal/model"
)

// ReapIdle removes every connection whose last datagram is older than the
// idle timeout, as a non-manual removal. Expired cooldown entries are purged
// in the same pass. It returns the removed ids.
//
// Candidates are picked under the read lock and torn down one at a time
// through the control path, so ingestion is never held up by a file being
// finalized.
func (r *Registry) ReapIdle(now time.Time) []string {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	var (
		removed []string
		events  []model.Event
	)
	for _, c := range r.snapshot() {
		idle := now.Sub(c.LastSeen())
		if idle <= r.cfg.IdleTimeout {
			continue
		}
		events = append(events, r.teardown(c, now, model.EventReaped, fmt.Sprintf("idle %s", idle.Round(time.Millisecond)))...)
		removed = append(removed, c.id)
	}
	sort.Strings(removed)

	r.mu.Lock()
	for id, at := range r.cooldown {
		if now.Sub(at) >= r.cfg.Cooldown {
			delete(r.cooldown, id)
		}
	}
	r.mu.Unlock()

	for _, id := range removed {
		r.log.Info("Connection %s timed out", id)
	}
	r.emit(events...)
	return removed
}

// CoolingDown reports whether id is currently barred from re-admission.
func (r *Registry) CoolingDown(id string) bool {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.cooldown[id]
	return ok && now.Sub(at) < r.cfg.Cooldown
}

// reapLoop runs ReapIdle every reap interval until Close.
func (r *Registry) reapLoop() {
	defer r.reapWg.Done()

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := r.ReapIdle(r.now()); len(removed) > 0 {
				r.log.Debug("Reaper removed %d idle connections", len(removed))
			}
		case <-r.stopReap:
			return
		}
	}
}
