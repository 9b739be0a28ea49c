package realtime

import (
	"github.com/blooom-app/blooom/internal/domain"
)

// Route resolves the live connection of target. An offline target is not an
// error, it simply has no route.
func Route(r *Registry, target domain.UserID) (Handle, bool) {
	if !target.Valid() {
		return nil, false
	}
	return r.Get(target)
}

// Deliver routes ev to target and reports whether it was queued.
func Deliver(r *Registry, target domain.UserID, ev Outbound) bool {
	h, ok := Route(r, target)
	if !ok {
		return false
	}
	if err := h.Send(ev); err != nil {
		r.log.Debug("Delivery failed", "user_id", target, "conn_id", h.ID(), "event", ev.EventType(), "error", err)
		return false
	}
	return true
}
