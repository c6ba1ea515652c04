package services

import (
	"log/slog"
	"sync"
	"time"
)

// KillSwitch pauses automated replies. Inbound messages are still buffered and
// marked read while it is active; no response is generated.
type KillSwitch struct {
	mu          sync.RWMutex
	active      bool
	activatedBy string
	activatedAt time.Time
	reason      string
}

// NewKillSwitch returns an inactive switch
func NewKillSwitch() *KillSwitch {
	return &KillSwitch{}
}

// IsActive reports whether replies are paused
func (k *KillSwitch) IsActive() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Enable pauses replies
func (k *KillSwitch) Enable(reason, activatedBy string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.active = true
	k.reason = reason
	k.activatedBy = activatedBy
	k.activatedAt = time.Now()

	slog.Warn("Auto-reply paused",
		"reason", reason,
		"activated_by", activatedBy,
	)
}

// Disable resumes replies
func (k *KillSwitch) Disable(deactivatedBy string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.active {
		return
	}
	k.active = false

	slog.Info("Auto-reply resumed",
		"deactivated_by", deactivatedBy,
		"paused_for", time.Since(k.activatedAt),
	)
}

// KillSwitchStatus is the operator view of the switch
type KillSwitchStatus struct {
	Active      bool       `json:"active"`
	Reason      string     `json:"reason,omitempty"`
	ActivatedBy string     `json:"activated_by,omitempty"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Status returns the current state
func (k *KillSwitch) Status() KillSwitchStatus {
	k.mu.RLock()
	defer k.mu.RUnlock()

	st := KillSwitchStatus{Active: k.active}
	if k.active {
		at := k.activatedAt
		st.Reason = k.reason
		st.ActivatedBy = k.activatedBy
		st.ActivatedAt = &at
	}
	return st
}
