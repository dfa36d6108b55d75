package scaling

import (
	"time"

	"broadcast-scaler/internal/presence"
)

// LifecycleState is the controller's view of a capacity unit.
type LifecycleState string

const (
	StateWarmingUp LifecycleState = "warmingUp"
	StateActive    LifecycleState = "active"
	StateDeleting  LifecycleState = "deleting"
	StateDeleted   LifecycleState = "deleted"
)

// CapacityUnit is one independently provisioned slice of viewer capacity.
type CapacityUnit struct {
	ID          presence.UnitID `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	AutoCreated bool            `json:"auto_created"`
	ParentID    presence.UnitID `json:"parent_id,omitempty"`
	State       LifecycleState  `json:"state"`
	Primary     bool            `json:"primary"`
}

// Age returns how long the unit has existed at now.
func (u CapacityUnit) Age(now time.Time) time.Duration {
	return now.Sub(u.CreatedAt)
}

// Live reports whether the unit can take viewers.
func (u CapacityUnit) Live() bool {
	return u.State == StateWarmingUp || u.State == StateActive
}
