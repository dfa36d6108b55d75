package presence

import (
	"strconv"
	"strings"
	"time"
)

// UnitID is the opaque handle of a capacity unit.
type UnitID string

// ViewerID identifies a pre-validated viewer.
type ViewerID string

// AddResult is returned by PresenceSet.Add.
type AddResult struct {
	IsNew bool  `json:"is_new"`
	Count int64 `json:"count"`
}

// RemoveResult is returned by PresenceSet.Remove.
type RemoveResult struct {
	Removed bool  `json:"removed"`
	Count   int64 `json:"count"`
}

// Session is the heartbeat record of one viewer in one unit.
// Timestamps are stored as unix milliseconds.
type Session struct {
	ViewerID        ViewerID `json:"viewer_id"`
	UnitID          UnitID   `json:"unit_id"`
	ParticipantID   string   `json:"participant_id"`
	JoinedAt        int64    `json:"joined_at"`
	LastHeartbeatAt int64    `json:"last_heartbeat_at"`
}

// Joined returns JoinedAt as a time.
func (s Session) Joined() time.Time {
	return time.UnixMilli(s.JoinedAt)
}

// LastHeartbeat returns LastHeartbeatAt as a time.
func (s Session) LastHeartbeat() time.Time {
	return time.UnixMilli(s.LastHeartbeatAt)
}

const (
	unitKeyPrefix    = "unit:"
	unitKeySuffix    = ":viewers"
	sessionKeyPrefix = "session:"
)

// membersKey is the set holding a unit's active viewers.
func membersKey(unit UnitID) string {
	return unitKeyPrefix + string(unit) + unitKeySuffix
}

// sessionKey is the session record of viewer in unit. Unit first so every
// session of a unit shares a prefix. The unit is length-prefixed because
// both ids may contain colons: ("b:c", "a") and ("c", "a:b") must not
// collide.
func sessionKey(viewer ViewerID, unit UnitID) string {
	return sessionKeyPrefix + strconv.Itoa(len(unit)) + ":" + string(unit) + ":" + string(viewer)
}

// unitFromMembersKey extracts the unit handle from a membership key. Unit
// handles may themselves contain colons.
func unitFromMembersKey(key string) (UnitID, bool) {
	if !strings.HasPrefix(key, unitKeyPrefix) || !strings.HasSuffix(key, unitKeySuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, unitKeyPrefix), unitKeySuffix)
	if id == "" {
		return "", false
	}
	return UnitID(id), true
}
