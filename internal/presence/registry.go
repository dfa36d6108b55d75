package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"

	"broadcast-scaler/internal/store"
)

// DefaultHeartbeatTimeout is the maximum gap between heartbeats before a
// viewer is considered disconnected.
const DefaultHeartbeatTimeout = 60 * time.Second

// ErrSessionNotFound is returned when a heartbeat targets a viewer with no
// active session. The caller must re-join explicitly.
var ErrSessionNotFound = errors.New("viewer session not found")

// Registry keeps per-viewer heartbeat sessions aligned with the unit
// membership sets.
type Registry struct {
	set     *PresenceSet
	store   store.Store
	clock   quartz.Clock
	timeout time.Duration
	log     *slog.Logger
}

// NewRegistry returns a Registry. If timeout <= 0, DefaultHeartbeatTimeout
// is used.
func NewRegistry(set *PresenceSet, s store.Store, clock quartz.Clock, timeout time.Duration, log *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Registry{set: set, store: s, clock: clock, timeout: timeout, log: log}
}

// Timeout returns the configured heartbeat timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Set returns the membership set the registry writes to.
func (r *Registry) Set() *PresenceSet {
	return r.set
}

// RecordJoin creates or overwrites the viewer's session and adds the viewer
// to the unit. Re-joining an active viewer refreshes the session and
// reports IsNew=false.
func (r *Registry) RecordJoin(ctx context.Context, viewer ViewerID, unit UnitID, participantID string) (AddResult, error) {
	now := r.clock.Now().UnixMilli()
	sess := Session{
		ViewerID:        viewer,
		UnitID:          unit,
		ParticipantID:   participantID,
		JoinedAt:        now,
		LastHeartbeatAt: now,
	}
	if err := r.writeSession(ctx, sess); err != nil {
		return AddResult{}, err
	}

	res, err := r.set.Add(ctx, unit, viewer)
	if err != nil {
		return AddResult{}, err
	}

	r.log.Info("viewer joined",
		slog.String("viewer_id", string(viewer)),
		slog.String("unit_id", string(unit)),
		slog.String("participant_id", participantID),
		slog.Bool("is_new", res.IsNew),
		slog.Int64("count", res.Count))
	return res, nil
}

// Heartbeat refreshes the viewer's session. It returns false without
// mutating anything if no session exists, including when a leave or expiry
// removes the session between the read and the write.
func (r *Registry) Heartbeat(ctx context.Context, viewer ViewerID, unit UnitID) (bool, error) {
	sess, ok, err := r.Session(ctx, viewer, unit)
	if err != nil || !ok {
		return false, err
	}
	sess.LastHeartbeatAt = r.clock.Now().UnixMilli()
	b, err := json.Marshal(sess)
	if err != nil {
		return false, fmt.Errorf("encode session: %w", err)
	}
	written, err := r.store.SetIfExists(ctx, sessionKey(viewer, unit), string(b), 2*r.timeout)
	if err != nil {
		return false, fmt.Errorf("refresh session: %w", err)
	}
	if !written {
		r.log.Debug("session removed during heartbeat",
			slog.String("viewer_id", string(viewer)),
			slog.String("unit_id", string(unit)))
		return false, nil
	}
	r.log.Debug("heartbeat",
		slog.String("viewer_id", string(viewer)),
		slog.String("unit_id", string(unit)))
	return true, nil
}

// RecordLeave deletes the viewer's session and removes the viewer from the
// unit. It is safe to call when no session exists.
func (r *Registry) RecordLeave(ctx context.Context, viewer ViewerID, unit UnitID) (RemoveResult, error) {
	sess, ok, err := r.Session(ctx, viewer, unit)
	if err != nil {
		r.log.Warn("session lookup failed during leave",
			slog.String("viewer_id", string(viewer)),
			slog.String("error", err.Error()))
	}
	if _, err := r.store.Del(ctx, sessionKey(viewer, unit)); err != nil {
		return RemoveResult{}, fmt.Errorf("delete session: %w", err)
	}

	res, err := r.set.Remove(ctx, unit, viewer)
	if err != nil {
		return RemoveResult{}, err
	}

	attrs := []any{
		slog.String("viewer_id", string(viewer)),
		slog.String("unit_id", string(unit)),
		slog.Bool("removed", res.Removed),
		slog.Int64("count", res.Count),
	}
	if ok {
		attrs = append(attrs, slog.Int64("watch_seconds", r.elapsedSeconds(sess.JoinedAt)))
	}
	r.log.Info("viewer left", attrs...)
	return res, nil
}

// WatchDuration returns how long the viewer has been in the unit, or zero
// if no session exists.
func (r *Registry) WatchDuration(ctx context.Context, viewer ViewerID, unit UnitID) (time.Duration, error) {
	sess, ok, err := r.Session(ctx, viewer, unit)
	if err != nil || !ok {
		return 0, err
	}
	return time.Duration(r.elapsedSeconds(sess.JoinedAt)) * time.Second, nil
}

// ActiveViewers lists the viewers currently in unit.
func (r *Registry) ActiveViewers(ctx context.Context, unit UnitID) ([]ViewerID, error) {
	return r.set.Members(ctx, unit)
}

// Session fetches the session of viewer in unit. A malformed record is
// reset and reported as absent.
func (r *Registry) Session(ctx context.Context, viewer ViewerID, unit UnitID) (Session, bool, error) {
	key := sessionKey(viewer, unit)
	raw, err := r.store.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Session{}, false, nil
	case errors.Is(err, store.ErrWrongType):
		return Session{}, false, r.resetSession(ctx, key, err)
	case err != nil:
		return Session{}, false, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, false, r.resetSession(ctx, key, err)
	}
	return sess, true, nil
}

// Expire removes a viewer whose heartbeat lapsed: session first, then
// membership. Both steps tolerate the data already being gone.
func (r *Registry) Expire(ctx context.Context, viewer ViewerID, unit UnitID) error {
	if _, err := r.store.Del(ctx, sessionKey(viewer, unit)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	_, err := r.set.Remove(ctx, unit, viewer)
	return err
}

// ClearUnit deletes the session of every member of unit and drops its
// membership set. Used when a unit is deleted. Sessions without a
// membership lapse through their TTL.
func (r *Registry) ClearUnit(ctx context.Context, unit UnitID) error {
	members, err := r.set.Members(ctx, unit)
	if err != nil {
		return err
	}
	keys := make([]string, len(members))
	for i, v := range members {
		keys[i] = sessionKey(v, unit)
	}
	if len(keys) > 0 {
		if _, err := r.store.Del(ctx, keys...); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
	}
	return r.set.Clear(ctx, unit)
}

func (r *Registry) writeSession(ctx context.Context, sess Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.store.Set(ctx, sessionKey(sess.ViewerID, sess.UnitID), string(b), 2*r.timeout); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (r *Registry) resetSession(ctx context.Context, key string, cause error) error {
	r.log.Warn("resetting malformed session",
		slog.String("key", key),
		slog.String("error", cause.Error()))
	if _, err := r.store.Del(ctx, key); err != nil {
		return fmt.Errorf("reset session %q: %w", key, err)
	}
	return nil
}

func (r *Registry) elapsedSeconds(fromMillis int64) int64 {
	d := r.clock.Now().UnixMilli() - fromMillis
	if d < 0 {
		return 0
	}
	return d / 1000
}
