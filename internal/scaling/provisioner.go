package scaling

import (
	"context"
	"errors"

	"broadcast-scaler/internal/presence"
)

// ErrUnitNotFound is returned by a Provisioner when the unit does not exist.
// Any other error is treated as transient.
var ErrUnitNotFound = errors.New("capacity unit not found")

// Tags written on every unit the controller creates. List uses them to adopt
// units whose local record was lost.
const (
	TagAutoScaled  = "AutoScaled"
	TagCreatedAt   = "CreatedAt"
	TagParentUnit  = "ParentUnit"
	TagEnvironment = "Environment"
)

// UnitDescriptor is what the provisioning backend knows about a unit.
type UnitDescriptor struct {
	ID   presence.UnitID
	Tags map[string]string
}

// Provisioner creates and destroys capacity units.
type Provisioner interface {
	Create(ctx context.Context, tags map[string]string) (presence.UnitID, error)
	Delete(ctx context.Context, id presence.UnitID) error
	List(ctx context.Context) ([]UnitDescriptor, error)
}

// ReplicationResult is the non-error outcome of starting a mirror.
type ReplicationResult int

const (
	ReplicationOK ReplicationResult = iota
	// ReplicationNotPublishing means the broadcaster is not live on the
	// source yet. The link can be retried later.
	ReplicationNotPublishing
	ReplicationUnsupported
)

func (r ReplicationResult) String() string {
	switch r {
	case ReplicationOK:
		return "ok"
	case ReplicationNotPublishing:
		return "not_publishing"
	case ReplicationUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Replicator mirrors a broadcaster's feed from one unit into another.
type Replicator interface {
	Start(ctx context.Context, source, dest presence.UnitID, participantID string) (ReplicationResult, error)
	Stop(ctx context.Context, source, dest presence.UnitID, participantID string) error
}
