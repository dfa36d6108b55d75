package scaling

import "context"

// Observer is told about unit creation and deletion after the fact.
// Implementations must not block the control loop for long.
type Observer interface {
	UnitCreated(ctx context.Context, unit CapacityUnit)
	UnitDeleted(ctx context.Context, unit CapacityUnit)
}

// Observers fans events out to each observer in order.
type Observers []Observer

func (o Observers) UnitCreated(ctx context.Context, unit CapacityUnit) {
	for _, obs := range o {
		obs.UnitCreated(ctx, unit)
	}
}

func (o Observers) UnitDeleted(ctx context.Context, unit CapacityUnit) {
	for _, obs := range o {
		obs.UnitDeleted(ctx, unit)
	}
}
