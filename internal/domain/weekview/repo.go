package weekview

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type AvailabilityRepository interface {
	ListByClinician(ctx context.Context, clinicianID uuid.UUID) ([]RecurringAvailabilitySlot, error)
}

// AppointmentRepository returns non-cancelled appointments that overlap
// [start, end).
type AppointmentRepository interface {
	ListInRange(ctx context.Context, clinicianID uuid.UUID, start, end time.Time) ([]AppointmentRecord, error)
}

type ExternalEventRepository interface {
	ConnectionIDs(ctx context.Context, clinicianID uuid.UUID) ([]uuid.UUID, error)
	ListInRange(ctx context.Context, connectionIDs []uuid.UUID, start, end time.Time) ([]ExternalEventRecord, error)
}

// ClientDirectory resolves client display names. ClientNames omits ids it
// cannot resolve.
type ClientDirectory interface {
	NameResolver
	ClientNames(ctx context.Context, clientIDs []uuid.UUID) (map[uuid.UUID]string, error)
}
