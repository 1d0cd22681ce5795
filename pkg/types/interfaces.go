package types

import "context"

// Repository reads directory entities from the remote document store.
type Repository interface {
	// FetchByID returns ENTITY_NOT_FOUND when the id does not exist upstream.
	FetchByID(ctx context.Context, id string) (*Entity, error)

	// FetchByFilter returns at most pageSize matching entities. pageSize <= 0 means no limit.
	FetchByFilter(ctx context.Context, filter Filter, pageSize int) ([]Entity, error)
}

// WritableRepository is a Repository that also accepts admin writes.
type WritableRepository interface {
	Repository
	PutEntity(ctx context.Context, entity Entity) error
	DeleteEntity(ctx context.Context, id string) error
}

// HealthChecker is implemented by repositories that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
