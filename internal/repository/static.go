// Package repository adapts remote document stores for the cache layer. It provides the
// in-memory static dataset used offline and the resilient wrapper that adds retries, a
// circuit breaker and fallback to any types.Repository.
package repository

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/types"
)

// StaticDataset is an in-memory repository. It answers the same shapes as the remote store.
type StaticDataset struct {
	mu       sync.RWMutex
	entities map[string]types.Entity
}

type datasetFile struct {
	Entities []types.Entity `yaml:"entities"`
}

// NewStaticDataset builds a dataset from entities. Later duplicates replace earlier ones.
func NewStaticDataset(entities []types.Entity) *StaticDataset {
	d := &StaticDataset{entities: make(map[string]types.Entity, len(entities))}
	for _, e := range entities {
		d.entities[e.ID] = e
	}
	return d
}

// LoadStaticDataset reads a YAML file with a top-level "entities" list. Every entity must
// validate.
func LoadStaticDataset(path string) (*StaticDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to read dataset file", err).
			WithContext("path", path)
	}

	var file datasetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigLoad, "failed to parse dataset file", err).
			WithContext("path", path)
	}

	for i, e := range file.Entities {
		if err := e.Validate(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeValidationFailed, fmt.Sprintf("dataset entry %d is invalid", i), err).
				WithContext("path", path)
		}
	}
	return NewStaticDataset(file.Entities), nil
}

// FetchByID returns a copy of the entity.
func (d *StaticDataset) FetchByID(ctx context.Context, id string) (*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	e, ok := d.entities[id]
	d.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeEntityNotFound, "entity "+id+" not found").
			WithComponent("static").WithContext("id", id)
	}
	return &e, nil
}

// FetchByFilter returns matches ordered featured first, then by name, then by id.
func (d *StaticDataset) FetchByFilter(ctx context.Context, filter types.Filter, pageSize int) ([]types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	out := make([]types.Entity, 0, len(d.entities))
	for _, e := range d.entities {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	d.mu.RUnlock()

	types.SortEntities(out)
	if pageSize > 0 && len(out) > pageSize {
		out = out[:pageSize]
	}
	return out, nil
}

// PutEntity inserts or replaces an entity.
func (d *StaticDataset) PutEntity(ctx context.Context, entity types.Entity) error {
	if err := entity.Validate(); err != nil {
		return errors.Wrap(errors.ErrCodeValidationFailed, "invalid entity", err).WithComponent("static")
	}
	d.mu.Lock()
	d.entities[entity.ID] = entity
	d.mu.Unlock()
	return nil
}

// DeleteEntity removes an entity. Deleting an unknown id returns ENTITY_NOT_FOUND.
func (d *StaticDataset) DeleteEntity(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entities[id]; !ok {
		return errors.NewError(errors.ErrCodeEntityNotFound, "entity "+id+" not found").
			WithComponent("static").WithContext("id", id)
	}
	delete(d.entities, id)
	return nil
}

// HealthCheck always succeeds.
func (d *StaticDataset) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entities.
func (d *StaticDataset) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entities)
}
