package tracker

import (
	"encoding/json"
	"sync"

	"github.com/localdir/dircache/pkg/errors"
)

const stateKey = "tracker.state"

// MetaStore is the key/value side channel of the durable cache.
type MetaStore interface {
	GetMeta(key string) ([]byte, bool)
	PutMeta(key string, value []byte) error
}

// MetaPersister keeps tracker state in a MetaStore, normally the bbolt meta bucket.
type MetaPersister struct {
	store MetaStore
}

// NewMetaPersister wraps store.
func NewMetaPersister(store MetaStore) *MetaPersister {
	return &MetaPersister{store: store}
}

// LoadState returns nil when nothing has been saved yet.
func (p *MetaPersister) LoadState() (*State, error) {
	raw, ok := p.store.GetMeta(stateKey)
	if !ok {
		return nil, nil
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "tracker state does not decode", err).
			WithComponent("tracker")
	}
	return &state, nil
}

// SaveState overwrites the stored state.
func (p *MetaPersister) SaveState(state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerialization, "tracker state does not encode", err).
			WithComponent("tracker")
	}
	if err := p.store.PutMeta(stateKey, raw); err != nil {
		return errors.Wrap(errors.ErrCodeCacheIO, "tracker state write failed", err).
			WithComponent("tracker")
	}
	return nil
}

// MemoryPersister keeps state in process. Used when no durable storage is available.
type MemoryPersister struct {
	mu    sync.Mutex
	state *State
	saves int
}

// LoadState returns the last saved state.
func (p *MemoryPersister) LoadState() (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, nil
	}
	s := *p.state
	s.Events = append([]Event(nil), p.state.Events...)
	return &s, nil
}

// SaveState records state.
func (p *MemoryPersister) SaveState(state State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = &state
	p.saves++
	return nil
}

// Saves reports how many times SaveState ran.
func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
