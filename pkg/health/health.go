// Package health tracks the health of the directory's backing components (the repository,
// the durable tier, the fallback dataset) and folds them into one service state.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/localdir/dircache/pkg/errors"
)

// Component names used by the daemon.
const (
	ComponentRepository = "repository"
	ComponentDurable    = "durable"
	ComponentFallback   = "fallback"
)

// HealthState represents the health state of a component or the whole service
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates reads still succeed, possibly from the fallback dataset
	StateDegraded

	// StateReadOnly indicates reads succeed but admin writes fail
	StateReadOnly

	// StateUnavailable indicates the component cannot answer
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string                 `json:"name"`
	State             HealthState            `json:"state"`
	LastStateChange   time.Time              `json:"last_state_change"`
	LastCheck         time.Time              `json:"last_check"`
	ConsecutiveErrors int                    `json:"consecutive_errors"`
	LastErrorMessage  string                 `json:"last_error_message,omitempty"`
	LastErrorCode     string                 `json:"last_error_code,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

func (h *ComponentHealth) clone() *ComponentHealth {
	c := *h
	c.Metadata = make(map[string]interface{}, len(h.Metadata))
	for k, v := range h.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// CheckInterval is the interval for periodic probes
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// CheckTimeout bounds a single probe
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`

	Clock func() time.Time `yaml:"-" json:"-"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		CheckInterval:        30 * time.Second,
		CheckTimeout:         5 * time.Second,
	}
}

// Tracker tracks the health of multiple components and determines overall service health
type Tracker struct {
	mu             sync.RWMutex
	components     map[string]*ComponentHealth
	config         TrackerConfig
	stateCallbacks []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = def.CheckInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = def.CheckTimeout
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a component in the healthy state. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.config.Clock()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastCheck:       now,
			Metadata:        make(map[string]interface{}),
		}
	}
}

// Record feeds the outcome of one operation. A missing entity is a healthy answer.
func (t *Tracker) Record(component string, err error) {
	if err == nil || errors.IsNotFound(err) {
		t.RecordSuccess(component)
		return
	}
	t.RecordError(component, err)
}

// RecordSuccess records a successful operation. One success restores a component to healthy.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastCheck = t.config.Clock()
	health.ConsecutiveErrors = 0
	if health.State != StateHealthy {
		t.transitionLocked(health, StateHealthy)
	}
	t.mu.Unlock()

	if oldState != StateHealthy {
		t.notifyStateChange(component, oldState, StateHealthy, nil)
	}
}

// RecordError records a failure. Errors marked degraded, meaning no tier could answer, make
// the component unavailable at once; other errors count towards the thresholds.
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	health, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := health.State
	health.LastCheck = t.config.Clock()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
		health.LastErrorCode = string(errors.CodeOf(err))
	}

	newState := health.State
	switch {
	case errors.IsDegraded(err), health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			newState = StateReadOnly
		} else {
			newState = StateDegraded
		}
	}
	if newState != oldState {
		t.transitionLocked(health, newState)
	}
	t.mu.Unlock()

	if newState != oldState {
		t.notifyStateChange(component, oldState, newState, err)
	}
}

// GetState returns the current state of a component. Unknown components are unavailable.
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health record for a component
func (t *Tracker) GetComponentHealth(component string) (*ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return nil, fmt.Errorf("component %s not registered", component)
	}
	return health.clone(), nil
}

// GetAllComponents returns copies of every health record
func (t *Tracker) GetAllComponents() map[string]*ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = health.clone()
	}
	return result
}

// Components returns the registered names, sorted.
func (t *Tracker) Components() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.components))
	for name := range t.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component accepts writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// OnStateChange registers a callback run on every transition
func (t *Tracker) OnStateChange(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateCallbacks = append(t.stateCallbacks, callback)
}

// SetComponentMetadata sets metadata for a component
func (t *Tracker) SetComponentMetadata(component, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if health, exists := t.components[component]; exists {
		health.Metadata[key] = value
	}
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context, component string) error

// RunChecks probes every registered component once.
func (t *Tracker) RunChecks(ctx context.Context, check CheckFunc) {
	for _, component := range t.Components() {
		cctx, cancel := context.WithTimeout(ctx, t.config.CheckTimeout)
		err := check(cctx, component)
		cancel()
		if ctx.Err() != nil {
			return
		}
		t.Record(component, err)
	}
}

// StartHealthChecks probes every component each CheckInterval until ctx is done. It blocks.
func (t *Tracker) StartHealthChecks(ctx context.Context, check CheckFunc) {
	ticker := time.NewTicker(t.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.RunChecks(ctx, check)
		}
	}
}

// transitionLocked must be called with the lock held
func (t *Tracker) transitionLocked(health *ComponentHealth, newState HealthState) {
	health.State = newState
	health.LastStateChange = t.config.Clock()
	if newState == StateHealthy {
		health.LastErrorMessage = ""
		health.LastErrorCode = ""
	}
}

func (t *Tracker) notifyStateChange(component string, oldState, newState HealthState, err error) {
	t.mu.RLock()
	callbacks := append([]StateChangeCallback(nil), t.stateCallbacks...)
	t.mu.RUnlock()

	for _, callback := range callbacks {
		callback(component, oldState, newState, err)
	}
}

// isWriteError reports failures that leave reads working
func isWriteError(err error) bool {
	return errors.CodeOf(err) == errors.ErrCodeRepositoryWrite
}
