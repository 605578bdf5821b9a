// Package session keeps the in-memory state of every ACP session served by
// this process.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mode is a permission mode a session can run in.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeAcceptEdits Mode = "acceptEdits"
	ModePlan        Mode = "plan"
)

// ValidModes lists the accepted modes in advertised order.
var ValidModes = []Mode{ModeDefault, ModeAcceptEdits, ModePlan}

var (
	// ErrNotFound is returned for an id that was never registered.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidArgument marks request values the registry rejects.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidMode is returned by SetMode for a value outside ValidModes.
	ErrInvalidMode = fmt.Errorf("%w: invalid session mode", ErrInvalidArgument)
)

// IsValidMode reports whether mode is one of ValidModes.
func IsValidMode(mode string) bool {
	for _, m := range ValidModes {
		if string(m) == mode {
			return true
		}
	}
	return false
}

func validModeNames() string {
	names := make([]string, len(ValidModes))
	for i, m := range ValidModes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// Session is a snapshot of one session's state.
type Session struct {
	ID        string
	Cwd       string
	Model     string
	Mode      Mode
	Cancelled bool
	CreatedAt time.Time
}

// entry guards a single session's mutable fields.
type entry struct {
	mu    sync.Mutex
	state Session
}

func (e *entry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Registry maps session ids to their state. The map lock only guards
// membership; each record carries its own lock so mutations on different
// sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*entry)}
}

// Create registers a session. An empty mode becomes ModeDefault. Creating
// an id that already exists leaves the record untouched and returns it.
func (r *Registry) Create(id, cwd, model string, mode Mode) (Session, error) {
	if id == "" {
		return Session{}, fmt.Errorf("create session: empty id")
	}
	if mode == "" {
		mode = ModeDefault
	}
	if !IsValidMode(string(mode)) {
		return Session{}, fmt.Errorf("%w %q: must be one of %s", ErrInvalidMode, mode, validModeNames())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		return e.snapshot(), nil
	}
	e := &entry{state: Session{
		ID:        id,
		Cwd:       cwd,
		Model:     model,
		Mode:      mode,
		CreatedAt: time.Now(),
	}}
	r.sessions[id] = e
	return e.state, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a copy of the session state.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Session{}, err
	}
	return e.snapshot(), nil
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id string) bool {
	_, err := r.lookup(id)
	return err == nil
}

// SetModel replaces the session's current model.
func (r *Registry) SetModel(id, model string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Model = model
	e.mu.Unlock()
	return nil
}

// SetMode replaces the session's current mode. Unknown modes fail with
// ErrInvalidMode and leave the session unchanged.
func (r *Registry) SetMode(id, mode string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !IsValidMode(mode) {
		return fmt.Errorf("%w %q: must be one of %s", ErrInvalidMode, mode, validModeNames())
	}
	e.mu.Lock()
	e.state.Mode = Mode(mode)
	e.mu.Unlock()
	return nil
}

// MarkCancelled flags the session as cancelled. The flag is never reset,
// so repeated calls succeed without further effect.
func (r *Registry) MarkCancelled(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state.Cancelled = true
	e.mu.Unlock()
	return nil
}

// List returns every session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
