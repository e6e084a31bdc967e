package core

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
)

// ModuleRef is a counted handle on the code that provides a driver or a
// plugin type.
type ModuleRef interface {
	Name() string
	Acquire() bool
	Release()
}

// Module is the in-process ModuleRef. Unload fails while references exist.
type Module struct {
	name     string
	mu       sync.Mutex
	refs     int
	unloaded bool
}

func NewModule(name string) *Module {
	return &Module{name: name}
}

func (m *Module) Name() string {
	return m.name
}

// Acquire takes a reference. It fails once the module is unloaded.
func (m *Module) Acquire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unloaded {
		return false
	}
	m.refs++
	return true
}

func (m *Module) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		m.refs--
	}
}

func (m *Module) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func (m *Module) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs > 0 {
		return fmt.Errorf("module %s has %d references: %w", m.name, m.refs, types.ErrBusy)
	}
	m.unloaded = true
	return nil
}

// sameModule reports whether a and b are the same handle. A nil handle never
// matches.
func sameModule(a, b ModuleRef) bool {
	return a != nil && b != nil && a == b
}
