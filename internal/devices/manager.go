package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Managed is a device registered through the manager.
type Managed struct {
	ID         uuid.UUID               `json:"id"`
	Source     string                  `json:"source,omitempty"`
	LoadedAt   time.Time               `json:"loaded_at"`
	Descriptor *types.DeviceDescriptor `json:"descriptor"`
	Device     *core.Device            `json:"-"`
	Hardware   core.Hardware           `json:"-"`
}

func (m *Managed) Name() string { return m.Device.Name() }

type Manager struct {
	reg       *core.Registry
	validator *Validator
	loader    *ProfileLoader
	composer  *Composer
	modules   map[string]*core.Module
	devices   map[uuid.UUID]*Managed
	mu        sync.RWMutex
	logger    *zap.Logger
}

type Options struct {
	SearchPaths   []string
	ModbusTimeout time.Duration
}

func NewManager(reg *core.Registry, opts Options, logger *zap.Logger) (*Manager, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ModbusTimeout <= 0 {
		opts.ModbusTimeout = time.Second
	}

	composer := NewComposer(opts.ModbusTimeout, logger)
	modules := make(map[string]*core.Module)
	for _, name := range composer.Drivers() {
		modules[name] = core.NewModule(name)
	}

	return &Manager{
		reg:       reg,
		validator: validator,
		loader:    NewProfileLoader(opts.SearchPaths, validator),
		composer:  composer,
		modules:   modules,
		devices:   make(map[uuid.UUID]*Managed),
		logger:    logger,
	}, nil
}

func (m *Manager) Loader() *ProfileLoader { return m.loader }
func (m *Manager) Composer() *Composer    { return m.composer }
func (m *Manager) Registry() *core.Registry {
	return m.reg
}

// Module returns the owner module of a driver.
func (m *Manager) Module(driver string) (*core.Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[driver]
	return mod, ok
}

// Register validates desc, builds its driver and registers the device.
func (m *Manager) Register(desc *types.DeviceDescriptor, source string) (*Managed, error) {
	if err := m.validator.ValidateDescriptor(desc); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", desc.Name, err)
	}

	m.mu.Lock()
	mod, ok := m.modules[desc.Driver]
	if !ok {
		mod = core.NewModule(desc.Driver)
		m.modules[desc.Driver] = mod
	}
	m.mu.Unlock()

	tmpl, err := m.composer.Template(desc, mod)
	if err != nil {
		return nil, err
	}
	hw, err := m.composer.Hardware(desc)
	if err != nil {
		return nil, fmt.Errorf("driver for %s: %w", desc.Name, err)
	}

	dev, err := m.reg.RegisterDevice(tmpl, hw)
	if err != nil {
		closeHardware(hw, m.logger)
		return nil, err
	}

	md := &Managed{
		ID:         uuid.New(),
		Source:     source,
		LoadedAt:   time.Now(),
		Descriptor: desc,
		Device:     dev,
		Hardware:   hw,
	}
	m.mu.Lock()
	m.devices[md.ID] = md
	m.mu.Unlock()

	m.logger.Info("Device loaded",
		zap.String("id", md.ID.String()),
		zap.String("name", dev.Name()),
		zap.String("driver", desc.Driver),
		zap.String("source", source))
	return md, nil
}

// LoadProfile registers the descriptor found under name in the search paths.
func (m *Manager) LoadProfile(name string) (*Managed, error) {
	desc, err := m.loader.Load(name)
	if err != nil {
		return nil, err
	}
	return m.Register(desc, name)
}

// Autoload loads every named profile. Failures are logged and joined; the
// remaining profiles still load.
func (m *Manager) Autoload(names []string) error {
	var errs []error
	for _, name := range names {
		if _, err := m.LoadProfile(name); err != nil {
			m.logger.Error("Autoload failed", zap.String("profile", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Get(id uuid.UUID) (*Managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", id, types.ErrNotFound)
	}
	return md, nil
}

func (m *Manager) GetByName(name string) (*Managed, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, md := range m.devices {
		if md.Device.Name() == name {
			return md, nil
		}
	}
	return nil, fmt.Errorf("device %s: %w", name, types.ErrNotFound)
}

// Lookup accepts a UUID or a device name.
func (m *Manager) Lookup(ref string) (*Managed, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return m.Get(id)
	}
	return m.GetByName(ref)
}

// List returns the managed devices sorted by name.
func (m *Manager) List() []*Managed {
	m.mu.RLock()
	out := make([]*Managed, 0, len(m.devices))
	for _, md := range m.devices {
		out = append(out, md)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Managed) int {
		return strings.Compare(a.Device.Name(), b.Device.Name())
	})
	return out
}

// Remove unregisters a device and closes its driver. Without force it
// fails with Busy while streams are open.
func (m *Manager) Remove(id uuid.UUID, force bool) error {
	md, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := m.reg.UnregisterDevice(md.Device.Name(), force); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.devices, id)
	m.mu.Unlock()

	closeHardware(md.Hardware, m.logger)
	m.logger.Info("Device removed", zap.String("id", id.String()), zap.String("name", md.Device.Name()))
	return nil
}

// StopAll force-removes every device.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, md := range m.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Remove(md.ID, true); err != nil && !errors.Is(err, types.ErrNotFound) {
			m.logger.Error("Failed to remove device", zap.String("device", md.Device.Name()), zap.Error(err))
		}
	}
	return nil
}

func closeHardware(hw core.Hardware, logger *zap.Logger) {
	switch c := hw.(type) {
	case io.Closer:
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close driver", zap.Error(err))
		}
	case interface{ Close() }:
		c.Close()
	}
}
