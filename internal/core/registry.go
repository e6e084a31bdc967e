package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/types"
	"go.uber.org/zap"
)

// Root directory nodes.
const (
	DevicesDir    = "devices"
	TransportsDir = "transports"
	TimingsDir    = "timings"
)

// Default type names used when neither the device nor the set names one.
const (
	DefaultTransport = "heap"
	DefaultTiming    = "user"
)

// Registry owns the transport and timing catalogs and every registered
// device.
type Registry struct {
	env      Env
	logger   *zap.Logger
	observer Observer

	defTransport string
	defTiming    string

	mu         sync.Mutex
	transports map[string]*TransportType
	timings    map[string]*TimingType
	devices    map[string]*Device
	reserved   map[string]bool
	devRoot    Handle
	trRoot     Handle
	tmRoot     Handle
	closed     bool
}

type Option func(*Registry)

// WithDefaults sets the fallback type names of the registry.
func WithDefaults(transport, timing string) Option {
	return func(r *Registry) {
		if transport != "" {
			r.defTransport = transport
		}
		if timing != "" {
			r.defTiming = timing
		}
	}
}

func NewRegistry(env Env, opts ...Option) (*Registry, error) {
	if env.Directory == nil || env.Attributes == nil {
		return nil, fmt.Errorf("registry needs a directory and an attribute store: %w", types.ErrProtocolViolation)
	}
	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Observer == nil {
		env.Observer = Observers()
	}

	r := &Registry{
		env:          env,
		logger:       env.Logger,
		observer:     env.Observer,
		defTransport: DefaultTransport,
		defTiming:    DefaultTiming,
		transports:   make(map[string]*TransportType),
		timings:      make(map[string]*TimingType),
		devices:      make(map[string]*Device),
		reserved:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.devRoot, err = env.Directory.Register(nil, DevicesDir, r); err != nil {
		return nil, fmt.Errorf("register %s: %w", DevicesDir, err)
	}
	if r.trRoot, err = env.Directory.Register(nil, TransportsDir, r); err != nil {
		env.Directory.Unregister(r.devRoot)
		return nil, fmt.Errorf("register %s: %w", TransportsDir, err)
	}
	if r.tmRoot, err = env.Directory.Register(nil, TimingsDir, r); err != nil {
		env.Directory.Unregister(r.trRoot)
		env.Directory.Unregister(r.devRoot)
		return nil, fmt.Errorf("register %s: %w", TimingsDir, err)
	}
	return r, nil
}

func (r *Registry) Logger() *zap.Logger { return r.logger }

// Defaults returns the fallback transport and timing names.
func (r *Registry) Defaults() (transport, timing string) {
	return r.defTransport, r.defTiming
}

// RegisterTransport adds a transport type to the catalog.
func (r *Registry) RegisterTransport(tt *TransportType) error {
	if tt == nil || tt.Driver == nil {
		return fmt.Errorf("transport type without driver: %w", types.ErrProtocolViolation)
	}
	if err := ValidateName(tt.Name); err != nil {
		return err
	}
	if tt.Attrs == nil {
		tt.Attrs = NewAttrSet()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry closed: %w", types.ErrBusy)
	}
	if _, ok := r.transports[tt.Name]; ok {
		return fmt.Errorf("transport %q: %w", tt.Name, types.ErrConflict)
	}
	h, err := r.registerNode(r.trRoot, tt.Name, tt, tt.Attrs)
	if err != nil {
		return err
	}
	tt.handle = h
	r.transports[tt.Name] = tt
	r.logger.Info("Transport type registered", zap.String("name", tt.Name))
	return nil
}

// RegisterTiming adds a timing type. It must declare the sample count
// attributes.
func (r *Registry) RegisterTiming(tt *TimingType) error {
	if tt == nil || tt.Driver == nil {
		return fmt.Errorf("timing type without driver: %w", types.ErrProtocolViolation)
	}
	if err := ValidateName(tt.Name); err != nil {
		return err
	}
	if !tt.Attrs.Has(AttrPreSamples) || !tt.Attrs.Has(AttrPostSamples) {
		return fmt.Errorf("timing %q lacks %s/%s: %w", tt.Name, AttrPreSamples, AttrPostSamples, types.ErrProtocolViolation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("registry closed: %w", types.ErrBusy)
	}
	if _, ok := r.timings[tt.Name]; ok {
		return fmt.Errorf("timing %q: %w", tt.Name, types.ErrConflict)
	}
	h, err := r.registerNode(r.tmRoot, tt.Name, tt, tt.Attrs)
	if err != nil {
		return err
	}
	tt.handle = h
	r.timings[tt.Name] = tt
	r.logger.Info("Timing type registered", zap.String("name", tt.Name))
	return nil
}

func (r *Registry) registerNode(root Handle, name string, obj any, attrs *AttrSet) (Handle, error) {
	h, err := r.env.Directory.Register(root, name, obj)
	if err != nil {
		return nil, fmt.Errorf("register %s/%s: %w", root.Path(), name, err)
	}
	if err := r.env.Attributes.CreateView(h, attrs); err != nil {
		r.env.Directory.Unregister(h)
		return nil, fmt.Errorf("attributes of %s: %w", h.Path(), err)
	}
	return h, nil
}

func (r *Registry) unregisterNode(h Handle) {
	if h == nil {
		return
	}
	r.env.Attributes.RemoveView(h)
	r.env.Directory.Unregister(h)
}

// UnregisterTransport removes a type that no set binds.
func (r *Registry) UnregisterTransport(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.transports[name]
	if !ok {
		return fmt.Errorf("transport %q: %w", name, types.ErrNotFound)
	}
	if b, n := tt.InUse(); b > 0 || n > 0 {
		return fmt.Errorf("transport %q bound %d times, %d instances: %w", name, b, n, types.ErrBusy)
	}
	r.unregisterNode(tt.handle)
	tt.handle = nil
	delete(r.transports, name)
	r.logger.Info("Transport type unregistered", zap.String("name", name))
	return nil
}

func (r *Registry) UnregisterTiming(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.timings[name]
	if !ok {
		return fmt.Errorf("timing %q: %w", name, types.ErrNotFound)
	}
	if b, n := tt.InUse(); b > 0 || n > 0 {
		return fmt.Errorf("timing %q bound %d times, %d instances: %w", name, b, n, types.ErrBusy)
	}
	r.unregisterNode(tt.handle)
	tt.handle = nil
	delete(r.timings, name)
	r.logger.Info("Timing type unregistered", zap.String("name", name))
	return nil
}

// getTransport binds a type for a set of a device owned by owner.
func (r *Registry) getTransport(name string, owner ModuleRef) (*TransportType, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("transport %q: %w", name, types.ErrNotFound)
	}
	if err := acquireOwner(tt.Owner, owner); err != nil {
		return nil, fmt.Errorf("transport %q: %w", name, err)
	}
	tt.refs.bind(1)
	return tt, nil
}

func (r *Registry) putTransport(tt *TransportType, owner ModuleRef) {
	if tt == nil {
		return
	}
	tt.refs.bind(-1)
	releaseOwner(tt.Owner, owner)
}

func (r *Registry) getTiming(name string, owner ModuleRef) (*TimingType, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.timings[name]
	if !ok {
		return nil, fmt.Errorf("timing %q: %w", name, types.ErrNotFound)
	}
	if err := acquireOwner(tt.Owner, owner); err != nil {
		return nil, fmt.Errorf("timing %q: %w", name, err)
	}
	tt.refs.bind(1)
	return tt, nil
}

func (r *Registry) putTiming(tt *TimingType, owner ModuleRef) {
	if tt == nil {
		return
	}
	tt.refs.bind(-1)
	releaseOwner(tt.Owner, owner)
}

// acquireOwner pins the module of a type unless the device comes from the
// same module.
func acquireOwner(typeOwner, devOwner ModuleRef) error {
	if typeOwner == nil || sameModule(typeOwner, devOwner) {
		return nil
	}
	if !typeOwner.Acquire() {
		return fmt.Errorf("module %s unloading: %w", typeOwner.Name(), types.ErrBusy)
	}
	return nil
}

func releaseOwner(typeOwner, devOwner ModuleRef) {
	if typeOwner == nil || sameModule(typeOwner, devOwner) {
		return
	}
	typeOwner.Release()
}

func (r *Registry) Transport(name string) (*TransportType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.transports[name]
	if !ok {
		return nil, fmt.Errorf("transport %q: %w", name, types.ErrNotFound)
	}
	return tt, nil
}

func (r *Registry) Timing(name string) (*TimingType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tt, ok := r.timings[name]
	if !ok {
		return nil, fmt.Errorf("timing %q: %w", name, types.ErrNotFound)
	}
	return tt, nil
}

// Transports lists the transport types sorted by name.
func (r *Registry) Transports() []*TransportType {
	r.mu.Lock()
	out := make([]*TransportType, 0, len(r.transports))
	for _, tt := range r.transports {
		out = append(out, tt)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Timings() []*TimingType {
	r.mu.Lock()
	out := make([]*TimingType, 0, len(r.timings))
	for _, tt := range r.timings {
		out = append(out, tt)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Device(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", name, types.ErrNotFound)
	}
	return dev, nil
}

func (r *Registry) Devices() []*Device {
	r.mu.Lock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (r *Registry) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.observer.OnEvent(ev)
}

// Close tears down every device and type. Open streams do not block it.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		if err := r.UnregisterDevice(name, true); err != nil {
			r.logger.Warn("Device teardown failed", zap.String("device", name), zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, tt := range r.transports {
		r.unregisterNode(tt.handle)
		tt.handle = nil
		delete(r.transports, name)
	}
	for name, tt := range r.timings {
		r.unregisterNode(tt.handle)
		tt.handle = nil
		delete(r.timings, name)
	}
	r.env.Directory.Unregister(r.tmRoot)
	r.env.Directory.Unregister(r.trRoot)
	r.env.Directory.Unregister(r.devRoot)
	r.logger.Info("Registry closed")
}
