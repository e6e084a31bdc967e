package core

import (
	"time"

	"go.uber.org/zap"
)

// Handle is an entry in the naming directory.
type Handle interface {
	Name() string
	Path() string
}

// Directory makes objects discoverable by name.
type Directory interface {
	Register(parent Handle, name string, obj any) (Handle, error)
	Unregister(h Handle)
	Rename(h Handle, name string) error
	Lookup(parent Handle, name string) (any, bool)
}

// AttributeStore exposes attribute sets of registered objects.
type AttributeStore interface {
	CopyAttributes(dst, src *AttrSet) error
	CreateView(h Handle, attrs *AttrSet) error
	RemoveView(h Handle)
}

// EventKind classifies observer events.
type EventKind string

const (
	EventDeviceRegistered EventKind = "device_registered"
	EventDeviceRemoved    EventKind = "device_removed"
	EventTransportChanged EventKind = "transport_changed"
	EventTimingChanged    EventKind = "timing_changed"
	EventReconfigFailed   EventKind = "reconfig_failed"
	EventBlockAcquired    EventKind = "block_acquired"
	EventBlockDropped     EventKind = "block_dropped"
	EventBlockWritten     EventKind = "block_written"
)

// Reconfiguration targets carried by Event.Target.
const (
	TargetTransport = "transport"
	TargetTiming    = "timing"
)

// Event reports something that happened in the object graph.
type Event struct {
	Kind   EventKind `json:"kind"`
	Time   time.Time `json:"time"`
	Device string    `json:"device,omitempty"`
	CSet   int       `json:"cset"`
	Chan   int       `json:"chan"`
	Target string    `json:"target,omitempty"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Ctrl   *Control  `json:"ctrl,omitempty"`
	Err    string    `json:"error,omitempty"`
}

// Observer receives events. Implementations must not block.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	list := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	return multiObserver(list)
}

type multiObserver []Observer

func (m multiObserver) OnEvent(ev Event) {
	for _, o := range m {
		o.OnEvent(ev)
	}
}

// Env carries the collaborators the registry calls into.
type Env struct {
	Directory  Directory
	Attributes AttributeStore
	Logger     *zap.Logger
	Observer   Observer
}
