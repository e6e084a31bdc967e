package interfaces

import (
	"time"

	"github.com/KevinKickass/OpenAcqCore/internal/config"
	"github.com/KevinKickass/OpenAcqCore/internal/core"
	"github.com/KevinKickass/OpenAcqCore/internal/devices"
	"github.com/KevinKickass/OpenAcqCore/internal/directory"
	"github.com/KevinKickass/OpenAcqCore/internal/events"
	"github.com/KevinKickass/OpenAcqCore/internal/sniffer"
	"github.com/KevinKickass/OpenAcqCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string    `json:"state"`
	Accepting    bool      `json:"accepting"`
	StartedAt    time.Time `json:"started_at"`
	DeviceCount  int       `json:"device_count"`
	Transports   []string  `json:"transports"`
	Timings      []string  `json:"timings"`
	Subscribers  int       `json:"subscribers"`
	SnifferDepth int       `json:"sniffer_records"`
	AuditEnabled bool      `json:"audit_enabled"`
}

// LifecycleManager is what the API surfaces need from the running system.
// Audit returns nil when the database is disabled.
type LifecycleManager interface {
	Config() *config.Config
	Registry() *core.Registry
	Directory() *directory.Tree
	DeviceManager() *devices.Manager
	Events() *events.Streamer
	Sniffer() *sniffer.Sniffer
	Audit() *storage.AuditLog
	GetCurrentStatus() SystemStatus
}
