package storage

import (
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one reconfiguration outcome.
type AuditRecord struct {
	ID         uuid.UUID `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Kind       string    `json:"kind"`
	Device     string    `json:"device"`
	CSet       int       `json:"cset"`
	Target     string    `json:"target,omitempty"`
	FromType   string    `json:"from_type,omitempty"`
	ToType     string    `json:"to_type,omitempty"`
	Error      string    `json:"error,omitempty"`
}
