package session

import (
	"time"

	"go.jetify.com/typeid"
)

// NewHandleID returns a new unique session handle ID
func NewHandleID() string {
	id, err := typeid.WithPrefix("sess")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Status represents the lifecycle state of a session handle
type Status string

const (
	StatusCreating  Status = "creating"
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusUnhealthy Status = "unhealthy"
	StatusExpired   Status = "expired"
	StatusClosed    Status = "closed"
	StatusError     Status = "error"
)

// Handle tracks one remote session. All fields besides ContextData are
// managed by the pool and broker; ContextData is an opaque bag for callers.
type Handle struct {
	ID              string         `json:"id"`
	Status          Status         `json:"status"`
	RemoteID        string         `json:"remote_id,omitempty"`
	ConnectURL      string         `json:"connect_url,omitempty"`
	CreatedAt       time.Time      `json:"created_at,omitzero"`
	LastUsed        time.Time      `json:"last_used,omitzero"`
	LastHealthCheck time.Time      `json:"last_health_check,omitzero"`
	ErrorCount      int            `json:"error_count"`
	ContextData     map[string]any `json:"context_data,omitempty"`
}

// Usable reports whether the handle may be returned to callers.
func (h *Handle) Usable() bool {
	switch h.Status {
	case StatusActive, StatusIdle, StatusCreating:
		return true
	default:
		return false
	}
}

// Copy returns a shallow copy of the handle.
func (h *Handle) Copy() *Handle {
	contextData := make(map[string]any, len(h.ContextData))
	for k, v := range h.ContextData {
		contextData[k] = v
	}
	return &Handle{
		ID:              h.ID,
		Status:          h.Status,
		RemoteID:        h.RemoteID,
		ConnectURL:      h.ConnectURL,
		CreatedAt:       h.CreatedAt,
		LastUsed:        h.LastUsed,
		LastHealthCheck: h.LastHealthCheck,
		ErrorCount:      h.ErrorCount,
		ContextData:     contextData,
	}
}
