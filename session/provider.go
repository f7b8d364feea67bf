package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RemoteSession describes a session created by a Provider.
type RemoteSession struct {
	ID         string `json:"id"`
	RemoteID   string `json:"remote_id"`
	ConnectURL string `json:"connect_url"`
}

// Provider creates and manages remote sessions. Create failures propagate
// to the caller; Health and Close failures degrade to best-effort.
type Provider interface {
	// Create provisions a new remote session
	Create(ctx context.Context, config map[string]any) (*RemoteSession, error)

	// Close tears down a remote session
	Close(ctx context.Context, remoteID string) error

	// Health reports whether a remote session is healthy
	Health(ctx context.Context, remoteID string) (bool, error)
}

// LocalProvider is an in-process Provider used by tests and the CLI. It
// supports failure injection for exercising refresh and cleanup paths.
type LocalProvider struct {
	mutex     sync.Mutex
	open      map[string]bool
	unhealthy map[string]bool
	createErr error
	created   int
}

// NewLocalProvider creates a new LocalProvider
func NewLocalProvider() *LocalProvider {
	return &LocalProvider{
		open:      map[string]bool{},
		unhealthy: map[string]bool{},
	}
}

func (p *LocalProvider) Create(ctx context.Context, config map[string]any) (*RemoteSession, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.createErr != nil {
		return nil, p.createErr
	}
	remoteID := uuid.NewString()
	p.open[remoteID] = true
	p.created++
	return &RemoteSession{
		ID:         NewHandleID(),
		RemoteID:   remoteID,
		ConnectURL: fmt.Sprintf("local://%s", remoteID),
	}, nil
}

func (p *LocalProvider) Close(ctx context.Context, remoteID string) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.open[remoteID] {
		return fmt.Errorf("unknown remote session %q", remoteID)
	}
	delete(p.open, remoteID)
	delete(p.unhealthy, remoteID)
	return nil
}

func (p *LocalProvider) Health(ctx context.Context, remoteID string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.open[remoteID] {
		return false, nil
	}
	return !p.unhealthy[remoteID], nil
}

// SetCreateError makes subsequent Create calls fail with err.
func (p *LocalProvider) SetCreateError(err error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.createErr = err
}

// MarkUnhealthy makes subsequent Health calls for remoteID report false.
func (p *LocalProvider) MarkUnhealthy(remoteID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.unhealthy[remoteID] = true
}

// OpenCount returns the number of remote sessions currently open.
func (p *LocalProvider) OpenCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.open)
}

// CreatedCount returns the total number of remote sessions ever created.
func (p *LocalProvider) CreatedCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.created
}
