package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	MaxSize      int
	Provider     Provider
	CreateConfig map[string]any
	Logger       *slog.Logger
}

// Pool is bounded bookkeeping for session handles. Every tracked handle is
// in exactly one of the available and in-use partitions. All mutating
// operations are serialized by a single coarse-grained lock.
type Pool struct {
	mutex        sync.Mutex
	maxSize      int
	provider     Provider
	createConfig map[string]any
	logger       *slog.Logger
	sessions     map[string]*Handle
	available    []string
	inUse        map[string]bool
}

// NewPool creates a new Pool configured with the given options.
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("session provider is required")
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		maxSize:      opts.MaxSize,
		provider:     opts.Provider,
		createConfig: opts.CreateConfig,
		logger:       opts.Logger,
		sessions:     map[string]*Handle{},
		inUse:        map[string]bool{},
	}, nil
}

// Add registers a handle as available. It fails if the pool is full or the
// handle ID is already tracked.
func (p *Pool) Add(handle *Handle) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.sessions) >= p.maxSize {
		return fmt.Errorf("session pool is full (max %d)", p.maxSize)
	}
	if _, exists := p.sessions[handle.ID]; exists {
		return fmt.Errorf("session %q already tracked", handle.ID)
	}
	p.sessions[handle.ID] = handle
	p.available = append(p.available, handle.ID)
	return nil
}

// Acquire pops the oldest available session and marks it in use. It is
// non-blocking and returns false when no session is available.
func (p *Pool) Acquire() (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if len(p.available) == 0 {
		return "", false
	}
	id := p.available[0]
	p.available = p.available[1:]
	p.inUse[id] = true
	p.touch(id)
	return id, true
}

// AcquireID acquires a specific session if it is currently available.
func (p *Pool) AcquireID(id string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for i, availableID := range p.available {
		if availableID == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			p.inUse[id] = true
			p.touch(id)
			return true
		}
	}
	return false
}

// Release returns an in-use session to the available partition. Sessions
// whose status is no longer usable are dropped instead of returned.
func (p *Pool) Release(id string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.inUse[id] {
		return
	}
	delete(p.inUse, id)

	handle, exists := p.sessions[id]
	if !exists {
		return
	}
	if !handle.Usable() {
		delete(p.sessions, id)
		p.logger.Warn("dropping unusable session on release",
			"session_id", id, "status", handle.Status)
		return
	}
	handle.Status = StatusIdle
	handle.LastUsed = time.Now()
	p.available = append(p.available, id)
}

// Remove purges a session from all pool bookkeeping.
func (p *Pool) Remove(id string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	delete(p.sessions, id)
	delete(p.inUse, id)
	for i, availableID := range p.available {
		if availableID == id {
			p.available = append(p.available[:i], p.available[i+1:]...)
			break
		}
	}
}

// Create provisions a new session through the provider and tracks it as
// available. It fails when the pool is at capacity.
func (p *Pool) Create(ctx context.Context) (*Handle, error) {
	p.mutex.Lock()
	if len(p.sessions) >= p.maxSize {
		p.mutex.Unlock()
		return nil, fmt.Errorf("session pool is full (max %d)", p.maxSize)
	}
	p.mutex.Unlock()

	// Provider calls may block on network I/O, so they happen outside the
	// pool lock. The capacity check is rechecked by Add below.
	remote, err := p.provider.Create(ctx, p.createConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	handle := &Handle{
		ID:         remote.ID,
		Status:     StatusActive,
		RemoteID:   remote.RemoteID,
		ConnectURL: remote.ConnectURL,
		CreatedAt:  time.Now(),
		LastUsed:   time.Now(),
	}
	if err := p.Add(handle); err != nil {
		if closeErr := p.provider.Close(ctx, remote.RemoteID); closeErr != nil {
			p.logger.Warn("failed to close orphaned session", "error", closeErr)
		}
		return nil, err
	}
	p.logger.Info("created session", "session_id", handle.ID, "remote_id", handle.RemoteID)
	return handle, nil
}

// Get returns the tracked handle for an ID.
func (p *Pool) Get(id string) (*Handle, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	handle, ok := p.sessions[id]
	return handle, ok
}

// List returns copies of all tracked handles.
func (p *Pool) List() []*Handle {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	handles := make([]*Handle, 0, len(p.sessions))
	for _, handle := range p.sessions {
		handles = append(handles, handle.Copy())
	}
	return handles
}

// Size returns the number of tracked sessions.
func (p *Pool) Size() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.sessions)
}

// MaxSize returns the pool capacity.
func (p *Pool) MaxSize() int {
	return p.maxSize
}

// InUseCount returns the number of sessions currently in use.
func (p *Pool) InUseCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.inUse)
}

// AvailableCount returns the number of sessions currently available.
func (p *Pool) AvailableCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return len(p.available)
}

// Provider returns the pool's session provider.
func (p *Pool) Provider() Provider {
	return p.provider
}

// IsInUse reports whether a session is currently in the in-use partition.
func (p *Pool) IsInUse(id string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.inUse[id]
}

// MarkHealth records the result of a health probe on a session.
func (p *Pool) MarkHealth(id string, healthy bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	handle, ok := p.sessions[id]
	if !ok {
		return
	}
	handle.LastHealthCheck = time.Now()
	if healthy {
		if handle.Status == StatusUnhealthy {
			handle.Status = StatusIdle
		}
		return
	}
	handle.ErrorCount++
	handle.Status = StatusUnhealthy
}

// touch must be called with the pool lock held.
func (p *Pool) touch(id string) {
	if handle, ok := p.sessions[id]; ok {
		handle.Status = StatusActive
		handle.LastUsed = time.Now()
	}
}
