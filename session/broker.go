package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// BrokerOptions configures a Broker.
type BrokerOptions struct {
	Pool                *Pool
	Logger              *slog.Logger
	AcquireTimeout      time.Duration
	AcquirePollInterval time.Duration
	HealthCheckInterval time.Duration
	CleanupInterval     time.Duration
	IdleThreshold       time.Duration
	MaxSessionAge       time.Duration
}

// Broker layers task-type affinity, per-session mutual exclusion, and
// health-aware refresh on top of a Pool. Acquisitions block for a bounded
// wait before failing with a resource exhaustion error.
type Broker struct {
	pool                *Pool
	logger              *slog.Logger
	acquireTimeout      time.Duration
	acquirePollInterval time.Duration
	healthCheckInterval time.Duration
	cleanupInterval     time.Duration
	idleThreshold       time.Duration
	maxSessionAge       time.Duration

	// mutex guards tags, locks, and workload. Per-session locks are held
	// across provider calls; the broker mutex never is.
	mutex    sync.Mutex
	tags     map[string]string
	locks    map[string]*sync.Mutex
	workload map[string]int

	stop     chan struct{}
	stopOnce sync.Once
	sweepWg  sync.WaitGroup
}

// NewBroker creates a new Broker configured with the given options.
func NewBroker(opts BrokerOptions) (*Broker, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	if opts.AcquirePollInterval <= 0 {
		opts.AcquirePollInterval = 250 * time.Millisecond
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = 60 * time.Second
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 300 * time.Second
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = 10 * time.Minute
	}
	if opts.MaxSessionAge <= 0 {
		opts.MaxSessionAge = time.Hour
	}
	return &Broker{
		pool:                opts.Pool,
		logger:              opts.Logger,
		acquireTimeout:      opts.AcquireTimeout,
		acquirePollInterval: opts.AcquirePollInterval,
		healthCheckInterval: opts.HealthCheckInterval,
		cleanupInterval:     opts.CleanupInterval,
		idleThreshold:       opts.IdleThreshold,
		maxSessionAge:       opts.MaxSessionAge,
		tags:                map[string]string{},
		locks:               map[string]*sync.Mutex{},
		workload:            map[string]int{},
		stop:                make(chan struct{}),
	}, nil
}

// Start launches the periodic health and cleanup sweeps.
func (b *Broker) Start() {
	b.sweepWg.Add(2)
	go b.healthSweepLoop()
	go b.cleanupSweepLoop()
}

// Stop terminates the periodic sweeps and waits for them to exit.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	b.sweepWg.Wait()
}

// Acquire obtains an exclusive session for the given task type, preferring
// sessions already tagged with it. It blocks up to the configured acquire
// timeout before failing.
func (b *Broker) Acquire(ctx context.Context, taskType string) (string, error) {
	deadline := time.Now().Add(b.acquireTimeout)
	for {
		if id, ok := b.tryAcquire(ctx, taskType); ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no session available for task type %q within %s", taskType, b.acquireTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.stop:
			return "", fmt.Errorf("session broker is shutting down")
		case <-time.After(b.acquirePollInterval):
		}
	}
}

// Release returns a session to the pool. The task-type tag is kept so the
// session stays dedicated to its task type for future acquisitions.
func (b *Broker) Release(id string) {
	b.pool.Release(id)

	// When release dropped the session entirely, forget it.
	if _, stillTracked := b.pool.Get(id); !stillTracked {
		b.forget(id)
	}
}

// WithSession runs fn with an acquired session, guaranteeing release on
// every exit path.
func (b *Broker) WithSession(ctx context.Context, taskType string, fn func(sessionID string) error) error {
	id, err := b.Acquire(ctx, taskType)
	if err != nil {
		return err
	}
	defer b.Release(id)
	return fn(id)
}

// Refresh replaces a session with a freshly created one, carrying the
// task-type tag over to the new session ID. The old session must not be
// returned to the pool afterwards.
func (b *Broker) Refresh(ctx context.Context, id string) (string, error) {
	handle, ok := b.pool.Get(id)
	var remoteID string
	if ok {
		remoteID = handle.RemoteID
	}
	tag := b.tagOf(id)

	b.pool.Remove(id)
	b.forget(id)
	if remoteID != "" {
		if err := b.pool.Provider().Close(ctx, remoteID); err != nil {
			b.logger.Warn("failed to close session during refresh",
				"session_id", id, "error", err)
		}
	}

	replacement, err := b.pool.Create(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to refresh session %q: %w", id, err)
	}
	if tag != "" {
		b.setTag(replacement.ID, tag)
	}
	b.logger.Info("refreshed session", "old_session_id", id, "new_session_id", replacement.ID)
	return replacement.ID, nil
}

// BumpWorkload increments the best-effort workload counter for a session.
func (b *Broker) BumpWorkload(id string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.workload[id]++
}

// WorkloadSnapshot returns a copy of the per-session workload counters.
func (b *Broker) WorkloadSnapshot() map[string]int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	snapshot := make(map[string]int, len(b.workload))
	for id, count := range b.workload {
		snapshot[id] = count
	}
	return snapshot
}

// TagSnapshot returns a copy of the session task-type tags.
func (b *Broker) TagSnapshot() map[string]string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	snapshot := make(map[string]string, len(b.tags))
	for id, tag := range b.tags {
		snapshot[id] = tag
	}
	return snapshot
}

// Pool returns the underlying session pool.
func (b *Broker) Pool() *Pool {
	return b.pool
}

func (b *Broker) tryAcquire(ctx context.Context, taskType string) (string, bool) {
	// First preference: sessions already dedicated to this task type.
	for _, id := range b.taggedSessions(taskType) {
		lock := b.sessionLock(id)
		lock.Lock()
		if !b.pool.AcquireID(id) {
			lock.Unlock()
			continue
		}
		acquired, ok := b.probeOrRefresh(ctx, id, taskType)
		lock.Unlock()
		if ok {
			return acquired, true
		}
	}

	// Second preference: any free session from the pool.
	if id, ok := b.pool.Acquire(); ok {
		b.setTag(id, taskType)
		return id, true
	}

	// Last resort: create a new session if the pool has room.
	if b.pool.Size() < b.pool.MaxSize() {
		handle, err := b.pool.Create(ctx)
		if err != nil {
			b.logger.Warn("failed to create session on demand", "error", err)
			return "", false
		}
		if !b.pool.AcquireID(handle.ID) {
			// Another acquirer raced us to it.
			return "", false
		}
		b.setTag(handle.ID, taskType)
		return handle.ID, true
	}
	return "", false
}

// probeOrRefresh health-checks an acquired session and replaces it when
// unhealthy. The caller must hold the session lock. On success the returned
// session is held by the caller; on failure the session has been cleaned up.
func (b *Broker) probeOrRefresh(ctx context.Context, id, taskType string) (string, bool) {
	handle, ok := b.pool.Get(id)
	if !ok {
		return "", false
	}
	healthy, err := b.pool.Provider().Health(ctx, handle.RemoteID)
	if err != nil {
		b.logger.Warn("health probe failed", "session_id", id, "error", err)
		healthy = false
	}
	b.pool.MarkHealth(id, healthy)
	if healthy {
		return id, true
	}

	b.logger.Info("replacing unhealthy session", "session_id", id)
	replacement, err := b.Refresh(ctx, id)
	if err != nil {
		b.logger.Error("failed to refresh unhealthy session", "session_id", id, "error", err)
		return "", false
	}
	if !b.pool.AcquireID(replacement) {
		return "", false
	}
	b.setTag(replacement, taskType)
	return replacement, true
}

func (b *Broker) healthSweepLoop() {
	defer b.sweepWg.Done()
	ticker := time.NewTicker(b.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.healthSweep(context.Background())
		}
	}
}

// healthSweep probes all known sessions and logs unhealthy counts. It does
// not remediate; the cleanup sweep and per-acquire refresh handle that.
func (b *Broker) healthSweep(ctx context.Context) {
	unhealthy := 0
	handles := b.pool.List()
	for _, handle := range handles {
		healthy, err := b.pool.Provider().Health(ctx, handle.RemoteID)
		if err != nil {
			healthy = false
		}
		b.pool.MarkHealth(handle.ID, healthy)
		if !healthy {
			unhealthy++
		}
	}
	if unhealthy > 0 {
		b.logger.Warn("health sweep found unhealthy sessions",
			"unhealthy", unhealthy, "total", len(handles))
	} else {
		b.logger.Debug("health sweep complete", "total", len(handles))
	}
}

func (b *Broker) cleanupSweepLoop() {
	defer b.sweepWg.Done()
	ticker := time.NewTicker(b.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.cleanupSweep(context.Background())
		}
	}
}

// cleanupSweep closes sessions that are expired by age, errored, unhealthy,
// or idle beyond the threshold. Sessions currently in use are left alone.
func (b *Broker) cleanupSweep(ctx context.Context) {
	now := time.Now()
	for _, handle := range b.pool.List() {
		if b.pool.IsInUse(handle.ID) {
			continue
		}
		var reason string
		switch {
		case now.Sub(handle.CreatedAt) > b.maxSessionAge:
			reason = "expired"
		case handle.Status == StatusError || handle.Status == StatusUnhealthy || handle.Status == StatusExpired:
			reason = string(handle.Status)
		case now.Sub(handle.LastUsed) > b.idleThreshold:
			reason = "idle"
		default:
			continue
		}
		if !b.pool.AcquireID(handle.ID) {
			// Taken between the snapshot and now.
			continue
		}
		b.pool.Remove(handle.ID)
		b.forget(handle.ID)
		if err := b.pool.Provider().Close(ctx, handle.RemoteID); err != nil {
			b.logger.Warn("failed to close session during cleanup",
				"session_id", handle.ID, "error", err)
		}
		b.logger.Info("cleaned up session", "session_id", handle.ID, "reason", reason)
	}
}

func (b *Broker) taggedSessions(taskType string) []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var ids []string
	for id, tag := range b.tags {
		if tag == taskType {
			ids = append(ids, id)
		}
	}
	return ids
}

func (b *Broker) sessionLock(id string) *sync.Mutex {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	lock, ok := b.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		b.locks[id] = lock
	}
	return lock
}

func (b *Broker) setTag(id, taskType string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.tags[id] = taskType
}

func (b *Broker) tagOf(id string) string {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return b.tags[id]
}

func (b *Broker) forget(id string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	delete(b.tags, id)
	delete(b.locks, id)
	delete(b.workload, id)
}
