package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/jinzhu/copier"

	"github.com/zylin-ai/call-core/core/understanding"
)

// SessionInfo is a point-in-time view of one live session, safe to hand to
// operational surfaces.
type SessionInfo struct {
	ID        string
	Caller    string
	StartedAt time.Time
	Turns     int
	Intent    understanding.Intent
	Idle      time.Duration
}

// Registry owns every live session: it enforces the capacity bound at accept
// time, reaps idle sessions, and flushes exactly one call summary per session
// when it is destroyed.
type Registry struct {
	opts registryOptions

	mu       sync.Mutex
	sessions map[string]*Session
	reserved int
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(opts ...RegistryOption) *Registry {
	options := registryOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	options.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     options,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}

	r.wg.Add(1)
	go r.reapIdleSessions()

	return r
}

// StartSession admits a new call. The capacity check happens here, before any
// per-session resources are allocated; rejected calls cost nothing.
func (r *Registry) StartSession(ctx context.Context, conn FrameConn, caller string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(r.sessions)+r.reserved >= r.opts.capacity {
		r.mu.Unlock()
		r.opts.observer.SessionRejected()
		logger.Warn("rejecting session, registry at capacity", "caller", caller, "capacity", r.opts.capacity)
		return nil, ErrCapacityExceeded
	}
	// Hold the slot while the session is being built so concurrent accepts
	// cannot oversubscribe.
	r.reserved++
	r.mu.Unlock()

	session, err := newSession(ctx, conn, caller, &r.opts)

	r.mu.Lock()
	r.reserved--
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[session.ID] = session
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := session.run(); err != nil {
			logger.Warn("session run ended with error", "session", session.ID, "error", err)
		}
		r.destroy(session)
	}()

	return session, nil
}

// Destroy tears down the named session and flushes its summary. It is a no-op
// for unknown IDs.
func (r *Registry) Destroy(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		r.destroy(session)
	}
}

// destroy removes the session from the registry and, if this caller won the
// removal, closes it and flushes the summary. The map removal is the
// exactly-once gate.
func (r *Registry) destroy(session *Session) {
	r.mu.Lock()
	_, present := r.sessions[session.ID]
	delete(r.sessions, session.ID)
	r.mu.Unlock()
	if !present {
		return
	}

	if err := session.Close(); err != nil {
		logger.Warn("failed to close session", "session", session.ID, "error", err)
	}

	if r.opts.callLogger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.opts.callLogger.LogCall(ctx, session.Summary()); err != nil {
			logger.Warn("failed to flush call summary", "session", session.ID, "error", err)
		}
	}
}

func (r *Registry) reapIdleSessions() {
	defer r.wg.Done()

	interval := r.opts.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			for _, session := range r.liveSessions() {
				if session.IdleFor() > r.opts.idleTimeout {
					logger.Info("reaping idle session", "session", session.ID, "idle", session.IdleFor())
					r.destroy(session)
				}
			}
		}
	}
}

func (r *Registry) liveSessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session != nil {
			sessions = append(sessions, session)
		}
	}
	return sessions
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Capacity reports the configured session bound.
func (r *Registry) Capacity() int {
	return r.opts.capacity
}

// Snapshot lists every live session for operational surfaces.
func (r *Registry) Snapshot() []SessionInfo {
	infos := []SessionInfo{}
	for _, session := range r.liveSessions() {
		info := SessionInfo{}
		if err := copier.Copy(&info, session); err != nil {
			logger.Debug("failed to copy session info", "session", session.ID, "error", err)
		}
		session.mu.Lock()
		info.Turns = session.turnsTaken
		info.Intent = session.intent
		session.mu.Unlock()
		info.Idle = session.IdleFor()
		infos = append(infos, info)
	}
	return infos
}

// Close destroys every live session and stops the reaper. Summaries are
// flushed on the way out.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	for _, session := range r.liveSessions() {
		r.destroy(session)
	}

	r.cancel()
	r.wg.Wait()
	return nil
}
