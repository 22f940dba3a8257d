// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_session

import (
	"context"
	"sync"
	"time"

	"github.com/rapidaai/voice-orchestrator/pkg/commons"
	"github.com/rapidaai/voice-orchestrator/pkg/utils"
)

const (
	// DefaultIdleTimeout ends sessions with no client activity.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultGCGrace keeps ended sessions resolvable for late lookups
	// before they are dropped from the registry.
	DefaultGCGrace = 1 * time.Minute

	sweepInterval = 30 * time.Second
)

// Registry tracks the live sessions of this process, ends the idle ones
// and garbage-collects ended ones after a grace period.
type Registry struct {
	mu       sync.Mutex
	logger   commons.Logger
	sessions map[string]*Session

	idleTimeout time.Duration
	gcGrace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithIdleTimeout overrides the idle end threshold.
func WithIdleTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTimeout = d }
}

// WithGCGrace overrides the post-end retention window.
func WithGCGrace(d time.Duration) RegistryOption {
	return func(r *Registry) { r.gcGrace = d }
}

func NewRegistry(logger commons.Logger, opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		logger:      logger,
		sessions:    make(map[string]*Session),
		idleTimeout: DefaultIdleTimeout,
		gcGrace:     DefaultGCGrace,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	utils.Go(ctx, r.sweepLoop)
	return r
}

// Add registers a session.
func (r *Registry) Add(session *Session) {
	r.mu.Lock()
	r.sessions[session.ID] = session
	count := len(r.sessions)
	r.mu.Unlock()
	r.logger.Infow("session registered", "session", session.ID, "active", count)
}

// Get resolves a session, including recently-ended ones still in grace.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	return session, ok
}

// Count returns the number of tracked sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var idle []*Session
	var expired []string
	for id, session := range r.sessions {
		if ended, at := session.Ended(); ended {
			if now.Sub(at) > r.gcGrace {
				expired = append(expired, id)
			}
			continue
		}
		if now.Sub(session.LastActivity()) > r.idleTimeout {
			idle = append(idle, session)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, session := range idle {
		r.logger.Infow("ending idle session", "session", session.ID)
		session.End("idle_timeout")
	}
	if len(expired) > 0 {
		r.logger.Debugf("garbage-collected %d ended sessions", len(expired))
	}
}

// Shutdown ends every session and stops the sweeper.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		session.End("shutdown")
	}
	r.cancel()
}
