package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry's record of one voice session.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	TurnMode       string    `json:"turn_mode"`
	AssistantMode  string    `json:"assistant_mode"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Factory builds the voice session for a new registry entry.
type Factory func(id string, req CreateRequest) (*Manager, error)

type entry struct {
	info  Session
	voice *Manager
}

// Registry tracks the service's voice sessions. Ending a session, explicitly
// or through inactivity, disconnects it.
type Registry struct {
	factory Factory
	logger  *zap.Logger

	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session)
}

func NewRegistry(inactivityTimeout time.Duration, factory Factory, logger *zap.Logger) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		factory:           factory,
		logger:            logger,
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) InactivityTimeout() time.Duration { return r.inactivityTimeout }

func (r *Registry) SetExpireHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

func (r *Registry) Create(req CreateRequest) (Session, error) {
	id := uuid.NewString()
	voice, err := r.factory(id, req)
	if err != nil {
		return Session{}, err
	}
	now := time.Now().UTC()
	e := &entry{
		info: Session{
			ID:             id,
			Status:         StatusActive,
			TurnMode:       string(voice.Mode()),
			AssistantMode:  string(voice.AssistantMode()),
			StartedAt:      now,
			LastActivityAt: now,
		},
		voice: voice,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = e
	return e.info, nil
}

func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return r.snapshot(e), nil
}

// Voice returns the live voice session of an active entry.
func (r *Registry) Voice(sessionID string) (*Manager, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok || e.info.Status != StatusActive {
		return nil, ErrNotFound
	}
	return e.voice, nil
}

func (r *Registry) Touch(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.info.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended and disconnects it.
func (r *Registry) End(sessionID string) (Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	e.info.Status = StatusEnded
	e.info.LastActivityAt = time.Now().UTC()
	info := r.snapshot(e)
	r.mu.Unlock()

	if err := e.voice.Disconnect(); err != nil {
		r.logger.Warn("disconnect ended session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return info, nil
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

// ActiveCount counts sessions whose agent channel is up.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, e := range r.sessions {
		if e.info.Status == StatusActive && e.voice.State() == StateActive {
			count++
		}
	}
	return count
}

// Close ends every session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.info.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range ids {
		_, _ = r.End(id)
	}
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var expired []*entry

	r.mu.Lock()
	for _, e := range r.sessions {
		if e.info.Status != StatusActive {
			continue
		}
		if now.Sub(lastActivity(e)) < r.inactivityTimeout {
			continue
		}
		e.info.Status = StatusEnded
		e.info.LastActivityAt = now
		expired = append(expired, e)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for _, e := range expired {
		if err := e.voice.Disconnect(); err != nil {
			r.logger.Warn("disconnect expired session", zap.String("session_id", e.info.ID), zap.Error(err))
		}
		if hook != nil {
			r.mu.RLock()
			info := r.snapshot(e)
			r.mu.RUnlock()
			hook(info)
		}
	}
}

// snapshot copies e with the live turn mode and activity. Caller holds r.mu.
func (r *Registry) snapshot(e *entry) Session {
	info := e.info
	info.TurnMode = string(e.voice.Mode())
	if info.Status == StatusActive {
		info.LastActivityAt = lastActivity(e)
	}
	return info
}

// lastActivity is the later of the last API touch and the last agent
// channel event, so a customer talking without UI traffic stays alive.
func lastActivity(e *entry) time.Time {
	last := e.info.LastActivityAt
	if voice := e.voice.LastActivity(); voice.After(last) {
		last = voice
	}
	return last
}
