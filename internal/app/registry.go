package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/TutorRTC/internal/domain"
	"github.com/dkeye/TutorRTC/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const tokenBytes = 32

// CloseListener is told about every session leaving the registry, whether it
// was closed explicitly or expired.
type CloseListener func(ref domain.SessionRef)

// Registry is the only owner of Session values. Everything else goes through
// its methods and receives SessionRef snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*domain.Session
	tokens   map[domain.Token]domain.SessionID

	max     int
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics

	lmu       sync.RWMutex
	listeners []CloseListener
}

func NewRegistry(max int, timeout time.Duration, m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[domain.SessionID]*domain.Session),
		tokens:   make(map[domain.Token]domain.SessionID),
		max:      max,
		timeout:  timeout,
		now:      time.Now,
		metrics:  m,
	}
}

func (r *Registry) OnClose(fn CloseListener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Create(owner domain.OwnerID, config domain.ConfigID) (domain.SessionID, domain.Token, error) {
	token, err := newToken()
	if err != nil {
		return "", "", err
	}

	r.mu.Lock()
	if len(r.sessions) >= r.max {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("owner", string(owner)).Int("max", r.max).Msg("capacity exceeded")
		return "", "", domain.ErrCapacityExceeded
	}
	now := r.now()
	s := &domain.Session{
		ID:           domain.SessionID(uuid.NewString()),
		Owner:        owner,
		Config:       config,
		Token:        token,
		CreatedAt:    now,
		LastActivity: now,
		Status:       domain.StatusActive,
	}
	r.sessions[s.ID] = s
	r.tokens[token] = s.ID
	n := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SetSessions(n)
	log.Info().
		Str("module", "app.registry").
		Str("session", string(s.ID)).
		Str("owner", string(owner)).
		Str("config", string(config)).
		Int("active", n).
		Msg("created session")
	return s.ID, token, nil
}

// Validate checks token against the session id. Unknown, closed and expired
// sessions all fail with ErrAuth.
func (r *Registry) Validate(id domain.SessionID, token domain.Token) (domain.SessionRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !r.usable(s) {
		return domain.SessionRef{}, domain.ErrAuth
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return domain.SessionRef{}, domain.ErrAuth
	}
	return s.Ref(), nil
}

// Authenticate finds the session a token belongs to.
func (r *Registry) Authenticate(token domain.Token) (domain.SessionRef, error) {
	if token == "" {
		return domain.SessionRef{}, domain.ErrAuth
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.tokens[token]
	if !ok {
		return domain.SessionRef{}, domain.ErrAuth
	}
	s := r.sessions[id]
	if s == nil || !r.usable(s) {
		return domain.SessionRef{}, domain.ErrAuth
	}
	return s.Ref(), nil
}

func (r *Registry) Lookup(id domain.SessionID) (domain.SessionRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok || !r.usable(s) {
		return domain.SessionRef{}, domain.ErrSessionNotFound
	}
	return s.Ref(), nil
}

// Touch records activity. A session already past its idle timeout stays
// expired until the sweep removes it.
func (r *Registry) Touch(id domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && r.usable(s) {
		s.LastActivity = r.now()
	}
}

// Close removes the session and releases its slot. Closing an unknown or
// already closed session is a no-op.
func (r *Registry) Close(id domain.SessionID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.Status = domain.StatusClosed
		r.remove(s)
	}
	n := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.metrics.SetSessions(n)
	r.metrics.SessionClosed(domain.StatusClosed.String())
	log.Info().Str("module", "app.registry").Str("session", string(id)).Msg("closed session")
	r.notify([]domain.SessionRef{s.Ref()})
}

func (r *Registry) List() []domain.SessionRef {
	r.mu.RLock()
	out := make([]domain.SessionRef, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Ref())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Max() int { return r.max }

// Run sweeps expired sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Info().Str("module", "app.registry").Dur("interval", interval).Dur("timeout", r.timeout).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.registry").Msg("sweeper stopped")
			return
		case <-ticker.C:
			r.sweep(r.now())
		}
	}
}

// sweep expires idle sessions. Listeners run after the lock is released.
func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	var expired []domain.SessionRef
	for _, s := range r.sessions {
		if now.Sub(s.LastActivity) > r.timeout {
			s.Status = domain.StatusExpired
			expired = append(expired, s.Ref())
			r.remove(s)
		}
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	r.metrics.SetSessions(n)
	for _, ref := range expired {
		r.metrics.SessionClosed(domain.StatusExpired.String())
		log.Info().Str("module", "app.registry").Str("session", string(ref.ID)).Str("owner", string(ref.Owner)).Msg("session expired")
	}
	r.notify(expired)
	return len(expired)
}

func (r *Registry) usable(s *domain.Session) bool {
	return s.Status == domain.StatusActive && r.now().Sub(s.LastActivity) <= r.timeout
}

// remove must be called with mu held.
func (r *Registry) remove(s *domain.Session) {
	delete(r.sessions, s.ID)
	delete(r.tokens, s.Token)
}

func (r *Registry) notify(refs []domain.SessionRef) {
	r.lmu.RLock()
	listeners := make([]CloseListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.lmu.RUnlock()

	for _, ref := range refs {
		for _, fn := range listeners {
			fn(ref)
		}
	}
}

func newToken() (domain.Token, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return domain.Token(base64.RawURLEncoding.EncodeToString(b)), nil
}
