package service

import (
	"context"
	"sync"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/remote"

	"go.uber.org/zap"
)

// Authenticator checks and renews the credentials used against the remote.
type Authenticator interface {
	Valid(ctx context.Context) bool
	Refresh(ctx context.Context) error
}

// Monitor is the connectivity gate the coordinator drains behind.
type Monitor interface {
	State() domain.ConnectivityState
	ReportAuthFailure()
	Subscribe() (<-chan domain.Transition, func())
}

const transitionBuffer = 8

type ConnectivityService struct {
	pinger   remote.Pinger
	auth     Authenticator
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        domain.ConnectivityState
	forceRefresh bool
	subscribers  map[int]chan domain.Transition
	nextID       int
}

func NewConnectivityService(pinger remote.Pinger, auth Authenticator, interval, timeout time.Duration, logger *zap.Logger) *ConnectivityService {
	return &ConnectivityService{
		pinger:      pinger,
		auth:        auth,
		interval:    interval,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
		state:       domain.StateOffline,
		subscribers: make(map[int]chan domain.Transition),
	}
}

func (s *ConnectivityService) State() domain.ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel of state transitions and a function that
// cancels the subscription. Transitions are dropped for subscribers that
// fall behind.
func (s *ConnectivityService) Subscribe() (<-chan domain.Transition, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan domain.Transition, transitionBuffer)
	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

// Check probes reachability and credentials once and returns the new state.
func (s *ConnectivityService) Check(ctx context.Context) domain.ConnectivityState {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.pinger.Ping(pctx)
	cancel()
	if err != nil {
		s.logger.Debug("remote unreachable", zap.Error(err))
		return s.setState(domain.StateOffline)
	}

	s.mu.Lock()
	force := s.forceRefresh
	s.mu.Unlock()

	if !force && s.auth.Valid(ctx) {
		return s.setState(domain.StateAuthenticated)
	}

	if err := s.auth.Refresh(ctx); err != nil {
		s.logger.Warn("credential refresh failed", zap.Error(err))
		return s.setState(domain.StateOnline)
	}
	if !s.auth.Valid(ctx) {
		return s.setState(domain.StateOnline)
	}

	s.mu.Lock()
	s.forceRefresh = false
	s.mu.Unlock()
	return s.setState(domain.StateAuthenticated)
}

// ReportAuthFailure drops an authenticated monitor to online. The next Check
// refreshes credentials even if they look valid locally.
func (s *ConnectivityService) ReportAuthFailure() {
	s.mu.Lock()
	s.forceRefresh = true
	s.mu.Unlock()

	if s.State() == domain.StateAuthenticated {
		s.setState(domain.StateOnline)
	}
}

// Run checks connectivity every interval until ctx is done.
func (s *ConnectivityService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

func (s *ConnectivityService) setState(to domain.ConnectivityState) domain.ConnectivityState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == to {
		return to
	}

	t := domain.Transition{From: s.state, To: to, At: s.now()}
	s.state = to
	s.logger.Info("connectivity changed", zap.String("from", string(t.From)), zap.String("to", string(t.To)))

	for id, ch := range s.subscribers {
		select {
		case ch <- t:
		default:
			s.logger.Warn("dropping connectivity transition for slow subscriber", zap.Int("subscriber", id))
		}
	}
	return to
}
