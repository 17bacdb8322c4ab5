package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/formlab/internal/domain/scoring"
	"github.com/okian/formlab/pkg/logger"
	"github.com/okian/formlab/pkg/metrics"
)

// Manager defaults.
const (
	DefaultThrottle = 300 * time.Millisecond
	DefaultMailbox  = 2
	DefaultLength   = 150
)

// Sentinel errors.
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithThrottle sets the minimum gap between two inferences of one session.
func WithThrottle(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.throttle = d
		}
	}
}

// WithMailbox sets how many frames may wait for extraction per session.
func WithMailbox(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.mailbox = n
		}
	}
}

// WithSequenceLength sets the window capacity T.
func WithSequenceLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.length = n
		}
	}
}

// WithClock overrides time.Now for throttling.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager tracks live sessions. Sessions share only the extractor and the
// scorer, both safe for concurrent use.
type Manager struct {
	extractor FrameExtractor
	scorer    scoring.Scorer
	throttle  time.Duration
	mailbox   int
	length    int
	now       func() time.Time
	logger    logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(extractor FrameExtractor, scorer scoring.Scorer, opts ...Option) *Manager {
	m := &Manager{
		extractor: extractor,
		scorer:    scorer,
		throttle:  DefaultThrottle,
		mailbox:   DefaultMailbox,
		length:    DefaultLength,
		now:       time.Now,
		logger:    logger.Get().Named("realtime"),
		sessions:  make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start opens a session; an empty id gets a generated one. The session
// lives until Stop or until ctx is cancelled.
func (m *Manager) Start(ctx context.Context, id string, emit EmitFunc) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	s := newSession(ctx, id, m, emit)
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()

	metrics.UpdateSessionsActive(count)
	m.logger.Info(ctx, "session started", logger.String("session_id", id))
	return s, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Stop ends a session and forgets it.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Stop()
	metrics.UpdateSessionsActive(count)
	m.logger.Info(context.Background(), "session stopped",
		logger.String("session_id", id),
		logger.Int("predictions", int(s.predictions.Load())),
	)
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns session info ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close stops every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Stop(id)
	}
}
