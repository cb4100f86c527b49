package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/tabsync/internal/observability"
	"github.com/aixgo-dev/tabsync/pkg/bus"
	metrics "github.com/aixgo-dev/tabsync/pkg/observability"
	"github.com/aixgo-dev/tabsync/pkg/store"
	cache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Manager manages the study session lifecycle of users.
// Manager is safe for concurrent use.
type Manager interface {
	// StartSession creates or replaces the user's session.
	StartSession(ctx context.Context, userID string, opts StartOptions) (*StudySession, error)

	// GetSession returns the user's session, or nil if there is none.
	GetSession(ctx context.Context, userID string) (*StudySession, error)

	// UpdateSession merges patch into the user's session and refreshes
	// LastActive. Returns ErrNoActiveSession if there is no session.
	UpdateSession(ctx context.Context, userID string, patch Patch) (*StudySession, error)

	// ClearSession ends the user's session. Clearing without a session
	// succeeds.
	ClearSession(ctx context.Context, userID string) error

	// IsActive reports whether the user has a session.
	IsActive(ctx context.Context, userID string) (bool, error)

	// KeepAlive refreshes LastActive without changing any field.
	KeepAlive(ctx context.Context, userID string) (*StudySession, error)

	// CheckAbandoned clears the session and reports true when it has been
	// idle for longer than maxInactivity.
	CheckAbandoned(ctx context.Context, userID string, maxInactivity time.Duration) (bool, error)

	// NeedsExitConfirmation reports whether leaving should ask the user to
	// confirm because a session is active.
	NeedsExitConfirmation(ctx context.Context, userID string) (bool, error)

	// Refresh drops the cached session and reads it again from the store.
	Refresh(ctx context.Context, userID string) (*StudySession, error)

	// Follow keeps the cache in step with session changes announced by
	// other contexts. onChange, if not nil, runs after each refresh. The
	// returned function stops following.
	Follow(onChange func(Change)) func()

	// ClearAll purges every durable record of the user, typically on logout.
	ClearAll(ctx context.Context, userID string) (int, error)

	// HasMultipleContexts reports whether other contexts are open.
	HasMultipleContexts() bool

	// Close stops following and empties the cache.
	Close() error
}

// Bus is the part of *bus.Bus the manager uses.
type Bus interface {
	Identity() bus.Identity
	Send(msg bus.Message) error
	Subscribe(kind bus.Kind, handler bus.Handler) func()
	HasMultipleContexts() bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerImpl)

// WithConfig sets the manager configuration.
func WithConfig(cfg Config) ManagerOption {
	return func(m *managerImpl) { m.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) ManagerOption {
	return func(m *managerImpl) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock overrides the clock used for LastActive and abandonment.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *managerImpl) {
		if now != nil {
			m.now = now
		}
	}
}

// managerImpl is the concrete implementation of Manager.
type managerImpl struct {
	store *store.Store
	bus   Bus
	cfg   Config
	log   logrus.FieldLogger
	now   func() time.Time

	cache *cache.Cache
	loads singleflight.Group

	// writeMu orders this context's writes so LastActive increases.
	writeMu   sync.Mutex
	lastStamp time.Time

	followMu  sync.Mutex
	unfollows []func()
}

// NewManager creates a session manager persisting to st and announcing
// changes on b.
func NewManager(st *store.Store, b Bus, opts ...ManagerOption) Manager {
	m := &managerImpl{
		store: st,
		bus:   b,
		cfg:   DefaultConfig(),
		log:   logrus.StandardLogger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithFields(logrus.Fields{
		"component": "session",
		"origin":    b.Identity(),
	})
	m.cache = cache.New(m.cfg.CacheTTL, m.cfg.CacheCleanup)
	return m
}

// stamp returns a write time after both the previous stamp of this context
// and after, which is the LastActive being replaced.
func (m *managerImpl) stamp(after time.Time) time.Time {
	now := m.now().UTC()
	floor := m.lastStamp
	if after.After(floor) {
		floor = after
	}
	if !now.After(floor) {
		now = floor.Add(time.Millisecond)
	}
	m.lastStamp = now
	return now
}

func (m *managerImpl) cached(userID string) (*StudySession, bool) {
	v, ok := m.cache.Get(userID)
	if !ok {
		return nil, false
	}
	return v.(*StudySession).Clone(), true
}

func (m *managerImpl) remember(userID string, s *StudySession) {
	m.cache.Set(userID, s.Clone(), cache.DefaultExpiration)
}

// publish announces a transition. Bus failures are logged and swallowed.
func (m *managerImpl) publish(action bus.SessionAction, userID string, s *StudySession) {
	payload := bus.SessionStatePayload{Action: action, UserID: userID}
	if s != nil {
		data, err := json.Marshal(s)
		if err != nil {
			m.log.WithError(err).Warn("Failed to encode session for broadcast")
			return
		}
		payload.Session = data
	}

	if err := m.bus.Send(bus.NewMessage(payload)); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"user":   userID,
			"action": action,
		}).Debug("Session change not broadcast")
	}
	metrics.RecordSessionTransition(string(action), "local")
}

// persist writes s through to the store. The cache and the broadcast do not
// depend on it, so a context without durable storage keeps working on its
// own copy.
func (m *managerImpl) persist(ctx context.Context, userID string, s *StudySession) error {
	if err := m.store.Put(ctx, userID, s); err != nil {
		m.log.WithError(err).WithField("user", userID).Warn("Failed to persist session")
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// StartSession creates or replaces the user's session.
func (m *managerImpl) StartSession(ctx context.Context, userID string, opts StartOptions) (*StudySession, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if opts.EntryMode == "" {
		opts.EntryMode = EntryModeAssigned
	}
	if !opts.EntryMode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntryMode, opts.EntryMode)
	}

	ctx, span := observability.StartSpanWithContext(ctx, "session.start", map[string]any{"user": userID})
	defer span.End()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var previous time.Time
	if cur, ok := m.cached(userID); ok {
		previous = cur.LastActive
	}
	now := m.stamp(previous)

	s := &StudySession{
		Subject:    opts.Subject,
		EntryMode:  opts.EntryMode,
		StartedAt:  opts.StartedAt.UTC(),
		LastActive: now,
		OriginID:   m.bus.Identity(),
	}
	if opts.StartedAt.IsZero() {
		s.StartedAt = now
	}
	Patch{TaskID: opts.TaskID, TaskTitle: opts.TaskTitle}.apply(s)

	m.remember(userID, s)
	err := m.persist(ctx, userID, s)
	span.SetError(err)
	m.publish(bus.SessionActionStart, userID, s)

	m.log.WithFields(logrus.Fields{"user": userID, "subject": s.Subject}).Info("Session started")
	return s.Clone(), err
}

// GetSession returns the cached session or reads it through from the store.
// Concurrent cold reads for one user share a single store read.
func (m *managerImpl) GetSession(ctx context.Context, userID string) (*StudySession, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if s, ok := m.cached(userID); ok {
		return s, nil
	}
	return m.load(ctx, userID)
}

func (m *managerImpl) load(ctx context.Context, userID string) (*StudySession, error) {
	v, err, _ := m.loads.Do(userID, func() (any, error) {
		var s StudySession
		if _, err := m.store.Load(ctx, userID, &s); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.cache.Delete(userID)
				return (*StudySession)(nil), nil
			}
			return nil, fmt.Errorf("load session: %w", err)
		}
		m.remember(userID, &s)
		return &s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StudySession).Clone(), nil
}

// UpdateSession merges patch into the user's session.
func (m *managerImpl) UpdateSession(ctx context.Context, userID string, patch Patch) (*StudySession, error) {
	if err := patch.validate(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpanWithContext(ctx, "session.update", map[string]any{
		"user":       userID,
		"keep_alive": patch.Empty(),
	})
	defer span.End()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	s, err := m.GetSession(ctx, userID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if s == nil {
		return nil, ErrNoActiveSession
	}

	patch.apply(s)
	s.LastActive = m.stamp(s.LastActive)
	s.OriginID = m.bus.Identity()

	m.remember(userID, s)
	err = m.persist(ctx, userID, s)
	span.SetError(err)
	m.publish(bus.SessionActionUpdate, userID, s)

	return s.Clone(), err
}

// ClearSession ends the user's session.
func (m *managerImpl) ClearSession(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUser
	}

	ctx, span := observability.StartSpanWithContext(ctx, "session.clear", map[string]any{"user": userID})
	defer span.End()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.cache.Delete(userID)
	err := m.store.Delete(ctx, userID, store.KeySessionContext)
	if err != nil {
		m.log.WithError(err).WithField("user", userID).Warn("Failed to delete persisted session")
		err = fmt.Errorf("delete session: %w", err)
		span.SetError(err)
	}
	m.publish(bus.SessionActionClear, userID, nil)

	m.log.WithField("user", userID).Info("Session cleared")
	return err
}

// IsActive reports whether the user has a session.
func (m *managerImpl) IsActive(ctx context.Context, userID string) (bool, error) {
	s, err := m.GetSession(ctx, userID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// KeepAlive is UpdateSession with an empty patch.
func (m *managerImpl) KeepAlive(ctx context.Context, userID string) (*StudySession, error) {
	return m.UpdateSession(ctx, userID, Patch{})
}

// CheckAbandoned reads the stored session so that keep-alives from other
// contexts count, falling back to the cache when the store is unavailable.
func (m *managerImpl) CheckAbandoned(ctx context.Context, userID string, maxInactivity time.Duration) (bool, error) {
	if maxInactivity <= 0 {
		return false, fmt.Errorf("%w: %s", ErrInvalidInactivity, maxInactivity)
	}

	s, err := m.Refresh(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrInvalidUser) {
			return false, err
		}
		m.log.WithError(err).WithField("user", userID).Debug("Abandonment check using cached session")
		s, _ = m.cached(userID)
	}
	if s == nil {
		return false, nil
	}

	idle := s.InactiveFor(m.now())
	if idle <= maxInactivity {
		return false, nil
	}

	m.log.WithFields(logrus.Fields{
		"user": userID,
		"idle": idle.Round(time.Second).String(),
	}).Info("Session abandoned")
	metrics.RecordAbandonedSession()

	return true, m.ClearSession(ctx, userID)
}

// NeedsExitConfirmation is true while a session is active.
func (m *managerImpl) NeedsExitConfirmation(ctx context.Context, userID string) (bool, error) {
	return m.IsActive(ctx, userID)
}

// Refresh drops the cached session and reads it again.
func (m *managerImpl) Refresh(ctx context.Context, userID string) (*StudySession, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	prev, hadPrev := m.cached(userID)
	m.cache.Delete(userID)

	s, err := m.load(ctx, userID)
	if err != nil && hadPrev {
		// Keep serving the last known session while the store is down.
		m.remember(userID, prev)
	}
	return s, err
}

// Follow subscribes to session changes from other contexts.
func (m *managerImpl) Follow(onChange func(Change)) func() {
	unsubscribe := m.bus.Subscribe(bus.KindSessionState, func(msg bus.Message) {
		p, ok := msg.Payload.(bus.SessionStatePayload)
		if !ok || p.UserID == "" {
			return
		}
		metrics.RecordSessionTransition(string(p.Action), "remote")

		change := Change{Action: p.Action, UserID: p.UserID, Origin: msg.OriginID, SentAt: msg.Time()}
		if p.Action == bus.SessionActionClear {
			m.cache.Delete(p.UserID)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
			s, err := m.Refresh(ctx, p.UserID)
			cancel()
			if err != nil {
				m.log.WithError(err).WithField("user", p.UserID).Warn("Failed to refresh session after remote change")
			}
			// A store this context does not share, or one that is down,
			// leaves the announced copy as the best known state.
			if s == nil {
				if s = decodeAnnounced(p.Session); s != nil {
					m.remember(p.UserID, s)
				}
			}
			change.Session = s
		}

		m.log.WithFields(logrus.Fields{
			"user":   p.UserID,
			"action": p.Action,
			"from":   msg.OriginID,
		}).Debug("Session changed in another context")

		if onChange != nil {
			onChange(change)
		}
	})

	m.followMu.Lock()
	m.unfollows = append(m.unfollows, unsubscribe)
	m.followMu.Unlock()
	return unsubscribe
}

// decodeAnnounced decodes the session carried by a broadcast, or nil.
func decodeAnnounced(raw json.RawMessage) *StudySession {
	if len(raw) == 0 {
		return nil
	}
	var s StudySession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// ClearAll purges every durable record of the user and announces the clear.
func (m *managerImpl) ClearAll(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}

	ctx, span := observability.StartSpanWithContext(ctx, "session.clear_all", map[string]any{"user": userID})
	defer span.End()

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.cache.Delete(userID)
	n, err := m.store.ClearAll(ctx, userID)
	if err != nil {
		err = fmt.Errorf("clear user records: %w", err)
		span.SetError(err)
	}
	m.publish(bus.SessionActionClear, userID, nil)

	m.log.WithFields(logrus.Fields{"user": userID, "removed": n}).Info("Purged user records")
	return n, err
}

// HasMultipleContexts reports whether other contexts are open.
func (m *managerImpl) HasMultipleContexts() bool {
	return m.bus.HasMultipleContexts()
}

// Close stops following and empties the cache.
func (m *managerImpl) Close() error {
	m.followMu.Lock()
	unfollows := m.unfollows
	m.unfollows = nil
	m.followMu.Unlock()

	for _, unfollow := range unfollows {
		unfollow()
	}
	m.cache.Flush()
	return nil
}
