package agentchat

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	scopePrefix     = "session_"
	scopeSuffixLen  = 9
	scopeSuffixRune = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateScopeID returns a conversation scope id of the form
// session_<unix millis>_<9 base36 chars>.
func GenerateScopeID(now time.Time, rng *rand.Rand) string {
	var b strings.Builder
	b.Grow(len(scopePrefix) + 14 + 1 + scopeSuffixLen)
	b.WriteString(scopePrefix)
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	for range scopeSuffixLen {
		var n int
		if rng != nil {
			n = rng.IntN(len(scopeSuffixRune))
		} else {
			n = rand.IntN(len(scopeSuffixRune))
		}
		b.WriteByte(scopeSuffixRune[n])
	}
	return b.String()
}

// ScopeManager owns the active conversation scope and keeps it in the store.
type ScopeManager struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	current string

	changes listeners[string]
}

func NewScopeManager(store Store, logger *zap.Logger) *ScopeManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &ScopeManager{store: store, logger: logger.Named("scope"), now: time.Now}
	m.changes.logger = m.logger
	return m
}

// OnChange registers fn to be called with the new scope after New.
func (m *ScopeManager) OnChange(fn func(string)) func() {
	return m.changes.add(fn)
}

// Current returns the active scope. On first use it is read from the store,
// or generated and stored when none is kept.
func (m *ScopeManager) Current(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" {
		return m.current
	}

	stored, err := m.store.Get(ctx, KeyScope)
	switch {
	case err == nil && stored != "":
		m.current = stored
		return stored
	case err != nil && !errors.Is(err, ErrNotFound):
		m.logger.Warn("scope_load_failed", zap.Error(err))
	}

	m.current = GenerateScopeID(m.now(), nil)
	m.persist(ctx, m.current)
	return m.current
}

// New starts a fresh conversation scope and notifies subscribers.
func (m *ScopeManager) New(ctx context.Context) string {
	id := GenerateScopeID(m.now(), nil)

	m.mu.Lock()
	m.current = id
	m.persist(ctx, id)
	m.mu.Unlock()

	m.logger.Info("scope_created", zap.String("session_id", id))
	m.changes.emit(id)
	return id
}

func (m *ScopeManager) persist(ctx context.Context, id string) {
	if err := m.store.Put(ctx, KeyScope, id); err != nil {
		m.logger.Warn("scope_persist_failed", zap.String("session_id", id), zap.Error(err))
	}
}
