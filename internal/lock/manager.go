package lock

import (
	"strings"
	"sync"
	"time"

	"courtbot/pkg/logx"
)

// DefaultTTL bounds how long a crashed holder can keep a day locked.
const DefaultTTL = 5 * time.Minute

// Lock is a live registry entry.
type Lock struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Key composes the lock key for one account, venue and day.
func Key(accountID, venue, date string) string {
	return strings.Join([]string{accountID, venue, date}, ":")
}

type Options struct {
	TTL time.Duration
	Now func() time.Time
	Log logx.Logger
}

// Manager is the in-memory lock registry. Expired entries are swept on every
// call.
type Manager struct {
	mu    sync.Mutex
	locks map[string]Lock
	ttl   time.Duration
	now   func() time.Time
	log   logx.Logger
}

func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		locks: make(map[string]Lock),
		ttl:   opts.TTL,
		now:   opts.Now,
		log:   opts.Log.With(logx.String("comp", "lock")),
	}
}

func (m *Manager) sweepLocked(now time.Time) {
	for k, l := range m.locks {
		if !now.Before(l.ExpiresAt) {
			delete(m.locks, k)
			m.log.Debug("lock expired", logx.String("key", k), logx.String("holder", l.Holder))
		}
	}
}

// Acquire takes key for holder. It returns false while another live entry
// holds the key, including one held by the same holder.
func (m *Manager) Acquire(key, holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)
	if cur, ok := m.locks[key]; ok {
		m.log.Debug("lock busy", logx.String("key", key), logx.String("holder", cur.Holder), logx.String("want", holder))
		return false
	}
	m.locks[key] = Lock{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(m.ttl)}
	return true
}

// Release drops key when holder owns it. Anything else is a logged no-op.
func (m *Manager) Release(key, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.now())
	cur, ok := m.locks[key]
	if !ok {
		return
	}
	if cur.Holder != holder {
		m.log.Warn("lock release by non-holder ignored",
			logx.String("key", key),
			logx.String("holder", cur.Holder),
			logx.String("caller", holder),
		)
		return
	}
	delete(m.locks, key)
}

func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.now())
	_, ok := m.locks[key]
	return ok
}

// Count returns the number of live locks.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.now())
	return len(m.locks)
}

// Snapshot lists live locks.
func (m *Manager) Snapshot() []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweepLocked(m.now())
	out := make([]Lock, 0, len(m.locks))
	for _, l := range m.locks {
		out = append(out, l)
	}
	return out
}
