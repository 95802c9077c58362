package service

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// CapacityError reports an admission refused at full capacity with no
// idle session to evict.
type CapacityError struct {
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session pool at capacity (%d) with no idle session to evict", e.Capacity)
}

// SessionOptions are the per-request launch options applied when a new
// session is created for a serial. A reused live session keeps the options
// it launched with.
type SessionOptions struct {
	Control       bool
	PreferForward bool
}

// SessionFactory builds a session for a serial at a given quality tier
type SessionFactory func(serial string, profile QualityProfile, opts SessionOptions) *DeviceSession

// PoolEntry is a pooled session plus its usage bookkeeping
type PoolEntry struct {
	Session  *DeviceSession
	inUse    bool
	useCount int
	lastUsed time.Time
}

// UseCount returns how many times the entry has been acquired
func (e *PoolEntry) UseCount() int { return e.useCount }

// LastUsed returns the most recent acquire or release time
func (e *PoolEntry) LastUsed() time.Time { return e.lastUsed }

// InUse reports whether a caller currently holds the entry
func (e *PoolEntry) InUse() bool { return e.inUse }

const (
	defaultPoolCapacity = 100
	defaultIdleTimeout  = 5 * time.Minute
	sweepInterval       = 30 * time.Second
)

// SessionPool admits, reuses and evicts device sessions. At most one
// session exists per serial; admission at capacity evicts the
// least-recently-used idle session or is refused.
type SessionPool struct {
	mu          sync.Mutex
	entries     map[string]*PoolEntry
	capacity    int
	idleTimeout time.Duration
	factory     SessionFactory
	metrics     *Metrics
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewSessionPool creates a pool and starts its idle sweeper
func NewSessionPool(factory SessionFactory, metrics *Metrics) *SessionPool {
	p := &SessionPool{
		entries:     make(map[string]*PoolEntry),
		capacity:    defaultPoolCapacity,
		idleTimeout: defaultIdleTimeout,
		factory:     factory,
		metrics:     metrics,
		stop:        make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Capacity returns the admission limit
func (p *SessionPool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// SetCapacity adjusts the admission limit. Existing sessions above the
// new limit are not torn down; the limit applies to new admissions.
func (p *SessionPool) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.capacity = n
	p.mu.Unlock()
	log.Printf("⚙️ Session pool capacity set to %d", n)
}

// IdleTimeout returns the idle eviction horizon
func (p *SessionPool) IdleTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idleTimeout
}

// SetIdleTimeout adjusts the idle eviction horizon
func (p *SessionPool) SetIdleTimeout(d time.Duration) {
	if d < time.Second {
		d = time.Second
	}
	p.mu.Lock()
	p.idleTimeout = d
	p.mu.Unlock()
}

// Size returns the number of pooled sessions
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns the session for a serial, creating and starting one if
// needed. A serial never gets a second live session: a repeat acquire
// returns the existing one, unless that session has permanently failed,
// in which case it is replaced with a fresh one. At capacity the
// least-recently-used idle session is evicted to make room; with nothing
// idle, a CapacityError.
func (p *SessionPool) Acquire(serial string, opts SessionOptions) (*DeviceSession, error) {
	p.mu.Lock()

	var corpse *DeviceSession
	if entry, ok := p.entries[serial]; ok {
		if entry.Session.State() != StateFailed {
			entry.inUse = true
			entry.useCount++
			entry.lastUsed = time.Now()
			p.mu.Unlock()
			log.Printf("♻️ [%s] Reusing pooled session (use #%d)", serial, entry.useCount)
			return entry.Session, nil
		}
		// a failed session never comes back: replace it
		corpse = entry.Session
		delete(p.entries, serial)
		log.Printf("💀 [%s] Replacing permanently failed session", serial)
	}

	var evicted *DeviceSession
	if len(p.entries) >= p.capacity {
		victim := p.lruIdleLocked()
		if victim == "" {
			limit := p.capacity
			p.mu.Unlock()
			return nil, &CapacityError{Capacity: limit}
		}
		evicted = p.entries[victim].Session
		delete(p.entries, victim)
		log.Printf("🚪 [%s] Evicting idle session to admit %s", victim, serial)
		if p.metrics != nil {
			p.metrics.EvictionsTotal.Inc()
		}
	}

	// Tier is determined by the count including the new admission
	profile := ProfileFor(len(p.entries) + 1)
	session := p.factory(serial, profile, opts)
	p.entries[serial] = &PoolEntry{
		Session:  session,
		inUse:    true,
		useCount: 1,
		lastUsed: time.Now(),
	}
	size := len(p.entries)
	p.mu.Unlock()

	// Teardown outside the lock: eviction blocks on the evicted worker
	if corpse != nil {
		corpse.Close()
	}
	if evicted != nil {
		evicted.Close()
	}

	if p.metrics != nil {
		p.metrics.ActiveSessions.Set(float64(size))
	}
	log.Printf("➕ [%s] Admitted session at tier %q (%d pooled)", serial, profile.Label, size)

	session.Start()
	return session, nil
}

// Release marks a session idle, making it an eviction candidate
func (p *SessionPool) Release(serial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[serial]; ok {
		entry.inUse = false
		entry.lastUsed = time.Now()
	}
}

// Remove tears down and forgets a session
func (p *SessionPool) Remove(serial string) bool {
	p.mu.Lock()
	entry, ok := p.entries[serial]
	if ok {
		delete(p.entries, serial)
	}
	size := len(p.entries)
	p.mu.Unlock()

	if !ok {
		return false
	}
	entry.Session.Close()
	if p.metrics != nil {
		p.metrics.ActiveSessions.Set(float64(size))
	}
	log.Printf("➖ [%s] Session removed (%d pooled)", serial, size)
	return true
}

// Get returns the pooled session for a serial without acquiring it
func (p *SessionPool) Get(serial string) (*DeviceSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[serial]
	if !ok {
		return nil, false
	}
	return entry.Session, true
}

// SessionInfo is a point-in-time view of one pooled session
type SessionInfo struct {
	Serial   string         `json:"serial"`
	State    string         `json:"state"`
	Profile  QualityProfile `json:"profile"`
	Tunnel   string         `json:"tunnel"`
	InUse    bool           `json:"in_use"`
	UseCount int            `json:"use_count"`
	LastUsed time.Time      `json:"last_used"`
	Frames   uint64         `json:"frames"`
	Skipped  uint64         `json:"skipped"`
	Restarts int            `json:"restarts"`
}

// Snapshot returns a point-in-time view of every pooled session
func (p *SessionPool) Snapshot() []SessionInfo {
	p.mu.Lock()
	serials := make([]string, 0, len(p.entries))
	entries := make([]*PoolEntry, 0, len(p.entries))
	for serial, entry := range p.entries {
		serials = append(serials, serial)
		entries = append(entries, entry)
	}
	p.mu.Unlock()

	infos := make([]SessionInfo, 0, len(entries))
	for i, entry := range entries {
		s := entry.Session
		infos = append(infos, SessionInfo{
			Serial:   serials[i],
			State:    s.State().String(),
			Profile:  s.Profile(),
			Tunnel:   s.TunnelMode().String(),
			InUse:    entry.inUse,
			UseCount: entry.useCount,
			LastUsed: entry.lastUsed,
			Frames:   s.Frames(),
			Skipped:  s.Skipped(),
			Restarts: s.Restarts(),
		})
	}
	return infos
}

// Shutdown stops the sweeper and tears down every session
func (p *SessionPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	sessions := make([]*DeviceSession, 0, len(p.entries))
	for _, entry := range p.entries {
		sessions = append(sessions, entry.Session)
	}
	p.entries = make(map[string]*PoolEntry)
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if p.metrics != nil {
		p.metrics.ActiveSessions.Set(0)
	}
	log.Printf("🛑 Session pool shut down (%d sessions closed)", len(sessions))
}

// lruIdleLocked picks the idle entry with the oldest lastUsed. Caller
// holds p.mu. Returns "" when everything is in use.
func (p *SessionPool) lruIdleLocked() string {
	var victim string
	var oldest time.Time
	for serial, entry := range p.entries {
		if entry.inUse {
			continue
		}
		if victim == "" || entry.lastUsed.Before(oldest) {
			victim = serial
			oldest = entry.lastUsed
		}
	}
	return victim
}

// sweepLoop evicts sessions idle past the timeout, and reaps failed ones
func (p *SessionPool) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *SessionPool) sweep() {
	p.mu.Lock()
	timeout := p.idleTimeout
	now := time.Now()
	var victims []*DeviceSession
	for serial, entry := range p.entries {
		stale := !entry.inUse && now.Sub(entry.lastUsed) > timeout
		dead := entry.Session.State() == StateFailed
		if stale || dead {
			victims = append(victims, entry.Session)
			delete(p.entries, serial)
			if stale {
				log.Printf("🧹 [%s] Sweeping idle session (idle %v)", serial, now.Sub(entry.lastUsed).Round(time.Second))
			} else {
				log.Printf("🧹 [%s] Sweeping failed session", serial)
			}
		}
	}
	size := len(p.entries)
	p.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	if len(victims) > 0 && p.metrics != nil {
		p.metrics.ActiveSessions.Set(float64(size))
		p.metrics.EvictionsTotal.Add(float64(len(victims)))
	}
}
