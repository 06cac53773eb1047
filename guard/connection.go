package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// connEntry tracks one client's non-download request behavior. The entry
// mutex covers every field; the guard map lock is never held while an
// entry is being mutated.
type connEntry struct {
	mu           sync.Mutex
	connections  int
	requestCount int64
	timeoutCount int64
	firstSeen    time.Time
	lastActivity time.Time
	blocked      bool
	blockedUntil time.Time
}

// ConnectionGuard tracks per-client concurrency and timeout behavior for
// non-download requests and blocks clients that exceed the adaptive
// threshold or accumulate a suspicious timeout ratio.
type ConnectionGuard struct {
	cfg     *atomic.Pointer[Config]
	now     func() time.Time
	onBlock func(BlockEvent)

	mu      sync.RWMutex
	entries map[string]*connEntry
}

func newConnectionGuard(cfg *atomic.Pointer[Config]) *ConnectionGuard {
	return &ConnectionGuard{
		cfg:     cfg,
		now:     time.Now,
		onBlock: func(BlockEvent) {},
		entries: make(map[string]*connEntry),
	}
}

func (g *ConnectionGuard) getOrCreate(client string) *connEntry {
	g.mu.RLock()
	entry, ok := g.entries[client]
	g.mu.RUnlock()
	if ok {
		return entry
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	// Double check after acquiring the write lock.
	if entry, ok = g.entries[client]; ok {
		return entry
	}

	now := g.now()
	entry = &connEntry{firstSeen: now, lastActivity: now}
	g.entries[client] = entry
	return entry
}

// Admit decides whether a request from the client may proceed. Expired
// blocks are cleared lazily here; no background unblocking exists.
func (g *ConnectionGuard) Admit(client string) Decision {
	entry := g.getOrCreate(client)
	now := g.now()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.lastActivity = now
	if entry.blocked {
		if now.Before(entry.blockedUntil) {
			return deny(entry.blockedUntil.Sub(now))
		}
		entry.blocked = false
	}
	return allow
}

// Register records the start of an admitted request and returns the
// ticket that must complete it. It also runs the adaptive block check:
// exceeding the hard cap blocks immediately, while the ratio-based path
// only applies once the client's session has outlived the grace period.
func (g *ConnectionGuard) Register(client string) *Ticket {
	cfg := g.cfg.Load()
	entry := g.getOrCreate(client)
	now := g.now()

	entry.mu.Lock()
	entry.requestCount++
	entry.connections++
	entry.lastActivity = now

	var event *BlockEvent
	if !entry.blocked {
		elapsed := now.Sub(entry.firstSeen)
		threshold := adaptiveThreshold(cfg, elapsed)
		ratio := timeoutRatio(entry.timeoutCount, entry.requestCount)

		switch {
		case entry.connections > cfg.HardCapConnections:
			event = g.block(entry, client, ReasonHardCap, now, cfg)
		case entry.connections > threshold && elapsed > cfg.gracePeriod() && ratio > cfg.TimeoutRatio:
			event = g.block(entry, client, ReasonTimeoutRatio, now, cfg)
		}
	}
	entry.mu.Unlock()

	if event != nil {
		g.onBlock(*event)
	}
	return &Ticket{guard: g, client: client}
}

// OnTimeout records a fired request, response or connection watchdog.
// A high timeout proportion is a stronger abuse signal than raw
// concurrency, so crossing the penalty ratio blocks immediately once
// enough samples exist.
func (g *ConnectionGuard) OnTimeout(client string, kind TimeoutKind) {
	cfg := g.cfg.Load()
	entry := g.getOrCreate(client)
	now := g.now()

	entry.mu.Lock()
	entry.timeoutCount++
	entry.lastActivity = now

	var event *BlockEvent
	if !entry.blocked &&
		entry.timeoutCount >= int64(cfg.MinTimeoutSamples) &&
		timeoutRatio(entry.timeoutCount, entry.requestCount) > cfg.PenaltyRatio {
		event = g.block(entry, client, ReasonTimeoutPenalty, now, cfg)
	}
	entry.mu.Unlock()

	if event != nil {
		g.onBlock(*event)
	}
}

// block marks the entry and builds the event. Caller holds entry.mu and
// must deliver the event after releasing it.
func (g *ConnectionGuard) block(entry *connEntry, client, reason string, now time.Time, cfg *Config) *BlockEvent {
	entry.blocked = true
	entry.blockedUntil = now.Add(cfg.BlockDuration())
	return &BlockEvent{
		Time:          now,
		Guard:         "connection",
		Client:        client,
		Reason:        reason,
		RetryAfterSec: cfg.BlockDurationSec,
		Connections:   entry.connections,
		RequestCount:  entry.requestCount,
		TimeoutCount:  entry.timeoutCount,
	}
}

func (g *ConnectionGuard) unregister(client string) {
	g.mu.RLock()
	entry, ok := g.entries[client]
	g.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.connections > 0 {
		entry.connections--
	}
	entry.lastActivity = g.now()
	entry.mu.Unlock()
}

// sweep removes expired entries under the reaper's rules and reports how
// many were evicted. An entry with open connections is never removed.
func (g *ConnectionGuard) sweep(now time.Time, inactivity time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for client, entry := range g.entries {
		entry.mu.Lock()
		remove := entry.connections == 0 &&
			(now.Sub(entry.lastActivity) > inactivity ||
				(entry.blocked && now.After(entry.blockedUntil) && !entry.lastActivity.After(entry.blockedUntil)))
		entry.mu.Unlock()

		if remove {
			delete(g.entries, client)
			evicted++
		}
	}
	return evicted
}

func (g *ConnectionGuard) snapshot(now time.Time) (connections, activeClients, tracked, blocked int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tracked = len(g.entries)
	for _, entry := range g.entries {
		entry.mu.Lock()
		connections += entry.connections
		if entry.connections > 0 {
			activeClients++
		}
		if entry.blocked && now.Before(entry.blockedUntil) {
			blocked++
		}
		entry.mu.Unlock()
	}
	return connections, activeClients, tracked, blocked
}

// Ticket completes one registered request. Done is safe to call from
// both the finish and close paths; only the first call decrements.
type Ticket struct {
	guard  *ConnectionGuard
	client string
	done   atomic.Bool
}

// Done unregisters the request exactly once.
func (t *Ticket) Done() {
	if t.done.CompareAndSwap(false, true) {
		t.guard.unregister(t.client)
	}
}

// adaptiveThreshold is the allowed concurrency for a client with the
// given session age: starts at the baseline and grows by one per ramp
// window up to the hard cap, so long-lived clients earn headroom while
// fresh identifiers stay tightly capped.
func adaptiveThreshold(cfg *Config, elapsed time.Duration) int {
	grown := int(elapsed / cfg.rampWindow())
	if grown < cfg.BaselineConnections {
		grown = cfg.BaselineConnections
	}
	if grown > cfg.HardCapConnections {
		grown = cfg.HardCapConnections
	}
	return grown
}

func timeoutRatio(timeouts, requests int64) float64 {
	if requests < 1 {
		requests = 1
	}
	return float64(timeouts) / float64(requests)
}
