package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// minSampleWindow is the shortest interval over which a transfer rate is
// recomputed. Sub-second samples are accumulated, never measured, to keep
// scheduler jitter out of the rate estimate.
const minSampleWindow = time.Second

// downloadEntry tracks one client's download behavior. Disjoint from the
// connection tracker: the same client has independent block state here.
type downloadEntry struct {
	mu            sync.Mutex
	active        int
	totalBytes    int64
	rate          float64 // bytes/sec, rolling estimate
	windowBytes   int64
	windowElapsed time.Duration
	slowCount     int64
	firstSeen     time.Time
	lastActivity  time.Time
	blocked       bool
	blockedUntil  time.Time
}

// DownloadGuard caps per-client concurrent downloads with a hard limit
// and terminates downloads that stay pathologically slow for the whole
// watchdog window. Downloads hold server resources for far longer than
// idle connections, so there is no adaptive ramp here.
type DownloadGuard struct {
	cfg     *atomic.Pointer[Config]
	now     func() time.Time
	onBlock func(BlockEvent)

	slowTotal atomic.Int64 // survives entry eviction

	mu      sync.RWMutex
	entries map[string]*downloadEntry
}

func newDownloadGuard(cfg *atomic.Pointer[Config]) *DownloadGuard {
	return &DownloadGuard{
		cfg:     cfg,
		now:     time.Now,
		onBlock: func(BlockEvent) {},
		entries: make(map[string]*downloadEntry),
	}
}

func (g *DownloadGuard) getOrCreate(client string) *downloadEntry {
	g.mu.RLock()
	entry, ok := g.entries[client]
	g.mu.RUnlock()
	if ok {
		return entry
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, ok = g.entries[client]; ok {
		return entry
	}

	now := g.now()
	entry = &downloadEntry{firstSeen: now, lastActivity: now}
	g.entries[client] = entry
	return entry
}

// Admit decides whether a download from the client may start. A client
// already at the concurrency cap is blocked on the spot, before any
// bytes move.
func (g *DownloadGuard) Admit(client string) Decision {
	cfg := g.cfg.Load()
	entry := g.getOrCreate(client)
	now := g.now()

	entry.mu.Lock()
	entry.lastActivity = now
	if entry.blocked {
		if now.Before(entry.blockedUntil) {
			d := deny(entry.blockedUntil.Sub(now))
			entry.mu.Unlock()
			return d
		}
		entry.blocked = false
	}

	if entry.active >= cfg.MaxConcurrentDownloads {
		event := g.block(entry, client, ReasonDownloadCap, now, cfg)
		d := deny(entry.blockedUntil.Sub(now))
		entry.mu.Unlock()
		g.onBlock(*event)
		return d
	}
	entry.mu.Unlock()
	return allow
}

// Register records the start of an admitted download, arms the
// slow-transfer watchdog and returns the ticket that must complete it.
func (g *DownloadGuard) Register(client string) *Download {
	cfg := g.cfg.Load()
	entry := g.getOrCreate(client)
	now := g.now()

	entry.mu.Lock()
	entry.active++
	entry.lastActivity = now

	var event *BlockEvent
	if !entry.blocked && entry.active > cfg.MaxConcurrentDownloads {
		// Admit raced with another register from the same client.
		event = g.block(entry, client, ReasonDownloadCap, now, cfg)
	}
	entry.mu.Unlock()

	if event != nil {
		g.onBlock(*event)
	}

	d := &Download{
		guard:   g,
		client:  client,
		aborted: make(chan struct{}),
	}
	d.watchdog = time.AfterFunc(cfg.MaxDownloadDuration(), d.verdict)
	return d
}

// Sample is the ThrottledStream reporting hook. Chunks and their wall
// clock deltas accumulate until at least a full sample window has
// passed, then the rolling rate is recomputed.
func (g *DownloadGuard) Sample(client string, bytes int, elapsed time.Duration) {
	cfg := g.cfg.Load()
	entry := g.getOrCreate(client)

	entry.mu.Lock()
	entry.totalBytes += int64(bytes)
	entry.windowBytes += int64(bytes)
	entry.windowElapsed += elapsed
	entry.lastActivity = g.now()

	if entry.windowElapsed >= minSampleWindow {
		entry.rate = float64(entry.windowBytes) / entry.windowElapsed.Seconds()
		if entry.rate < float64(cfg.SlowRateBytesPerSec) {
			entry.slowCount++
			g.slowTotal.Add(1)
		}
		entry.windowBytes = 0
		entry.windowElapsed = 0
	}
	entry.mu.Unlock()
}

func (g *DownloadGuard) block(entry *downloadEntry, client, reason string, now time.Time, cfg *Config) *BlockEvent {
	entry.blocked = true
	entry.blockedUntil = now.Add(cfg.BlockDuration())
	return &BlockEvent{
		Time:          now,
		Guard:         "download",
		Client:        client,
		Reason:        reason,
		RetryAfterSec: cfg.BlockDurationSec,
		Downloads:     entry.active,
		TransferRate:  entry.rate,
	}
}

func (g *DownloadGuard) unregister(client string) {
	g.mu.RLock()
	entry, ok := g.entries[client]
	g.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.active > 0 {
		entry.active--
	}
	entry.lastActivity = g.now()
	entry.mu.Unlock()
}

func (g *DownloadGuard) sweep(now time.Time, inactivity time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for client, entry := range g.entries {
		entry.mu.Lock()
		remove := entry.active == 0 &&
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

func (g *DownloadGuard) snapshot(now time.Time) (downloads, activeClients, tracked, blocked int) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tracked = len(g.entries)
	for _, entry := range g.entries {
		entry.mu.Lock()
		downloads += entry.active
		if entry.active > 0 {
			activeClients++
		}
		if entry.blocked && now.Before(entry.blockedUntil) {
			blocked++
		}
		entry.mu.Unlock()
	}
	return downloads, activeClients, tracked, blocked
}

// Download completes one registered download. Done is safe to call from
// the finish, close and forced-abort paths; only the first call counts.
type Download struct {
	guard    *DownloadGuard
	client   string
	watchdog *time.Timer
	done     atomic.Bool
	aborted  chan struct{}
}

// Aborted is closed when the slow-transfer watchdog decides the download
// must be terminated. The boundary layer cancels the stream on it.
func (d *Download) Aborted() <-chan struct{} {
	return d.aborted
}

// Done disarms the watchdog and unregisters the download exactly once.
func (d *Download) Done() {
	if d.done.CompareAndSwap(false, true) {
		d.watchdog.Stop()
		d.guard.unregister(d.client)
	}
}

// verdict runs when the watchdog fires after the maximum download
// duration. Short slow spells earlier in the transfer are deliberately
// tolerated; only the rate observed at this point matters.
func (d *Download) verdict() {
	if d.done.Load() {
		return
	}

	g := d.guard
	cfg := g.cfg.Load()
	entry := g.getOrCreate(d.client)
	now := g.now()

	entry.mu.Lock()
	slow := entry.rate < float64(cfg.MinTransferRate)
	var event *BlockEvent
	if slow && !entry.blocked {
		event = g.block(entry, d.client, ReasonSlowTransfer, now, cfg)
	}
	entry.mu.Unlock()

	if slow {
		close(d.aborted)
	}
	if event != nil {
		g.onBlock(*event)
	}
}
