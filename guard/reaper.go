package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reaper periodically evicts stale entries from both tracker maps. It is
// the only path that removes entries; the request path only creates and
// mutates them, so an entry referenced by an in-flight request can never
// vanish underneath it.
type Reaper struct {
	cfg       *atomic.Pointer[Config]
	conns     *ConnectionGuard
	downloads *DownloadGuard
	onEvict   func(guard string, evicted int)

	stopOnce sync.Once
	kick     chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

func newReaper(cfg *atomic.Pointer[Config], conns *ConnectionGuard, downloads *DownloadGuard) *Reaper {
	return &Reaper{
		cfg:       cfg,
		conns:     conns,
		downloads: downloads,
		onEvict:   func(string, int) {},
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Reaper) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Load().reaperInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-r.kick:
			ticker.Reset(r.cfg.Load().reaperInterval())
		case <-r.stop:
			return
		}
	}
}

// apply resets the sweep ticker so a reloaded interval takes effect
// without waiting out the old one.
func (r *Reaper) apply() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Tick performs one sweep over both tracker maps. Exported so tests and
// the stats endpoint can force a sweep without waiting for the interval.
func (r *Reaper) Tick() {
	now := r.conns.now()
	inactivity := r.cfg.Load().inactivityWindow()

	if n := r.conns.sweep(now, inactivity); n > 0 {
		r.onEvict("connection", n)
	}
	if n := r.downloads.sweep(now, inactivity); n > 0 {
		r.onEvict("download", n)
	}
}

// Stop cancels the periodic sweep and waits for the loop to exit, so no
// timer keeps the process alive during shutdown.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}
