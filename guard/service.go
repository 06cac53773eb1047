package guard

import (
	"sync/atomic"
	"time"
)

// Service owns both guards and their reaper. It exists so that tests and
// embedders can run independent instances side by side; there are no
// package-level tracker maps.
type Service struct {
	cfg       atomic.Pointer[Config]
	Conns     *ConnectionGuard
	Downloads *DownloadGuard
	reaper    *Reaper
}

// NewService builds a started service from the given tuning. A nil
// config uses the defaults.
func NewService(cfg *Config) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()

	s := &Service{}
	s.cfg.Store(cfg)
	s.Conns = newConnectionGuard(&s.cfg)
	s.Downloads = newDownloadGuard(&s.cfg)
	s.reaper = newReaper(&s.cfg, s.Conns, s.Downloads)
	go s.reaper.run()
	return s
}

// Config returns the current tuning snapshot.
func (s *Service) Config() *Config {
	return s.cfg.Load()
}

// ApplyTuning swaps in new tuning values. Existing entries keep their
// counters; only the thresholds change. A changed reaper interval is
// applied immediately.
func (s *Service) ApplyTuning(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.normalize()
	s.cfg.Store(cfg)
	s.reaper.apply()
}

// OnBlock installs a hook invoked whenever either guard blocks a client.
// The hook runs outside entry locks but on the request path, so it must
// not stall.
func (s *Service) OnBlock(fn func(BlockEvent)) {
	if fn == nil {
		return
	}
	s.Conns.onBlock = fn
	s.Downloads.onBlock = fn
}

// OnEvict installs a hook invoked with reaper eviction counts.
func (s *Service) OnEvict(fn func(guard string, evicted int)) {
	if fn == nil {
		return
	}
	s.reaper.onEvict = fn
}

// Sweep forces one reaper pass, mainly for tests and admin tooling.
func (s *Service) Sweep() {
	s.reaper.Tick()
}

// Stats returns an aggregate snapshot across both guards.
func (s *Service) Stats() Stats {
	now := s.Conns.now()

	var st Stats
	st.ActiveConnections, st.ActiveClients, st.TrackedClients, st.BlockedClients = s.Conns.snapshot(now)
	st.ActiveDownloads, st.ActiveDownloadClients, st.TrackedDownloadClients, st.BlockedDownloadClients = s.Downloads.snapshot(now)
	st.SlowDownloads = s.Downloads.slowTotal.Load()
	return st
}

// Close stops the reaper and releases both tracker maps. Required for
// clean shutdown; the service must not be used afterwards.
func (s *Service) Close() {
	s.reaper.Stop()
	s.Conns.mu.Lock()
	s.Conns.entries = make(map[string]*connEntry)
	s.Conns.mu.Unlock()
	s.Downloads.mu.Lock()
	s.Downloads.entries = make(map[string]*downloadEntry)
	s.Downloads.mu.Unlock()
}

// setClock points both guards and the reaper at a fake clock in tests.
func (s *Service) setClock(now func() time.Time) {
	s.Conns.now = now
	s.Downloads.now = now
}
