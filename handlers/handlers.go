// Package handlers is the HTTP boundary of vaultgate: it classifies
// requests, consults the guards, and streams archives through the
// throttled writer. All guard bookkeeping (register, unregister, timeout
// watchers) happens here, exactly once per request.
package handlers

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vaultgate/archive"
	"vaultgate/guard"
	"vaultgate/metrics"
	"vaultgate/throttle"
)

// Server wires the archive store to the abuse guards.
type Server struct {
	store  *archive.Store
	guards *guard.Service
}

// New creates the boundary server.
func New(store *archive.Store, guards *guard.Service) *Server {
	return &Server{store: store, guards: guards}
}

// Routes builds the full handler chain. The listing and stats endpoints
// sit behind the connection guard; downloads behind the download guard.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.protect("list", Compress(s.handleList)))
	mux.HandleFunc("/archives", s.protect("list", Compress(s.handleList)))
	mux.HandleFunc("/archives/", s.handleDownload)
	mux.HandleFunc("/stats", s.protect("stats", s.handleStats))
	return Recover(RequestID(SecureHeaders(mux)))
}

// protect runs a non-download handler under the connection guard: admit,
// register, response watchdog, and unregister from the finish, watchdog
// and client-close paths. A fired watchdog takes the response over: 408
// while headers are unsent, an immediate write deadline afterwards.
func (s *Server) protect(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.RequestsTotal.WithLabelValues(endpoint).Inc()
		ip := guard.ClientIP(r)

		if dec := s.guards.Conns.Admit(ip); !dec.Allowed {
			metrics.RequestsBlocked.WithLabelValues("connection", "denied").Inc()
			writeRetryError(w, dec)
			return
		}

		ticket := s.guards.Conns.Register(ip)
		cfg := s.guards.Config()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		tw := &timeoutWriter{w: w, rc: http.NewResponseController(w)}

		// Bound the remaining request read; a stalled body surfaces as a
		// request timeout instead of a silent dead connection.
		_ = tw.rc.SetReadDeadline(time.Now().Add(cfg.RequestTimeout()))
		r.Body = &timedBody{
			body: r.Body,
			report: func() {
				s.guards.Conns.OnTimeout(ip, guard.TimeoutRequest)
				metrics.Timeouts.WithLabelValues(string(guard.TimeoutRequest)).Inc()
			},
		}

		watchdog := time.AfterFunc(cfg.ResponseTimeout(), func() {
			s.guards.Conns.OnTimeout(ip, guard.TimeoutResponse)
			metrics.Timeouts.WithLabelValues(string(guard.TimeoutResponse)).Inc()
			tw.abort()
			ticket.Done()
			cancel()
		})

		finished := make(chan struct{})
		go func() {
			select {
			case <-r.Context().Done():
				// The connection died before the response completed;
				// that counts against the client like a fired watchdog.
				if !tw.timedOut() {
					s.guards.Conns.OnTimeout(ip, guard.TimeoutConnection)
					metrics.Timeouts.WithLabelValues(string(guard.TimeoutConnection)).Inc()
				}
				ticket.Done()
			case <-finished:
			}
		}()

		defer func() {
			close(finished)
			watchdog.Stop()
			ticket.Done()
		}()

		next(tw, r.WithContext(ctx))
	}
}

// timeoutWriter lets the response watchdog take over an in-flight
// response. Handler writes after the takeover fail with
// http.ErrHandlerTimeout.
type timeoutWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu          sync.Mutex
	wroteHeader bool
	aborted     bool
}

func (tw *timeoutWriter) Header() http.Header { return tw.w.Header() }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.aborted {
		return
	}
	tw.wroteHeader = true
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.aborted {
		return 0, http.ErrHandlerTimeout
	}
	tw.wroteHeader = true
	return tw.w.Write(b)
}

// abort ends the response from the watchdog: a clean 408 while headers
// are unsent, otherwise the connection is killed so the client is not
// left waiting on a half-finished body.
func (tw *timeoutWriter) abort() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.aborted = true
	if !tw.wroteHeader {
		writeError(tw.w, http.StatusRequestTimeout, "response timed out")
		return
	}
	_ = tw.rc.SetWriteDeadline(time.Now())
}

func (tw *timeoutWriter) timedOut() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.aborted
}

// timedBody reports request reads that hit the per-request read
// deadline to the connection guard.
type timedBody struct {
	body   io.ReadCloser
	report func()
	once   sync.Once
}

func (b *timedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		b.once.Do(b.report)
	}
	return n, err
}

func (b *timedBody) Close() error { return b.body.Close() }

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.URL.Path != "/" && r.URL.Path != "/archives" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	archives, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"archives": archives,
		"count":    len(archives),
	})
}

// handleDownload streams one archive under the download guard. The
// download is registered before the archive is opened so the slow
// watchdog covers the whole attempt; a verdict before headers go out
// yields a 408, afterwards the connection is killed with an immediate
// write deadline.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.RequestsTotal.WithLabelValues("download").Inc()

	name := strings.TrimPrefix(r.URL.Path, "/archives/")
	ip := guard.ClientIP(r)

	if dec := s.guards.Downloads.Admit(ip); !dec.Allowed {
		metrics.RequestsBlocked.WithLabelValues("download", "denied").Inc()
		writeRetryError(w, dec)
		return
	}

	dl := s.guards.Downloads.Register(ip)
	defer dl.Done()

	metrics.DownloadsActive.Inc()
	defer metrics.DownloadsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var aborted atomic.Bool
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-dl.Aborted():
			aborted.Store(true)
			dl.Done()
			cancel()
		case <-finished:
		}
	}()

	f, fi, err := s.store.Open(name)
	if err != nil {
		if errors.Is(err, archive.ErrInvalidName) || errors.Is(err, archive.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open archive")
		return
	}
	defer f.Close()

	cfg := s.guards.Config()
	tw := throttle.NewWriter(ctx, w, cfg.ThrottleBytesPerSec, cfg.ThrottleBurstBytes,
		func(n int, elapsed time.Duration) {
			s.guards.Downloads.Sample(ip, n, elapsed)
			metrics.DownloadBytes.Add(float64(n))
		})

	// Watchdog verdicts before any byte moved still get a clean 408.
	select {
	case <-dl.Aborted():
		metrics.Timeouts.WithLabelValues(string(guard.TimeoutDownload)).Inc()
		writeError(w, http.StatusRequestTimeout, "download terminated: transfer too slow")
		return
	default:
	}

	rc := http.NewResponseController(w)
	// The server-wide read deadline is shorter than a permitted
	// download; stretch it to the watchdog window for this connection.
	_ = rc.SetReadDeadline(time.Now().Add(cfg.MaxDownloadDuration()))

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(tw, f); err != nil {
		if aborted.Load() {
			metrics.DownloadsAborted.Inc()
			metrics.Timeouts.WithLabelValues(string(guard.TimeoutDownload)).Inc()
			// Headers are gone; terminate the connection instead of
			// leaving the client waiting on a half-finished body.
			_ = rc.SetWriteDeadline(time.Now())
		}
		return
	}
}

// handleStats exposes the guard snapshot to local operators only.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	writeJSON(w, http.StatusOK, s.guards.Stats())
}
