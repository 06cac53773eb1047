package handlers

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"vaultgate/archive"
	"vaultgate/guard"
)

func newTestServer(t *testing.T, cfg *guard.Config) (http.Handler, *guard.Service) {
	t.Helper()

	dir := t.TempDir()
	for name, body := range map[string]string{
		"backup-2026-08-01.tar.gz": "first archive body",
		"backup-2026-08-15.tgz":    "second archive body",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	store, err := archive.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	svc := guard.NewService(cfg)
	t.Cleanup(svc.Close)
	return New(store, svc).Routes(), svc
}

func doRequest(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestListArchives(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := doRequest(h, http.MethodGet, "/archives", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("missing generated request ID")
	}

	var body struct {
		Archives []archive.Info `json:"archives"`
		Count    int            `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || len(body.Archives) != 2 {
		t.Errorf("count = %d, archives = %d; want 2 each", body.Count, len(body.Archives))
	}
}

func TestListGzipCompression(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := doRequest(h, http.MethodGet, "/archives", map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", enc)
	}

	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer zr.Close()
	var body map[string]any
	if err := json.NewDecoder(zr).Decode(&body); err != nil {
		t.Fatalf("decode compressed body: %v", err)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := doRequest(h, http.MethodGet, "/archives", map[string]string{"X-Request-ID": "upstream-42"})
	if got := w.Header().Get("X-Request-ID"); got != "upstream-42" {
		t.Errorf("X-Request-ID = %q, want the upstream value", got)
	}
}

func TestDownload(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := doRequest(h, http.MethodGet, "/archives/backup-2026-08-01.tar.gz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := "first archive body"
	if w.Header().Get("Content-Type") != "application/octet-stream" {
		t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
	}
	if cl := w.Header().Get("Content-Length"); cl != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", cl, len(want))
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="backup-2026-08-01.tar.gz"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if body, _ := io.ReadAll(w.Body); string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestDownloadRejectsBadNames(t *testing.T) {
	h, _ := newTestServer(t, nil)

	for _, path := range []string{
		"/archives/absent.tar.gz",
		"/archives/notes.txt",
		"/archives/",
	} {
		if w := doRequest(h, http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, w.Code)
		}
	}
}

func TestDownloadCapReturns429(t *testing.T) {
	h, svc := newTestServer(t, nil)

	// httptest.NewRequest's default peer is 192.0.2.1.
	limit := svc.Config().MaxConcurrentDownloads
	for i := 0; i < limit; i++ {
		svc.Downloads.Register("192.0.2.1")
	}

	w := doRequest(h, http.MethodGet, "/archives/backup-2026-08-01.tar.gz", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After = %q, want a positive integer", w.Header().Get("Retry-After"))
	}

	var body struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after_seconds"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.RetryAfter != retry {
		t.Errorf("body retry %d != header retry %d", body.RetryAfter, retry)
	}
}

func TestBlockedClientDeniedOnListing(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.BaselineConnections = 2
	cfg.HardCapConnections = 3
	h, svc := newTestServer(t, cfg)

	for i := 0; i < 4; i++ {
		svc.Conns.Register("192.0.2.1")
	}

	w := doRequest(h, http.MethodGet, "/archives", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 for blocked client", w.Code)
	}
	if w := doRequest(h, http.MethodGet, "/stats", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("stats status = %d, want 429: stats sits behind the connection guard", w.Code)
	}

	// A different client is unaffected.
	r := httptest.NewRequest(http.MethodGet, "/archives", nil)
	r.RemoteAddr = "203.0.113.50:700"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestStatsLoopbackOnly(t *testing.T) {
	h, _ := newTestServer(t, nil)

	w := doRequest(h, http.MethodGet, "/stats", nil) // peer 192.0.2.1
	if w.Code != http.StatusForbidden {
		t.Fatalf("remote peer status = %d, want 403", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/stats", nil)
	r.RemoteAddr = "127.0.0.1:9000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback status = %d, want 200", rec.Code)
	}
	var st guard.Stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Errorf("decode stats: %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t, nil)

	for _, path := range []string{"/archives", "/archives/backup-2026-08-01.tar.gz", "/stats"} {
		if w := doRequest(h, http.MethodPost, path, nil); w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s = %d, want 405", path, w.Code)
		}
	}
}

func TestUnknownPathIs404(t *testing.T) {
	h, _ := newTestServer(t, nil)

	if w := doRequest(h, http.MethodGet, "/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("GET /nope = %d, want 404", w.Code)
	}
}

func TestSlowResponseGets408(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	cfg := guard.DefaultConfig()
	cfg.ResponseTimeoutSec = 1
	cfg.MinTimeoutSamples = 1
	svc := guard.NewService(cfg)
	t.Cleanup(svc.Close)
	s := New(nil, svc)

	h := s.protect("slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		w.WriteHeader(http.StatusOK) // too late, must be ignored
	})

	start := time.Now()
	w := doRequest(h, http.MethodGet, "/slow", nil)
	elapsed := time.Since(start)

	if w.Code != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", w.Code)
	}
	if elapsed < time.Second || elapsed > 3*time.Second {
		t.Errorf("aborted after %v, want about the response timeout", elapsed)
	}

	// The fired watchdog counts toward the penalty ratio; with a single
	// sample required the client is blocked outright.
	if w := doRequest(h, http.MethodGet, "/slow", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("follow-up status = %d, want 429", w.Code)
	}
}

func TestSlowResponseAfterHeadersIsTerminated(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	cfg := guard.DefaultConfig()
	cfg.ResponseTimeoutSec = 1
	svc := guard.NewService(cfg)
	t.Cleanup(svc.Close)
	s := New(nil, svc)

	writeErr := make(chan error, 1)
	h := s.protect("drip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("partial")); err != nil {
			writeErr <- err
			return
		}
		<-r.Context().Done()
		_, err := w.Write([]byte("more"))
		writeErr <- err
	})

	w := doRequest(h, http.MethodGet, "/drip", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want the already-sent 200", w.Code)
	}
	if got := w.Body.String(); got != "partial" {
		t.Errorf("body = %q, want only the pre-timeout bytes", got)
	}

	select {
	case err := <-writeErr:
		if !errors.Is(err, http.ErrHandlerTimeout) {
			t.Errorf("post-timeout write error = %v, want ErrHandlerTimeout", err)
		}
	default:
		t.Fatal("handler never observed the takeover")
	}
}

func TestDownloadAbortedMidStream(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	cfg := guard.DefaultConfig()
	cfg.MaxDownloadDurationSec = 1
	cfg.MinTransferRate = 1 << 20
	cfg.ThrottleBytesPerSec = 2048
	cfg.ThrottleBurstBytes = 2048

	dir := t.TempDir()
	payload := bytes.Repeat([]byte("x"), 64*1024)
	if err := os.WriteFile(filepath.Join(dir, "big.tar.gz"), payload, 0o644); err != nil {
		t.Fatal(err)
	}
	store, err := archive.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	svc := guard.NewService(cfg)
	t.Cleanup(svc.Close)
	h := New(store, svc).Routes()

	start := time.Now()
	w := doRequest(h, http.MethodGet, "/archives/big.tar.gz", nil)
	elapsed := time.Since(start)

	// Headers were already out when the watchdog struck, so the status
	// is the committed 200 and the body stops short.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want committed 200", w.Code)
	}
	if w.Body.Len() >= len(payload) {
		t.Errorf("full %d-byte body delivered despite the abort", w.Body.Len())
	}
	if elapsed > 8*time.Second {
		t.Errorf("transfer ran %v, want it cut off near the watchdog", elapsed)
	}

	if w := doRequest(h, http.MethodGet, "/archives/big.tar.gz", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("follow-up status = %d, want 429 for the blocked client", w.Code)
	}
}

func TestDownloadVerdictBeforeHeadersIs408(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	cfg := guard.DefaultConfig()
	cfg.MaxDownloadDurationSec = 1

	dir := t.TempDir()
	fifo := filepath.Join(dir, "pending.tar.gz")
	if err := syscall.Mkfifo(fifo, 0o644); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	store, err := archive.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	svc := guard.NewService(cfg)
	t.Cleanup(svc.Close)
	h := New(store, svc).Routes()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(h, http.MethodGet, "/archives/pending.tar.gz", nil)
	}()

	// Opening the FIFO blocks until a writer appears, holding the
	// request between register and headers while the watchdog fires.
	time.Sleep(1500 * time.Millisecond)
	wend, err := os.OpenFile(fifo, os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	wend.Close()

	select {
	case w := <-done:
		if w.Code != http.StatusRequestTimeout {
			t.Errorf("status = %d, want 408 for a verdict before headers", w.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("request never completed")
	}
}

func TestRecoverTurnsPanicsInto500(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := doRequest(h, http.MethodGet, "/", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Errorf("panic response body = %v, %v", body, err)
	}
}
