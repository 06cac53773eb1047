// Package throttle rate-limits an outgoing byte stream with a token
// bucket. Enforcement (the limiter's own clock) and measurement (wall
// clock deltas handed to the sampling hook) are deliberately kept on
// independent clocks so the server's own pacing is never mistaken for a
// slow client.
package throttle

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const defaultBurst = 64 * 1024

// SampleFunc receives every flushed chunk size together with the wall
// clock delta since the previous chunk.
type SampleFunc func(bytes int, elapsed time.Duration)

// Writer wraps a sink and blocks writes until the token bucket has
// capacity. Tokens accrue at the configured rate up to the burst size,
// so no single write may outrun rate × burst window.
type Writer struct {
	ctx    context.Context
	dst    io.Writer
	flush  http.Flusher // nil when dst cannot flush
	lim    *rate.Limiter
	burst  int
	sample SampleFunc
	last   time.Time
}

// NewWriter builds a throttled writer. bytesPerSec <= 0 disables
// throttling but keeps the sampling hook. A nil sample is allowed.
func NewWriter(ctx context.Context, dst io.Writer, bytesPerSec, burst int, sample SampleFunc) *Writer {
	if burst <= 0 {
		burst = defaultBurst
	}

	limit := rate.Inf
	if bytesPerSec > 0 {
		limit = rate.Limit(bytesPerSec)
		if burst > bytesPerSec {
			burst = bytesPerSec
		}
	}
	if sample == nil {
		sample = func(int, time.Duration) {}
	}

	lim := rate.NewLimiter(limit, burst)
	if limit != rate.Inf {
		// Start with an empty bucket: the first byte already pays, so a
		// transfer can never beat size/rate by the burst allowance.
		lim.AllowN(time.Now(), burst)
	}

	flush, _ := dst.(http.Flusher)
	return &Writer{
		ctx:    ctx,
		dst:    dst,
		flush:  flush,
		lim:    lim,
		burst:  burst,
		sample: sample,
		last:   time.Now(),
	}
}

// Write sends p in burst-sized chunks, waiting for tokens before each
// one. This is the only place request handling intentionally stalls;
// cancelling ctx aborts the wait and the write.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > w.burst {
			chunk = w.burst
		}

		if err := w.lim.WaitN(w.ctx, chunk); err != nil {
			return written, err
		}

		n, err := w.dst.Write(p[:chunk])
		written += n
		if n > 0 {
			if w.flush != nil {
				w.flush.Flush()
			}
			now := time.Now()
			w.sample(n, now.Sub(w.last))
			w.last = now
		}
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
