package handlers

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// Recover translates handler panics into a 500 without reflecting any
// internal detail to the client. A bug in one request must never take
// the process down with it.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			log.Printf("Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

// SecureHeaders sets the static response headers on everything served.
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const (
	requestIDHeader = "X-Request-ID"
	requestIDKey    = contextKey("requestID")
)

// RequestID tags each request with a unique ID, honoring one supplied by
// an upstream proxy.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			b := make([]byte, 16)
			_, _ = rand.Read(b)
			id = hex.EncodeToString(b)
		}

		w.Header().Set(requestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the request ID stored by the middleware.
func RequestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

type compressedWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (cw *compressedWriter) Write(b []byte) (int, error) {
	return cw.writer.Write(b)
}

// Compress negotiates brotli or gzip for the small JSON endpoints.
// Archive bodies are already compressed and bypass this entirely.
func Compress(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accept := r.Header.Get("Accept-Encoding")

		var writer io.WriteCloser
		var encoding string
		if strings.Contains(accept, "br") {
			writer = brotli.NewWriterLevel(w, brotli.DefaultCompression)
			encoding = "br"
		} else if strings.Contains(accept, "gzip") {
			writer, _ = gzip.NewWriterLevel(w, gzip.DefaultCompression)
			encoding = "gzip"
		}

		if writer == nil {
			next(w, r)
			return
		}
		defer writer.Close()

		w.Header().Set("Content-Encoding", encoding)
		w.Header().Del("Content-Length")
		next(&compressedWriter{ResponseWriter: w, writer: writer}, r)
	}
}
