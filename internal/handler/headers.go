package handler

import (
	"net/http"
	"strconv"
	"time"
)

// responseHeaders adds Timestamp to 200 and 401 answers so clients can
// resync their Hawk clock, and Retry-After to 503 and 429 answers.
func responseHeaders(retryAfter time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	seconds := strconv.Itoa(int(retryAfter / time.Second))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&headerWriter{ResponseWriter: w, retryAfter: seconds, now: now}, r)
		})
	}
}

type headerWriter struct {
	http.ResponseWriter
	retryAfter  string
	now         func() time.Time
	wroteHeader bool
}

func (w *headerWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		switch code {
		case http.StatusOK, http.StatusUnauthorized:
			w.Header().Set("Timestamp", strconv.FormatInt(w.now().UnixMilli(), 10))
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			w.Header().Set("Retry-After", w.retryAfter)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// requireContentLength rejects bodies sent without a Content-Length.
func requireContentLength(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength < 0 {
			sendError(w, http.StatusLengthRequired, ErrnoLengthMissing, "No content-length")
			return
		}
		next.ServeHTTP(w, r)
	})
}
