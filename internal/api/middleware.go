package api

import (
	"net/http"
	"time"

	logx "trafficwatch/pkg/logx"
)

// statusWriter captures the final status code and bytes written so the access
// log reflects what the client actually received.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Record implicit 200 responses when handlers write without WriteHeader.
func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler, log logx.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.RequestURI()),
			logx.Int("status", sw.status),
			logx.Int("bytes", sw.bytes),
			logx.Duration("dur", time.Since(start)),
		)
	})
}
