package metrics

import (
	"net/http"
	"time"
)

// The telemetry and health listeners share these timeouts. Scrapers poll
// on short intervals over kept-alive connections; anything that holds a
// connection longer than this is misbehaving and gets cut.
const (
	telemetryReadHeaderTimeout = 5 * time.Second
	telemetryReadTimeout       = 10 * time.Second
	telemetryWriteTimeout      = 10 * time.Second
	telemetryIdleTimeout       = 90 * time.Second
)

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: telemetryReadHeaderTimeout,
		ReadTimeout:       telemetryReadTimeout,
		WriteTimeout:      telemetryWriteTimeout,
		IdleTimeout:       telemetryIdleTimeout,
	}
}
