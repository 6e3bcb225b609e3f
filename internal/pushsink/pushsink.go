// Package pushsink fires ingestion events at the separate real-time push
// service over plain HTTP. That service is out of scope here: this
// package only has to get an event there best-effort, never to
// guarantee delivery.
package pushsink

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"ingestd/internal/obslog"
)

// Sink posts JSON payloads to a single configured URL. A zero-value URL
// disables pushing entirely: callers don't need to branch on whether a
// sink is configured, Push just becomes a no-op.
type Sink struct {
	url  string
	http *http.Client
	log  *obslog.Logger
}

func New(url string, timeout time.Duration, log *obslog.Logger) *Sink {
	return &Sink{
		url:  url,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

// Push fire-and-forgets payload to the sink URL. Failures are logged at
// Debug and swallowed: the push service is a convenience mirror, never a
// dependency the ingestion pipeline can stall on.
func (s *Sink) Push(_ context.Context, kind string, payload any) {
	if s.url == "" {
		return
	}
	go func() {
		body, err := json.Marshal(payload)
		if err != nil {
			s.log.Debugw("pushsink: marshal failed", "kind", kind, "error", err)
			return
		}
		reqCtx, cancel := context.WithTimeout(context.Background(), s.http.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			s.log.Debugw("pushsink: request build failed", "kind", kind, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Kind", kind)

		resp, err := s.http.Do(req)
		if err != nil {
			s.log.Debugw("pushsink: post failed", "kind", kind, "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			s.log.Debugw("pushsink: non-2xx response", "kind", kind, "status", resp.StatusCode)
		}
	}()
}
