package poll

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// defaultInterval matches the UI poll cadence.
	defaultInterval = 2 * time.Second

	// defaultWatchTimeout bounds a watch to 60 nominal polls.
	defaultWatchTimeout = 2 * time.Minute
)

// ErrWatchTimeout means the session did not reach a terminal state within
// the watch window. The timeout is watcher-local: server-side processing
// continues and a later Status call may still find the session processed.
var ErrWatchTimeout = errors.New("poll: watch timed out before session completed")

// Watcher polls a session's status at a fixed interval until it reaches a
// terminal state. Ticks that fire while a status request is still
// outstanding are skipped, so a slow server sees at most one request at a
// time rather than a growing backlog.
type Watcher struct {
	client *Client

	// Interval is the tick cadence. Timeout is the wall-clock budget for
	// the whole watch. Both have production defaults from NewWatcher.
	Interval time.Duration
	Timeout  time.Duration
}

// NewWatcher creates a Watcher with the default 2s interval and 2m timeout.
func NewWatcher(client *Client) *Watcher {
	return &Watcher{
		client:   client,
		Interval: defaultInterval,
		Timeout:  defaultWatchTimeout,
	}
}

type statusResult struct {
	status *StatusResponse
	err    error
}

// Wait polls until the session is terminal, the timeout expires, or ctx is
// cancelled. onUpdate, when non-nil, receives every successfully fetched
// status. On timeout it returns the last observed status together with
// ErrWatchTimeout.
func (w *Watcher) Wait(ctx context.Context, sessionID string, onUpdate func(*StatusResponse)) (*StatusResponse, error) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(w.Timeout)
	defer deadline.Stop()

	results := make(chan statusResult, 1)
	inflight := false
	var last *StatusResponse

	// First poll immediately; the ticker covers the rest.
	poll := func() {
		inflight = true
		go func() {
			status, err := w.client.Status(ctx, sessionID)
			results <- statusResult{status: status, err: err}
		}()
	}
	poll()

	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()

		case <-deadline.C:
			log.Warn().Str("sessionId", sessionID).Dur("timeout", w.Timeout).Msg("Watch timed out")
			return last, ErrWatchTimeout

		case res := <-results:
			inflight = false
			if res.err != nil {
				// Transient: keep polling until the deadline.
				log.Warn().Err(res.err).Str("sessionId", sessionID).Msg("Status poll error, retrying")
				continue
			}
			last = res.status
			if onUpdate != nil {
				onUpdate(res.status)
			}
			if res.status.Completed || res.status.Failed {
				return res.status, nil
			}

		case <-ticker.C:
			if inflight {
				// Single-flight: never stack requests on a slow server.
				log.Debug().Str("sessionId", sessionID).Msg("Skipping poll tick, request outstanding")
				continue
			}
			poll()
		}
	}
}
