package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/namelens/symscan/internal/core/progress"
	apperrors "github.com/namelens/symscan/internal/errors"
)

const defaultHeartbeat = 15 * time.Second

// StreamEvents streams scan events as server-sent events until the client goes
// away. A comment line is written every heartbeat to keep proxies open.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("Event stream is not configured"))
		return
	}
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise end the stream.
	_ = rc.SetWriteDeadline(time.Time{})

	events, unsubscribe := a.Events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(defaultHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event progress.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}
