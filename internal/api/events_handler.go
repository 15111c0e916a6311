package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/smsbridge/internal/events"
)

const (
	sseKeepAlive = 15 * time.Second
	// sseRetry is the reconnect delay suggested to clients, in milliseconds.
	sseRetry = 3000
)

// handleEvents streams bridge events as server-sent events. Buffered events
// newer than Last-Event-ID are replayed first; ?types=a,b limits the stream
// to those event types.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	types := eventTypes(r.URL.Query().Get("types"))

	// Subscribe before replaying so nothing published in between is lost;
	// lastID skips what the replay already sent.
	sub := s.events.Subscribe(types...)
	defer func() {
		if missed := sub.Close(); missed > 0 {
			s.logger.Warn("event stream client fell behind", "missed", missed, "remote", r.RemoteAddr)
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetry); err != nil {
		return
	}

	lastID := lastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range s.events.SnapshotSince(lastID, types...) {
		if err := writeEvent(w, ev); err != nil {
			return
		}
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			lastID = ev.ID
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// eventTypes parses a comma-separated type list. Empty means every type.
func eventTypes(raw string) []events.Type {
	var out []events.Type
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, events.Type(part))
		}
	}
	return out
}

func lastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// writeEvent frames ev; its data is single-line JSON.
func writeEvent(w http.ResponseWriter, ev events.Event) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
	return err
}
