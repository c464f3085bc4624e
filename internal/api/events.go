package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)

	if t := r.URL.Query().Get("type"); t != "" {
		events, err := s.events.ByType(ctx, t, limit)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, events)
		return
	}
	if taskID := r.URL.Query().Get("task"); taskID != "" {
		events, err := s.events.ByTask(ctx, taskID, limit)
		if err != nil {
			writeError(w, 500, err.Error())
			return
		}
		writeJSON(w, 200, events)
		return
	}

	events, err := s.events.Recent(ctx, limit)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	writeJSON(w, 200, events)
}

// handleEventStream pushes events over SSE. With a bus, events arrive via
// fan-out; without one, the store is polled.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, 500, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	if s.bus != nil {
		s.streamFromBus(w, r, flusher)
		return
	}
	s.streamByPolling(w, r, flusher)
}

func (s *Server) streamFromBus(w http.ResponseWriter, r *http.Request, flusher http.Flusher) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: ")
			writeJSONRaw(w, e)
			fmt.Fprintf(w, "\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) streamByPolling(w http.ResponseWriter, r *http.Request, flusher http.Flusher) {
	ctx := r.Context()
	lastID := r.URL.Query().Get("after")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if lastID == "" {
				recent, err := s.events.Recent(ctx, 1)
				if err != nil {
					log.Printf("SSE poll: %v", err)
					continue
				}
				if len(recent) > 0 {
					lastID = recent[0].ID
				}
				continue
			}
			evts, err := s.events.Since(ctx, lastID, 50)
			if err != nil {
				log.Printf("SSE poll: %v", err)
				continue
			}
			for i := range evts {
				fmt.Fprintf(w, "data: ")
				writeJSONRaw(w, evts[i])
				fmt.Fprintf(w, "\n\n")
				lastID = evts[i].ID
			}
			if len(evts) > 0 {
				flusher.Flush()
			}
		}
	}
}

func writeJSONRaw(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.Encode(v)
}
