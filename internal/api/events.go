package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/model"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// do not close it.
const sseKeepAlive = 15 * time.Second

// handleStreamEvents streams a job's progress as server-sent events. Stored
// history is replayed first, so a client that connects late still sees every
// step. The stream ends with a "done" event once the job settles.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	// Subscribe on a finished job returns a closed channel.
	ch, unsub := s.engine.Broker().Subscribe(j.ID)
	defer unsub()

	history, err := s.store.GetEvents(r.Context(), j.ID)
	if err != nil {
		s.logger.Error("get events for stream", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	sseStreams.Inc()
	defer sseStreams.Dec()
	flush := func() {
		if err := rc.Flush(); err != nil {
			s.logger.Debug("flush SSE", "error", err)
		}
	}

	last := -1
	for _, ev := range history {
		if err := writeSSEEvent(w, "progress", ev.Seq, engine.Event{
			Seq: ev.Seq, Step: ev.Step, Message: ev.Message, Time: ev.CreatedAt,
		}); err != nil {
			return
		}
		last = ev.Seq
	}
	flush()

	finish := func() {
		cur, err := s.store.GetJob(r.Context(), j.ID)
		status := j.Status
		if err == nil {
			status = cur.Status
		}
		_ = writeSSEEvent(w, "done", -1, map[string]string{"job_id": j.ID, "status": status})
		flush()
	}

	if model.IsTerminal(j.Status) || j.Status == model.StatusPreviewReady {
		finish()
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				finish()
				return
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			if err := writeSSEEvent(w, "progress", ev.Seq, ev); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// eventHistoryResponse is the JSON response for GET /api/jobs/{id}/events/history.
type eventHistoryResponse struct {
	JobID  string           `json:"job_id"`
	Status string           `json:"status"`
	Events []model.JobEvent `json:"events"`
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	j, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	events, err := s.store.GetEvents(r.Context(), j.ID)
	if err != nil {
		s.logger.Error("get events", "job_id", j.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get events")
		return
	}
	if events == nil {
		events = []model.JobEvent{}
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		JobID:  j.ID,
		Status: j.Status,
		Events: events,
	})
}

// writeSSEEvent writes a named SSE event with a JSON payload. A negative id
// omits the id field.
func writeSSEEvent(w http.ResponseWriter, eventType string, id int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if id >= 0 {
		if _, err := fmt.Fprintf(w, "id: %s\n", strconv.Itoa(id)); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
