package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/model"
)

type sseEvent struct {
	name string
	id   string
	data string
}

// readSSE parses events until the stream ends.
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name != "" || cur.data != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func TestStreamEventsNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	resp := env.get(t, "/api/jobs/0123456789ab/events")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsReplaysFinishedJob(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	resp := env.get(t, "/api/jobs/"+id+"/events")
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(t, resp)
	if len(events) < 2 {
		t.Fatalf("got %d events, want history plus done: %+v", len(events), events)
	}

	last := events[len(events)-1]
	if last.name != "done" {
		t.Fatalf("last event = %q, want done", last.name)
	}
	var done map[string]string
	if err := json.Unmarshal([]byte(last.data), &done); err != nil {
		t.Fatal(err)
	}
	if done["status"] != model.StatusPreviewReady {
		t.Errorf("done status = %q, want preview_ready", done["status"])
	}

	var steps []string
	for _, ev := range events[:len(events)-1] {
		var e engine.Event
		if err := json.Unmarshal([]byte(ev.data), &e); err != nil {
			t.Fatalf("decode %q: %v", ev.data, err)
		}
		steps = append(steps, e.Step)
	}
	if steps[len(steps)-1] != model.StepDone {
		t.Errorf("steps = %v, want to end with done", steps)
	}
}

func TestStreamEventsLive(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, envOptions{providers: []*stubProvider{{name: "kie", video: []byte("v"), gate: gate}}})

	var out generateResponse
	decode(t, env.generate(t, validFields(), pngImage), &out)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/jobs/"+out.JobID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	close(gate)
	events := readSSE(t, resp)
	if len(events) == 0 || events[len(events)-1].name != "done" {
		t.Fatalf("events = %+v, want stream ending in done", events)
	}

	// Sequence numbers are strictly increasing across replay and live events.
	prev := -1
	for _, ev := range events[:len(events)-1] {
		var e engine.Event
		if err := json.Unmarshal([]byte(ev.data), &e); err != nil {
			t.Fatal(err)
		}
		if e.Seq <= prev {
			t.Errorf("seq %d after %d", e.Seq, prev)
		}
		prev = e.Seq
	}
}

func TestEventHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	var body eventHistoryResponse
	decode(t, env.get(t, "/api/jobs/"+id+"/events/history"), &body)

	if body.JobID != id {
		t.Errorf("job_id = %q, want %q", body.JobID, id)
	}
	if body.Status != model.StatusPreviewReady {
		t.Errorf("status = %q, want preview_ready", body.Status)
	}
	if len(body.Events) == 0 {
		t.Fatal("no events recorded")
	}
	for i, e := range body.Events {
		if e.Seq != i {
			t.Errorf("event %d seq = %d", i, e.Seq)
		}
	}
}
