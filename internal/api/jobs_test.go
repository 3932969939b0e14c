package api

import (
	"fmt"
	"testing"

	"github.com/smileloop/smileloop/internal/model"
)

func TestListJobsEmpty(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	var body listJobsResponse
	decode(t, env.get(t, "/api/jobs"), &body)

	if body.Jobs == nil || len(body.Jobs) != 0 {
		t.Errorf("jobs = %v, want empty array", body.Jobs)
	}
	if body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("limit/offset = %d/%d", body.Limit, body.Offset)
	}
}

func TestListJobsPagination(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for range 3 {
		env.createReadyJob(t)
	}

	var body listJobsResponse
	decode(t, env.get(t, "/api/jobs?limit=2&offset=1"), &body)
	if body.Total != 3 {
		t.Errorf("total = %d, want 3", body.Total)
	}
	if len(body.Jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(body.Jobs))
	}

	decode(t, env.get(t, "/api/jobs?limit=500&offset=-4"), &body)
	if body.Limit != defaultListLimit || body.Offset != 0 {
		t.Errorf("out of range params: limit/offset = %d/%d", body.Limit, body.Offset)
	}
}

func TestListJobsHidesPersonalData(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.createReadyJob(t)

	resp := env.get(t, "/api/jobs")
	var raw struct {
		Jobs []map[string]any `json:"jobs"`
	}
	decode(t, resp, &raw)
	for _, j := range raw.Jobs {
		for _, key := range []string{"Email", "email", "ip_address", "IPAddress", "prompt"} {
			if _, ok := j[key]; ok {
				t.Errorf("job exposes %q: %v", key, j)
			}
		}
	}
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)
	env.createReadyJob(t)
	env.pay(t, id)
	env.get(t, "/api/download/"+id)

	var body statsResponse
	decode(t, env.get(t, "/api/stats"), &body)

	if body.Total != 2 {
		t.Errorf("total = %d, want 2", body.Total)
	}
	want := map[string]int{model.StatusPaid: 1, model.StatusPreviewReady: 1}
	for k, v := range want {
		if body.ByStatus[k] != v {
			t.Errorf("by_status[%s] = %d, want %d (%v)", k, body.ByStatus[k], v, body.ByStatus)
		}
	}
	if body.ByProvider["kie"] != 2 {
		t.Errorf("by_provider = %v, want kie:2", body.ByProvider)
	}
	if body.Downloads != 1 {
		t.Errorf("downloads = %d, want 1", body.Downloads)
	}
}

func TestGetLogsClampsCount(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for range 3 {
		env.createReadyJob(t)
	}

	var body logsResponse
	decode(t, env.get(t, "/api/logs?n=2"), &body)
	if len(body.Logs) != 2 {
		t.Errorf("len(logs) = %d, want 2", len(body.Logs))
	}

	body = logsResponse{}
	decode(t, env.get(t, fmt.Sprintf("/api/logs?n=%d", maxLogLines*10)), &body)
	// Three generate entries plus one provider call per job.
	if len(body.Logs) != 6 {
		t.Errorf("len(logs) = %d, want 6", len(body.Logs))
	}
}
