package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smileloop/smileloop/internal/access"
)

const (
	startupTimeout = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
	jobTimeout     = 10 * time.Second

	// Must match cmd/testserver.
	webhookSecret = "whsec_testserver"
	stubVideo     = "stub video from kie"
)

var pngImage = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, bytes.Repeat([]byte{0}, 64)...)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// serverProc holds the running server subprocess and its output.
type serverProc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "smileloop-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "testserver")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/testserver")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func startServer(t *testing.T) *serverProc {
	t.Helper()
	binary := getBinary(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), "SMILELOOP_LISTEN_ADDR="+addr)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}

	sp := &serverProc{cmd: cmd, stdout: stdout, url: "http://" + addr}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return sp
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\nstdout:\n%s", startupTimeout, stdout.String())
	return nil
}

func (sp *serverProc) generate(t *testing.T, email string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("email", email)
	fw, err := mw.CreateFormFile("source_image", "face.png")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(pngImage)
	mw.Close()

	resp, err := http.Post(sp.url+"/api/generate", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/generate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("generate status = %d, want 202\nbody: %s", resp.StatusCode, body)
	}

	var out struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode generate response: %v", err)
	}
	if out.Status != "queued" {
		t.Errorf("status = %q, want queued", out.Status)
	}
	return out.JobID
}

type jobStatus struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PreviewURL    string `json:"preview_url"`
	FullURL       string `json:"full_url"`
}

// waitForStatus polls the status endpoint until the job reaches want.
func (sp *serverProc) waitForStatus(t *testing.T, id, want string) jobStatus {
	t.Helper()
	deadline := time.Now().Add(jobTimeout)
	var st jobStatus
	for time.Now().Before(deadline) {
		resp, err := http.Get(sp.url + "/api/status/" + id)
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		st = jobStatus{}
		json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if st.Status == want {
			return st
		}
		if st.Status == "failed" {
			t.Fatalf("job failed while waiting for %s", want)
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("job %s stuck in %q, want %q", id, st.Status, want)
	return st
}

func fetch(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealthAndMetrics(t *testing.T) {
	sp := startServer(t)

	status, body := fetch(t, sp.url+"/api/health")
	if status != http.StatusOK {
		t.Fatalf("health status = %d", status)
	}
	var health map[string]any
	json.Unmarshal([]byte(body), &health)
	if health["video_provider"] != "kie" || health["payments_configured"] != true {
		t.Errorf("health = %v", health)
	}

	status, body = fetch(t, sp.url+"/metrics")
	if status != http.StatusOK {
		t.Fatalf("metrics status = %d", status)
	}
	if !strings.Contains(body, "smileloop_http_requests_total") {
		t.Error("metrics output missing smileloop_http_requests_total")
	}
}

func TestPaidDownloadFlow(t *testing.T) {
	sp := startServer(t)
	id := sp.generate(t, "flow@example.com")

	st := sp.waitForStatus(t, id, "preview_ready")
	if st.PaymentStatus != "none" || st.PreviewURL == "" || st.FullURL != "" {
		t.Errorf("preview_ready status = %+v", st)
	}

	status, body := fetch(t, sp.url+"/api/preview/"+id)
	if status != http.StatusOK || body != stubVideo {
		t.Errorf("preview = %d %q, want 200 %q", status, body, stubVideo)
	}

	if status, _ := fetch(t, sp.url+"/api/download/"+id); status != http.StatusPaymentRequired {
		t.Errorf("download before payment = %d, want 402", status)
	}

	resp, err := http.Post(sp.url+"/api/payments/checkout", "application/json",
		strings.NewReader(`{"job_id":"`+id+`"}`))
	if err != nil {
		t.Fatalf("POST checkout: %v", err)
	}
	var co struct {
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&co)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || co.SessionID == "" {
		t.Fatalf("checkout = %d %+v", resp.StatusCode, co)
	}

	payload, _ := json.Marshal(map[string]any{
		"id":   "evt_e2e",
		"type": access.EventCheckoutCompleted,
		"data": map[string]any{"object": map[string]any{
			"id":             co.SessionID,
			"payment_status": "paid",
			"metadata":       map[string]string{"job_id": id},
		}},
	})
	req, _ := http.NewRequest(http.MethodPost, sp.url+"/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", access.Sign(payload, webhookSecret, time.Now()))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", resp.StatusCode)
	}

	st = sp.waitForStatus(t, id, "paid")
	if st.FullURL == "" {
		t.Error("paid job has no full_url")
	}

	status, body = fetch(t, sp.url+"/api/download/"+id)
	if status != http.StatusOK || body != stubVideo {
		t.Errorf("download = %d %q, want 200 %q", status, body, stubVideo)
	}
}

func TestProgressStream(t *testing.T) {
	sp := startServer(t)
	id := sp.generate(t, "stream@example.com")

	client := &http.Client{Timeout: jobTimeout}
	resp, err := client.Get(sp.url + "/api/jobs/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	var (
		progress int
		done     string
		event    string
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if event == "done" {
				done = strings.TrimPrefix(line, "data: ")
			} else {
				progress++
			}
		}
	}

	if progress == 0 {
		t.Error("no progress events streamed")
	}
	if !strings.Contains(done, `"preview_ready"`) {
		t.Errorf("done event = %q, want preview_ready", done)
	}
}

func TestStructuredLogs(t *testing.T) {
	sp := startServer(t)
	fetch(t, sp.url+"/healthz")

	if out := sp.stdout.String(); !strings.Contains(out, "testserver: starting") {
		t.Errorf("startup log missing from output:\n%s", out)
	}
}
