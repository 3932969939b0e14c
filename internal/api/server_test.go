package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smileloop/smileloop/internal/access"
	"github.com/smileloop/smileloop/internal/audit"
	"github.com/smileloop/smileloop/internal/engine"
	"github.com/smileloop/smileloop/internal/model"
	"github.com/smileloop/smileloop/internal/preset"
	"github.com/smileloop/smileloop/internal/provider"
	"github.com/smileloop/smileloop/internal/ratelimit"
	"github.com/smileloop/smileloop/internal/storage"
	"github.com/smileloop/smileloop/internal/store"
)

const testWebhookSecret = "whsec_test"

var (
	pngImage  = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, bytes.Repeat([]byte{0}, 64)...)
	jpegImage = append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0}, 64)...)
)

// stubProvider returns a fixed video. When gate is non-nil Generate waits
// for it to be closed.
type stubProvider struct {
	name           string
	video          []byte
	err            error
	gate           chan struct{}
	requiresPreset bool
}

func (p *stubProvider) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	req.Report(provider.StepSubmitting, "submitted to "+p.name)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	req.Report(provider.StepGenerating, "rendering")
	return &provider.Result{Video: p.video, TaskID: "task-" + req.JobID, Model: "stub"}, nil
}

func (p *stubProvider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Name: p.name, Description: "stub", Async: true, RequiresPreset: p.requiresPreset}
}

func (p *stubProvider) Cleanup(context.Context, string) error { return nil }

// copyWatermarker marks the preview by prefixing the source bytes.
type copyWatermarker struct{}

func (copyWatermarker) Apply(_ context.Context, src, dst string) (bool, error) {
	b, err := os.ReadFile(src)
	if err != nil {
		return false, err
	}
	return true, os.WriteFile(dst, append([]byte("wm:"), b...), 0o644)
}

type fakeBot struct {
	mu     sync.Mutex
	err    error
	tokens []string
}

func (b *fakeBot) Verify(_ context.Context, token, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = append(b.tokens, token)
	return b.err
}

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store store.Store
	files *storage.Manager
	bot   *fakeBot
	audit *audit.Logger
	eng   *engine.Engine
}

type envOptions struct {
	providers      []*stubProvider
	presets        []string
	maxUploadBytes int64
	noWebhooks     bool
	ipLimit        int
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	local, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	files := storage.NewManager(local, nil, logger)

	if len(opts.providers) == 0 {
		opts.providers = []*stubProvider{{name: "kie", video: []byte("mp4-bytes")}}
	}
	reg := provider.NewRegistry()
	for _, p := range opts.providers {
		reg.Register(p.name, p)
	}

	presetDir := t.TempDir()
	for _, name := range opts.presets {
		if err := os.WriteFile(filepath.Join(presetDir, name+".mp4"), []byte("drive"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	catalog, err := preset.Discover(presetDir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	al, err := audit.New(t.TempDir())
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { al.Close() })

	eng := engine.New(engine.Config{JobTimeout: 5 * time.Second, DefaultPrompt: "smile"}, engine.Deps{
		Store:       s,
		Registry:    reg,
		Presets:     catalog,
		Files:       files,
		Watermarker: copyWatermarker{},
		Audit:       al,
		Logger:      logger,
	})

	secret := testWebhookSecret
	if opts.noWebhooks {
		secret = ""
	}
	gate := access.NewGate(s, access.Config{WebhookSecret: secret, Logger: logger})

	limiter := ratelimit.New(s)
	if opts.ipLimit > 0 {
		ip := ratelimit.PerIP
		ip.Limit = opts.ipLimit
		limiter.WithRules(ip, ratelimit.PerEmail)
	}

	bot := &fakeBot{}
	srv := NewServer(Config{
		Addr:             ":0",
		TurnstileSiteKey: "site-key",
		MaxUploadBytes:   opts.maxUploadBytes,
	}, Deps{
		Store:    s,
		Engine:   eng,
		Gate:     gate,
		Limiter:  limiter,
		BotCheck: bot,
		Presets:  catalog,
		Files:    files,
		Audit:    al,
		Logger:   logger,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	// Runs before the store is closed.
	t.Cleanup(eng.Wait)

	return &testEnv{srv: srv, ts: ts, store: s, files: files, bot: bot, audit: al, eng: eng}
}

// generate posts a multipart request to /api/generate.
func (e *testEnv) generate(t *testing.T, fields map[string]string, image []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("source_image", "photo.png")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(image)
	}
	mw.Close()

	resp, err := http.Post(e.ts.URL+"/api/generate", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /api/generate: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// createReadyJob runs a job through the engine to preview_ready.
func (e *testEnv) createReadyJob(t *testing.T) string {
	t.Helper()
	resp := e.generate(t, map[string]string{"email": "user@example.com", "cf_turnstile_token": "tok"}, pngImage)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate status = %d, want 202", resp.StatusCode)
	}
	var out generateResponse
	decode(t, resp, &out)
	e.eng.Wait()
	return out.JobID
}

// pay confirms payment for id through a signed webhook.
func (e *testEnv) pay(t *testing.T, id string) *http.Response {
	t.Helper()
	payload := webhookPayload(id)
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+"/api/payments/webhook", bytes.NewReader(payload))
	req.Header.Set(signatureHeader, access.Sign(payload, testWebhookSecret, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST webhook: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) post(t *testing.T, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, contentType, body)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func webhookPayload(jobID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": access.EventCheckoutCompleted,
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_1",
				"payment_status": "paid",
				"metadata":       map[string]string{"job_id": jobID},
			},
		},
	})
	return b
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decode(t, resp, &body)
	return body["error"]
}

func TestPanicRecovery(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	resp := env.get(t, "/panic")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	req, _ := http.NewRequest("OPTIONS", env.ts.URL+"/api/status/abc", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRealIPFromForwardedHeader(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	var got string
	env.srv.Router().Get("/ip", func(w http.ResponseWriter, r *http.Request) {
		got = clientIP(r)
	})

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/ip", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got != "203.0.113.7" {
		t.Errorf("clientIP = %q, want 203.0.113.7", got)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.srv.cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// runServer starts env.srv.Run on a free port and waits for it to serve.
func runServer(t *testing.T, env *testEnv) (url string, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	env.srv.cfg.Addr = ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- env.srv.Run(ctx) }()
	t.Cleanup(cancel)

	url = "http://" + env.srv.cfg.Addr
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := http.Get(url + "/healthz"); err == nil {
			resp.Body.Close()
			return url, cancel, errc
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("server did not start")
	return "", nil, nil
}

func TestRunFailsInterruptedJobs(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx := context.Background()

	j := &model.Job{ID: "0123456789ab", Email: "user@example.com", Provider: "kie",
		Status: model.StatusQueued, CreatedAt: time.Now().UTC()}
	if err := env.store.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpdateJobStatus(ctx, j.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	url, cancel, done := runServer(t, env)

	resp, err := http.Get(url + "/api/status/" + j.ID)
	if err != nil {
		t.Fatal(err)
	}
	var st statusResponse
	decode(t, resp, &st)
	resp.Body.Close()
	if st.Status != model.StatusFailed || st.Error != engine.InterruptedMessage {
		t.Errorf("status = %s %q, want failed %q", st.Status, st.Error, engine.InterruptedMessage)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err = client.Get(url + "/api/jobs/" + j.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	events := readSSE(t, resp)
	resp.Body.Close()
	if len(events) == 0 || events[len(events)-1].name != "done" ||
		!strings.Contains(events[len(events)-1].data, model.StatusFailed) {
		t.Errorf("events = %+v, want stream to end with done/failed", events)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRunEndsStreamsOnShutdown(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, envOptions{providers: []*stubProvider{{name: "kie", video: []byte("v"), gate: gate}}})

	resp := env.generate(t, validFields(), pngImage)
	var out generateResponse
	decode(t, resp, &out)

	url, cancel, done := runServer(t, env)

	stream, err := http.Get(url + "/api/jobs/" + out.JobID + "/events")
	if err != nil {
		close(gate)
		t.Fatal(err)
	}
	defer stream.Body.Close()

	ended := make(chan struct{})
	go func() {
		defer close(ended)
		io.Copy(io.Discard, stream.Body)
	}()

	cancel()
	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Error("SSE stream still open after shutdown began")
	}

	close(gate)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStatusNotFound(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	for _, id := range []string{"nonexistent", "aaaaaaaaaaaa"} {
		resp := env.get(t, "/api/status/"+id)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET /api/status/%s = %d, want 404", id, resp.StatusCode)
		}
	}
}

func TestStatusLifecycleURLs(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := env.createReadyJob(t)

	var st statusResponse
	decode(t, env.get(t, "/api/status/"+id), &st)
	if st.Status != model.StatusPreviewReady {
		t.Fatalf("status = %q, want preview_ready (error %q)", st.Status, st.Error)
	}
	if st.PreviewURL != "/api/preview/"+id {
		t.Errorf("preview_url = %q", st.PreviewURL)
	}
	if st.FullURL != "" {
		t.Errorf("full_url = %q before payment, want empty", st.FullURL)
	}
	if st.Provider != "kie" {
		t.Errorf("provider = %q, want kie", st.Provider)
	}

	if resp := env.pay(t, id); resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	st = statusResponse{}
	decode(t, env.get(t, "/api/status/"+id), &st)
	if st.Status != model.StatusPaid {
		t.Fatalf("status = %q, want paid", st.Status)
	}
	if st.FullURL != "/api/download/"+id {
		t.Errorf("full_url = %q", st.FullURL)
	}
	if st.PaymentStatus != model.PaymentPaid {
		t.Errorf("payment_status = %q, want paid", st.PaymentStatus)
	}
}

func TestStatusFailedJobCarriesError(t *testing.T) {
	env := newTestEnv(t, envOptions{providers: []*stubProvider{{name: "kie", err: provider.ErrEmptyVideo}}})
	id := env.createReadyJob(t)

	var st statusResponse
	decode(t, env.get(t, "/api/status/"+id), &st)
	if st.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", st.Status)
	}
	if st.Error == "" {
		t.Error("error is empty for failed job")
	}
	if st.PreviewURL != "" {
		t.Errorf("preview_url = %q for failed job", st.PreviewURL)
	}
}
