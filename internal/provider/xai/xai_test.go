package xai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smileloop/smileloop/internal/provider"
)

func newFakeXAI(t *testing.T, finalStatus string) (*httptest.Server, *generateRequest) {
	t.Helper()
	var got generateRequest
	var polls atomic.Int32
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/videos/generations", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		io.WriteString(w, `{"request_id":"req-1"}`)
	})
	mux.HandleFunc("GET /v1/videos/req-1", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			io.WriteString(w, `{"status":"pending"}`)
			return
		}
		if finalStatus != "done" {
			io.WriteString(w, `{"status":"`+finalStatus+`","error":"moderated"}`)
			return
		}
		io.WriteString(w, `{"status":"done","model":"grok-imagine-video-1","video":{"url":"`+srv.URL+`/out.mp4","duration":6}}`)
	})
	mux.HandleFunc("GET /out.mp4", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "xai-mp4")
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestProvider(srv *httptest.Server) *Provider {
	return New(Config{
		APIKey:       "k",
		BaseURL:      srv.URL + "/v1",
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
		HTTPClient:   srv.Client(),
	})
}

func TestGenerate(t *testing.T) {
	srv, got := newFakeXAI(t, "done")
	res, err := newTestProvider(srv).Generate(context.Background(), provider.Request{
		Image: []byte{0x89, 'P', 'N', 'G'}, ImageMIME: "image/png",
		Prompt: "wave", DurationS: 30, Resolution: "720p",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(res.Video) != "xai-mp4" || res.Model != "grok-imagine-video-1" || res.Polls != 3 {
		t.Errorf("result = %+v", res)
	}
	if got.Model != Model || got.Duration != 15 || got.Resolution != "720p" {
		t.Errorf("request = %+v", got)
	}
	if !strings.HasPrefix(got.ImageURL, "data:image/png;base64,") {
		t.Errorf("image_url = %q, want png data URI", got.ImageURL)
	}
}

func TestGenerateFailed(t *testing.T) {
	srv, _ := newFakeXAI(t, "failed")
	_, err := newTestProvider(srv).Generate(context.Background(), provider.Request{Prompt: "wave"})
	var pe *provider.Error
	if !errors.As(err, &pe) || !strings.Contains(pe.Message, "moderated") {
		t.Fatalf("err = %v, want moderated provider error", err)
	}
}

func TestGenerateRejectsResolution(t *testing.T) {
	p := New(Config{APIKey: "k"})
	_, err := p.Generate(context.Background(), provider.Request{Prompt: "x", Resolution: "4k"})
	var pe *provider.Error
	if !errors.As(err, &pe) || pe.Op != "validate" {
		t.Errorf("err = %v, want validate error", err)
	}
}

func TestClampDuration(t *testing.T) {
	for in, want := range map[int]int{-1: 1, 0: 1, 6: 6, 15: 15, 16: 15} {
		if got := ClampDuration(in); got != want {
			t.Errorf("ClampDuration(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestDataURI(t *testing.T) {
	if got := DataURI([]byte("hi"), ""); got != "data:image/jpeg;base64,aGk=" {
		t.Errorf("DataURI = %q", got)
	}
}
