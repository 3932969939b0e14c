package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		in   string
		want Ref
		err  bool
	}{
		{"", Ref{}, false},
		{"local:videos/abc/full.mp4", Ref{BackendLocal, "videos/abc/full.mp4"}, false},
		{"s3:videos/abc/preview.mp4", Ref{BackendS3, "videos/abc/preview.mp4"}, false},
		{"gcs:foo", Ref{}, true},
		{"local:", Ref{}, true},
		{"nocolon", Ref{}, true},
	}
	for _, tt := range tests {
		got, err := ParseRef(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseRef(%q) = %+v, %v", tt.in, got, err)
		}
		if err == nil && got.String() != tt.in {
			t.Errorf("String() = %q, want %q", got.String(), tt.in)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := UploadKey("abc", ".png"); got != "uploads/abc/original.png" {
		t.Errorf("UploadKey = %q", got)
	}
	if FullKey("abc") != "videos/abc/full.mp4" || PreviewKey("abc") != "videos/abc/preview.mp4" {
		t.Error("unexpected video keys")
	}
}

func TestSanitizeKey(t *testing.T) {
	good := map[string]string{
		"videos/a/full.mp4":   "videos/a/full.mp4",
		"/videos/a/full.mp4":  "videos/a/full.mp4",
		`uploads\a\orig.png`:  "uploads/a/orig.png",
		"videos/a/../b/x.mp4": "videos/b/x.mp4",
	}
	for in, want := range good {
		if got, err := sanitizeKey(in); err != nil || got != want {
			t.Errorf("sanitizeKey(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	for _, bad := range []string{"", "  ", ".", "..", "../etc/passwd", "videos/../../x"} {
		if _, err := sanitizeKey(bad); err == nil {
			t.Errorf("sanitizeKey(%q) should fail", bad)
		}
	}
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "videos/j1/full.mp4", strings.NewReader("data"), "video/mp4"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rc, err := s.Open(ctx, "videos/j1/full.mp4")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "data" {
		t.Errorf("content = %q", b)
	}

	if err := s.Delete(ctx, "videos/j1/full.mp4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, "videos/j1/full.mp4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open after delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "videos/j1/full.mp4"); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
	if _, err := s.Path("../outside"); err == nil {
		t.Error("Path should reject traversal")
	}
}

// memStore is an in-memory remote store.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (m *memStore) Name() string { return BackendS3 }

func (m *memStore) Put(_ context.Context, key string, r io.Reader, _ string) error {
	if key == m.failKey {
		return errors.New("upload refused")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return nil
}

func (m *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func newManager(t *testing.T, remote Store) *Manager {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(local, remote, slog.New(slog.DiscardHandler))
}

func TestOffloadWithoutRemote(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	m.SaveLocal(ctx, FullKey("j"), []byte("full"))
	refs, err := m.Offload(ctx, Object{Key: FullKey("j")})
	if err != nil {
		t.Fatal(err)
	}
	if refs[0].String() != "local:videos/j/full.mp4" {
		t.Errorf("ref = %s", refs[0])
	}
	loc, err := m.Locate(ctx, refs[0], "")
	if err != nil || loc.Path == "" {
		t.Errorf("Locate = %+v, %v", loc, err)
	}
}

func TestOffloadSuccess(t *testing.T) {
	remote := newMemStore()
	m := newManager(t, remote)
	ctx := context.Background()
	m.SaveLocal(ctx, FullKey("j"), []byte("full"))
	m.SaveLocal(ctx, PreviewKey("j"), []byte("preview"))

	refs, err := m.Offload(ctx,
		Object{Key: FullKey("j"), ContentType: "video/mp4"},
		Object{Key: PreviewKey("j"), ContentType: "video/mp4"},
	)
	if err != nil {
		t.Fatalf("Offload: %v", err)
	}
	for _, r := range refs {
		if r.Backend != BackendS3 {
			t.Errorf("ref %s not remote", r)
		}
	}
	if string(remote.objects[PreviewKey("j")]) != "preview" {
		t.Errorf("remote preview = %q", remote.objects[PreviewKey("j")])
	}
	path, _ := m.LocalPath(FullKey("j"))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("local copy should be removed after offload")
	}
}

func TestOffloadPartialFailureKeepsLocal(t *testing.T) {
	remote := newMemStore()
	remote.failKey = PreviewKey("j")
	m := newManager(t, remote)
	ctx := context.Background()
	m.SaveLocal(ctx, FullKey("j"), []byte("full"))
	m.SaveLocal(ctx, PreviewKey("j"), []byte("preview"))

	refs, err := m.Offload(ctx, Object{Key: FullKey("j")}, Object{Key: PreviewKey("j")})
	if err == nil {
		t.Fatal("expected offload error")
	}
	for _, r := range refs {
		if r.Backend != BackendLocal {
			t.Errorf("ref %s should stay local", r)
		}
		path, _ := m.LocalPath(r.Key)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("local file %s missing: %v", r.Key, err)
		}
	}
}

func TestLocateMissing(t *testing.T) {
	m := newManager(t, nil)
	ctx := context.Background()
	if _, err := m.Locate(ctx, Ref{Backend: BackendLocal, Key: "videos/x/full.mp4"}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := m.Locate(ctx, Ref{}, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("zero ref err = %v", err)
	}
	if _, err := m.Locate(ctx, Ref{Backend: BackendS3, Key: "k"}, ""); err == nil {
		t.Error("s3 ref without remote should fail")
	}
}

type fakeS3 struct {
	put     map[string]string
	deleted []string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, _ := io.ReadAll(in.Body)
	f.put[aws.ToString(in.Key)] = aws.ToString(in.ContentType) + "|" + string(b)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	v, ok := f.put[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(v))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

type fakePresigner struct{ lastKey string }

func (f *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.lastKey = aws.ToString(in.Key)
	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + f.lastKey + "?sig=1"}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	api := &fakeS3{put: map[string]string{}}
	ps := &fakePresigner{}
	s := &S3Store{bucket: "b", client: api, presigner: ps}

	if err := s.Put(ctx, "videos/j/full.mp4", strings.NewReader("v"), "video/mp4"); err != nil {
		t.Fatal(err)
	}
	if api.put["videos/j/full.mp4"] != "video/mp4|v" {
		t.Errorf("stored = %q", api.put["videos/j/full.mp4"])
	}
	if _, err := s.Open(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing err = %v", err)
	}
	if err := s.Delete(ctx, "videos/j/full.mp4"); err != nil || len(api.deleted) != 1 {
		t.Errorf("Delete: %v %v", err, api.deleted)
	}

	m := newManager(t, s)
	loc, err := m.Locate(ctx, Ref{Backend: BackendS3, Key: "videos/j/preview.mp4"}, "preview.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(loc.URL, "https://bucket.example/videos/j/preview.mp4") || ps.lastKey != "videos/j/preview.mp4" {
		t.Errorf("Locate = %+v", loc)
	}
}
