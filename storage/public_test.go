package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"farmcorner/domain"
)

// fakeBucket serves the objects it stores over HTTP the way a public bucket
// would.
type fakeBucket struct {
	mu      sync.Mutex
	exists  bool
	policy  string
	objects map[string][]byte
	putErr  error
	makes   int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists, nil
}

func (f *fakeBucket) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists = true
	f.makes++
	return nil
}

func (f *fakeBucket) SetBucketPolicy(ctx context.Context, bucketName, policy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policy = policy
	return nil
}

func (f *fakeBucket) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	f.objects[bucketName+"/"+objectName] = data
	f.mu.Unlock()
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: int64(len(data))}, nil
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("ts") == "" {
		http.Error(w, "missing cache buster", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	data, ok := f.objects[strings.TrimPrefix(r.URL.Path, "/")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func newTestPublic(t *testing.T) (*PublicStore, *fakeBucket) {
	t.Helper()
	fb := newFakeBucket()
	srv := httptest.NewServer(fb)
	t.Cleanup(srv.Close)
	return newPublicStore(fb, "broadcast", srv.URL+"/broadcast", srv.Client(), quietLogger()), fb
}

func TestPublishThenPoll(t *testing.T) {
	p, fb := newTestPublic(t)
	ctx := context.Background()
	records := []domain.Record{
		domain.NewRecord(domain.Alert{Title: "Scab warning", Message: "Spray within 48h", Severity: domain.SeverityWarning}, time.Now()),
	}

	res := p.Publish(ctx, domain.KeyFlashNews, records)
	if !res.OK {
		t.Fatalf("publish failed")
	}
	if res.PublicURL != p.URL(domain.KeyFlashNews) {
		t.Fatalf("public url = %s, want %s", res.PublicURL, p.URL(domain.KeyFlashNews))
	}
	if fb.makes != 1 || !strings.Contains(fb.policy, "s3:GetObject") {
		t.Fatalf("bucket not prepared: makes=%d policy=%q", fb.makes, fb.policy)
	}

	got := p.Poll(ctx, res.PublicURL)
	if len(got) != 1 || got[0].ID != records[0].ID {
		t.Fatalf("poll = %v", got)
	}

	// Bucket setup runs once.
	p.Publish(ctx, domain.KeyFlashNews, records)
	if fb.makes != 1 {
		t.Fatalf("bucket created twice")
	}
}

func TestPublishFailure(t *testing.T) {
	p, fb := newTestPublic(t)
	fb.putErr = errors.New("access denied")
	if res := p.Publish(context.Background(), domain.KeyFlashNews, nil); res.OK || res.PublicURL != "" {
		t.Fatalf("expected failed publish, got %+v", res)
	}
}

func TestPollMissingDocument(t *testing.T) {
	p, _ := newTestPublic(t)
	if got := p.Poll(context.Background(), p.URL("never_published")); got != nil {
		t.Fatalf("expected nil for 404, got %v", got)
	}
}

func TestPollMalformedDocument(t *testing.T) {
	p, fb := newTestPublic(t)
	fb.objects["broadcast/alerts/flash_news.json"] = []byte("<html>oops</html>")
	if got := p.Poll(context.Background(), p.URL(domain.KeyFlashNews)); got != nil {
		t.Fatalf("expected nil for malformed document, got %v", got)
	}
}

func TestPollEmptyDocument(t *testing.T) {
	p, fb := newTestPublic(t)
	fb.objects["broadcast/alerts/flash_news.json"] = []byte("[]")
	got := p.Poll(context.Background(), p.URL(domain.KeyFlashNews))
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil collection, got %#v", got)
	}
}

func TestPublishWithoutClient(t *testing.T) {
	p := newPublicStore(nil, "broadcast", "http://example.invalid", nil, quietLogger())
	if res := p.Publish(context.Background(), domain.KeyFlashNews, nil); res.OK {
		t.Fatalf("expected publish without client to fail")
	}
}

func TestEnsureBucketIsIdempotent(t *testing.T) {
	p, fb := newTestPublic(t)
	for i := 0; i < 2; i++ {
		if err := p.EnsureBucket(context.Background()); err != nil {
			t.Fatalf("ensure bucket: %v", err)
		}
	}
	if fb.makes != 1 || fb.policy == "" {
		t.Fatalf("unexpected bucket setup: makes=%d policy=%q", fb.makes, fb.policy)
	}
	empty := newPublicStore(nil, "broadcast", "http://example.invalid", nil, quietLogger())
	if err := empty.EnsureBucket(context.Background()); err == nil {
		t.Fatalf("expected error without client")
	}
}
