package s3backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeS3 is a minimal S3-compatible HTTP server covering the handful of
// operations Backend issues, grounded on transport_test.go's
// httptest.Server pattern — enough to exercise key prefixing and the
// atomic-PutObject-on-Close write path without a real bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *httptest.Server {
	f := &fakeS3{objects: make(map[string][]byte)}
	return httptest.NewServer(http.HandlerFunc(f.handle))
}

func (f *fakeS3) handle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if strings.Contains(r.URL.RawQuery, "list-type") {
			f.listObjects(w, r)
			return
		}
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	case http.MethodHead:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) listObjects(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	for key, data := range f.objects {
		if strings.HasPrefix(key, prefix) {
			fmt.Fprintf(w, `<Contents><Key>%s</Key><Size>%d</Size></Contents>`, key, len(data))
		}
	}
	fmt.Fprint(w, `</ListBucketResult>`)
}

func newTestBackend(t *testing.T, endpoint, prefix string) *Backend {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_REGION", "us-east-1")

	b, err := New(context.Background(), Config{
		Bucket:   "printer-uploads",
		Prefix:   prefix,
		Region:   "us-east-1",
		Endpoint: endpoint,
	})
	if err != nil {
		t.Fatalf("unexpected error building backend: %v", err)
	}
	return b
}

func TestKeyAppliesPrefix(t *testing.T) {
	srv := newFakeS3()
	defer srv.Close()
	b := newTestBackend(t, srv.URL, "usb")

	if got := b.key("/print.gcode"); got != "usb/print.gcode" {
		t.Fatalf("expected prefixed key, got %q", got)
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	srv := newFakeS3()
	defer srv.Close()
	b := newTestBackend(t, srv.URL, "")
	ctx := context.Background()

	w, err := b.OpenWrite(ctx, "/print.gcode")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.Write([]byte("G28\n")); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	r, err := b.OpenRead(ctx, "/print.gcode")
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "G28\n" {
		t.Fatalf("expected %q, got %q", "G28\n", data)
	}
}

func TestMkdirIsNoop(t *testing.T) {
	srv := newFakeS3()
	defer srv.Close()
	b := newTestBackend(t, srv.URL, "")

	if err := b.Mkdir(context.Background(), "/anything"); err != nil {
		t.Fatalf("expected Mkdir to be a no-op, got %v", err)
	}
}

func TestStatvfsIsUnbounded(t *testing.T) {
	srv := newFakeS3()
	defer srv.Close()
	b := newTestBackend(t, srv.URL, "")

	info, err := b.Statvfs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.FreeBytes != -1 || info.TotalBytes != -1 {
		t.Fatalf("expected unbounded space, got %+v", info)
	}
}

func TestUnlinkRemovesObject(t *testing.T) {
	srv := newFakeS3()
	defer srv.Close()
	b := newTestBackend(t, srv.URL, "")
	ctx := context.Background()

	w, _ := b.OpenWrite(ctx, "/a.gcode")
	w.Write([]byte("x"))
	w.Close()

	if err := b.Unlink(ctx, "/a.gcode"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := b.Stat(ctx, "/a.gcode"); err == nil {
		t.Fatal("expected stat to fail after unlink")
	}
}
