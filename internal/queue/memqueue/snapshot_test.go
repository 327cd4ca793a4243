package memqueue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allyourbase/jobq/internal/testutil"
)

var (
	_ SnapshotStore = (*FileSnapshotStore)(nil)
	_ SnapshotStore = (*S3SnapshotStore)(nil)
)

func TestFileSnapshotStoreMissingFile(t *testing.T) {
	s := &FileSnapshotStore{Path: filepath.Join(t.TempDir(), "nope.json")}
	data, err := s.Load(context.Background())
	testutil.NoError(t, err)
	testutil.Nil(t, data)
}

func TestFileSnapshotStoreSaveReplaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s := &FileSnapshotStore{Path: filepath.Join(dir, "q.json")}
	ctx := context.Background()

	testutil.NoError(t, s.Save(ctx, []byte(`{"v":1}`)))
	testutil.NoError(t, s.Save(ctx, []byte(`{"v":2}`)))

	data, err := s.Load(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, `{"v":2}`, string(data))

	entries, err := os.ReadDir(dir)
	testutil.NoError(t, err)
	testutil.SliceLen(t, entries, 1)
}

// fakeS3 serves path-style GET and PUT for a single bucket.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet, http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			if r.Method == http.MethodGet {
				io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+
					`<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message>`+
					`<Key>`+key+`</Key></Error>`)
			}
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newS3Store(t *testing.T) (*S3SnapshotStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	s, err := NewS3SnapshotStore(S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		Bucket:    "snapshots",
		Key:       "queues/test.json",
		AccessKey: "access",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	testutil.NoError(t, err)
	return s, fake
}

func TestS3SnapshotStoreMissingObject(t *testing.T) {
	s, _ := newS3Store(t)
	data, err := s.Load(context.Background())
	testutil.NoError(t, err)
	testutil.Nil(t, data)
}

func TestS3SnapshotStoreRoundTrip(t *testing.T) {
	s, fake := newS3Store(t)
	ctx := context.Background()

	testutil.NoError(t, s.Save(ctx, []byte(`{"jobCounter":3}`)))
	fake.mu.Lock()
	_, stored := fake.objects["snapshots/queues/test.json"]
	fake.mu.Unlock()
	testutil.True(t, stored, "object should be stored under bucket/key")

	data, err := s.Load(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, `{"jobCounter":3}`, string(data))
}
