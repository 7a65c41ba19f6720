package s3

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	bucket := parts[0]
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	switch {
	case r.Method == http.MethodHead && key == "":
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && key == "":
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[bucket+"/"+key] = body
		f.types[bucket+"/"+key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newFake(t *testing.T) (*fakeS3, string) {
	t.Helper()
	fake := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, strings.TrimPrefix(srv.URL, "http://")
}

func TestEnsureBucketAndPutObject(t *testing.T) {
	t.Parallel()

	fake, endpoint := newFake(t)
	store, err := New(Config{
		Endpoint: endpoint,
		Bucket:   "pncp-pages",
		Region:   "us-east-1",
	})
	require.NoError(t, err)

	require.Error(t, store.Check(context.Background()))
	require.NoError(t, store.EnsureBucket(context.Background()))
	require.NoError(t, store.Check(context.Background()))

	payload := []byte(`{"data":[{"anoCompra":2024}]}`)
	uri, err := store.PutObject(context.Background(), "pages/2024-05-10/run/SP-1-abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "s3://pncp-pages/pages/2024-05-10/run/SP-1-abc.json", uri)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Equal(t, payload, fake.objects["pncp-pages/pages/2024-05-10/run/SP-1-abc.json"])
	require.Equal(t, "application/json", fake.types["pncp-pages/pages/2024-05-10/run/SP-1-abc.json"])
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "b"})
	require.ErrorContains(t, err, "endpoint is required")

	_, err = New(Config{Endpoint: "localhost:9000"})
	require.ErrorContains(t, err, "bucket name is required")

	_, err = NewWithClient(nil, "b", "")
	require.Error(t, err)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	_, endpoint := newFake(t)
	store, err := New(Config{Endpoint: endpoint, Bucket: "b", Region: "us-east-1"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "", "application/json", bytes.NewReader(nil))
	require.ErrorContains(t, err, "path is required")
}
