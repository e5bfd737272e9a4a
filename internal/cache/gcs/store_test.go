package gcs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/pagesnap/internal/capture"
)

const testBucket = "test-bucket"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeGCS answers the subset of the JSON and XML APIs the store touches.
type fakeGCS struct {
	mu       sync.Mutex
	object   string
	data     []byte
	metadata map[string]string
	uploads  int
	lastBody string
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/upload/"):
		body, _ := io.ReadAll(r.Body)
		f.uploads++
		f.lastBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"name":"`+r.URL.Query().Get("name")+`","bucket":"`+testBucket+`"}`)
	case f.data == nil || !strings.HasSuffix(r.URL.Path, f.object):
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
	case r.URL.Query().Get("alt") == "media" || !strings.Contains(r.URL.Path, "/o/"):
		w.Header().Set("Content-Type", capture.PNG)
		_, _ = w.Write(f.data)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        f.object,
			"bucket":      testBucket,
			"contentType": capture.PNG,
			"generation":  "7",
			"size":        "9",
			"metadata":    f.metadata,
		})
	}
}

func newTestStore(t *testing.T, handler http.Handler, now time.Time) *Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
		storage.WithJSONReads(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket, Prefix: "/captures/"}, fixedClock{now: now})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"}, fixedClock{})
	assert.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = New(client, Config{}, fixedClock{})
	assert.Error(t, err)
	_, err = New(client, Config{Bucket: "b"}, nil)
	assert.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	store := &Store{prefix: "captures"}
	assert.Equal(t, "captures/abc.png", store.ObjectName("abc"))
	store.prefix = ""
	assert.Equal(t, "abc.png", store.ObjectName("abc"))
}

func TestPutUploadsObject(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	fake := &fakeGCS{}
	store := newTestStore(t, fake, now)

	err := store.Put(context.Background(), "abc", capture.Entry{
		Data:        []byte("png-bytes"),
		ContentType: capture.PNG,
		Region:      "#main",
		StoredAt:    now,
		ExpiresAt:   now.Add(time.Minute),
	})
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.uploads)
	assert.Contains(t, fake.lastBody, "png-bytes")
	assert.Contains(t, fake.lastBody, "expires-at")
	assert.Contains(t, fake.lastBody, "#main")
}

func TestPutSurfacesServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, time.Now())

	err := store.Put(context.Background(), "abc", capture.Entry{Data: []byte("x")})
	assert.Error(t, err)
}

func TestGetMissingObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &fakeGCS{}, time.Now())
	_, ok, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetFreshObject(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	fake := &fakeGCS{
		object: "captures/abc.png",
		data:   []byte("png-bytes"),
		metadata: map[string]string{
			metaExpiresAt: now.Add(time.Minute).Format(time.RFC3339Nano),
			metaStoredAt:  now.Format(time.RFC3339Nano),
			metaRegion:    "#main",
		},
	}
	store := newTestStore(t, fake, now)

	entry, ok, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), entry.Data)
	assert.Equal(t, "#main", entry.Region)
	assert.Equal(t, capture.PNG, entry.ContentType)
	assert.True(t, entry.StoredAt.Equal(now))
}

func TestGetExpiredObject(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	fake := &fakeGCS{
		object:   "captures/abc.png",
		data:     []byte("png-bytes"),
		metadata: map[string]string{metaExpiresAt: now.Format(time.RFC3339Nano)},
	}
	store := newTestStore(t, fake, now)

	_, ok, err := store.Get(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetRejectsObjectWithoutExpiry(t *testing.T) {
	t.Parallel()

	fake := &fakeGCS{
		object:   "captures/abc.png",
		data:     []byte("png-bytes"),
		metadata: map[string]string{},
	}
	store := newTestStore(t, fake, time.Now())

	_, ok, err := store.Get(context.Background(), "abc")
	assert.Error(t, err)
	assert.False(t, ok)
}

// listingGCS serves an object listing and records deletes.
type listingGCS struct {
	mu       sync.Mutex
	items    []map[string]any
	prefix   string
	deleted  []string
	conflict string
}

func (f *listingGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/b/"+testBucket+"/o"):
		f.prefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"kind": "storage#objects", "items": f.items})
	case r.Method == http.MethodDelete:
		name := r.URL.Path[strings.Index(r.URL.Path, "/o/")+len("/o/"):]
		if name == f.conflict {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = io.WriteString(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
			return
		}
		f.deleted = append(f.deleted, name+"@"+r.URL.Query().Get("ifGenerationMatch"))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestSweepDeletesExpiredObjects(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	object := func(name, generation string, metadata map[string]string) map[string]any {
		return map[string]any{"name": name, "bucket": testBucket, "generation": generation, "metadata": metadata}
	}
	fake := &listingGCS{
		items: []map[string]any{
			object("captures/old.png", "3", map[string]string{metaExpiresAt: now.Add(-time.Second).Format(time.RFC3339Nano)}),
			object("captures/fresh.png", "4", map[string]string{metaExpiresAt: now.Add(time.Minute).Format(time.RFC3339Nano)}),
			object("captures/bare.png", "5", nil),
			object("captures/rewritten.png", "6", map[string]string{metaExpiresAt: now.Format(time.RFC3339Nano)}),
			object("captures/notes.txt", "7", nil),
		},
		conflict: "captures/rewritten.png",
	}
	store := newTestStore(t, fake, now)

	removed, err := store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "captures/", fake.prefix)
	assert.ElementsMatch(t, []string{"captures/old.png@3", "captures/bare.png@5"}, fake.deleted)
}
