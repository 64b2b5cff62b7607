package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type gcsObject struct {
	data        []byte
	contentType string
}

// fakeGCS serves the subset of the Cloud Storage JSON and XML APIs the client uses.
type fakeGCS struct {
	mu             sync.Mutex
	objects        map[string]gcsObject
	forbidden      map[string]bool
	lifecycle      json.RawMessage
	metageneration int64
	// raceOnPatch bumps the metageneration before a patch is evaluated, as a
	// concurrent update from another replica would.
	raceOnPatch bool
	patches     int
	uploads     int
}

func newFakeGCS() *fakeGCS {
	return &fakeGCS{objects: map[string]gcsObject{}, forbidden: map[string]bool{}, metageneration: 1}
}

const (
	gcsBucketPath = "/storage/v1/b/dubs"
	gcsObjectPath = gcsBucketPath + "/o/"
	gcsUploadPath = "/upload/storage/v1/b/dubs/o"
	gcsXMLPath    = "/dubs/"
)

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == gcsBucketPath && r.Method == http.MethodGet:
		f.writeBucket(w)
	case r.URL.Path == gcsBucketPath && r.Method == http.MethodPatch:
		f.patchBucket(w, r)
	case r.URL.Path == gcsUploadPath && r.Method == http.MethodPost:
		f.upload(w, r)
	case strings.HasPrefix(r.URL.Path, gcsObjectPath):
		name := strings.TrimPrefix(r.URL.Path, gcsObjectPath)
		obj, ok := f.objects[name]
		switch {
		case !ok:
			gcsError(w, http.StatusNotFound, "No such object: dubs/"+name)
		case r.Method == http.MethodDelete:
			delete(f.objects, name)
			w.WriteHeader(http.StatusNoContent)
		default:
			writeJSON(w, objectResource(name, obj))
		}
	case strings.HasPrefix(r.URL.Path, gcsXMLPath):
		name := strings.TrimPrefix(r.URL.Path, gcsXMLPath)
		if f.forbidden[name] {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "<Error><Code>AccessDenied</Code></Error>")
			return
		}
		obj, ok := f.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", obj.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
		w.Header().Set("X-Goog-Generation", "1")
		_, _ = w.Write(obj.data)
	default:
		gcsError(w, http.StatusNotImplemented, r.Method+" "+r.URL.Path)
	}
}

func (f *fakeGCS) writeBucket(w http.ResponseWriter) {
	bucket := map[string]any{
		"kind":           "storage#bucket",
		"name":           "dubs",
		"metageneration": strconv.FormatInt(f.metageneration, 10),
	}
	if f.lifecycle != nil {
		bucket["lifecycle"] = f.lifecycle
	}
	writeJSON(w, bucket)
}

func (f *fakeGCS) patchBucket(w http.ResponseWriter, r *http.Request) {
	if f.raceOnPatch {
		f.metageneration++
	}
	if want := r.URL.Query().Get("ifMetagenerationMatch"); want != strconv.FormatInt(f.metageneration, 10) {
		gcsError(w, http.StatusPreconditionFailed, "metageneration mismatch")
		return
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	if l, ok := body["lifecycle"]; ok {
		f.lifecycle = l
	}
	f.metageneration++
	f.patches++
	f.writeBucket(w)
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	var meta struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
	}
	part, err := mr.NextPart()
	if err == nil {
		err = json.NewDecoder(part).Decode(&meta)
	}
	if err == nil {
		part, err = mr.NextPart()
	}
	var data []byte
	if err == nil {
		data, err = io.ReadAll(part)
	}
	if err != nil {
		gcsError(w, http.StatusBadRequest, err.Error())
		return
	}

	obj := gcsObject{data: data, contentType: meta.ContentType}
	if obj.contentType == "" {
		obj.contentType = part.Header.Get("Content-Type")
	}
	f.objects[meta.Name] = obj
	f.uploads++
	writeJSON(w, objectResource(meta.Name, obj))
}

func objectResource(name string, obj gcsObject) map[string]any {
	return map[string]any{
		"kind":        "storage#object",
		"bucket":      "dubs",
		"name":        name,
		"size":        strconv.Itoa(len(obj.data)),
		"contentType": obj.contentType,
		"generation":  "1",
		"timeCreated": "2025-03-01T10:00:00Z",
		"updated":     "2025-03-01T10:00:00Z",
	}
}

func gcsError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": code, "message": msg}})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestGCS(t *testing.T) (*GCSClient, *fakeGCS) {
	t.Helper()
	fake := newFakeGCS()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewGCSClient(context.Background(), GCSConfig{Bucket: "dubs", OperationTimeout: 5 * time.Second, TransferTimeout: 5 * time.Second},
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, fake
}

func TestGCSClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestGCS(t)
	require.NoError(t, c.Validate(ctx))

	obj, err := c.Put(ctx, "outputs/j1/final.mp4", strings.NewReader("dubbed video"), "video/mp4")
	require.NoError(t, err)
	assert.Equal(t, "outputs/j1/final.mp4", obj.Path)
	assert.Equal(t, BackendRemote, obj.Backend)
	assert.EqualValues(t, 12, obj.Size)
	assert.Equal(t, "video/mp4", obj.ContentType)
	assert.Equal(t, 1, fake.uploads)

	rc, err := c.Get(ctx, "outputs/j1/final.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "dubbed video", string(data))

	ok, err := c.Exists(ctx, "outputs/j1/final.mp4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGCSClientErrorMapping(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestGCS(t)
	fake.objects["outputs/j2/final.mp4"] = gcsObject{data: []byte("x"), contentType: "video/mp4"}
	fake.forbidden["outputs/j2/final.mp4"] = true

	_, err := c.Get(ctx, "outputs/missing/final.mp4")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.Get(ctx, "outputs/j2/final.mp4")
	require.ErrorIs(t, err, ErrObjectUnreadable)

	_, err = c.Stat(ctx, "outputs/missing/final.mp4")
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := c.Exists(ctx, "outputs/missing/final.mp4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGCSClientDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestGCS(t)
	fake.objects["temp/a.wav"] = gcsObject{data: []byte("a"), contentType: "audio/wav"}

	require.NoError(t, c.Delete(ctx, "temp/a.wav"))
	require.NoError(t, c.Delete(ctx, "temp/a.wav"))
	assert.Empty(t, fake.objects)
}

func TestGCSClientPutAbortsOnReaderFailure(t *testing.T) {
	c, fake := newTestGCS(t)

	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("disk read failed")))
	_, err := c.Put(context.Background(), "processing/j1/audio.wav", r, "audio/wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk read failed")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Zero(t, fake.uploads, "no object is committed")
	assert.Empty(t, fake.objects)
}

func TestGCSClientApplyLifecycleRule(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestGCS(t)
	fake.lifecycle = json.RawMessage(`{"rule":[
		{"action":{"type":"SetStorageClass","storageClass":"COLDLINE"},"condition":{"age":30,"matchesPrefix":["outputs/"]}},
		{"action":{"type":"Delete"},"condition":{"age":3,"matchesPrefix":["temp/"]}}
	]}`)

	require.NoError(t, c.ApplyLifecycleRule(ctx, "processing", 7))
	assert.Equal(t, 1, fake.patches)

	attrs, err := c.bucket.Attrs(ctx)
	require.NoError(t, err)
	require.Len(t, attrs.Lifecycle.Rules, 3)
	assert.Equal(t, gcs.SetStorageClassAction, attrs.Lifecycle.Rules[0].Action.Type, "rules owned by others are kept")
	assert.Equal(t, []LifecycleRule{
		{Prefix: "temp/", AgeDays: 3},
		{Prefix: "processing/", AgeDays: 7},
	}, managedRules(attrs.Lifecycle))

	// The first rule for a prefix stays in force.
	require.NoError(t, c.ApplyLifecycleRule(ctx, "processing/", 30))
	require.NoError(t, c.ApplyLifecycleRule(ctx, "temp/", 1))
	assert.Equal(t, 1, fake.patches)

	require.ErrorIs(t, c.ApplyLifecycleRule(ctx, "outputs/", 7), ErrRetentionExempt)
}

func TestGCSClientLifecycleUpdateGuardedByMetageneration(t *testing.T) {
	c, fake := newTestGCS(t)
	fake.raceOnPatch = true

	err := c.ApplyLifecycleRule(context.Background(), "processing/j9", 7)
	require.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Zero(t, fake.patches)
	assert.Nil(t, fake.lifecycle)
}

func TestManagedRules(t *testing.T) {
	l := gcs.Lifecycle{Rules: []gcs.LifecycleRule{
		{
			Action:    gcs.LifecycleAction{Type: gcs.DeleteAction},
			Condition: gcs.LifecycleCondition{AgeInDays: 7, MatchesPrefix: []string{"temp/", "processing/"}},
		},
		{
			Action:    gcs.LifecycleAction{Type: gcs.SetStorageClassAction, StorageClass: "COLDLINE"},
			Condition: gcs.LifecycleCondition{AgeInDays: 30, MatchesPrefix: []string{"outputs/"}},
		},
	}}

	assert.Equal(t, []LifecycleRule{
		{Prefix: "temp/", AgeDays: 7},
		{Prefix: "processing/", AgeDays: 7},
	}, managedRules(l))

	_, changed := mergeLifecycleRule(managedRules(l), "temp/", 1)
	assert.False(t, changed)
}
