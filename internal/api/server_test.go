package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/native/nativetest"
	"github.com/andresmejia3/faceengine/internal/pool"
	"github.com/andresmejia3/faceengine/internal/recognizer"
	"github.com/andresmejia3/faceengine/internal/store"
	"github.com/andresmejia3/faceengine/internal/types"
	"github.com/andresmejia3/faceengine/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeDecode treats the upload as the face feature itself; "blank" is an image without a face.
func fakeDecode(name string, data []byte) (*imaging.Image, error) {
	if name == "" {
		name = "upload"
	}
	if string(data) == "blank" {
		return &imaging.Image{Source: name, Info: nativetest.Image(nil)}, nil
	}
	vec, err := utils.DecodeFeature(data)
	if err != nil {
		return nil, &imaging.FormatError{Source: name}
	}
	return &imaging.Image{Source: name, Info: nativetest.Image(vec)}, nil
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]map[string]store.Record
	fail  error
}

func (m *memStore) SaveFaces(_ context.Context, key string, recs []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	if m.saved == nil {
		m.saved = make(map[string]map[string]store.Record)
	}
	if m.saved[key] == nil {
		m.saved[key] = make(map[string]store.Record)
	}
	for _, r := range recs {
		m.saved[key][r.ID] = r
	}
	return nil
}

func (m *memStore) DeleteFaces(_ context.Context, key string, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.saved[key][id]; ok {
			delete(m.saved[key], id)
			n++
		}
	}
	return n, nil
}

func newServer(t *testing.T, opts ...Option) (*Server, *recognizer.Service) {
	t.Helper()
	svc := recognizer.New(config.Default(), nativetest.New(),
		recognizer.WithPoolOptions(pool.WithRetryInterval(time.Millisecond)))
	t.Cleanup(func() {
		svc.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Wait(ctx)
	})
	return New(svc, append([]Option{WithDecoder(fakeDecode)}, opts...)...), svc
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func upload(name string, vec ...float32) types.ImageInput {
	return types.ImageInput{Name: name, Payload: base64.StdEncoding.EncodeToString(utils.EncodeFeature(vec))}
}

func blankUpload(name string) types.ImageInput {
	return types.ImageInput{Name: name, Payload: base64.StdEncoding.EncodeToString([]byte("blank"))}
}

func TestEnrollAndSearch(t *testing.T) {
	db := &memStore{}
	s, _ := newServer(t, WithStore(db))

	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{
		Faces:  []types.FaceInput{{ID: "a", Feature: utils.EncodeFeature([]float32{1, 0, 0}), Tag: "badge-1"}},
		Images: []types.ImageInput{upload("photos/b.jpg", 0, 1, 0)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[types.EnrollResult](t, rec)
	assert.True(t, res.Complete)
	assert.Equal(t, 2, res.Added)

	assert.Len(t, db.saved["staff"], 2)
	assert.Equal(t, "badge-1", db.saved["staff"]["a"].Tag)
	assert.Equal(t, "photos/b.jpg", db.saved["staff"]["b"].Tag)

	rec = do(t, s, http.MethodGet, "/api/libraries/staff", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"a", "b"}, decode[types.LibraryResult](t, rec).IDs)

	threshold := float32(0.1)
	rec = do(t, s, http.MethodPost, "/api/search", types.SearchRequest{
		Library:       "staff",
		Feature:       utils.EncodeFeature([]float32{1, 0.2, 0}),
		MinSimilarity: &threshold,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[types.SearchResult](t, rec)
	require.NotNil(t, found.Best)
	assert.Equal(t, "a", found.Best.FaceID)
	assert.Len(t, found.Matches, 2)
	assert.Equal(t, "a", found.Matches[0].FaceID)

	img := upload("probe.png", 0, 1, 0)
	rec = do(t, s, http.MethodPost, "/api/search", types.SearchRequest{Library: "staff", Image: &img})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found = decode[types.SearchResult](t, rec)
	require.NotNil(t, found.Best)
	assert.Equal(t, "b", found.Best.FaceID)
	assert.Len(t, found.Matches, 1)
}

func TestSearchRequiresExactlyOneProbe(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodPost, "/api/search", types.SearchRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	img := upload("x", 1)
	rec = do(t, s, http.MethodPost, "/api/search", types.SearchRequest{Image: &img, Feature: utils.EncodeFeature([]float32{1})})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchEmptyLibrary(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodPost, "/api/search", types.SearchRequest{Feature: utils.EncodeFeature([]float32{1, 0})})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[types.SearchResult](t, rec)
	assert.Equal(t, "default", res.Library)
	assert.Nil(t, res.Best)
	assert.Empty(t, res.Matches)
}

func TestStrictEnrollChangesNothing(t *testing.T) {
	db := &memStore{}
	s, svc := newServer(t, WithStore(db))

	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{
		Images: []types.ImageInput{upload("a.jpg", 1, 0), blankUpload("nobody.jpg")},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[types.ErrorResult](t, rec).Error, "nobody.jpg")
	assert.Empty(t, svc.LibraryIDs("staff"))
	assert.Empty(t, db.saved)
}

func TestPartialEnrollKeepsSuccesses(t *testing.T) {
	s, svc := newServer(t)

	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{
		Partial: true,
		Faces:   []types.FaceInput{{ID: "c", Feature: utils.EncodeFeature([]float32{0, 0, 1})}},
		Images: []types.ImageInput{
			upload("a.jpg", 1, 0, 0),
			blankUpload("nobody.jpg"),
			{Name: "broken.jpg", Payload: "%%%"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[types.EnrollResult](t, rec)
	assert.False(t, res.Complete)
	assert.Equal(t, 2, res.Added)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, []string{"a", "c"}, svc.LibraryIDs("staff"))
}

func TestEnrollRejectsEmptyRequest(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollPersistFailure(t *testing.T) {
	s, _ := newServer(t, WithStore(&memStore{fail: errors.New("connection refused")}))
	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{
		Faces: []types.FaceInput{{ID: "a", Feature: utils.EncodeFeature([]float32{1})}},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRemoveFace(t *testing.T) {
	db := &memStore{}
	s, svc := newServer(t, WithStore(db))

	rec := do(t, s, http.MethodPost, "/api/libraries/staff/faces", types.EnrollRequest{
		Faces: []types.FaceInput{{ID: "a", Feature: utils.EncodeFeature([]float32{1})}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/libraries/staff/faces/a", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, svc.LibraryIDs("staff"))
	assert.Empty(t, db.saved["staff"])

	rec = do(t, s, http.MethodDelete, "/api/libraries/staff/faces/a", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetectAndExtract(t *testing.T) {
	s, _ := newServer(t)

	rec := do(t, s, http.MethodPost, "/api/detect", upload("one.jpg", 1, 2))
	require.Equal(t, http.StatusOK, rec.Code)
	det := decode[types.DetectResult](t, rec)
	assert.Equal(t, "one.jpg", det.Source)
	assert.Len(t, det.Faces, 1)

	rec = do(t, s, http.MethodPost, "/api/extract", upload("one.jpg", 1, 2))
	require.Equal(t, http.StatusOK, rec.Code)
	ext := decode[types.FeatureResult](t, rec)
	require.Len(t, ext.Features, 1)
	assert.Equal(t, utils.EncodeFeature([]float32{1, 2}), ext.Features[0])

	rec = do(t, s, http.MethodPost, "/api/extract", blankUpload("nobody.jpg"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/detect", types.ImageInput{Name: "x", Payload: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/detect", map[string]string{"name": "missing payload"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompare(t *testing.T) {
	s, _ := newServer(t)

	rec := do(t, s, http.MethodPost, "/api/compare", types.CompareRequest{
		A: utils.EncodeFeature([]float32{1, 0}),
		B: utils.EncodeFeature([]float32{1, 0}),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.InDelta(t, 1.0, decode[types.CompareResult](t, rec).Similarity, 1e-6)

	rec = do(t, s, http.MethodPost, "/api/compare", types.CompareRequest{
		A: utils.EncodeFeature([]float32{1, 0}),
		B: []byte{1, 2, 3},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStats(t *testing.T) {
	s, _ := newServer(t)
	rec := do(t, s, http.MethodPost, "/api/detect", upload("one.jpg", 1))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pools []poolStats `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Pools, 4)
	assert.Equal(t, "image", body.Pools[0].Mode)
	assert.Equal(t, 1, body.Pools[0].Live)
	assert.Equal(t, 1, body.Pools[0].Idle)
	assert.Equal(t, 3, body.Pools[0].Capacity)
}

func TestClosedServiceUnavailable(t *testing.T) {
	s, svc := newServer(t)
	svc.Close()
	rec := do(t, s, http.MethodPost, "/api/detect", upload("one.jpg", 1))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newServer(t, WithCORSOrigins("https://kiosk.example"))
	req := httptest.NewRequest(http.MethodOptions, "/api/search", nil)
	req.Header.Set("Origin", "https://kiosk.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://kiosk.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
