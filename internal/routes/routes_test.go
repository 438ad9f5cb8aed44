package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnshRaj112/hams-diary/internal/blobstore"
	"github.com/AnshRaj112/hams-diary/internal/docstore"
	"github.com/AnshRaj112/hams-diary/internal/handlers"
	"github.com/AnshRaj112/hams-diary/internal/middleware"
	"github.com/AnshRaj112/hams-diary/internal/services"
)

const ownerHeader = "X-Test-Owner"

type api struct {
	router http.Handler
	store  *docstore.MemoryStore
	blobs  *blobstore.Memory
	now    time.Time
}

func newAPI(t *testing.T) *api {
	return newAPIWithStore(t, nil)
}

// newAPIWithStore serves through wrap(store) when wrap is set, while a.store
// stays the plain memory store for assertions.
func newAPIWithStore(t *testing.T, wrap func(docstore.Store) docstore.Store) *api {
	t.Helper()
	a := &api{now: time.Now()}
	a.store = docstore.NewMemoryStore(docstore.WithClock(func() time.Time { return a.now }))
	a.blobs = blobstore.NewMemory()
	log := zap.NewNop()

	var store docstore.Store = a.store
	if wrap != nil {
		store = wrap(a.store)
	}
	diaries := services.NewDiaryService(store, log)
	scanner := services.NewTrashScanner(store, nil, log)
	h := handlers.New(handlers.Deps{
		Diaries:   diaries,
		Views:     services.NewViewService(store, nil, log),
		Scanner:   scanner,
		Purge:     services.NewPurgeService(store, scanner, diaries, a.blobs, nil, log),
		Blobs:     a.blobs,
		Log:       log,
		Retention: 24 * time.Hour,
	})

	r := chi.NewRouter()
	SetupRoutes(r, h, Guards{
		Owner: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if id := r.Header.Get(ownerHeader); id != "" {
					r = r.WithContext(middleware.WithOwnerID(r.Context(), id))
				}
				next.ServeHTTP(w, r)
			})
		},
		Admin: func(next http.Handler) http.Handler { return next },
	})
	a.router = r
	return a
}

func (a *api) do(t *testing.T, method, path, ownerID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if ownerID != "" {
		req.Header.Set(ownerHeader, ownerID)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestAPI_DiaryLifecycle(t *testing.T) {
	a := newAPI(t)

	rec, _ := a.do(t, http.MethodGet, "/api/diaries", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, out := a.do(t, http.MethodPost, "/api/diaries", "ana", map[string]interface{}{
		"entry_date": "2024-03-01", "title": "hello", "favorite": true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	id := out["id"].(string)
	require.NotEmpty(t, id)

	rec, out = a.do(t, http.MethodGet, "/api/diaries/calendar/2024-03", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	days := out["days"].([]interface{})
	require.Len(t, days, 1)
	assert.Equal(t, float64(1), days[0].(map[string]interface{})["count"])

	rec, _ = a.do(t, http.MethodPatch, "/api/diaries/"+id, "ana", map[string]interface{}{"title": "edited"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = a.do(t, http.MethodGet, "/api/diaries/"+id, "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "edited", out["diary"].(map[string]interface{})["title"])

	rec, _ = a.do(t, http.MethodGet, "/api/diaries/"+id, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = a.do(t, http.MethodDelete, "/api/diaries/"+id, "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = a.do(t, http.MethodPatch, "/api/diaries/"+id, "ana", map[string]interface{}{"title": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, out = a.do(t, http.MethodGet, "/api/trash", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["diaries"].([]interface{}), 1)

	rec, _ = a.do(t, http.MethodPost, "/api/trash/"+id+"/restore", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = a.do(t, http.MethodGet, "/api/diaries", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["diaries"].([]interface{}), 1)

	rec, out = a.do(t, http.MethodDelete, "/api/trash/"+id, "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["deleted_count"])

	rec, out = a.do(t, http.MethodGet, "/api/diaries/calendar/2024-03", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["days"])
}

func TestAPI_HardDeleteRemovesBlobs(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	const path = "users/ana/diaries/d1/images/1_x.png"
	ref, err := a.blobs.Put(ctx, path, []byte("png"), "image/png")
	require.NoError(t, err)

	rec, out := a.do(t, http.MethodPost, "/api/diaries", "ana", map[string]interface{}{
		"id": "d1", "entry_date": "2024-03-01", "attachments": []interface{}{ref},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "d1", out["id"])

	rec, out = a.do(t, http.MethodDelete, "/api/diaries/d1?hard=true", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(1), out["deleted_count"])
	assert.Equal(t, float64(1), out["blob_count"])
	assert.Equal(t, float64(0), out["blob_failures"])
	assert.False(t, a.blobs.Has(path))
	assert.Equal(t, 0, a.store.Len("diaries"))

	rec, out = a.do(t, http.MethodGet, "/api/diaries/calendar/2024-03", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, out["days"])

	// Gone already: still a success, nothing removed.
	rec, out = a.do(t, http.MethodDelete, "/api/diaries/d1?hard=true", "ana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), out["deleted_count"])
}

func TestAPI_Validation(t *testing.T) {
	a := newAPI(t)
	rec, out := a.do(t, http.MethodPost, "/api/diaries", "ana", map[string]interface{}{"entry_date": "yesterday"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])

	rec, _ = a.do(t, http.MethodGet, "/api/diaries/calendar/2024-13", "ana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = a.do(t, http.MethodPost, "/api/trash/ghost/restore", "ana", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Upload(t *testing.T) {
	a := newAPI(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "photo.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\nrest"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads?diaryId=d1", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(ownerHeader, "ana")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out handlers.UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotNil(t, out.Blob)
	assert.True(t, strings.HasPrefix(out.Blob.Path, "users/ana/diaries/d1/images/"))
	assert.True(t, strings.HasSuffix(out.Blob.Path, "_photo.png"))
	assert.True(t, a.blobs.Has(out.Blob.Path))

	rec, _ = a.do(t, http.MethodPost, "/api/uploads", "ana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func (a *api) trashOld(t *testing.T, ownerID string) {
	t.Helper()
	rec, out := a.do(t, http.MethodPost, "/api/diaries", ownerID, map[string]interface{}{"entry_date": "2024-03-01"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec, _ = a.do(t, http.MethodDelete, "/api/diaries/"+out["id"].(string), ownerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_AdminScanAndPurge(t *testing.T) {
	a := newAPI(t)
	a.trashOld(t, "ana")
	a.trashOld(t, "ana")
	a.trashOld(t, "bob")
	a.now = a.now.Add(25 * time.Hour)

	rec, out := a.do(t, http.MethodGet, "/api/admin/trash/expired", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	owners := out["owners"].([]interface{})
	require.Len(t, owners, 2)
	assert.Equal(t, "ana", owners[0].(map[string]interface{})["owner_id"])
	assert.Equal(t, float64(2), owners[0].(map[string]interface{})["count"])

	rec, out = a.do(t, http.MethodDelete, "/api/admin/trash/expired/bob", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), out["deleted_count"])

	rec, out = a.do(t, http.MethodPost, "/api/admin/trash/expired/purgeAll", "", handlers.PurgeAllRequest{
		Owners: []services.PurgeTarget{{OwnerID: "ana"}, {OwnerID: "bob"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), out["total"])
	assert.Equal(t, float64(2), out["done"])
	assert.Equal(t, 0, a.store.Len("diaries"))
}

// unreadableRecord fails point reads of one record id.
type unreadableRecord struct {
	docstore.Store
	id string
}

func (s unreadableRecord) Get(ctx context.Context, key docstore.Key) (*docstore.Snapshot, error) {
	if key.ID == s.id {
		return nil, errors.New("read unavailable")
	}
	return s.Store.Get(ctx, key)
}

func TestAPI_AdminPurgeOwnerPartialFailure(t *testing.T) {
	a := newAPIWithStore(t, func(s docstore.Store) docstore.Store {
		return unreadableRecord{Store: s, id: "bad"}
	})
	for _, id := range []string{"bad", "ok1", "ok2"} {
		rec, _ := a.do(t, http.MethodPost, "/api/diaries", "ana", map[string]interface{}{"id": id, "entry_date": "2024-03-01"})
		require.Equal(t, http.StatusCreated, rec.Code)
		rec, _ = a.do(t, http.MethodDelete, "/api/diaries/"+id, "ana", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	a.now = a.now.Add(25 * time.Hour)

	rec, out := a.do(t, http.MethodDelete, "/api/admin/trash/expired/ana", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ana", out["owner_id"])
	assert.Equal(t, false, out["ok"])
	assert.Equal(t, false, out["success"])
	assert.Equal(t, float64(2), out["deleted_count"])
	assert.Equal(t, float64(0), out["blob_count"])
	assert.Equal(t, float64(0), out["blob_failures"])
	assert.Contains(t, out["error"], "bad")
	assert.Equal(t, 1, a.store.Len("diaries"))

	// A purge that could not start at all is still an error response.
	a = newAPIWithStore(t, func(s docstore.Store) docstore.Store {
		return queryDown{Store: s}
	})
	rec, out = a.do(t, http.MethodDelete, "/api/admin/trash/expired/ana", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, out["success"])
}

type queryDown struct{ docstore.Store }

func (queryDown) Query(context.Context, docstore.Query) (*docstore.Page, error) {
	return nil, errors.New("query unavailable")
}

func TestAPI_PurgeStream(t *testing.T) {
	a := newAPI(t)
	a.trashOld(t, "ana")
	a.trashOld(t, "bob")
	a.now = a.now.Add(25 * time.Hour)

	srv := httptest.NewServer(a.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/admin/trash/purge", nil)
	require.NoError(t, err)
	defer conn.Close()

	// No owners named: the server scans for them.
	require.NoError(t, conn.WriteJSON(handlers.PurgeAllRequest{}))

	var results []string
	for {
		var f handlers.PurgeStreamFrame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == "result" {
			require.NotNil(t, f.Result)
			assert.True(t, f.Result.OK)
			results = append(results, f.Result.OwnerID)
			continue
		}
		require.Equal(t, "done", f.Type)
		require.NotNil(t, f.Summary)
		assert.Equal(t, 2, f.Summary.Done)
		break
	}
	assert.ElementsMatch(t, []string{"ana", "bob"}, results)
	assert.Equal(t, 0, a.store.Len("diaries"))
}
