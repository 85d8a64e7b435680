package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/courtside/photodesk/internal/imaging"
	"github.com/courtside/photodesk/internal/ingest"
	"github.com/courtside/photodesk/internal/logging"
	"github.com/courtside/photodesk/internal/models"
	"github.com/courtside/photodesk/internal/session"
	"github.com/courtside/photodesk/internal/submit"
	"github.com/courtside/photodesk/internal/testutil"
	"github.com/courtside/photodesk/internal/upload"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type testServer struct {
	e        *echo.Echo
	previews *testutil.MockStorage
	sink     *testutil.FakeSink
	sessions *session.Manager
	cookie   *http.Cookie
}

func newTestServer(t *testing.T, policy models.Policy, fallbackToken string) *testServer {
	t.Helper()
	return newTestServerWithDeriver(t, policy, fallbackToken, imaging.NewDeriver(imaging.DefaultOptions(), logging.Discard()))
}

func newTestServerWithDeriver(t *testing.T, policy models.Policy, fallbackToken string, deriver ingest.Deriver) *testServer {
	t.Helper()
	logger := logging.Discard()
	previews := testutil.NewMockStorage()
	sink := testutil.NewFakeSink()
	sessions := session.NewManager(session.Dependencies{
		Policy:   policy,
		Deriver:  deriver,
		Previews: previews,
		Sink:     sink,
		Logger:   logger,
	}, 4)
	t.Cleanup(sessions.Close)

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler
	h := NewHandlers(&Dependencies{
		Previews:           previews,
		SessionMgr:         sessions,
		UploadMgr:          upload.NewManager(t.Context(), logger),
		FallbackCredential: submit.StaticCredential(fallbackToken),
		Version:            "test",
		Logger:             logger,
	})
	RegisterRoutes(e, h)

	return &testServer{e: e, previews: previews, sink: sink, sessions: sessions}
}

// do sends a request, carrying the session cookie between calls.
func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	if s.cookie != nil {
		req.AddCookie(s.cookie)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookieName {
			s.cookie = c
		}
	}
	return rec
}

// gatedDeriver blocks every derivation until gate is closed.
type gatedDeriver struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedDeriver() *gatedDeriver {
	return &gatedDeriver{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (d *gatedDeriver) Derive(ctx context.Context, src models.SourceFile, target models.Target) (*models.DerivedAsset, error) {
	d.once.Do(func() { close(d.entered) })
	select {
	case <-d.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &models.DerivedAsset{
		Name:        src.Name,
		ContentType: "image/jpeg",
		Width:       target.MaxDimension,
		Height:      target.MaxDimension,
		Data:        []byte(src.Name),
	}, nil
}

type formFile struct {
	name        string
	contentType string
	data        []byte
}

func selectRequest(t *testing.T, target string, files ...formFile) *http.Request {
	t.Helper()
	body := new(bytes.Buffer)
	w := multipart.NewWriter(body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, FormFieldFiles, f.name))
		h.Set("Content-Type", f.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func jpegFile(t *testing.T, name string) formFile {
	return formFile{name: name, contentType: "image/jpeg", data: testutil.EncodeJPEG(t, testutil.GradientImage(120, 80), 85)}
}

func decodeCatalog(t *testing.T, rec *httptest.ResponseRecorder) catalogResponse {
	t.Helper()
	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var resp APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPhotoHandler_HandleGetPolicy(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/photos/policy", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp policyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 30, resp.MaxItemCount)
	assert.Equal(t, int64(2*1024*1024), resp.MaxSourceBytes)
	assert.Equal(t, 360, resp.Preview.MaxDimension)
	assert.Equal(t, 500, resp.Upload.MaxDimension)
	assert.Equal(t, "You can upload a maximum of 30 files.", resp.CountMessage)
}

func TestPhotoHandler_SelectAndList(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")

	rec := s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, s.cookie, "session cookie should be set on first request")

	var sel struct {
		Appended []string        `json:"appended"`
		Catalog  catalogResponse `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Len(t, sel.Appended, 2)
	assert.Equal(t, 2, sel.Catalog.Count)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeCatalog(t, rec)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "a.jpg", list.Items[0].Name)
	assert.Equal(t, "b.jpg", list.Items[1].Name)
	assert.Equal(t, sel.Appended, []string{list.Items[0].ID, list.Items[1].ID})

	// previews are served under the listed URL
	rec = s.do(httptest.NewRequest(http.MethodGet, list.Items[0].PreviewURL, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get(echo.HeaderContentType))
	assert.NotZero(t, rec.Body.Len())
}

func TestPhotoHandler_ListMsgpack(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg")))

	req := httptest.NewRequest(http.MethodGet, "/api/photos", nil)
	req.Header.Set(echo.HeaderAccept, mimeMsgpack)
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mimeMsgpack, rec.Header().Get(echo.HeaderContentType))

	var decoded map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.EqualValues(t, 1, decoded["count"])
}

func TestPhotoHandler_SelectCountExceeded(t *testing.T) {
	policy := models.DefaultPolicy()
	policy.MaxItemCount = 2
	s := newTestServer(t, policy, "")

	rec := s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg"), jpegFile(t, "c.jpg")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	apiErr := decodeAPIError(t, rec)
	assert.Equal(t, "COUNT_EXCEEDED", apiErr.Code)
	assert.Equal(t, "You can upload a maximum of 2 files.", apiErr.Message)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil))
	assert.Equal(t, 0, decodeCatalog(t, rec).Count)
	assert.Zero(t, s.previews.Live())
}

func TestPhotoHandler_SelectPartialFailure(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")

	rec := s.do(selectRequest(t, "/api/photos/select",
		jpegFile(t, "good.jpg"),
		formFile{name: "broken.jpg", contentType: "image/jpeg", data: []byte("not a jpeg")},
	))
	require.Equal(t, http.StatusOK, rec.Code)

	var sel struct {
		Appended []string           `json:"appended"`
		Errors   []models.FileError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Len(t, sel.Appended, 1)
	require.Len(t, sel.Errors, 1)
	assert.Equal(t, "broken.jpg", sel.Errors[0].Name)
	assert.Equal(t, 1, sel.Errors[0].Index)
}

func TestPhotoHandler_SelectValidation(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	rec := s.do(selectRequest(t, "/api/photos/select"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decodeAPIError(t, rec).Code)
}

func TestPhotoHandler_SelectNonImageParts(t *testing.T) {
	tests := []struct {
		name        string
		files       []formFile
		errorIndex  []int
		appended    int
		catalogSize int
	}{
		{
			name:        "non-image part",
			files:       []formFile{{name: "notes.txt", contentType: "text/plain", data: []byte("hello")}},
			errorIndex:  []int{0},
			appended:    0,
			catalogSize: 0,
		},
		{
			name: "non-image beside images",
			files: []formFile{
				jpegFile(t, "a.jpg"),
				{name: "report.pdf", contentType: "application/pdf", data: []byte("%PDF-1.4")},
			},
			errorIndex:  []int{1},
			appended:    1,
			catalogSize: 1,
		},
		{
			name: "undeclared type is decoded",
			files: []formFile{
				{name: "a.jpg", contentType: "application/octet-stream", data: testutil.EncodeJPEG(t, testutil.GradientImage(60, 40), 85)},
				{name: "notes.txt", contentType: "text/plain; charset=utf-8", data: []byte("hello")},
				jpegFile(t, "c.jpg"),
			},
			errorIndex:  []int{1},
			appended:    2,
			catalogSize: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, models.DefaultPolicy(), "")
			rec := s.do(selectRequest(t, "/api/photos/select", tt.files...))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var sel struct {
				Appended []string           `json:"appended"`
				Errors   []models.FileError `json:"errors"`
				Catalog  catalogResponse    `json:"catalog"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
			assert.Len(t, sel.Appended, tt.appended)
			assert.Equal(t, tt.catalogSize, sel.Catalog.Count)
			require.Len(t, sel.Errors, len(tt.errorIndex))
			for i, idx := range tt.errorIndex {
				assert.Equal(t, idx, sel.Errors[i].Index)
				assert.Equal(t, ingest.MessageNotImage, sel.Errors[i].Message)
			}
		})
	}
}

func TestPhotoHandler_SelectCountExceededWithNonImagePart(t *testing.T) {
	policy := models.DefaultPolicy()
	policy.MaxItemCount = 2
	s := newTestServer(t, policy, "")

	rec := s.do(selectRequest(t, "/api/photos/select",
		jpegFile(t, "a.jpg"),
		formFile{name: "notes.txt", contentType: "text/plain", data: []byte("hello")},
		jpegFile(t, "c.jpg"),
	))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "COUNT_EXCEEDED", decodeAPIError(t, rec).Code)
	assert.Zero(t, s.previews.Live())
}

func TestPhotoHandler_SelectRejectsOversizedDimensions(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")

	bomb := testutil.PNGHeader("bomb.png", 20000, 20000)
	rec := s.do(selectRequest(t, "/api/photos/select",
		jpegFile(t, "a.jpg"),
		formFile{name: bomb.Name, contentType: "image/png", data: bomb.Data},
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sel struct {
		Appended []string           `json:"appended"`
		Errors   []models.FileError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Len(t, sel.Appended, 1)
	require.Len(t, sel.Errors, 1)
	assert.Equal(t, "bomb.png", sel.Errors[0].Name)
	assert.Equal(t, ingest.MessageUndecodable, sel.Errors[0].Message)
}

func TestPhotoHandler_SelectHoldsSessionWhileDeriving(t *testing.T) {
	deriver := newGatedDeriver()
	s := newTestServerWithDeriver(t, models.DefaultPolicy(), "", deriver)
	state := s.sessions.StartSession()

	req := selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"))
	req.Header.Set(SessionHeader, state.ID)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.e.ServeHTTP(rec, req)
	}()

	select {
	case <-deriver.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("selection never started deriving")
	}

	// Fill the manager well past capacity while the selection is running.
	for range 6 {
		s.sessions.StartSession()
	}
	_, ok := s.sessions.GetSession(state.ID)
	assert.True(t, ok, "a session with a running selection is not evicted")

	close(deriver.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("selection did not finish")
	}

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var sel struct {
		Catalog catalogResponse `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sel))
	assert.Equal(t, state.ID, sel.Catalog.SessionID)
	assert.Equal(t, 1, sel.Catalog.Count)
	assert.Equal(t, 1, state.Catalog.Len())
}

func TestPhotoHandler_RemoveAndClear(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg"), jpegFile(t, "c.jpg")))
	list := decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	require.Len(t, list.Items, 3)

	rec := s.do(httptest.NewRequest(http.MethodDelete, "/api/photos/"+list.Items[1].ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/photos/"+list.Items[1].ID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	list = decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	require.Len(t, list.Items, 2)
	assert.Equal(t, "a.jpg", list.Items[0].Name)
	assert.Equal(t, "c.jpg", list.Items[1].Name)
	assert.Equal(t, 2, s.previews.Live())

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/photos", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())
	assert.Zero(t, s.previews.Live())

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/photos", nil))
	assert.JSONEq(t, `{"removed":0}`, rec.Body.String())
}

func TestPhotoHandler_SubmitUnauthorized(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg")))

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/photos/submit", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeAPIError(t, rec).Code)
	assert.Empty(t, s.sink.Calls())

	list := decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	assert.Equal(t, 1, list.Count)
}

func TestPhotoHandler_SubmitSuccess(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "fallback-token")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg")))

	req := httptest.NewRequest(http.MethodPost, "/api/photos/submit", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer user-token")
	rec := s.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Count   int             `json:"count"`
		Message string          `json:"message"`
		Catalog catalogResponse `json:"catalog"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, submit.MessageSuccess, resp.Message)
	assert.Equal(t, 0, resp.Catalog.Count)

	calls := s.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "user-token", calls[0].Credential)
	require.Len(t, calls[0].Payload.Parts, 2)
	assert.Equal(t, "a.jpg", calls[0].Payload.Parts[0].FileName)
	assert.Zero(t, s.previews.Live())
}

func TestPhotoHandler_SubmitUsesFallbackCredential(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "fallback-token")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg")))

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/photos/submit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	calls := s.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fallback-token", calls[0].Credential)
}

func TestPhotoHandler_SubmitFailureKeepsCatalog(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "token")
	s.sink.Err = &submit.SubmissionError{StatusCode: http.StatusInternalServerError, Reason: "Storage is full."}
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg")))
	before := decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/photos/submit", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	apiErr := decodeAPIError(t, rec)
	assert.Equal(t, "SUBMISSION_FAILED", apiErr.Code)
	assert.Equal(t, "Storage is full.", apiErr.Message)

	after := decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	assert.Equal(t, before.Items, after.Items)
}

func TestPhotoHandler_SubmitEmpty(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "token")

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/photos/submit", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "EMPTY_BATCH", decodeAPIError(t, rec).Code)
	assert.Empty(t, s.sink.Calls())
}

func TestPhotoHandler_SessionsAreIsolated(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	s.do(selectRequest(t, "/api/photos/select", jpegFile(t, "a.jpg")))

	other := &testServer{e: s.e}
	list := decodeCatalog(t, other.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	assert.Equal(t, 0, list.Count)
	assert.NotEqual(t, s.cookie.Value, other.cookie.Value)
}

func TestPhotoHandler_GetPreviewNotFound(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/photos/previews/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_AsyncSelect(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")

	rec := s.do(selectRequest(t, "/api/photos/select?async=1", jpegFile(t, "a.jpg"), jpegFile(t, "b.jpg")))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted jobAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	var job upload.Job
	require.Eventually(t, func() bool {
		rec := s.do(httptest.NewRequest(http.MethodGet, "/api/photos/jobs/"+accepted.JobID, nil))
		if rec.Code != http.StatusOK {
			return false
		}
		job = upload.Job{}
		_ = json.Unmarshal(rec.Body.Bytes(), &job)
		return job.Done()
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, upload.StatusComplete, job.Status)
	assert.Len(t, job.Appended, 2)
	assert.Equal(t, float64(100), job.Progress)

	list := decodeCatalog(t, s.do(httptest.NewRequest(http.MethodGet, "/api/photos", nil)))
	assert.Equal(t, 2, list.Count)

	// jobs are scoped to the session that started them
	other := &testServer{e: s.e}
	rec = other.do(httptest.NewRequest(http.MethodGet, "/api/photos/jobs/"+accepted.JobID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, models.DefaultPolicy(), "")
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}
