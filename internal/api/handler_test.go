package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ChargeMail/internal/db"
	"ChargeMail/internal/errs"
	"ChargeMail/internal/mailer"
	"ChargeMail/internal/models"
	"ChargeMail/internal/worker"
)

const testSecret = "test-secret"

type fakeRunner struct {
	limit int
	res   worker.Result
	err   error
}

func (f *fakeRunner) RunOnce(_ context.Context, limit int) (worker.Result, error) {
	f.limit = limit
	return f.res, f.err
}

type fakeVerifier struct {
	err error
}

func (f *fakeVerifier) VerifyConnection(context.Context) error {
	return f.err
}

type testServer struct {
	handler  http.Handler
	store    *db.MemoryStore
	runner   *fakeRunner
	verifier *fakeVerifier
	jwt      *JWT
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := db.NewMemoryStore(nil)
	runner := &fakeRunner{}
	verifier := &fakeVerifier{}
	jwtSvc := NewJWT(testSecret)

	h := &Handler{
		Store:     store,
		Mailer:    mailer.New(store, nil, mailer.Options{}, zap.NewNop()),
		Scheduler: runner,
		Transport: verifier,
		Log:       zap.NewNop(),
	}

	return &testServer{
		handler:  NewRouter(h, jwtSvc, []string{"https://ev.example.com"}),
		store:    store,
		runner:   runner,
		verifier: verifier,
		jwt:      jwtSvc,
	}
}

func (s *testServer) token(t *testing.T, role string) string {
	t.Helper()
	tok, err := s.jwt.Sign("user-1", role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, role string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, role))
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAuth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/email-queue", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/admin/email-queue", "user", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/email-queue", nil)
	other, err := NewJWT("other-secret").Sign("user-1", RoleAdmin, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+other)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := s.jwt.Sign("user-1", RoleAdmin, -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/admin/email-queue", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_NotConfigured(t *testing.T) {
	h := &Handler{Log: zap.NewNop()}
	router := NewRouter(h, NewJWT(""), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/email-queue", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestQueueEmail(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/emails", "user", map[string]any{
		"to":       []string{"jane@example.com"},
		"template": "welcome",
		"data":     map[string]any{"name": "Jane", "userType": "individual"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res mailer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)

	job, err := s.store.GetEmail(context.Background(), res.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.JSONEq(t, `{"name":"Jane","userType":"individual"}`, string(job.TemplateData))
}

func TestQueueEmail_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/emails", "user", map[string]any{
		"to":       []string{},
		"template": "welcome",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "recipient")

	st, err := s.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestQueueEmail_BadJSON(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/emails", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+s.token(t, "user"))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	s := newTestServer(t)
	for _, to := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		rec := s.do(t, http.MethodPost, "/api/emails", "user", map[string]any{"to": []string{to}, "text": "hi"})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/admin/email-queue?limit=2", RoleAdmin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body queueStatusResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(3), body.Stats.Pending)
	assert.Equal(t, int64(3), body.Stats.Total)
	assert.Len(t, body.Recent, 2)

	rec = s.do(t, http.MethodGet, "/api/admin/email-queue?limit=abc", RoleAdmin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessQueue(t *testing.T) {
	s := newTestServer(t)
	s.runner.res = worker.Result{Processed: 4, Failed: 1}

	rec := s.do(t, http.MethodPost, "/api/admin/email-queue/process", RoleAdmin, map[string]int{"limit": 5})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, s.runner.limit)
	assert.JSONEq(t,
		`{"success":true,"processed":4,"failed":1,"terminal":0,"requeued":0,"reclaimed":0}`,
		rec.Body.String(),
	)
}

func TestProcessQueue_EmptyBodyAndConflict(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/email-queue/process", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.runner.limit)

	s.runner.err = worker.ErrCycleRunning
	rec = s.do(t, http.MethodPost, "/api/admin/email-queue/process", RoleAdmin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.runner.err = errs.Mark(errs.New("email transport is not configured"), errs.ErrConfiguration)
	rec = s.do(t, http.MethodPost, "/api/admin/email-queue/process", RoleAdmin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVerifyTransport(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/admin/email/verify", RoleAdmin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.verifier.err = errs.Mark(errs.New("authentication failed: 535"), errs.ErrTransport)
	rec = s.do(t, http.MethodGet, "/api/admin/email/verify", RoleAdmin, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication failed")

	s.verifier.err = errs.Mark(errs.New("smtp is not configured"), errs.ErrConfiguration)
	rec = s.do(t, http.MethodGet, "/api/admin/email/verify", RoleAdmin, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func multipartRequest(t *testing.T, fields map[string]string, csv string) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if csv != "" {
		fw, err := mw.CreateFormFile("file", "recipients.csv")
		require.NoError(t, err)
		_, err = fw.Write([]byte(csv))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (s *testServer) broadcast(t *testing.T, fields map[string]string, csv string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartRequest(t, fields, csv)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/email/broadcast", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+s.token(t, RoleAdmin))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func TestBroadcast(t *testing.T) {
	s := newTestServer(t)

	rec := s.broadcast(t,
		map[string]string{"template": "admin-notification"},
		"email,title,message\nops@example.com,Maintenance,Tonight at 22:00\nfin@example.com,Maintenance,Tonight at 22:00\n",
	)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var body broadcastResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Queued)
	assert.Empty(t, body.Failed)

	recent, err := s.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, j := range recent {
		assert.Equal(t, models.TemplateAdminNotification, j.Template)
		assert.JSONEq(t, `{"title":"Maintenance","message":"Tonight at 22:00"}`, string(j.TemplateData))
	}
}

func TestBroadcast_Rejects(t *testing.T) {
	s := newTestServer(t)

	rec := s.broadcast(t, map[string]string{"template": "nope"}, "email\na@x.io\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.broadcast(t, map[string]string{"template": "welcome"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.broadcast(t, map[string]string{"template": "welcome"}, "name\nJane\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	st, err := s.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Total)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/emails", nil)
	req.Header.Set("Origin", "https://ev.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://ev.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(errs.Mark(errs.New("x"), errs.ErrValidation)))
	assert.Equal(t, http.StatusNotFound, statusFor(errs.Mark(errs.New("x"), errs.ErrNotFound)))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errs.Mark(errs.New("x"), errs.ErrConfiguration)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errs.Mark(errs.New("x"), errs.ErrStore)))
}
