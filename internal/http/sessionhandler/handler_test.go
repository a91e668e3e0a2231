package sessionhandler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"coderoomgo/internal/executor"
	"coderoomgo/internal/services/session"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSvc struct {
	session.ISessionService // panic on anything not stubbed below

	getSession *session.SessionDTO
	getErr     error
	execRes    executor.Result
	execErr    error
	savedCode  string
}

func (s *stubSvc) GetSession(context.Context, string) (*session.SessionDTO, error) {
	return s.getSession, s.getErr
}

func (s *stubSvc) SaveCode(_ context.Context, _, code, _ string) error {
	s.savedCode = code
	return nil
}

func (s *stubSvc) Execute(context.Context, string, string, string) (executor.Result, error) {
	return s.execRes, s.execErr
}

func newTestRouter(svc *stubSvc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	New(svc).Register(r)
	return r
}

func TestGetSessionData(t *testing.T) {
	svc := &stubSvc{getSession: &session.SessionDTO{
		Code: "print(1)", Output: "1", Language: "python",
	}}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/s1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body SessionDataResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "print(1)", body.Code)
	assert.Equal(t, "python", body.Language)
}

func TestGetSessionDataNotFound(t *testing.T) {
	svc := &stubSvc{getErr: session.ErrSessionNotFound}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sessions/ghost", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveCode(t *testing.T) {
	svc := &stubSvc{}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/save",
		strings.NewReader(`{"code":"x = 1","language":"python"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "x = 1", svc.savedCode)
}

func TestSaveCodeRequiresLanguage(t *testing.T) {
	r := newTestRouter(&stubSvc{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/save",
		strings.NewReader(`{"code":"x = 1"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteReturnsOutput(t *testing.T) {
	svc := &stubSvc{execRes: executor.Result{Output: "hello"}}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/execute",
		strings.NewReader(`{"code":"print('hello')","language":"python"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body ExecuteCodeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "hello", body.Output)
}

func TestExecuteUnknownSession(t *testing.T) {
	svc := &stubSvc{execErr: session.ErrSessionNotFound}
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions/ghost/execute",
		strings.NewReader(`{"code":"","language":"python"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
