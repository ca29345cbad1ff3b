package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddleware_RecoveryReturns500(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	m := NewMiddleware(NewJWTAuth("s"), false, zap.New(core))

	handler := m.Recovery(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())
}

func TestMiddleware_LoggingRecordsStatus(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewMiddleware(NewJWTAuth("s"), false, zap.New(core))

	handler := m.Logging(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.(http.Flusher).Flush()
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/v1/feeds", nil))

	entries := logs.FilterMessage("http request").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, int64(http.StatusTeapot), fields["status"])
		assert.Equal(t, "/api/v1/feeds", fields["path"])
	}
	assert.True(t, rec.Flushed)
}

func TestMiddleware_AuthContext(t *testing.T) {
	auth := NewJWTAuth("s")
	m := NewMiddleware(auth, false, nil)
	token, _, err := auth.GenerateToken("reader", false)
	assert.NoError(t, err)

	var gotClient string
	var gotAdmin bool
	handler := m.AuthRequired(func(w http.ResponseWriter, r *http.Request) {
		gotClient = GetClientID(r)
		gotAdmin = IsAdmin(r)
		assert.NotNil(t, GetClaims(r))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", token)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reader", gotClient)
	assert.False(t, gotAdmin)
}

func TestMiddleware_NoAuthUsesDevClient(t *testing.T) {
	m := NewMiddleware(NewJWTAuth("s"), true, nil)

	var gotClient string
	handler := m.AuthRequired(func(w http.ResponseWriter, r *http.Request) {
		gotClient = GetClientID(r)
	})
	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, devClientID, gotClient)
}
