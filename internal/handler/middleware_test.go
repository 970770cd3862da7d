package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloudfire/signal/internal/apierr"
	"github.com/cloudfire/signal/internal/model"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireCapability_RejectsMissingSubject(t *testing.T) {
	mw := RequireCapability("resource:read")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireCapability_RejectsMissingCapability(t *testing.T) {
	mw := RequireCapability("resource:write")
	subject := &model.Subject{Permissions: map[string]bool{"resource:read": true}}
	ctx := context.WithValue(context.Background(), subjectKey, subject)
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireCapability_AllowsHolder(t *testing.T) {
	mw := RequireCapability("resource:read")
	subject := &model.Subject{Permissions: map[string]bool{"resource:read": true}}
	ctx := context.WithValue(context.Background(), subjectKey, subject)
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	mw(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWrap_AppliesOutermostFirst(t *testing.T) {
	var order []string
	trace := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(okHandler(), trace("outer"), trace("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestCORS_HandlesPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()

	CORS(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PassesThroughOtherMethods(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	CORS(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecovery_CatchesPanic(t *testing.T) {
	logger := zap.NewNop().Sugar()
	panics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	rec := httptest.NewRecorder()

	require.NotPanics(t, func() {
		Recovery(logger, panics).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWriteAPIErr_MapsKindsToStatusCodes(t *testing.T) {
	cases := []struct {
		kind apierr.Kind
		want int
	}{
		{apierr.KindNotFound, http.StatusNotFound},
		{apierr.KindUnauthorized, http.StatusUnauthorized},
		{apierr.KindForbidden, http.StatusForbidden},
		{apierr.KindInvalidVersion, http.StatusBadRequest},
		{apierr.KindCantDisableLastAdmin, http.StatusConflict},
		{apierr.KindRetryLater, http.StatusServiceUnavailable},
		{apierr.KindOffline, http.StatusGone},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeAPIErr(rec, apierr.New(c.kind))
		assert.Equal(t, c.want, rec.Code, "kind %s", c.kind)
	}
}
