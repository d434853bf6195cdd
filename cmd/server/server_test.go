package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Brownie44l1/leafxai-api/internal/config"
	"github.com/Brownie44l1/leafxai-api/internal/handlers"
	"github.com/Brownie44l1/leafxai-api/internal/knowledge"
	"github.com/Brownie44l1/leafxai-api/internal/pipeline"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubClassifier struct{}

func (stubClassifier) Classify(context.Context, []byte) (*pipeline.Result, error) {
	return nil, pipeline.ErrBusy
}

func (stubClassifier) Classes() []string { return []string{"jasminum"} }

type stubKnowledge struct{}

func (stubKnowledge) Formatted(string) knowledge.Entry { return knowledge.Entry{} }

func newTestServer(t *testing.T, cfg config.Server) (*echo.Echo, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	h := handlers.NewHandler(stubClassifier{}, stubKnowledge{}, logger)
	return BuildServer(h, cfg, logger), logs
}

func TestBuildServer_RequestIDAndLatencyLog(t *testing.T) {
	e, logs := newTestServer(t, config.Default().Server)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/classes", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	id := rec.Header().Get(echo.HeaderXRequestID)
	assert.Len(t, id, 36)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, id, fields["request_id"])
	assert.Equal(t, "/classes", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
}

func TestBuildServer_CORS(t *testing.T) {
	cfg := config.Default().Server
	cfg.CORSOrigins = []string{"https://leaves.example"}
	e, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set(echo.HeaderOrigin, "https://leaves.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://leaves.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}

func TestBuildServer_BodyLimit(t *testing.T) {
	cfg := config.Default().Server
	cfg.BodyLimit = "1K"
	e, logs := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader([]byte(strings.Repeat("x", 4096))))
	req.Header.Set(echo.HeaderContentType, "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, logs.FilterMessage("request failed").Len())
}

func TestBuildServer_ServerErrorsAreLogged(t *testing.T) {
	e, logs := newTestServer(t, config.Default().Server)
	e.GET("/boom", func(echo.Context) error { return echo.NewHTTPError(http.StatusInternalServerError, "boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
}
