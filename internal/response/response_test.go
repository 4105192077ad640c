package response

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestEnvelopeCarriesRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/ok", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"n": 1}) })

	t.Run("client id is reused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set("X-Request-ID", "trace-123")
		w, body := serve(r, req)

		assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "trace-123", body.Metadata.RequestID)
		assert.Nil(t, body.Error)
	})

	t.Run("oversized id is replaced", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
		w, body := serve(r, req)

		assert.Len(t, w.Header().Get("X-Request-ID"), 36)
		assert.Equal(t, w.Header().Get("X-Request-ID"), body.Metadata.RequestID)
	})
}

func TestPartial(t *testing.T) {
	r := gin.New()
	r.POST("/batch", func(c *gin.Context) { Partial(c, gin.H{"saved": 3}, ErrReconciliationPartial) })

	w, body := serve(r, httptest.NewRequest(http.MethodPost, "/batch", nil))

	assert.Equal(t, http.StatusMultiStatus, w.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrReconciliationPartial, body.Error.Code)
	assert.Equal(t, map[string]any{"saved": float64(3)}, body.Data)
}

func TestRateLimited(t *testing.T) {
	r := gin.New()
	r.GET("/", func(c *gin.Context) { RateLimited(c, "42") })

	w, body := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "42", w.Header().Get("Retry-After"))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrRateLimitExceeded, body.Error.Code)
	assert.Equal(t, GetMessage(ErrRateLimitExceeded), body.Error.Message)
}

func TestAccessLogLevels(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestIDMiddleware(), AccessLog(zerolog.New(&buf)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/boom", func(c *gin.Context) { Fail(c, http.StatusInternalServerError, ErrInternal) })

	serve(r, httptest.NewRequest(http.MethodGet, "/ok", nil))
	serve(r, httptest.NewRequest(http.MethodGet, "/boom", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var ok, boom map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ok))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &boom))
	assert.Equal(t, "info", ok["level"])
	assert.Equal(t, "/ok", ok["path"])
	assert.EqualValues(t, http.StatusNoContent, ok["status"])
	assert.Equal(t, "error", boom["level"])
	assert.NotEmpty(t, boom["request_id"])
}
