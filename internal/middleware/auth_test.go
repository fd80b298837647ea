package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ad-tracker/channel-announcer/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(auth *APIKeyAuth) (*gin.Engine, *bool) {
	called := false
	r := gin.New()
	r.GET("/test", auth.Handler(), func(c *gin.Context) {
		called = true
		c.Status(http.StatusOK)
	})
	return r, &called
}

func TestNewAPIKeyAuth(t *testing.T) {
	t.Parallel()

	t.Run("creates auth with valid keys", func(t *testing.T) {
		t.Parallel()

		auth := NewAPIKeyAuth([]string{"key1", "key2", "key3"}, nil)

		require.NotNil(t, auth)
		assert.Len(t, auth.apiKeys, 3)
		assert.True(t, auth.apiKeys["key1"])
	})

	t.Run("filters out empty keys", func(t *testing.T) {
		t.Parallel()

		auth := NewAPIKeyAuth([]string{"key1", "", "key2", ""}, nil)
		assert.Len(t, auth.apiKeys, 2)
	})

	t.Run("uses nop logger when nil", func(t *testing.T) {
		t.Parallel()

		auth := NewAPIKeyAuth([]string{"key1"}, nil)
		require.NotNil(t, auth.logger)
	})
}

func TestParseAPIKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want []string
	}{
		{"", []string{}},
		{"a", []string{"a"}},
		{"a,b", []string{"a", "b"}},
		{" a , b ,, c ", []string{"a", "b", "c"}},
		{"a b\tc\nd", []string{"a", "b", "c", "d"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseAPIKeys(tt.raw), tt.raw)
	}
}

func TestAPIKeyAuth_Handler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		value      string
		validKeys  []string
		wantStatus int
	}{
		{name: "valid X-API-Key header", header: headerAPIKey, value: "valid-key-123", validKeys: []string{"valid-key-123"}, wantStatus: http.StatusOK},
		{name: "valid Authorization Bearer header", header: headerAuth, value: "Bearer valid-key-456", validKeys: []string{"valid-key-456"}, wantStatus: http.StatusOK},
		{name: "matches one of multiple valid keys", header: headerAPIKey, value: "key2", validKeys: []string{"key1", "key2", "key3"}, wantStatus: http.StatusOK},
		{name: "missing key", validKeys: []string{"key1"}, wantStatus: http.StatusUnauthorized},
		{name: "wrong key", header: headerAPIKey, value: "nope", validKeys: []string{"key1"}, wantStatus: http.StatusUnauthorized},
		{name: "basic auth is not bearer", header: headerAuth, value: "Basic key1", validKeys: []string{"key1"}, wantStatus: http.StatusUnauthorized},
		{name: "lowercase bearer prefix", header: headerAuth, value: "bearer key1", validKeys: []string{"key1"}, wantStatus: http.StatusUnauthorized},
		{name: "prefix of a valid key", header: headerAPIKey, value: "key", validKeys: []string{"key1"}, wantStatus: http.StatusUnauthorized},
		{name: "no keys configured", header: headerAPIKey, value: "anything", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r, called := newRouter(NewAPIKeyAuth(tt.validKeys, nil))
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantStatus == http.StatusOK, *called)

			if tt.wantStatus == http.StatusUnauthorized {
				var body models.ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, unauthorizedError, body.Error)
				assert.Equal(t, "/test", body.Path)
			}
		})
	}
}

func TestAPIKeyAuth_LogsRejection(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	r, _ := newRouter(NewAPIKeyAuth([]string{"key1"}, zap.New(core)))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "/test", entry.ContextMap()["path"])
	assert.Equal(t, http.MethodGet, entry.ContextMap()["method"])
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	for _, path := range []string{"/ok", "/bad", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, zap.ErrorLevel, entries[2].Level)
	assert.Equal(t, int64(http.StatusBadRequest), entries[1].ContextMap()["status"])
}
