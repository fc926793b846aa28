package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/pkg/server/framework"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	engine := gin.New()
	engine.Use(Logger(logger))
	engine.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("generates a request id", func(tt *testing.T) {
		hook.Reset()
		w := serve(engine, http.MethodGet, "/ok", nil)
		assert.Equal(tt, http.StatusOK, w.Code)
		assert.NotEmpty(tt, w.Header().Get(framework.RequestIDHeader))

		entry := hook.LastEntry()
		require.NotNil(tt, entry)
		assert.Equal(tt, logrus.InfoLevel, entry.Level)
		assert.Equal(tt, w.Header().Get(framework.RequestIDHeader), entry.Data["requestId"])
		assert.Equal(tt, http.StatusOK, entry.Data["status"])
	})

	t.Run("keeps the caller's request id", func(tt *testing.T) {
		hook.Reset()
		w := serve(engine, http.MethodGet, "/ok", http.Header{framework.RequestIDHeader: {"req-1"}})
		assert.Equal(tt, "req-1", w.Header().Get(framework.RequestIDHeader))
		assert.Equal(tt, "req-1", hook.LastEntry().Data["requestId"])
	})

	t.Run("client errors log at warn", func(tt *testing.T) {
		hook.Reset()
		serve(engine, http.MethodGet, "/missing", nil)
		assert.Equal(tt, logrus.WarnLevel, hook.LastEntry().Level)
	})
}

func TestPanics(t *testing.T) {
	engine := gin.New()
	engine.Use(Panics())
	engine.GET("/boom", func(*gin.Context) { panic("boom") })

	w := serve(engine, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp framework.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, framework.VariantError, resp.Variant)
	assert.NotContains(t, resp.Error, "boom")
}

func TestErrors(t *testing.T) {
	t.Run("unanswered error becomes a 500", func(tt *testing.T) {
		engine := gin.New()
		engine.Use(Errors(nil))
		engine.GET("/fail", func(c *gin.Context) { _ = c.Error(errors.New("internal detail")) })

		w := serve(engine, http.MethodGet, "/fail", nil)
		assert.Equal(tt, http.StatusInternalServerError, w.Code)
		assert.NotContains(tt, w.Body.String(), "internal detail")
	})

	t.Run("shutdown errors signal", func(tt *testing.T) {
		shutdown := make(chan os.Signal, 1)
		engine := gin.New()
		engine.Use(Errors(shutdown))
		engine.GET("/fatal", func(c *gin.Context) {
			framework.RespondError(c, framework.NewShutdownError("store corrupted"))
		})

		w := serve(engine, http.MethodGet, "/fatal", nil)
		assert.Equal(tt, http.StatusInternalServerError, w.Code)
		require.Len(tt, shutdown, 1)
	})
}

func TestCORS(t *testing.T) {
	engine := gin.New()
	engine.Use(CORS())
	engine.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(engine, http.MethodGet, "/ok", http.Header{"Origin": {"https://wallet.example"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetrics(t *testing.T) {
	engine := gin.New()
	engine.Use(Metrics())
	engine.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	before, clientBefore := m.req.Value(), m.clientErr.Value()
	serve(engine, http.MethodGet, "/ok", nil)
	serve(engine, http.MethodGet, "/bad", nil)
	assert.Equal(t, before+2, m.req.Value())
	assert.Equal(t, clientBefore+1, m.clientErr.Value())
	assert.NotNil(t, m.paths.Get("GET /ok"))
}
