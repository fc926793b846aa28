package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/pkg/service/framework"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// generic test service to be used by all tests in this package

type testService struct {
	ready bool
}

func (s *testService) Type() framework.Type {
	return "test"
}

func (s *testService) Status() framework.Status {
	if !s.ready {
		return framework.NotReady("not ready")
	}
	return framework.Ready()
}

func newTestContext(method, target string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "https://otp-service.com"+target, nil)
	return c, w
}

func TestNewRouters(t *testing.T) {
	t.Run("Nil Service", func(tt *testing.T) {
		credRouter, err := NewCredentialRouter(nil)
		assert.Error(tt, err)
		assert.Empty(tt, credRouter)
		assert.Contains(tt, err.Error(), "service cannot be nil")

		evalRouter, err := NewEvaluationRouter(nil)
		assert.Error(tt, err)
		assert.Empty(tt, evalRouter)
	})

	t.Run("Bad Service", func(tt *testing.T) {
		credRouter, err := NewCredentialRouter(&testService{})
		assert.Error(tt, err)
		assert.Empty(tt, credRouter)
		assert.Contains(tt, err.Error(), "could not create credential router with service type: test")

		evalRouter, err := NewEvaluationRouter(&testService{})
		assert.Error(tt, err)
		assert.Empty(tt, evalRouter)
		assert.Contains(tt, err.Error(), "could not create evaluation router with service type: test")
	})
}

func TestHealth(t *testing.T) {
	c, w := newTestContext(http.MethodGet, "/health")
	Health(c)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp GetHealthCheckResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, HealthOK, resp.Status)
}

func TestInfo(t *testing.T) {
	config.SetAPIBase("http://localhost:3000")
	config.SetServicePath(framework.Credential, "/credentials")

	c, w := newTestContext(http.MethodGet, "/v1")
	Info(c)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp config.ServiceInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, config.ServiceName, resp.Name)
	assert.Equal(t, config.ServiceVersion, resp.Version)
	assert.Equal(t, "http://localhost:3000/v1/credentials", resp.Services["credential"])
}

func TestReadiness(t *testing.T) {
	t.Run("no services", func(tt *testing.T) {
		c, w := newTestContext(http.MethodGet, "/readiness")
		Readiness(nil)(c)
		assert.Equal(tt, http.StatusOK, w.Code)

		var resp GetReadinessResponse
		require.NoError(tt, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(tt, framework.StatusReady, resp.Status.Status)
		assert.Len(tt, resp.ServiceStatuses, 0)
	})

	t.Run("one service not ready", func(tt *testing.T) {
		c, w := newTestContext(http.MethodGet, "/readiness")
		Readiness([]framework.Service{&testService{ready: false}})(c)
		assert.Equal(tt, http.StatusServiceUnavailable, w.Code)

		var resp GetReadinessResponse
		require.NoError(tt, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(tt, framework.StatusNotReady, resp.Status.Status)
		assert.Contains(tt, resp.Status.Message, "out of [1] service, [0] are ready")
		assert.Equal(tt, "not ready", resp.ServiceStatuses["test"].Message)
	})
}
