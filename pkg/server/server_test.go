package server

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/window"
	"github.com/openauthsim/otp-service/pkg/server/framework"
	"github.com/openauthsim/otp-service/pkg/server/router"
	svcframework "github.com/openauthsim/otp-service/pkg/service/framework"
)

// RFC 4226 Appendix D
const rfcSecretHex = "3132333435363738393031323334353637383930"

func testServerConfig() config.SimulatorServiceConfig {
	return config.SimulatorServiceConfig{
		Server: config.ServerConfig{
			Environment: config.EnvironmentTest,
			APIHost:     "localhost:0",
		},
		Services: config.ServicesConfig{
			StorageProvider:                 "memory",
			AppLevelEncryptionConfiguration: config.EncryptionConfig{DisableEncryption: true},
			CredentialConfig: config.CredentialServiceConfig{
				BaseServiceConfig: &config.BaseServiceConfig{Name: "credential"},
				Issuer:            "Test Issuer",
			},
			EvaluationConfig: config.EvaluationServiceConfig{
				BaseServiceConfig: &config.BaseServiceConfig{Name: "evaluation"},
				HOTPWindow:        window.Window{Forward: 10},
				TOTPWindow:        window.Window{Backward: 1, Forward: 1},
			},
		},
	}
}

func newTestServer(t *testing.T) *SimulatorServer {
	shutdown := make(chan os.Signal, 1)
	server, err := NewSimulatorServer(shutdown, testServerConfig())
	require.NoError(t, err)
	require.NotEmpty(t, server)
	t.Cleanup(func() {
		_ = server.SimulatorService.Close()
	})
	return server
}

func newRequestValue(t *testing.T, data any) io.Reader {
	dataBytes, err := json.Marshal(data)
	require.NoError(t, err)
	require.NotEmpty(t, dataBytes)
	return bytes.NewReader(dataBytes)
}

func do(t *testing.T, s *SimulatorServer, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "https://otp-service.com"+target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	require.NoError(t, json.NewDecoder(w.Body).Decode(out))
}

func TestNewSimulatorServer(t *testing.T) {
	t.Run("unknown storage provider", func(tt *testing.T) {
		cfg := testServerConfig()
		cfg.Services.StorageProvider = "cassandra"
		server, err := NewSimulatorServer(make(chan os.Signal, 1), cfg)
		assert.Error(tt, err)
		assert.Nil(tt, server)
	})

	t.Run("every protocol has a route", func(tt *testing.T) {
		server := newTestServer(tt)
		routes := make(map[string]bool)
		for _, r := range server.Router().Routes() {
			routes[r.Method+" "+r.Path] = true
		}
		for _, prefix := range ProtocolPrefixes {
			assert.True(tt, routes["POST "+V1Prefix+prefix+EvaluatePath], prefix)
			assert.True(tt, routes["POST "+V1Prefix+prefix+ReplayPath], prefix)
		}
		assert.True(tt, routes["PUT /v1/credentials/:id/counter"])
		assert.True(tt, routes["GET /v1/credentials/:id/provisioning"])
	})
}

func TestHealthCheckAPI(t *testing.T) {
	server := newTestServer(t)

	w := do(t, server, http.MethodGet, HealthPrefix, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp router.GetHealthCheckResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, router.HealthOK, resp.Status)
}

func TestInfoAPI(t *testing.T) {
	server := newTestServer(t)

	w := do(t, server, http.MethodGet, V1Prefix, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp config.ServiceInfo
	decodeBody(t, w, &resp)
	assert.Equal(t, config.ServiceName, resp.Name)
	assert.Equal(t, config.APIVersion, resp.APIVersion)
	assert.Contains(t, resp.Services, svcframework.Credential.String())
	assert.True(t, strings.HasSuffix(resp.Services[svcframework.Credential.String()], "/v1/credentials"))
}

func TestReadinessAPI(t *testing.T) {
	server := newTestServer(t)

	w := do(t, server, http.MethodGet, ReadinessPrefix, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp router.GetReadinessResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, svcframework.StatusReady, resp.Status.Status)
	assert.Len(t, resp.ServiceStatuses, 2)
	assert.True(t, resp.ServiceStatuses[svcframework.Credential].IsReady())
	assert.True(t, resp.ServiceStatuses[svcframework.Evaluation].IsReady())
}

func TestEvaluationAPI(t *testing.T) {
	server := newTestServer(t)

	t.Run("inline hotp evaluate", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"sharedSecretHex": rfcSecretHex,
			"counter":         1,
		})
		w := do(tt, server, http.MethodPost, "/v1/hotp/evaluate", body)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Protocol string         `json:"protocol"`
			Mode     string         `json:"mode"`
			Result   map[string]any `json:"result"`
			Trace    map[string]any `json:"trace"`
		}
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "hotp", resp.Protocol)
		assert.Equal(tt, "inline", resp.Mode)
		assert.Equal(tt, "287082", resp.Result["otp"])
		assert.Nil(tt, resp.Trace)
	})

	t.Run("verbose evaluate carries a trace", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"sharedSecretHex": rfcSecretHex,
			"counter":         0,
			"verbose":         true,
		})
		w := do(tt, server, http.MethodPost, "/v1/hotp/evaluate", body)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Trace struct {
				Operation string           `json:"operation"`
				Steps     []map[string]any `json:"steps"`
			} `json:"trace"`
		}
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "hotp.evaluate", resp.Trace.Operation)
		assert.NotEmpty(tt, resp.Trace.Steps)
		assert.NotContains(tt, w.Body.String(), rfcSecretHex)
	})

	t.Run("inline hotp replay within the window", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"sharedSecretHex": rfcSecretHex,
			"counter":         0,
			"otp":             "359152",
		})
		w := do(tt, server, http.MethodPost, "/v1/hotp/replay", body)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Matched bool `json:"matched"`
			Offset  *int `json:"offset"`
		}
		decodeBody(tt, w, &resp)
		assert.True(tt, resp.Matched)
		require.NotNil(tt, resp.Offset)
		assert.Equal(tt, 2, *resp.Offset)
	})

	t.Run("replay mismatch is not an error", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"sharedSecretHex": rfcSecretHex,
			"counter":         0,
			"otp":             "000000",
			"window":          map[string]int{"backward": 0, "forward": 0},
		})
		w := do(tt, server, http.MethodPost, "/v1/hotp/replay", body)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Matched bool   `json:"matched"`
			Reason  string `json:"reason"`
		}
		decodeBody(tt, w, &resp)
		assert.False(tt, resp.Matched)
		assert.Equal(tt, "verification_failed", resp.Reason)
	})

	t.Run("both credential sources", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"credentialId":    "alice",
			"sharedSecretHex": rfcSecretHex,
		})
		w := do(tt, server, http.MethodPost, "/v1/totp/evaluate", body)
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		var resp framework.ErrorResponse
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "InvalidRequest", resp.Kind)
		assert.Equal(tt, framework.VariantError, resp.Variant)
		assert.Contains(tt, resp.Error, "not both")
	})

	t.Run("unknown stored credential", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{"credentialId": "missing"})
		w := do(tt, server, http.MethodPost, "/v1/ocra/evaluate", body)
		assert.Equal(tt, http.StatusNotFound, w.Code)

		var resp framework.ErrorResponse
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "NotFound", resp.Kind)
	})

	t.Run("verbose failure keeps the partial trace", func(tt *testing.T) {
		body := newRequestValue(tt, map[string]any{
			"sharedSecretHex": rfcSecretHex,
			"digits":          12,
			"verbose":         true,
		})
		w := do(tt, server, http.MethodPost, "/v1/hotp/evaluate", body)
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		var resp framework.ErrorResponse
		decodeBody(tt, w, &resp)
		assert.Equal(tt, framework.VariantError, resp.Variant)
		require.NotNil(tt, resp.Trace)
		assert.Equal(tt, "hotp.evaluate", resp.Trace.Operation)
	})

	t.Run("unknown fields are rejected", func(tt *testing.T) {
		body := strings.NewReader(`{"sharedSecretHex":"` + rfcSecretHex + `","protocol":"totp"}`)
		w := do(tt, server, http.MethodPost, "/v1/hotp/evaluate", body)
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("empty body", func(tt *testing.T) {
		w := do(tt, server, http.MethodPost, "/v1/webauthn/replay", strings.NewReader(""))
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		var resp framework.ErrorResponse
		decodeBody(tt, w, &resp)
		assert.Contains(tt, resp.Error, "request body is required")
	})
}

func TestCredentialAPI(t *testing.T) {
	server := newTestServer(t)

	createBody := map[string]any{
		"id":              "alice-hotp",
		"name":            "alice",
		"protocol":        "hotp",
		"sharedSecretHex": rfcSecretHex,
		"counter":         5,
		"metadata":        []map[string]string{{"key": "team", "value": "payments"}},
	}

	t.Run("create", func(tt *testing.T) {
		w := do(tt, server, http.MethodPut, "/v1/credentials", newRequestValue(tt, createBody))
		require.Equal(tt, http.StatusCreated, w.Code, w.Body.String())

		var resp router.CreateCredentialResponse
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "alice-hotp", resp.Credential.ID)
		assert.Equal(tt, "REDACTED", resp.Credential.Spec["secret"])
		assert.NotContains(tt, w.Body.String(), rfcSecretHex)
	})

	t.Run("duplicate create", func(tt *testing.T) {
		w := do(tt, server, http.MethodPut, "/v1/credentials", newRequestValue(tt, createBody))
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("missing name fails validation", func(tt *testing.T) {
		w := do(tt, server, http.MethodPut, "/v1/credentials", newRequestValue(tt, map[string]any{
			"protocol":        "hotp",
			"sharedSecretHex": rfcSecretHex,
		}))
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		var resp framework.ErrorResponse
		decodeBody(tt, w, &resp)
		require.NotEmpty(tt, resp.Fields)
		assert.Equal(tt, "name", resp.Fields[0].Field)
	})

	t.Run("get", func(tt *testing.T) {
		w := do(tt, server, http.MethodGet, "/v1/credentials/alice-hotp", nil)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp router.GetCredentialResponse
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "alice", resp.Credential.Name)
		assert.EqualValues(tt, 5, resp.Credential.Spec["counter"])
	})

	t.Run("stored evaluate", func(tt *testing.T) {
		w := do(tt, server, http.MethodPost, "/v1/hotp/evaluate", newRequestValue(tt, map[string]any{"credentialId": "alice-hotp"}))
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Mode   string         `json:"mode"`
			Result map[string]any `json:"result"`
		}
		decodeBody(tt, w, &resp)
		assert.Equal(tt, "stored", resp.Mode)
		assert.Equal(tt, "254676", resp.Result["otp"])
	})

	t.Run("stored credential under the wrong protocol", func(tt *testing.T) {
		w := do(tt, server, http.MethodPost, "/v1/totp/evaluate", newRequestValue(tt, map[string]any{"credentialId": "alice-hotp"}))
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("list with filter", func(tt *testing.T) {
		w := do(tt, server, http.MethodPut, "/v1/credentials", newRequestValue(tt, map[string]any{
			"id":                 "bob-totp",
			"name":               "bob",
			"protocol":           "totp",
			"sharedSecretBase32": "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ",
		}))
		require.Equal(tt, http.StatusCreated, w.Code, w.Body.String())

		w = do(tt, server, http.MethodGet, "/v1/credentials", nil)
		require.Equal(tt, http.StatusOK, w.Code)
		var all router.ListCredentialsResponse
		decodeBody(tt, w, &all)
		assert.Len(tt, all.Credentials, 2)

		w = do(tt, server, http.MethodGet, "/v1/credentials?filter=protocol%3D%22totp%22", nil)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())
		var filtered router.ListCredentialsResponse
		decodeBody(tt, w, &filtered)
		require.Len(tt, filtered.Credentials, 1)
		assert.Equal(tt, "bob-totp", filtered.Credentials[0].ID)

		w = do(tt, server, http.MethodGet, "/v1/credentials?filter=colour%3D%22red%22", nil)
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("advance counter", func(tt *testing.T) {
		w := do(tt, server, http.MethodPut, "/v1/credentials/alice-hotp/counter", newRequestValue(tt, map[string]any{"next": 7}))
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp router.AdvanceCounterResponse
		decodeBody(tt, w, &resp)
		assert.EqualValues(tt, 5, resp.Previous)
		assert.EqualValues(tt, 7, resp.Counter)

		w = do(tt, server, http.MethodPut, "/v1/credentials/alice-hotp/counter", newRequestValue(tt, map[string]any{"next": 6}))
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		w = do(tt, server, http.MethodPut, "/v1/credentials/alice-hotp/counter", newRequestValue(tt, map[string]any{}))
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("provisioning", func(tt *testing.T) {
		w := do(tt, server, http.MethodGet, "/v1/credentials/bob-totp/provisioning?qrSize=128", nil)
		require.Equal(tt, http.StatusOK, w.Code, w.Body.String())

		var resp router.ProvisionCredentialResponse
		decodeBody(tt, w, &resp)
		assert.True(tt, strings.HasPrefix(resp.URI, "otpauth://totp/"))
		assert.Contains(tt, resp.URI, "issuer=Test+Issuer")
		png, err := base64.StdEncoding.DecodeString(resp.QRCode)
		require.NoError(tt, err)
		assert.True(tt, bytes.HasPrefix(png, []byte("\x89PNG")))

		w = do(tt, server, http.MethodGet, "/v1/credentials/bob-totp/provisioning?qrSize=big", nil)
		assert.Equal(tt, http.StatusBadRequest, w.Code)
	})

	t.Run("delete", func(tt *testing.T) {
		w := do(tt, server, http.MethodDelete, "/v1/credentials/alice-hotp", nil)
		assert.Equal(tt, http.StatusNoContent, w.Code)

		w = do(tt, server, http.MethodGet, "/v1/credentials/alice-hotp", nil)
		assert.Equal(tt, http.StatusNotFound, w.Code)

		w = do(tt, server, http.MethodDelete, "/v1/credentials/alice-hotp", nil)
		assert.Equal(tt, http.StatusNotFound, w.Code)
	})
}
