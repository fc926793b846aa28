package framework

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{name: "not found", err: errs.New(errs.NotFound, "credential not found: x"), want: http.StatusNotFound, kind: "NotFound"},
		{name: "encoding", err: errs.New(errs.InvalidEncoding, "bad hex"), want: http.StatusBadRequest, kind: "InvalidEncoding"},
		{name: "window", err: errs.New(errs.InvalidWindow, "negative"), want: http.StatusBadRequest, kind: "InvalidWindow"},
		{name: "wrapped client error", err: errors.Wrap(errs.New(errs.MissingInput, "otp is required"), "replay"), want: http.StatusBadRequest, kind: "MissingInput"},
		{name: "unclassified", err: errors.New("disk on fire"), want: http.StatusInternalServerError, kind: "Internal"},
		{name: "safe error", err: NewRequestError(errors.New("nope"), http.StatusConflict), want: http.StatusConflict, kind: "InvalidRequest"},
	}
	for _, test := range tests {
		t.Run(test.name, func(tt *testing.T) {
			assert.Equal(tt, test.want, StatusFor(test.err))
			assert.Equal(tt, test.kind, KindFor(test.err))
		})
	}
}

func TestRespondError(t *testing.T) {
	t.Run("unsafe errors are hidden", func(tt *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		RespondError(c, errors.New("secret connection string"))
		assert.Equal(tt, http.StatusInternalServerError, w.Code)
		assert.NotContains(tt, w.Body.String(), "secret connection string")
		assert.Len(tt, c.Errors, 1)
	})

	t.Run("classified errors carry kind, variant and trace", func(tt *testing.T) {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		rec := trace.Begin("hotp.evaluate")
		err := &evaluation.TracedError{Err: errs.New(errs.InvalidConfiguration, "digits must be between 6 and 10"), Trace: rec.Finish()}
		c.Request = httptest.NewRequest(http.MethodPost, "/v1/hotp/evaluate", nil)
		LoggingRespondErrWithMsg(c, err, "could not evaluate hotp request")
		assert.Equal(tt, http.StatusBadRequest, w.Code)

		var resp ErrorResponse
		require.NoError(tt, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(tt, "could not evaluate hotp request: digits must be between 6 and 10", resp.Error)
		assert.Equal(tt, "InvalidConfiguration", resp.Kind)
		assert.Equal(tt, VariantError, resp.Variant)
		require.NotNil(tt, resp.Trace)
		assert.Equal(tt, "hotp.evaluate", resp.Trace.Operation)
	})
}

type decodeTarget struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"min=1"`
}

func TestDecode(t *testing.T) {
	t.Run("valid", func(tt *testing.T) {
		var out decodeTarget
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","count":2}`))
		require.NoError(tt, Decode(r, &out))
		assert.Equal(tt, decodeTarget{Name: "a", Count: 2}, out)
	})

	t.Run("field errors use json names", func(tt *testing.T) {
		var out decodeTarget
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":0}`))
		err := Decode(r, &out)
		require.Error(tt, err)

		var safe *SafeError
		require.True(tt, errors.As(err, &safe))
		assert.Equal(tt, http.StatusBadRequest, safe.StatusCode)
		require.Len(tt, safe.Fields, 2)
		assert.Equal(tt, "name", safe.Fields[0].Field)
		assert.Equal(tt, "count", safe.Fields[1].Field)
		assert.Equal(tt, "field validation error: name, count", safe.Errors())
	})

	t.Run("unknown field", func(tt *testing.T) {
		var out decodeTarget
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","count":1,"extra":true}`))
		err := Decode(r, &out)
		require.Error(tt, err)
		assert.Equal(tt, http.StatusBadRequest, StatusFor(err))
	})

	t.Run("empty body", func(tt *testing.T) {
		var out decodeTarget
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
		err := Decode(r, &out)
		require.Error(tt, err)
		assert.Contains(tt, err.Error(), "request body is required")
	})

	t.Run("body too large", func(tt *testing.T) {
		var out decodeTarget
		body := `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `","count":1}`
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := Decode(r, &out)
		require.Error(tt, err)
		assert.Equal(tt, http.StatusRequestEntityTooLarge, StatusFor(err))
	})
}

func TestParams(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?filter=&qrSize=300", nil)
	c.Params = gin.Params{{Key: "id", Value: "  "}, {Key: "other", Value: " cred-1 "}}

	assert.Nil(t, GetParam(c, "id"))
	require.NotNil(t, GetParam(c, "other"))
	assert.Equal(t, "cred-1", *GetParam(c, "other"))
	assert.Nil(t, GetQueryValue(c, "filter"))
	assert.Nil(t, GetQueryValue(c, "missing"))
	require.NotNil(t, GetQueryValue(c, "qrSize"))
	assert.Equal(t, "300", *GetQueryValue(c, "qrSize"))
}

func TestShutdownError(t *testing.T) {
	err := errors.Wrap(NewShutdownError("integrity"), "handler")
	assert.True(t, IsShutdown(err))
	assert.False(t, IsShutdown(errors.New("integrity")))
}
