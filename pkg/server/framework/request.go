package framework

import (
	"bytes"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/validator.v9"
	entranslations "gopkg.in/go-playground/validator.v9/translations/en"
)

// MaxBodyBytes bounds a request body. WebAuthn and OpenID4VP payloads are the largest and
// stay well below it.
const MaxBodyBytes = 1 << 20

// requestValidator checks `validate` tags and reports failures in English, keyed by JSON name.
type requestValidator struct {
	validate *validator.Validate
	english  ut.Translator
}

var validation = newRequestValidator()

func newRequestValidator() requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	locale := en.New()
	english, _ := ut.New(locale, locale).GetTranslator(locale.Locale())
	_ = entranslations.RegisterDefaultTranslations(v, english)
	return requestValidator{validate: v, english: english}
}

func (rv requestValidator) check(val any) error {
	err := rv.validate.Struct(val)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return NewRequestError(err, http.StatusBadRequest)
	}
	fields := make([]FieldError, len(invalid))
	for i, fe := range invalid {
		fields[i] = FieldError{Field: fe.Field(), Error: fe.Translate(rv.english)}
	}
	return &SafeError{
		Err:        errors.New("field validation error"),
		StatusCode: http.StatusBadRequest,
		Fields:     fields,
	}
}

// Decode reads one JSON document from the request body into val, rejecting unknown fields
// and bodies over MaxBodyBytes, then validates it.
func Decode(r *http.Request, val any) error {
	missing := NewRequestError(errors.New("request body is required"), http.StatusBadRequest)
	if r.Body == nil {
		return missing
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return NewRequestError(errors.Errorf("request body exceeds %d bytes", MaxBodyBytes), http.StatusRequestEntityTooLarge)
		}
		return NewRequestError(errors.Wrap(err, "reading request body"), http.StatusBadRequest)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return missing
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err = decoder.Decode(val); err != nil {
		return NewRequestError(errors.Wrap(err, "malformed request body"), http.StatusBadRequest)
	}
	return ValidateRequest(val)
}

// ValidateRequest runs the validate tags of an already decoded request.
func ValidateRequest(val any) error {
	return validation.check(val)
}

// GetParam returns the trimmed path parameter, nil when absent or blank.
func GetParam(c *gin.Context, param string) *string {
	return nonEmpty(strings.TrimSpace(c.Param(param)))
}

// GetQueryValue returns the query parameter, nil when absent or empty.
func GetQueryValue(c *gin.Context, param string) *string {
	return nonEmpty(c.Query(param))
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
