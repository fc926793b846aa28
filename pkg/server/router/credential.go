package router

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/openauthsim/otp-service/pkg/server/framework"
	"github.com/openauthsim/otp-service/pkg/service/credential"
	svcframework "github.com/openauthsim/otp-service/pkg/service/framework"
)

const (
	IDParam     = "id"
	FilterParam = "filter"
	QRSizeParam = "qrSize"
)

type CredentialRouter struct {
	service *credential.Service
}

func NewCredentialRouter(s svcframework.Service) (*CredentialRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	credService, ok := s.(*credential.Service)
	if !ok {
		return nil, fmt.Errorf("could not create credential router with service type: %s", s.Type())
	}
	return &CredentialRouter{service: credService}, nil
}

// CreateCredentialRequest registers key material under an id. The material fields are the
// same ones inline evaluation requests take.
type CreateCredentialRequest struct {
	credential.CreateCredentialRequest
}

func (c CreateCredentialRequest) ToServiceRequest() credential.CreateCredentialRequest {
	return c.CreateCredentialRequest
}

type CreateCredentialResponse struct {
	Credential credential.Credential `json:"credential"`
}

// CreateCredential godoc
//
// @Summary     Create Credential
// @Description Store credential material for later evaluation and replay
// @Tags        CredentialAPI
// @Accept      json
// @Produce     json
// @Param       request body     CreateCredentialRequest true "request body"
// @Success     201     {object} CreateCredentialResponse
// @Failure     400     {object} framework.ErrorResponse
// @Failure     500     {object} framework.ErrorResponse
// @Router      /v1/credentials [put]
func (cr CredentialRouter) CreateCredential(c *gin.Context) {
	var request CreateCredentialRequest
	invalidCreateCredentialRequest := "invalid create credential request"
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, invalidCreateCredentialRequest)
		return
	}

	resp, err := cr.service.CreateCredential(c.Request.Context(), request.ToServiceRequest())
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "could not create credential")
		return
	}
	framework.Respond(c, CreateCredentialResponse{Credential: resp.Credential}, http.StatusCreated)
}

type GetCredentialResponse struct {
	Credential credential.Credential `json:"credential"`
}

// GetCredential godoc
//
// @Summary     Get Credential
// @Description Get a credential by id, with secret material redacted
// @Tags        CredentialAPI
// @Produce     json
// @Param       id  path     string true "ID"
// @Success     200 {object} GetCredentialResponse
// @Failure     404 {object} framework.ErrorResponse
// @Router      /v1/credentials/{id} [get]
func (cr CredentialRouter) GetCredential(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "cannot get credential without ID parameter", http.StatusBadRequest)
		return
	}

	resp, err := cr.service.GetCredential(c.Request.Context(), credential.GetCredentialRequest{ID: *id})
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not get credential with id: %s", *id))
		return
	}
	framework.Respond(c, GetCredentialResponse{Credential: resp.Credential}, http.StatusOK)
}

type ListCredentialsResponse struct {
	Credentials []credential.Credential `json:"credentials"`
}

// ListCredentials godoc
//
// @Summary     List Credentials
// @Description List stored credentials, optionally filtered
// @Tags        CredentialAPI
// @Produce     json
// @Param       filter query    string false "https://google.aip.dev/160 filter over id, name and protocol, e.g. protocol = \"hotp\""
// @Success     200    {object} ListCredentialsResponse
// @Failure     400    {object} framework.ErrorResponse
// @Router      /v1/credentials [get]
func (cr CredentialRouter) ListCredentials(c *gin.Context) {
	var request credential.ListCredentialsRequest
	if filter := framework.GetQueryValue(c, FilterParam); filter != nil {
		request.Filter = *filter
	}

	resp, err := cr.service.ListCredentials(c.Request.Context(), request)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "could not list credentials")
		return
	}
	credentials := resp.Credentials
	if credentials == nil {
		credentials = []credential.Credential{}
	}
	framework.Respond(c, ListCredentialsResponse{Credentials: credentials}, http.StatusOK)
}

// DeleteCredential godoc
//
// @Summary     Delete Credential
// @Tags        CredentialAPI
// @Param       id  path     string true "ID"
// @Success     204
// @Failure     404 {object} framework.ErrorResponse
// @Router      /v1/credentials/{id} [delete]
func (cr CredentialRouter) DeleteCredential(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "cannot delete credential without ID parameter", http.StatusBadRequest)
		return
	}

	if err := cr.service.DeleteCredential(c.Request.Context(), credential.DeleteCredentialRequest{ID: *id}); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not delete credential with id: %s", *id))
		return
	}
	framework.Respond(c, nil, http.StatusNoContent)
}

type AdvanceCounterRequest struct {
	// Next is the new HOTP/OCRA counter, WebAuthn sign count or EMV ATC. It may not go backwards.
	Next *uint64 `json:"next" validate:"required"`
}

type AdvanceCounterResponse struct {
	ID       string `json:"id"`
	Previous uint64 `json:"previous"`
	Counter  uint64 `json:"counter"`
}

// AdvanceCounter godoc
//
// @Summary     Advance Counter
// @Description Persist the moving factor of a stored credential after a successful replay
// @Tags        CredentialAPI
// @Accept      json
// @Produce     json
// @Param       id      path     string                true "ID"
// @Param       request body     AdvanceCounterRequest true "request body"
// @Success     200     {object} AdvanceCounterResponse
// @Failure     400     {object} framework.ErrorResponse
// @Failure     404     {object} framework.ErrorResponse
// @Router      /v1/credentials/{id}/counter [put]
func (cr CredentialRouter) AdvanceCounter(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "cannot advance counter without ID parameter", http.StatusBadRequest)
		return
	}

	var request AdvanceCounterRequest
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, "invalid advance counter request")
		return
	}

	resp, err := cr.service.AdvanceCounter(c.Request.Context(), credential.AdvanceCounterRequest{ID: *id, Next: *request.Next})
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not advance counter of credential: %s", *id))
		return
	}
	framework.Respond(c, AdvanceCounterResponse{ID: resp.ID, Previous: resp.Previous, Counter: resp.Counter}, http.StatusOK)
}

type ProvisionCredentialResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
	// QRCode is a base64 encoded PNG.
	QRCode string `json:"qrCode"`
}

// ProvisionCredential godoc
//
// @Summary     Provision Credential
// @Description otpauth:// key URI and QR code for enrolling a stored HOTP or TOTP credential in an authenticator
// @Tags        CredentialAPI
// @Produce     json
// @Param       id     path     string true  "ID"
// @Param       qrSize query    int    false "QR code edge length in pixels"
// @Success     200    {object} ProvisionCredentialResponse
// @Failure     400    {object} framework.ErrorResponse
// @Failure     404    {object} framework.ErrorResponse
// @Router      /v1/credentials/{id}/provisioning [get]
func (cr CredentialRouter) ProvisionCredential(c *gin.Context) {
	id := framework.GetParam(c, IDParam)
	if id == nil {
		framework.LoggingRespondErrMsg(c, "cannot provision credential without ID parameter", http.StatusBadRequest)
		return
	}

	request := credential.ProvisionRequest{ID: *id}
	if size := framework.GetQueryValue(c, QRSizeParam); size != nil {
		parsed, err := strconv.Atoi(*size)
		if err != nil {
			framework.LoggingRespondErrMsg(c, fmt.Sprintf("invalid %s: %s", QRSizeParam, *size), http.StatusBadRequest)
			return
		}
		request.QRSize = parsed
	}

	resp, err := cr.service.Provision(c.Request.Context(), request)
	if err != nil {
		framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not provision credential: %s", *id))
		return
	}
	framework.Respond(c, ProvisionCredentialResponse{ID: resp.ID, URI: resp.URI, QRCode: resp.QRCode}, http.StatusOK)
}
