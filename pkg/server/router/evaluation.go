package router

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openauthsim/otp-service/pkg/server/framework"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	svcframework "github.com/openauthsim/otp-service/pkg/service/framework"
)

// EvaluationRouter serves evaluate and replay for every protocol. The protocol comes from the
// route, never from the body.
type EvaluationRouter struct {
	service *evaluation.Service
}

func NewEvaluationRouter(s svcframework.Service) (*EvaluationRouter, error) {
	if s == nil {
		return nil, errors.New("service cannot be nil")
	}
	evalService, ok := s.(*evaluation.Service)
	if !ok {
		return nil, fmt.Errorf("could not create evaluation router with service type: %s", s.Type())
	}
	return &EvaluationRouter{service: evalService}, nil
}

// Evaluate godoc
//
// @Summary     Evaluate
// @Description Compute the value a credential produces for the given input. The credential is
// @Description either stored (credentialId) or inline key material, never both.
// @Tags        EvaluationAPI
// @Accept      json
// @Produce     json
// @Param       request body     evaluation.Request true "request body"
// @Success     200     {object} evaluation.EvaluationResult
// @Failure     400     {object} framework.ErrorResponse
// @Failure     404     {object} framework.ErrorResponse
// @Failure     500     {object} framework.ErrorResponse
// @Router      /v1/{protocol}/evaluate [post]
func (er EvaluationRouter) Evaluate(protocol evaluation.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		request, ok := er.decode(c, protocol, "evaluate")
		if !ok {
			return
		}
		result, err := er.service.Evaluate(c.Request.Context(), request)
		if err != nil {
			framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not evaluate %s request", protocol))
			return
		}
		framework.Respond(c, result, http.StatusOK)
	}
}

// Replay godoc
//
// @Summary     Replay
// @Description Check a previously produced value. A mismatch is a 200 with matched=false.
// @Tags        EvaluationAPI
// @Accept      json
// @Produce     json
// @Param       request body     evaluation.Request true "request body"
// @Success     200     {object} evaluation.ReplayResult
// @Failure     400     {object} framework.ErrorResponse
// @Failure     404     {object} framework.ErrorResponse
// @Failure     500     {object} framework.ErrorResponse
// @Router      /v1/{protocol}/replay [post]
func (er EvaluationRouter) Replay(protocol evaluation.Protocol) gin.HandlerFunc {
	return func(c *gin.Context) {
		request, ok := er.decode(c, protocol, "replay")
		if !ok {
			return
		}
		result, err := er.service.Replay(c.Request.Context(), request)
		if err != nil {
			framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("could not replay %s request", protocol))
			return
		}
		framework.Respond(c, result, http.StatusOK)
	}
}

func (er EvaluationRouter) decode(c *gin.Context, protocol evaluation.Protocol, op string) (evaluation.Request, bool) {
	trace.SpanFromContext(c.Request.Context()).SetAttributes(
		attribute.String("protocol", protocol.String()),
		attribute.String("operation", op),
	)

	var request evaluation.Request
	if err := framework.Decode(c.Request, &request); err != nil {
		framework.LoggingRespondErrWithMsg(c, err, fmt.Sprintf("invalid %s %s request", protocol, op))
		return request, false
	}
	request.Protocol = protocol
	return request, true
}
