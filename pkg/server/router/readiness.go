package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openauthsim/otp-service/pkg/server/framework"
	svcframework "github.com/openauthsim/otp-service/pkg/service/framework"
)

type GetReadinessResponse struct {
	Status          svcframework.Status                       `json:"status"`
	ServiceStatuses map[svcframework.Type]svcframework.Status `json:"serviceStatuses"`
}

// Readiness godoc
//
// @Summary     Readiness
// @Description Readiness runs the status check of every service. Responds 503 when one of
// @Description them is not ready.
// @Tags        Readiness
// @Produce     json
// @Success     200 {object} GetReadinessResponse
// @Failure     503 {object} GetReadinessResponse
// @Router      /readiness [get]
func Readiness(services []svcframework.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		overall, statuses := svcframework.Readiness(services)
		status := http.StatusOK
		if !overall.IsReady() {
			status = http.StatusServiceUnavailable
		}
		framework.Respond(c, GetReadinessResponse{Status: overall, ServiceStatuses: statuses}, status)
	}
}
