package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/pkg/server/framework"
)

// Info godoc
//
// @Summary     Service Info
// @Description Name, version and the base URL of every mounted service
// @Tags        Info
// @Produce     json
// @Success     200 {object} config.ServiceInfo
// @Router      /v1 [get]
func Info(c *gin.Context) {
	framework.Respond(c, config.Info(), http.StatusOK)
}
