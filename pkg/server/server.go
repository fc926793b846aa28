// Package server contains the full set of handler functions and routes
// supported by the http api
package server

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/server/framework"
	"github.com/openauthsim/otp-service/pkg/server/middleware"
	"github.com/openauthsim/otp-service/pkg/server/router"
	"github.com/openauthsim/otp-service/pkg/service"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	svcframework "github.com/openauthsim/otp-service/pkg/service/framework"
)

const (
	HealthPrefix      = "/health"
	ReadinessPrefix   = "/readiness"
	V1Prefix          = "/v1"
	CredentialsPrefix = "/credentials"
	EvaluatePath      = "/evaluate"
	ReplayPath        = "/replay"
)

// ProtocolPrefixes maps each protocol to the route group serving it.
var ProtocolPrefixes = map[evaluation.Protocol]string{
	evaluation.HOTP:     "/hotp",
	evaluation.TOTP:     "/totp",
	evaluation.OCRA:     "/ocra",
	evaluation.EMVCAP:   "/emv/cap",
	evaluation.WebAuthn: "/webauthn",
	evaluation.EUDIW:    "/eudiw/openid4vp",
}

// SimulatorServer exposes all dependencies needed to run a http server and all its services
type SimulatorServer struct {
	*config.ServerConfig
	*service.SimulatorService
	*framework.Server
}

// NewSimulatorServer does two things: instantiates all service and registers their HTTP bindings
func NewSimulatorServer(shutdown chan os.Signal, cfg config.SimulatorServiceConfig) (*SimulatorServer, error) {
	simulator, err := service.InstantiateSimulatorService(cfg.Services)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "unable to instantiate simulator service")
	}
	config.SetAPIBase(cfg.Services.ServiceEndpoint)
	config.SetServicePath(svcframework.Credential, CredentialsPrefix)
	config.SetServicePath(svcframework.Evaluation, "")

	engine := setUpEngine(cfg.Server, shutdown)
	httpServer := framework.NewHTTPServer(cfg.Server, engine, shutdown)

	// service-level routers
	engine.GET(HealthPrefix, router.Health)
	engine.GET(ReadinessPrefix, router.Readiness(simulator.GetServices()))

	// register all v1 routers
	v1 := engine.Group(V1Prefix)
	v1.GET("", router.Info)
	if err = CredentialAPI(v1, simulator.Credential); err != nil {
		_ = simulator.Close()
		return nil, util.LoggingErrorMsg(err, "unable to instantiate Credential API")
	}
	if err = EvaluationAPI(v1, simulator.Evaluation); err != nil {
		_ = simulator.Close()
		return nil, util.LoggingErrorMsg(err, "unable to instantiate Evaluation API")
	}

	return &SimulatorServer{
		Server:           httpServer,
		SimulatorService: simulator,
		ServerConfig:     &cfg.Server,
	}, nil
}

// setUpEngine creates the gin engine and sets up the middleware based on config
func setUpEngine(cfg config.ServerConfig, shutdown chan os.Signal) *gin.Engine {
	switch cfg.Environment {
	case config.EnvironmentDev:
		gin.SetMode(gin.DebugMode)
	case config.EnvironmentTest:
		gin.SetMode(gin.TestMode)
	case config.EnvironmentProd:
		gin.SetMode(gin.ReleaseMode)
	}

	middlewares := gin.HandlersChain{
		otelgin.Middleware(config.ServiceName),
		middleware.Logger(logrus.StandardLogger()),
		middleware.Panics(),
		middleware.Errors(shutdown),
		middleware.Metrics(),
	}
	if cfg.EnableAllowAllCORS {
		middlewares = append(middlewares, middleware.CORS())
	}

	engine := gin.New()
	engine.Use(middlewares...)
	return engine
}

// CredentialAPI registers all HTTP routes for the Credential Service
func CredentialAPI(rg *gin.RouterGroup, service svcframework.Service) error {
	credRouter, err := router.NewCredentialRouter(service)
	if err != nil {
		return util.LoggingErrorMsg(err, "creating credential router")
	}

	credentialAPI := rg.Group(CredentialsPrefix)
	credentialAPI.PUT("", credRouter.CreateCredential)
	credentialAPI.GET("", credRouter.ListCredentials)
	credentialAPI.GET("/:id", credRouter.GetCredential)
	credentialAPI.DELETE("/:id", credRouter.DeleteCredential)
	credentialAPI.PUT("/:id/counter", credRouter.AdvanceCounter)
	credentialAPI.GET("/:id/provisioning", credRouter.ProvisionCredential)
	return nil
}

// EvaluationAPI registers evaluate and replay for every protocol
func EvaluationAPI(rg *gin.RouterGroup, service svcframework.Service) error {
	evalRouter, err := router.NewEvaluationRouter(service)
	if err != nil {
		return util.LoggingErrorMsg(err, "creating evaluation router")
	}

	for _, protocol := range evaluation.Protocols() {
		prefix, ok := ProtocolPrefixes[protocol]
		if !ok {
			return util.LoggingNewErrorf("no route prefix for protocol %s", protocol)
		}
		protocolAPI := rg.Group(prefix)
		protocolAPI.POST(EvaluatePath, evalRouter.Evaluate(protocol))
		protocolAPI.POST(ReplayPath, evalRouter.Replay(protocol))
	}
	return nil
}
