package config

import (
	"strings"
	"sync"

	"github.com/openauthsim/otp-service/pkg/service/framework"
)

const (
	ServiceName    = "otp-service"
	ServiceVersion = "0.1.0"
	APIVersion     = "v1"

	serviceDescription = "Evaluates and replays one-time credentials: HOTP, TOTP, OCRA, EMV/CAP, " +
		"WebAuthn assertions and OpenID4VP presentations."
)

// endpoints records where the server mounted each service. It is written once at start-up
// and read by the info handler.
var endpoints = struct {
	sync.RWMutex
	apiBase string
	paths   map[framework.Type]string
}{paths: make(map[framework.Type]string)}

// SetAPIBase sets the externally visible base URL, e.g. http://localhost:3000.
func SetAPIBase(url string) {
	endpoints.Lock()
	defer endpoints.Unlock()
	endpoints.apiBase = strings.TrimSuffix(url, "/")
}

func APIBase() string {
	endpoints.RLock()
	defer endpoints.RUnlock()
	return endpoints.apiBase
}

// SetServicePath records the versioned URL of a service below the API base. Set the base first.
func SetServicePath(service framework.Type, path string) {
	endpoints.Lock()
	defer endpoints.Unlock()
	url := endpoints.apiBase + "/" + APIVersion
	if path = strings.Trim(path, "/"); path != "" {
		url += "/" + path
	}
	endpoints.paths[service] = url
}

func ServicePath(service framework.Type) string {
	endpoints.RLock()
	defer endpoints.RUnlock()
	return endpoints.paths[service]
}

// ServiceInfo describes the running service and where its APIs live.
type ServiceInfo struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	APIVersion  string            `json:"apiVersion"`
	Services    map[string]string `json:"services"`
}

func Info() ServiceInfo {
	endpoints.RLock()
	defer endpoints.RUnlock()
	services := make(map[string]string, len(endpoints.paths))
	for t, url := range endpoints.paths {
		services[t.String()] = url
	}
	return ServiceInfo{
		Name:        ServiceName,
		Description: serviceDescription,
		Version:     ServiceVersion,
		APIVersion:  APIVersion,
		Services:    services,
	}
}
