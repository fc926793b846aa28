// Package framework defines what the server needs from a service: a type and a status.
package framework

import "fmt"

// Type names a service. It doubles as the route segment and the readiness map key.
type Type string

const (
	Evaluation Type = "evaluation"
	Credential Type = "credential"
)

func (t Type) String() string {
	return string(t)
}

type StatusState string

const (
	StatusReady    StatusState = "ready"
	StatusNotReady StatusState = "not_ready"
)

type Status struct {
	Status  StatusState `json:"status,omitempty"`
	Message string      `json:"message,omitempty"`
}

func Ready() Status {
	return Status{Status: StatusReady}
}

func NotReady(format string, args ...any) Status {
	return Status{Status: StatusNotReady, Message: fmt.Sprintf(format, args...)}
}

func (s Status) IsReady() bool {
	return s.Status == StatusReady
}

// Service is implemented by everything the server mounts.
type Service interface {
	Type() Type
	Status() Status
}

// Readiness collects the status of every service. The overall status is ready only when all
// of them are.
func Readiness(services []Service) (Status, map[Type]Status) {
	statuses := make(map[Type]Status, len(services))
	ready := 0
	for _, s := range services {
		status := s.Status()
		statuses[s.Type()] = status
		if status.IsReady() {
			ready++
		}
	}
	if ready < len(services) {
		return NotReady("out of [%d] service, [%d] are ready", len(services), ready), statuses
	}
	overall := Ready()
	overall.Message = "all service ready"
	return overall, statuses
}
