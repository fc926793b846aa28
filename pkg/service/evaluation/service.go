package evaluation

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/trace"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/internal/window"
	"github.com/openauthsim/otp-service/pkg/service/framework"
)

// Resolver looks up stored credentials. Each call returns a fresh spec the caller may zero.
type Resolver interface {
	Resolve(ctx context.Context, id string) (CredentialSpec, error)
}

// Service routes evaluate and replay requests to the adapter for their protocol.
type Service struct {
	config   config.EvaluationServiceConfig
	adapters map[Protocol]Adapter
	windows  map[Protocol]window.Window
	resolver Resolver
	tracer   oteltrace.Tracer
}

func (s Service) Type() framework.Type {
	return framework.Evaluation
}

func (s Service) Status() framework.Status {
	var problems []string
	if s.resolver == nil {
		problems = append(problems, "no credential resolver configured")
	}
	for _, p := range Protocols() {
		if _, ok := s.adapters[p]; !ok {
			problems = append(problems, fmt.Sprintf("no adapter for protocol %s", p))
		}
	}
	if len(problems) > 0 {
		return framework.NotReady("evaluation service is not ready: %s", strings.Join(problems, "; "))
	}
	return framework.Ready()
}

func (s Service) Config() config.EvaluationServiceConfig {
	return s.config
}

// NewEvaluationService builds the engine with one adapter per protocol. A nil clock means
// the wall clock.
func NewEvaluationService(cfg config.EvaluationServiceConfig, resolver Resolver, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	return newService(cfg, resolver, []Adapter{
		hotpAdapter{},
		totpAdapter{clock: clk},
		ocraAdapter{},
		emvAdapter{},
		webauthnAdapter{},
		eudiwAdapter{clock: clk, trusted: cfg.TrustedAuthorities},
	})
}

func newService(cfg config.EvaluationServiceConfig, resolver Resolver, adapters []Adapter) (*Service, error) {
	windows := map[Protocol]window.Window{
		HOTP:   cfg.HOTPWindow,
		TOTP:   cfg.TOTPWindow,
		OCRA:   cfg.OCRAWindow,
		EMVCAP: cfg.EMVWindow,
	}
	for p, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, util.LoggingErrorMsgf(err, "invalid default window for %s", p)
		}
	}
	service := Service{
		config:   cfg,
		adapters: make(map[Protocol]Adapter, len(adapters)),
		windows:  windows,
		resolver: resolver,
		tracer:   otel.Tracer(config.ServiceName),
	}
	for _, a := range adapters {
		service.adapters[a.Protocol()] = a
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

// Evaluate computes the value the credential produces for the request input.
func (s Service) Evaluate(ctx context.Context, request Request) (*EvaluationResult, error) {
	ctx, span := s.startSpan(ctx, "evaluate", request)
	defer span.End()

	call, err := s.prepare(ctx, "evaluate", request)
	if err != nil {
		return nil, s.fail(span, request, call.rec, err)
	}
	defer call.spec.Zero()

	out, err := call.adapter.Evaluate(call.spec, request.Input, call.rec)
	if err != nil {
		return nil, s.fail(span, request, call.rec, err)
	}
	return &EvaluationResult{
		Protocol: request.Protocol,
		Mode:     call.mode,
		Output:   out,
		Trace:    call.rec.Finish(),
	}, nil
}

// Replay checks a previously produced value. A mismatch is reported in the result, not as an
// error.
func (s Service) Replay(ctx context.Context, request Request) (*ReplayResult, error) {
	ctx, span := s.startSpan(ctx, "replay", request)
	defer span.End()

	call, err := s.prepare(ctx, "replay", request)
	if err != nil {
		return nil, s.fail(span, request, call.rec, err)
	}
	defer call.spec.Zero()

	w := s.windows[request.Protocol]
	if request.Window != nil {
		w = *request.Window
	}
	verdict, err := call.adapter.Replay(call.spec, request.Input, w, call.rec)
	if err != nil {
		return nil, s.fail(span, request, call.rec, err)
	}
	span.SetAttributes(attribute.Bool("matched", verdict.Matched), attribute.String("reason", verdict.Reason))
	return &ReplayResult{
		Protocol: request.Protocol,
		Mode:     call.mode,
		Verdict:  *verdict,
		Trace:    call.rec.Finish(),
	}, nil
}

// DefaultWindow is the window replay uses when the request leaves it out.
func (s Service) DefaultWindow(p Protocol) window.Window {
	return s.windows[p]
}

type dispatch struct {
	adapter Adapter
	mode    Mode
	spec    CredentialSpec
	rec     *trace.Recorder
}

// prepare runs the checks every request passes before an adapter sees it: a known protocol,
// exactly one credential source, a sane window, then the credential itself.
func (s Service) prepare(ctx context.Context, op string, request Request) (dispatch, error) {
	var c dispatch
	adapter, ok := s.adapters[request.Protocol]
	if !ok {
		return c, errs.Newf(errs.InvalidRequest, "unsupported protocol: %q", request.Protocol)
	}
	c.adapter = adapter

	mode, err := request.Source()
	if err != nil {
		return c, err
	}
	c.mode = mode
	if request.Verbose {
		metadata := []trace.Attribute{
			trace.Attr("protocol", string(request.Protocol)),
			trace.Attr("mode", string(mode)),
		}
		if mode == ModeStored {
			metadata = append(metadata, trace.Attr("credentialId", strings.TrimSpace(request.CredentialID)))
		}
		c.rec = trace.Begin(fmt.Sprintf("%s.%s", request.Protocol, op), metadata...)
	}

	if request.Window != nil {
		if err = request.Window.Validate(); err != nil {
			return c, err
		}
	}

	spec, err := s.load(ctx, request, mode)
	if err != nil {
		return c, err
	}
	c.spec = spec
	return c, nil
}

func (s Service) load(ctx context.Context, request Request, mode Mode) (CredentialSpec, error) {
	if mode == ModeInline {
		return request.Inline.Decode(request.Protocol)
	}
	spec, err := s.resolver.Resolve(ctx, strings.TrimSpace(request.CredentialID))
	if err != nil {
		return nil, err
	}
	if spec == nil || spec.Protocol() != request.Protocol {
		if spec != nil {
			spec.Zero()
		}
		return nil, errs.Newf(errs.InvalidRequest, "credential %s is not a %s credential", request.CredentialID, request.Protocol)
	}
	if err = spec.Validate(); err != nil {
		spec.Zero()
		return nil, err
	}
	return spec, nil
}

func (s Service) startSpan(ctx context.Context, op string, request Request) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, "evaluation."+op, oteltrace.WithAttributes(
		attribute.String("protocol", string(request.Protocol)),
		attribute.Bool("verbose", request.Verbose),
	))
}

// fail attaches the partial trace, if any, and logs faults that are not the caller's doing.
func (s Service) fail(span oteltrace.Span, request Request, rec *trace.Recorder, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, errs.Message(err))
	kind, classified := errs.KindOf(err)
	entry := logrus.WithError(err).WithField("protocol", request.Protocol)
	if classified && (kind.IsClientError() || kind == errs.NotFound) {
		entry.Debug("evaluation request rejected")
	} else {
		entry.Error("evaluation failed")
	}
	if t := rec.Finish(); t != nil {
		return &TracedError{Err: err, Trace: t}
	}
	return err
}

// Source reports where the credential comes from. Exactly one of a stored id and inline key
// material must be present.
func (r Request) Source() (Mode, error) {
	stored := strings.TrimSpace(r.CredentialID) != ""
	inline := r.Inline.HasMaterial()
	switch {
	case stored && inline:
		return "", errs.New(errs.InvalidRequest, "provide either credentialId or inline credential material, not both")
	case stored:
		// a stored credential carries its own parameters; nothing inline is applied to it
		if set := r.Inline.SetFields(); len(set) > 0 {
			return "", errs.Newf(errs.InvalidRequest, "inline fields cannot accompany credentialId: %s", strings.Join(set, ", "))
		}
		return ModeStored, nil
	case inline:
		return ModeInline, nil
	}
	return "", errs.New(errs.InvalidRequest, "credentialId or inline credential material is required")
}

// TracedError carries the trace recorded up to the point a verbose request failed.
type TracedError struct {
	Err   error
	Trace *trace.Trace
}

func (e *TracedError) Error() string {
	return e.Err.Error()
}

func (e *TracedError) Unwrap() error {
	return e.Err
}

// TraceFromError returns the trace attached to err, if any.
func TraceFromError(err error) *trace.Trace {
	var traced *TracedError
	if errors.As(err, &traced) {
		return traced.Trace
	}
	return nil
}
