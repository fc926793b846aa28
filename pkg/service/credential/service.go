package credential

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openauthsim/otp-service/config"
	"github.com/openauthsim/otp-service/internal/errs"
	"github.com/openauthsim/otp-service/internal/util"
	"github.com/openauthsim/otp-service/pkg/service/evaluation"
	"github.com/openauthsim/otp-service/pkg/service/framework"
	"github.com/openauthsim/otp-service/pkg/storage"
)

// Service is the stored credential registry. It also resolves stored references for the
// evaluation service.
type Service struct {
	storage *Storage
	config  config.CredentialServiceConfig
	clock   clock.Clock
}

func (s Service) Type() framework.Type {
	return framework.Credential
}

func (s Service) Status() framework.Status {
	if s.storage == nil {
		return framework.NotReady("credential service is not ready: no storage configured")
	}
	return framework.Ready()
}

func (s Service) Config() config.CredentialServiceConfig {
	return s.config
}

func NewCredentialService(config config.CredentialServiceConfig, s storage.ServiceStorage, clk clock.Clock) (*Service, error) {
	credentialStorage, err := NewCredentialStorage(s)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not instantiate storage for the credential service")
	}
	if clk == nil {
		clk = clock.New()
	}
	service := Service{
		storage: credentialStorage,
		config:  config,
		clock:   clk,
	}
	if !service.Status().IsReady() {
		return nil, errors.New(service.Status().Message)
	}
	return &service, nil
}

func (s Service) CreateCredential(ctx context.Context, request CreateCredentialRequest) (*CreateCredentialResponse, error) {
	if err := util.IsValidStruct(request); err != nil {
		return nil, errs.Wrap(err, errs.InvalidRequest, "invalid create credential request")
	}
	protocol, err := evaluation.ParseProtocol(string(request.Protocol))
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"id": request.ID, "protocol": protocol}).Debug("creating credential")

	spec, err := request.Inline.Decode(protocol)
	if err != nil {
		return nil, errors.Wrap(err, "decoding credential material")
	}
	defer spec.Zero()
	if err = applyCounters(spec, request); err != nil {
		return nil, err
	}
	specBytes, err := json.Marshal(spec)
	if err != nil {
		return nil, util.LoggingErrorMsg(err, "could not marshal credential spec")
	}

	id := request.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		exists, err := s.storage.CredentialExists(ctx, id)
		if err != nil {
			return nil, util.LoggingErrorMsgf(err, "could not check credential: %s", id)
		}
		if exists {
			return nil, errs.Newf(errs.InvalidRequest, "credential already exists: %s", id)
		}
	}

	now := s.now()
	stored := StoredCredential{
		ID:        id,
		Name:      request.Name,
		Protocol:  protocol,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  request.Metadata,
		Spec:      specBytes,
	}
	if err = s.storage.StoreCredential(ctx, stored); err != nil {
		return nil, util.LoggingErrorMsg(err, "could not store credential")
	}
	view, err := toCredential(stored)
	if err != nil {
		return nil, err
	}
	return &CreateCredentialResponse{Credential: *view}, nil
}

func applyCounters(spec evaluation.CredentialSpec, request CreateCredentialRequest) error {
	switch s := spec.(type) {
	case *evaluation.HOTPSpec:
		if request.Counter != nil {
			s.Counter = *request.Counter
		}
	case *evaluation.OCRASpec:
		s.Counter = request.Counter
	default:
		if request.Counter != nil {
			return errs.Newf(errs.InvalidRequest, "counter does not apply to %s credentials", spec.Protocol())
		}
	}
	if request.SignCount != nil {
		ws, ok := spec.(*evaluation.WebAuthnSpec)
		if !ok {
			return errs.Newf(errs.InvalidRequest, "signCount does not apply to %s credentials", spec.Protocol())
		}
		ws.SignCount = *request.SignCount
	}
	return nil
}

func (s Service) GetCredential(ctx context.Context, request GetCredentialRequest) (*GetCredentialResponse, error) {
	logrus.Debugf("getting credential: %s", request.ID)
	if err := util.IsValidStruct(request); err != nil {
		return nil, errs.Wrap(err, errs.InvalidRequest, "invalid get credential request")
	}
	stored, err := s.storage.GetCredential(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	view, err := toCredential(*stored)
	if err != nil {
		return nil, err
	}
	return &GetCredentialResponse{Credential: *view}, nil
}

func (s Service) ListCredentials(ctx context.Context, request ListCredentialsRequest) (*ListCredentialsResponse, error) {
	include, err := storage.CompileFilter(request.Filter, "id", "name", "protocol")
	if err != nil {
		return nil, errs.Wrap(err, errs.InvalidRequest, "invalid filter")
	}
	stored, err := s.storage.ListCredentials(ctx, include)
	if err != nil {
		return nil, err
	}
	sort.Slice(stored, func(i, j int) bool {
		if stored[i].CreatedAt != stored[j].CreatedAt {
			return stored[i].CreatedAt < stored[j].CreatedAt
		}
		return stored[i].ID < stored[j].ID
	})
	creds := make([]Credential, 0, len(stored))
	for _, sc := range stored {
		view, err := toCredential(sc)
		if err != nil {
			return nil, err
		}
		creds = append(creds, *view)
	}
	return &ListCredentialsResponse{Credentials: creds}, nil
}

func (s Service) DeleteCredential(ctx context.Context, request DeleteCredentialRequest) error {
	logrus.Debugf("deleting credential: %s", request.ID)
	if err := util.IsValidStruct(request); err != nil {
		return errs.Wrap(err, errs.InvalidRequest, "invalid delete credential request")
	}
	return s.storage.DeleteCredential(ctx, request.ID)
}

// AdvanceCounter moves a stored moving factor forward after a successful replay: the HOTP or
// OCRA counter, the WebAuthn sign count or the EMV ATC. Moving it backwards is refused.
func (s Service) AdvanceCounter(ctx context.Context, request AdvanceCounterRequest) (*AdvanceCounterResponse, error) {
	if err := util.IsValidStruct(request); err != nil {
		return nil, errs.Wrap(err, errs.InvalidRequest, "invalid advance counter request")
	}
	var previous uint64
	_, err := s.storage.UpdateCredential(ctx, request.ID, func(stored *StoredCredential) error {
		spec, err := evaluation.DecodeSpec(stored.Protocol, stored.Spec)
		if err != nil {
			return err
		}
		defer spec.Zero()
		if previous, err = advance(spec, request.Next); err != nil {
			return err
		}
		if stored.Spec, err = json.Marshal(spec); err != nil {
			return errors.Wrap(err, "marshaling credential spec")
		}
		stored.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"id": request.ID, "previous": previous, "counter": request.Next}).Debug("advanced counter")
	return &AdvanceCounterResponse{ID: request.ID, Previous: previous, Counter: request.Next}, nil
}

func advance(spec evaluation.CredentialSpec, next uint64) (uint64, error) {
	checkRegression := func(current uint64) error {
		if next < current {
			return errs.Newf(errs.InvalidRequest, "counter regression: %d is below the stored %d", next, current)
		}
		return nil
	}
	switch s := spec.(type) {
	case *evaluation.HOTPSpec:
		previous := s.Counter
		if err := checkRegression(previous); err != nil {
			return 0, err
		}
		s.Counter = next
		return previous, nil
	case *evaluation.OCRASpec:
		var previous uint64
		if s.Counter != nil {
			previous = *s.Counter
		}
		if err := checkRegression(previous); err != nil {
			return 0, err
		}
		s.Counter = &next
		return previous, nil
	case *evaluation.WebAuthnSpec:
		previous := uint64(s.SignCount)
		if err := checkRegression(previous); err != nil {
			return 0, err
		}
		if next > math.MaxUint32 {
			return 0, errs.Newf(errs.InvalidRequest, "sign count %d does not fit in 32 bits", next)
		}
		s.SignCount = uint32(next)
		return previous, nil
	case *evaluation.EMVSpec:
		previous := uint64(s.ATC)
		if err := checkRegression(previous); err != nil {
			return 0, err
		}
		if next > math.MaxUint16 {
			return 0, errs.Newf(errs.InvalidRequest, "ATC %d does not fit in 16 bits", next)
		}
		s.ATC = uint16(next)
		return previous, nil
	}
	return 0, errs.Newf(errs.InvalidRequest, "%s credentials have no counter", spec.Protocol())
}

// Resolve returns a fresh spec snapshot for a stored credential.
func (s Service) Resolve(ctx context.Context, id string) (evaluation.CredentialSpec, error) {
	stored, err := s.storage.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return evaluation.DecodeSpec(stored.Protocol, stored.Spec)
}

// SeedCredentials creates each credential whose id is not stored yet. Running it twice with
// the same input changes nothing.
func (s Service) SeedCredentials(ctx context.Context, requests []CreateCredentialRequest) (*SeedCredentialsResponse, error) {
	resp := SeedCredentialsResponse{Created: []string{}, Skipped: []string{}}
	for i, request := range requests {
		if request.ID == "" {
			return nil, errs.Newf(errs.InvalidRequest, "seed entry %d has no id", i)
		}
		exists, err := s.storage.CredentialExists(ctx, request.ID)
		if err != nil {
			return nil, util.LoggingErrorMsgf(err, "could not check credential: %s", request.ID)
		}
		if exists {
			resp.Skipped = append(resp.Skipped, request.ID)
			continue
		}
		if _, err = s.CreateCredential(ctx, request); err != nil {
			return nil, errors.Wrapf(err, "seeding credential %s", request.ID)
		}
		resp.Created = append(resp.Created, request.ID)
	}
	logrus.WithFields(logrus.Fields{"created": len(resp.Created), "skipped": len(resp.Skipped)}).Info("seeded credentials")
	return &resp, nil
}

func (s Service) now() string {
	return s.clock.Now().UTC().Format(time.RFC3339)
}

const redacted = "REDACTED"

// secretFields name the CredentialSpec members that never leave the service.
var secretFields = []string{"secret", "masterKey", "privateKey", "issuerKey", "holderKey", "verifierKey"}

func toCredential(stored StoredCredential) (*Credential, error) {
	var spec map[string]any
	if err := json.Unmarshal(stored.Spec, &spec); err != nil {
		return nil, util.LoggingErrorMsgf(err, "could not read spec of credential: %s", stored.ID)
	}
	for _, field := range secretFields {
		if v, ok := spec[field]; ok && v != nil && v != "" {
			spec[field] = redacted
		}
	}
	return &Credential{
		ID:        stored.ID,
		Name:      stored.Name,
		Protocol:  stored.Protocol,
		CreatedAt: stored.CreatedAt,
		UpdatedAt: stored.UpdatedAt,
		Metadata:  stored.Metadata,
		Spec:      spec,
	}, nil
}
