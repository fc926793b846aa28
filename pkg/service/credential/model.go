package credential

import (
	"github.com/goccy/go-json"

	"github.com/openauthsim/otp-service/pkg/service/evaluation"
)

// MetadataEntry is one operator supplied label. Entries keep their order.
type MetadataEntry struct {
	Key   string `json:"key" validate:"required"`
	Value string `json:"value"`
}

// StoredCredential is the persisted form of a credential. Spec holds the protocol's spec
// document with secrets hex encoded.
type StoredCredential struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Protocol  evaluation.Protocol `json:"protocol"`
	CreatedAt string              `json:"createdAt"`
	UpdatedAt string              `json:"updatedAt"`
	Metadata  []MetadataEntry     `json:"metadata,omitempty"`
	Spec      json.RawMessage     `json:"spec"`
}

func (sc StoredCredential) FilterVariablesMap() map[string]any {
	return map[string]any{
		"id":       sc.ID,
		"name":     sc.Name,
		"protocol": string(sc.Protocol),
	}
}

// Credential is what callers see of a stored credential: everything but the secrets.
type Credential struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Protocol  evaluation.Protocol `json:"protocol"`
	CreatedAt string              `json:"createdAt"`
	UpdatedAt string              `json:"updatedAt"`
	Metadata  []MetadataEntry     `json:"metadata,omitempty"`
	Spec      map[string]any      `json:"spec"`
}

// CreateCredentialRequest carries credential material in the same raw form inline evaluation
// requests use, so secrets may be hex or Base32.
type CreateCredentialRequest struct {
	ID       string              `json:"id,omitempty"`
	Name     string              `json:"name" validate:"required"`
	Protocol evaluation.Protocol `json:"protocol" validate:"required"`
	Metadata []MetadataEntry     `json:"metadata,omitempty" validate:"dive"`
	// Counter seeds HOTP and OCRA counters.
	Counter *uint64 `json:"counter,omitempty"`
	// SignCount seeds the WebAuthn signature counter.
	SignCount *uint32 `json:"signCount,omitempty"`
	evaluation.Inline
}

type CreateCredentialResponse struct {
	Credential Credential `json:"credential"`
}

type GetCredentialRequest struct {
	ID string `json:"id" validate:"required"`
}

type GetCredentialResponse struct {
	Credential Credential `json:"credential"`
}

type ListCredentialsRequest struct {
	// A standard filter expression conforming to https://google.aip.dev/160, over id, name
	// and protocol. For example: `protocol = "hotp"`.
	Filter string `json:"filter,omitempty"`
}

type ListCredentialsResponse struct {
	Credentials []Credential `json:"credentials"`
}

type DeleteCredentialRequest struct {
	ID string `json:"id" validate:"required"`
}

type AdvanceCounterRequest struct {
	ID string `json:"id" validate:"required"`
	// Next is the new HOTP/OCRA counter, WebAuthn sign count or EMV ATC.
	Next uint64 `json:"next"`
}

type AdvanceCounterResponse struct {
	ID       string `json:"id"`
	Previous uint64 `json:"previous"`
	Counter  uint64 `json:"counter"`
}

type ProvisionRequest struct {
	ID string `json:"id" validate:"required"`
	// QRSize is the PNG edge length in pixels. Zero means the default.
	QRSize int `json:"qrSize,omitempty"`
}

type ProvisionResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
	// QRCode is a base64 PNG of URI.
	QRCode string `json:"qrCode"`
}

type SeedCredentialsResponse struct {
	Created []string `json:"created"`
	// Skipped lists ids that already existed.
	Skipped []string `json:"skipped"`
}
