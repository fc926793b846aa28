package util

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jws"
)

// ParseJWS parses a compact JWS without verifying it and returns its single signature and payload
func ParseJWS(token string) (*jws.Signature, []byte, error) {
	parsedJWS, err := jws.ParseString(token)
	if err != nil {
		return nil, nil, err
	}
	signatures := parsedJWS.Signatures()
	if len(signatures) != 1 {
		return nil, nil, fmt.Errorf("expected 1 signature, got %d", len(signatures))
	}
	return signatures[0], parsedJWS.Payload(), nil
}
