package lti

import (
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ToolKey is the RSA key the tool signs client assertions with.
type ToolKey struct {
	Private *rsa.PrivateKey
	KeyID   string
}

// ParseToolKey accepts PKCS#8 or PKCS#1 PEM.
func ParseToolKey(pemBytes []byte, kid string) (ToolKey, error) {
	k, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return ToolKey{}, fmt.Errorf("parse tool key: %w", err)
	}
	if k.N.BitLen() < 2048 {
		return ToolKey{}, fmt.Errorf("parse tool key: %d-bit RSA key is too small", k.N.BitLen())
	}
	return ToolKey{Private: k, KeyID: kid}, nil
}
