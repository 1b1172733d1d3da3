// Package auth implements federation authentication: organization
// discovery through published descriptors, JWKS key resolution, and the
// short-lived RS256 bearer tokens peers present to each other.
package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/LeJamon/goOPRd/internal/core/status"
)

// JWK is one RFC 7517 key entry. Only RSA signature keys are used.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is a published key set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// FromRSAPublicKey encodes key as a JWK with the given key id.
func FromRSAPublicKey(key *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		Kid: kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

// RSAPublicKey decodes the JWK into an RSA public key.
func (k JWK) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, status.Newf(status.CodeNotAuthorized, "key %q is not an RSA key", k.Kid)
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "key modulus does not decode", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "key exponent does not decode", err)
	}
	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() <= 1 {
		return nil, status.New(status.CodeNotAuthorized, "key exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}

// ParseJWKS decodes a published key set.
func ParseJWKS(data []byte) (*JWKS, error) {
	var set JWKS
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "key set does not parse", err)
	}
	return &set, nil
}

// Key returns the key with the given id. An empty kid matches the first
// RSA key of the set.
func (s *JWKS) Key(kid string) (JWK, bool) {
	for _, k := range s.Keys {
		if kid == "" && k.Kty == "RSA" {
			return k, true
		}
		if k.Kid == kid {
			return k, true
		}
	}
	return JWK{}, false
}
