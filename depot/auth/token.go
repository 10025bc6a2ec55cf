// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package auth implements JWT signing and verification for gateway
// access tokens and signed-URL tokens.
package auth

import (
	"encoding/json"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for the auth package.
	Error = errs.Class("auth")

	// ErrInvalidToken is returned for tokens that fail signature or
	// structural checks.
	ErrInvalidToken = errs.Class("invalid token")

	// ErrExpiredToken is returned for tokens past their expiry.
	ErrExpiredToken = errs.Class("expired token")
)

// Well-known roles. Requests without a token act as RoleAnon; the
// tenant service key carries RoleService.
const (
	RoleAnon    = "anon"
	RoleService = "service_role"
)

// defaultAlgorithms is what bare-secret tenants accept.
var defaultAlgorithms = []jose.SignatureAlgorithm{jose.HS256}

// jwksAlgorithms lists the signature algorithms accepted when the tenant
// record carries a JWKS.
var jwksAlgorithms = []jose.SignatureAlgorithm{
	jose.HS256, jose.HS384, jose.HS512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Key carries the verification material for a tenant: the shared jwt
// secret and, optionally, a JWKS for asymmetric algorithms.
type Key struct {
	Secret []byte
	JWKS   *jose.JSONWebKeySet
}

// algorithms returns the signature algorithms this key accepts.
func (key Key) algorithms() []jose.SignatureAlgorithm {
	if key.JWKS != nil && len(key.JWKS.Keys) > 0 {
		return jwksAlgorithms
	}
	return defaultAlgorithms
}

// Claims is the payload of the gateway's JWTs. Access tokens carry
// subject and role; signed-URL tokens carry the target url and optional
// transformations.
type Claims struct {
	jwt.Claims
	Role            string `json:"role,omitempty"`
	URL             string `json:"url,omitempty"`
	Transformations string `json:"transformations,omitempty"`

	// Raw holds every claim of the verified token, for binding into
	// database session settings.
	Raw map[string]interface{} `json:"-"`
}

// ParseJWKS decodes a JSON Web Key Set from its JSON encoding.
func ParseJWKS(raw []byte) (*jose.JSONWebKeySet, error) {
	jwks := &jose.JSONWebKeySet{}
	if err := json.Unmarshal(raw, jwks); err != nil {
		return nil, Error.New("malformed jwks: %v", err)
	}
	return jwks, nil
}

// Sign serializes claims into a compact HS256 JWT.
func Sign(claims Claims, secret []byte) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", Error.Wrap(err)
	}

	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", Error.Wrap(err)
	}
	return token, nil
}

// Verify checks the token signature and expiry against the key and
// returns the claims.
func Verify(token string, key Key) (*Claims, error) {
	parsed, err := jwt.ParseSigned(token, key.algorithms())
	if err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}

	claims := &Claims{}
	raw := map[string]interface{}{}
	if err := deserialize(parsed, key, claims, &raw); err != nil {
		return nil, ErrInvalidToken.Wrap(err)
	}

	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		if errs.Is(err, jwt.ErrExpired) {
			return nil, ErrExpiredToken.Wrap(err)
		}
		return nil, ErrInvalidToken.Wrap(err)
	}

	claims.Raw = raw
	return claims, nil
}

// Owner returns the subject of a verified token.
func Owner(token string, key Key) (string, error) {
	claims, err := Verify(token, key)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// deserialize verifies the token signature with the key material and
// unmarshals the payload into every dest.
func deserialize(parsed *jwt.JSONWebToken, key Key, dests ...interface{}) error {
	if key.JWKS != nil && len(key.JWKS.Keys) > 0 {
		var candidates []jose.JSONWebKey
		for _, header := range parsed.Headers {
			if header.KeyID != "" {
				candidates = append(candidates, key.JWKS.Key(header.KeyID)...)
			}
		}
		if len(candidates) == 0 {
			candidates = key.JWKS.Keys
		}

		var firstErr error
		for _, candidate := range candidates {
			err := parsed.Claims(candidate.Key, dests...)
			if err == nil {
				return nil
			}
			if firstErr == nil {
				firstErr = err
			}
		}
		if len(key.Secret) == 0 {
			return firstErr
		}
	}

	if len(key.Secret) == 0 {
		return errs.New("no verification key available")
	}
	return parsed.Claims(key.Secret, dests...)
}
