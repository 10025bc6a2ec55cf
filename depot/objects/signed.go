// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"context"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"

	"storj.io/depot/depot/auth"
)

// SignURLParams contains arguments necessary for minting a signed
// download token.
type SignURLParams struct {
	Identity
	BucketID  string
	Name      string
	ExpiresIn time.Duration

	// Transformations optionally pins render parameters into the token.
	Transformations string
}

// SignURL checks that the caller can see the object and returns a
// token whose url claim addresses it. Verification later needs no
// database access.
func (service *Service) SignURL(ctx context.Context, params SignURLParams) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if params.ExpiresIn <= 0 {
		return "", Error.New("expiry missing")
	}
	if _, err := service.Head(ctx, DownloadParams{
		Identity: params.Identity,
		BucketID: params.BucketID,
		Name:     params.Name,
	}); err != nil {
		return "", err
	}

	config, err := service.registry.GetConfig(ctx, params.TenantID)
	if err != nil {
		return "", err
	}

	now := time.Now()
	token, err := auth.Sign(auth.Claims{
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(params.ExpiresIn)),
		},
		URL:             signedPath(params.BucketID, params.Name),
		Transformations: params.Transformations,
	}, []byte(config.JWTSecret))
	if err != nil {
		return "", err
	}
	return token, nil
}

// VerifySignedURL checks a signed download token against the tenant
// key material and the requested object path. The read itself runs
// super-user afterwards; no row lookup happens here.
func (service *Service) VerifySignedURL(ctx context.Context, tenantID, token, bucketID, name string) (_ *auth.Claims, err error) {
	defer mon.Task()(&ctx)(&err)

	config, err := service.registry.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	claims, err := auth.Verify(token, auth.Key{
		Secret: []byte(config.JWTSecret),
		JWKS:   config.JWKS,
	})
	if err != nil {
		return nil, err
	}
	if claims.URL != signedPath(bucketID, name) {
		return nil, auth.ErrInvalidToken.New("token does not match the requested object")
	}
	return claims, nil
}

// signedPath is the url claim format shared by signing and verifying.
func signedPath(bucketID, name string) string {
	return bucketID + "/" + name
}
