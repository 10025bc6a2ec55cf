// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package objects

import (
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/testcontext"
)

const signingSecret = "signing-secret-0123456789abcdef0"

func newSignedURLService(t *testing.T) *Service {
	log := zaptest.NewLogger(t)
	registry := tenant.NewStaticRegistry(log, &tenant.Config{
		TenantID:  "default",
		JWTSecret: signingSecret,
	})
	return NewService(log, registry, nil, nil, nil, nil, Config{})
}

func signedToken(t *testing.T, url string, expiresIn time.Duration) string {
	token, err := auth.Sign(auth.Claims{
		Claims: jwt.Claims{Expiry: jwt.NewNumericDate(time.Now().Add(expiresIn))},
		URL:    url,
	}, []byte(signingSecret))
	require.NoError(t, err)
	return token
}

func TestVerifySignedURL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := newSignedURLService(t)

	token := signedToken(t, "avatars/team/a.png", time.Hour)
	claims, err := service.VerifySignedURL(ctx, "default", token, "avatars", "team/a.png")
	require.NoError(t, err)
	require.Equal(t, "avatars/team/a.png", claims.URL)
}

func TestVerifySignedURLWrongObject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := newSignedURLService(t)

	token := signedToken(t, "avatars/team/a.png", time.Hour)
	_, err := service.VerifySignedURL(ctx, "default", token, "avatars", "team/b.png")
	require.True(t, auth.ErrInvalidToken.Has(err))

	_, err = service.VerifySignedURL(ctx, "default", token, "documents", "team/a.png")
	require.True(t, auth.ErrInvalidToken.Has(err))
}

func TestVerifySignedURLExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := newSignedURLService(t)

	token := signedToken(t, "avatars/team/a.png", -time.Minute)
	_, err := service.VerifySignedURL(ctx, "default", token, "avatars", "team/a.png")
	require.True(t, auth.ErrExpiredToken.Has(err))
}

func TestVerifySignedURLGarbage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := newSignedURLService(t)

	_, err := service.VerifySignedURL(ctx, "default", "not-a-token", "avatars", "a.png")
	require.True(t, auth.ErrInvalidToken.Has(err))
}

func TestVerifySignedURLTransformations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	service := newSignedURLService(t)

	token, err := auth.Sign(auth.Claims{
		Claims:          jwt.Claims{Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		URL:             "avatars/a.png",
		Transformations: "width=100&height=100",
	}, []byte(signingSecret))
	require.NoError(t, err)

	claims, err := service.VerifySignedURL(ctx, "default", token, "avatars", "a.png")
	require.NoError(t, err)
	require.Equal(t, "width=100&height=100", claims.Transformations)
}
