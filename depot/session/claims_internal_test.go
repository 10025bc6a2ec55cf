// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/depot/depot/auth"
)

func TestEncodeClaims(t *testing.T) {
	encoded, err := encodeClaims(auth.RoleAnon, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"anon"}`, encoded)

	encoded, err = encodeClaims("authenticated", &auth.Claims{
		Raw: map[string]interface{}{"role": "authenticated", "sub": "user-7", "email": "u@example.test"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"authenticated","sub":"user-7","email":"u@example.test"}`, encoded)

	// Claims without a verified raw payload marshal the struct itself.
	encoded, err = encodeClaims(auth.RoleService, &auth.Claims{Role: auth.RoleService})
	require.NoError(t, err)
	require.Contains(t, encoded, `"role":"service_role"`)
}
