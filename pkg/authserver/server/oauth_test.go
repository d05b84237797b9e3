// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ory/fosite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"read:food", "write:food"}, ParseScope("  read:food write:food read:food "))
	assert.Empty(t, ParseScope(""))
	assert.Equal(t, "a b", JoinScope(ParseScope("a  b")))
}

func TestScopeHelpers(t *testing.T) {
	t.Parallel()

	allowed := []string{"read:food", "write:food", "read:health"}

	assert.True(t, ScopesAllowed([]string{"read:food"}, allowed))
	assert.True(t, ScopesAllowed(nil, allowed))
	assert.False(t, ScopesAllowed([]string{"read:food", "admin"}, allowed))

	assert.Equal(t, []string{"write:food", "read:food"},
		FilterScopes([]string{"write:food", "admin", "read:food", "write:food"}, allowed))
	assert.Empty(t, FilterScopes([]string{"admin"}, allowed))
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantAuth   bool
	}{
		{
			name:       "invalid_client carries WWW-Authenticate",
			err:        fosite.ErrInvalidClient,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_client",
			wantAuth:   true,
		},
		{
			name:       "invalid_grant overridden to 401",
			err:        WithStatus(fosite.ErrInvalidGrant, http.StatusUnauthorized),
			wantStatus: http.StatusUnauthorized,
			wantCode:   "invalid_grant",
		},
		{
			name:       "wrapped rfc error",
			err:        wrapErr(fosite.ErrUnsupportedGrantType),
			wantStatus: http.StatusBadRequest,
			wantCode:   "unsupported_grant_type",
		},
		{
			name:       "plain error hides detail",
			err:        errors.New("database exploded"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
			assert.Equal(t, tt.wantAuth, rec.Header().Get("WWW-Authenticate") != "")

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error)
			assert.NotContains(t, body.ErrorDescription, "database exploded")
		})
	}
}

func wrapErr(err error) error {
	return errors.Join(errors.New("context"), err)
}

func TestWithStatusDoesNotMutate(t *testing.T) {
	t.Parallel()

	out := WithStatus(fosite.ErrInvalidGrant, http.StatusUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, out.CodeField)
	assert.Equal(t, http.StatusBadRequest, fosite.ErrInvalidGrant.CodeField)
}

func TestPKCE(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, challenge, ComputePKCEChallenge(verifier))
	assert.True(t, ValidCodeChallenge(challenge))
	assert.True(t, VerifyPKCE(challenge, verifier))
	assert.False(t, VerifyPKCE(challenge, "short"))
	assert.False(t, VerifyPKCE(challenge, GeneratePKCEVerifier()))

	assert.False(t, ValidCodeChallenge("plain-challenge"))
	assert.False(t, ValidCodeChallenge(challenge+"="))

	generated := GeneratePKCEVerifier()
	assert.GreaterOrEqual(t, len(generated), 43)
	assert.True(t, VerifyPKCE(ComputePKCEChallenge(generated), generated))
}
