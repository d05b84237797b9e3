// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/subtle"
	"regexp"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the only PKCE method accepted (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// A S256 challenge is the unpadded base64url encoding of a SHA-256 digest,
// and a verifier is 43-128 unreserved characters.
var (
	challengePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
	verifierPattern  = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
)

// GeneratePKCEVerifier returns a fresh code_verifier (RFC 7636 Section 4.1).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge returns BASE64URL(SHA256(verifier)).
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidCodeChallenge reports whether challenge is a well-formed S256 challenge.
func ValidCodeChallenge(challenge string) bool {
	return challengePattern.MatchString(challenge)
}

// VerifyPKCE checks verifier against an S256 challenge in constant time.
func VerifyPKCE(challenge, verifier string) bool {
	if !verifierPattern.MatchString(verifier) {
		return false
	}
	computed := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
