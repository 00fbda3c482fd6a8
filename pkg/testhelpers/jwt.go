// Package testhelpers provides shared fixtures for data source tests.
package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken returns a signed JWT whose exp claim is exp. Credential expiry
// reads the claim without verifying the signature, so the key is arbitrary.
func AccessToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "svc-analytics",
		IssuedAt:  jwt.NewNumericDate(exp.Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}
