package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"

	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
)

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	verifier, err := NewVerifier(Config{SigningKey: "secret-key", Issuer: "tauth"})
	require.NoError(t, err)
	verifier.now = func() time.Time { return now }
	return verifier
}

func TestIssueThenVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, now)
	accountID, err := ledger.NewAccountID("user-42")
	require.NoError(t, err)

	token, err := verifier.Issue(accountID, " user@example.com ", time.Hour)
	require.NoError(t, err)

	principal, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", principal.AccountID.String())
	assert.Equal(t, "user@example.com", principal.Email)
	assert.Equal(t, now.Add(time.Hour), principal.ExpiresAt)
}

func TestVerifyAcceptsTAuthSessionClaims(t *testing.T) {
	now := time.Now().UTC()
	verifier := newTestVerifier(t, now)
	claims := &sessionvalidator.Claims{
		UserID:    "tauth-user",
		UserEmail: "demo@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "tauth",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret-key"))
	require.NoError(t, err)

	principal, err := verifier.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "tauth-user", principal.AccountID.String())
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer := newTestVerifier(t, issuedAt)
	accountID, err := ledger.NewAccountID("user-1")
	require.NoError(t, err)
	token, err := issuer.Issue(accountID, "", time.Minute)
	require.NoError(t, err)

	later := newTestVerifier(t, issuedAt.Add(2*time.Hour))
	_, err = later.Verify(token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsForgedAndMalformedTokens(t *testing.T) {
	now := time.Now().UTC()
	verifier := newTestVerifier(t, now)
	foreign, err := NewVerifier(Config{SigningKey: "other-key", Issuer: "tauth"})
	require.NoError(t, err)
	accountID, err := ledger.NewAccountID("user-1")
	require.NoError(t, err)
	forged, err := foreign.Issue(accountID, "", time.Hour)
	require.NoError(t, err)

	wrongIssuer, err := NewVerifier(Config{SigningKey: "secret-key", Issuer: "someone-else"})
	require.NoError(t, err)
	otherIssuerToken, err := wrongIssuer.Issue(accountID, "", time.Hour)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "user-1", "iss": "tauth", "exp": now.Add(time.Hour).Unix()}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"forged":       forged,
		"wrong issuer": otherIssuerToken,
		"alg none":     noneToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := verifier.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestNewVerifierRequiresSigningKey(t *testing.T) {
	_, err := NewVerifier(Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	verifier, err := NewVerifier(Config{SigningKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultCookieName, verifier.CookieName())
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
