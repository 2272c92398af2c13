// Package identity verifies the signed session tokens that identify callers.
//
// Tokens use the TAuth session claim layout, so a cookie minted by TAuth and a
// bearer token minted by the token command are interchangeable.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/photovault/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
)

const (
	defaultIssuer     = "tauth"
	defaultCookieName = "app_session"
	defaultLeeway     = 30 * time.Second
)

var (
	// ErrUnauthorized reports a missing, malformed or forged token.
	ErrUnauthorized = errors.New("identity: unauthorized")
	// ErrExpired reports a well-formed token past its expiry.
	ErrExpired = errors.New("identity: token expired")
	// ErrInvalidConfig reports an unusable verifier configuration.
	ErrInvalidConfig = errors.New("identity: invalid config")
)

// Config describes the token signing parameters.
type Config struct {
	SigningKey string
	Issuer     string
	CookieName string
}

// Principal is the authenticated caller.
type Principal struct {
	AccountID ledger.AccountID
	Email     string
	ExpiresAt time.Time
}

// Verifier validates and issues HS256 session tokens.
type Verifier struct {
	signingKey []byte
	issuer     string
	cookieName string
	now        func() time.Time
}

// NewVerifier validates cfg and returns a Verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if strings.TrimSpace(cfg.SigningKey) == "" {
		return nil, fmt.Errorf("%w: signing key is required", ErrInvalidConfig)
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultCookieName
	}
	return &Verifier{
		signingKey: []byte(cfg.SigningKey),
		issuer:     issuer,
		cookieName: cookieName,
		now:        time.Now,
	}, nil
}

// CookieName is the session cookie consulted when no bearer token is sent.
func (verifier *Verifier) CookieName() string {
	return verifier.cookieName
}

// Verify parses token and returns its principal.
func (verifier *Verifier) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := &sessionvalidator.Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return verifier.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(verifier.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithTimeFunc(verifier.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	userID := claims.GetUserID()
	if userID == "" {
		userID = claims.Subject
	}
	accountID, err := ledger.NewAccountID(userID)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	principal := Principal{AccountID: accountID, Email: claims.GetUserEmail()}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return principal, nil
}

// Issue signs a token for accountID valid for ttl.
func (verifier *Verifier) Issue(accountID ledger.AccountID, email string, ttl time.Duration) (string, error) {
	if accountID.IsZero() {
		return "", fmt.Errorf("%w: empty account id", ErrUnauthorized)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidConfig)
	}
	issuedAt := verifier.now().UTC()
	claims := &sessionvalidator.Claims{
		UserID:    accountID.String(),
		UserEmail: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    verifier.issuer,
			Subject:   accountID.String(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(verifier.signingKey)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
