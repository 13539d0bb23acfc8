package engine

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/lumera/portalguard/internal/common/errors"
	"github.com/lumera/portalguard/internal/session"
)

// sessionClaims binds a signed token to one session and principal
type sessionClaims struct {
	jwt.RegisteredClaims
	PrincipalID string `json:"pid"`
}

// TokenIssuer signs and parses portal session tokens. The token carries only
// identifiers; all authority lives in the session record.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a token issuer with the given HMAC secret
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue signs a token for the session, expiring with it
func (t *TokenIssuer) Issue(s *session.Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.ID,
			IssuedAt:  jwt.NewNumericDate(s.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
			Issuer:    "portalguard",
		},
		PrincipalID: s.PrincipalID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Parse verifies a token's signature and returns the session ID it names.
// Signature expiry is not checked here: the session record is the source of
// truth for lifetime, and an extended session outlives its token's original
// expiry claim.
func (t *TokenIssuer) Parse(tokenString string) (string, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		return "", apperrors.Unauthorized()
	}
	if claims.Subject == "" {
		return "", apperrors.Unauthorized()
	}
	return claims.Subject, nil
}
