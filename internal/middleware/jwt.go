package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer      = "stranger-signaling"
	identityKey = "identity"
)

var ErrInvalidToken = errors.New("invalid session token")

// SessionClaims carries an anonymous identity. The subject is a random id,
// never tied to a user account.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// Sessions issues and verifies the tokens clients present when reconnecting
// so they keep the same identity.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for identity.
func (s *Sessions) Issue(identity string) (string, error) {
	now := s.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Parse validates tokenString and returns the identity it carries.
func (s *Sessions) Parse(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// SessionIdentity resolves the caller's identity from a "token" query
// parameter or a Bearer header. Requests without a valid token are let
// through anonymously; the handler assigns them a fresh identity.
func SessionIdentity(sessions *Sessions) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("token")
		if tokenString == "" {
			// Extract token from "Bearer <token>"
			parts := strings.Split(c.GetHeader("Authorization"), " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}

		if tokenString != "" {
			if identity, err := sessions.Parse(tokenString); err == nil {
				c.Set(identityKey, identity)
			}
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by SessionIdentity.
func IdentityFrom(c *gin.Context) (string, bool) {
	identity := c.GetString(identityKey)
	return identity, identity != ""
}
