package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessClaims is the supplemental JWT payload mirroring the session's
// resolved context for services that verify locally instead of calling
// validate.
type AccessClaims struct {
	TenantKey    string   `json:"tenant"`
	Capabilities []string `json:"capabilities"`
	jwt.RegisteredClaims
}

func (s *Service) generateAccessToken(user User, tenantKey string, caps []Capability) (string, error) {
	now := s.now().UTC()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = string(c)
	}
	claims := AccessClaims{
		TenantKey:    tenantKey,
		Capabilities: names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Key,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies a supplemental JWT and returns its claims.
func (s *Service) ParseAccessToken(raw string) (*AccessClaims, error) {
	if len(s.jwtSecret) == 0 {
		return nil, ErrAuthenticationFailed
	}
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		},
		jwt.WithIssuer(s.issuer),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }),
	)
	if err != nil || !token.Valid {
		return nil, ErrAuthenticationFailed
	}
	return claims, nil
}
