package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/abhishekbiswas772/peer-2-peer/internal/v1/logging"
)

// Claims represents the JWT claims carried by an access token. The Subject
// registered claim holds the stable user id; Username carries the display
// name chosen at login.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Service mints and verifies HMAC-signed access tokens with a shared secret.
// It is safe for concurrent use.
type Service struct {
	secret []byte
	method jwt.SigningMethod
	expiry time.Duration
}

// NewService creates a token Service from the shared signing secret.
//
// Parameters:
//
//	secret    - The HMAC signing key. Must be at least 32 bytes.
//	algorithm - The signature algorithm name, e.g. "HS256". Only the HMAC
//	            family is supported; asymmetric algorithms are rejected so a
//	            crafted token can never downgrade verification.
//	expiry    - Lifetime stamped into minted tokens.
//
// Returns:
//
//	*Service - A configured Service ready to mint and verify tokens.
//	error    - An error if the secret is too short or the algorithm is not HMAC.
func NewService(secret, algorithm string, expiry time.Duration) (*Service, error) {
	if len(secret) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}

	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unknown signing algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("signing algorithm %q is not in the HMAC family", algorithm)
	}
	if expiry <= 0 {
		return nil, errors.New("token expiry must be positive")
	}

	return &Service{
		secret: []byte(secret),
		method: method,
		expiry: expiry,
	}, nil
}

// Mint issues a signed access token for the given user. The token carries
// the user id as its subject, the username as a custom claim, and an
// expiration derived from the configured lifetime.
func (s *Service) Mint(userID, username string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string against the shared secret and
// returns its claims. Verification pins the configured algorithm before the
// signature is checked, requires an expiration claim, and rejects tokens
// without a subject.
func (s *Service) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != s.method.Alg() {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to cast claims to Claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}

	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list, e.g.
// ALLOWED_ORIGINS="http://localhost:3000,https://your-app.com". Entries are
// trimmed and blanks dropped so a spaced list still matches origins exactly.
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		// Sensible defaults for local development if the env var isn't set.
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}

	var origins []string
	for _, o := range strings.Split(originsStr, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return defaultEnvs
	}
	return origins
}
