// Package auth verifies login credentials and implements the authenticate
// command.
package auth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"liveroom/pkg/types"
)

// Claims are the token claims the core reads. The subject is carried in
// uid, which identity services issue as either a string or a number.
type Claims struct {
	jwt.RegisteredClaims
	UID    flexibleID `json:"uid,omitempty"`
	Traits []string   `json:"traits,omitempty"`
}

// SubjectID returns uid, falling back to sub.
func (c *Claims) SubjectID() string {
	if c.UID != "" {
		return string(c.UID)
	}
	return c.Subject
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("uid must be a string or a number")
	}
	*f = flexibleID(n.String())
	return nil
}

// Verifier checks HS256 tokens against the secrets configured on a world.
type Verifier struct {
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier tolerating leeway of clock skew.
func NewVerifier(leeway time.Duration) *Verifier {
	return &Verifier{leeway: leeway, now: time.Now}
}

// Verify returns the claims of token if any of the world's secrets accepts
// it. Issuer and audience are checked per secret.
func (v *Verifier) Verify(world *types.World, token string) (*Claims, error) {
	if len(world.Config.JWTSecrets) == 0 {
		return nil, ErrNoSecrets
	}

	var lastErr error
	for _, secret := range world.Config.JWTSecrets {
		claims, err := v.verifyWith(secret, token)
		if err == nil {
			return claims, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrInvalidToken, lastErr)
}

func (v *Verifier) verifyWith(secret types.JWTSecret, token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if secret.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(secret.Issuer))
	}
	if secret.Audience != "" {
		opts = append(opts, jwt.WithAudience(secret.Audience))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.SubjectID() == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
