package oauth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("oauth: invalid token")

// Claims is the payload of access and refresh tokens.
type Claims struct {
	Type     string `json:"typ"`
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
	Family   string `json:"fid"`
	Email    string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type signingKey struct {
	id     string
	secret []byte
}

// Signer signs tokens with the current key and verifies with the current
// or previous key, so the secret can be rotated without logging clients out.
type Signer struct {
	current  signingKey
	previous *signingKey
	issuer   string
	leeway   time.Duration
	now      func() time.Time
}

// NewSigner builds an HS256 signer. previous may be empty.
func NewSigner(issuer, current, previous string, leeway time.Duration) (*Signer, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(current) < 32 {
		return nil, errors.New("signing secret must be at least 32 bytes")
	}
	s := &Signer{
		current: newSigningKey(current),
		issuer:  issuer,
		leeway:  leeway,
		now:     time.Now,
	}
	if previous != "" && previous != current {
		k := newSigningKey(previous)
		s.previous = &k
	}
	return s, nil
}

func newSigningKey(secret string) signingKey {
	sum := sha256.Sum256([]byte(secret))
	return signingKey{id: hex.EncodeToString(sum[:4]), secret: []byte(secret)}
}

// Sign fills issuer, audience and timestamps and returns the compact JWT.
func (s *Signer) Sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	claims.Issuer = s.issuer
	claims.Audience = jwt.ClaimStrings{s.issuer}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.current.id
	signed, err := token.SignedString(s.current.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Parse verifies signature, issuer, audience and expiry (with leeway) and
// checks the token type.
func (s *Signer) Parse(raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, s.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
		jwt.WithStrictDecoding(),
	)
	if err != nil || !parsed.Valid {
		return nil, errInvalidToken
	}
	if claims.Type != wantType || claims.Subject == "" || claims.Family == "" || claims.ID == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (s *Signer) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	switch {
	case kid == s.current.id:
		return s.current.secret, nil
	case s.previous != nil && kid == s.previous.id:
		return s.previous.secret, nil
	default:
		return nil, errInvalidToken
	}
}
