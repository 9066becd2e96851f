// Package auth issues and verifies the signed session tokens that gate the
// dispatch and lifecycle endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const (
	RoleRider   = "rider"
	RoleDriver  = "driver"
	RoleService = "service"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims identifies the caller.
type Claims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"-"`
}

// Verifier is the credential contract used by the HTTP layer.
type Verifier interface {
	Issue(c Claims) (string, error)
	Verify(token string) (Claims, error)
}

// JWTVerifier signs HS256 tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTVerifier(secret, issuer string, ttl time.Duration) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

func (v *JWTVerifier) Issue(c Claims) (string, error) {
	if c.Subject == "" || c.Role == "" {
		return "", errors.New("subject and role are required")
	}
	exp := c.ExpiresAt
	if exp.IsZero() {
		exp = v.now().Add(v.ttl)
	}
	claims := jwt.MapClaims{
		"sub":  c.Subject,
		"role": c.Role,
		"exp":  exp.Unix(),
		"iat":  v.now().Unix(),
	}
	if v.issuer != "" {
		claims["iss"] = v.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *JWTVerifier) Verify(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if v.issuer != "" && !mc.VerifyIssuer(v.issuer, true) {
		return Claims{}, fmt.Errorf("%w: wrong issuer", ErrInvalidToken)
	}
	sub, _ := mc["sub"].(string)
	role, _ := mc["role"].(string)
	if sub == "" || role == "" {
		return Claims{}, fmt.Errorf("%w: missing sub or role", ErrInvalidToken)
	}
	out := Claims{Subject: sub, Role: role}
	if exp, ok := mc["exp"].(float64); ok {
		out.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return out, nil
}
