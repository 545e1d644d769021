package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired signals that the provided identity token has expired.
	ErrTokenExpired = errors.New("auth: identity token expired")
	// ErrTokenInvalid signals that the provided identity token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: identity token invalid")
)

// TokenVerifier validates a raw bearer token and extracts the identity claims.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*TokenClaims, error)
}

// TokenClaims is the decoded claim set the API gateway places on identity tokens.
type TokenClaims struct {
	Subject string
	Email   string
	Roles   []string
}

type jwtClaims struct {
	Email string `json:"email,omitempty"`
	Role  any    `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens issued by the API gateway with a shared secret.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewJWTVerifier constructs a verifier. Issuer and audience checks are skipped when empty.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}, nil
}

// VerifyToken parses and validates the token, returning the embedded identity claims.
func (v *JWTVerifier) VerifyToken(_ context.Context, token string) (*TokenClaims, error) {
	if v == nil {
		return nil, ErrTokenInvalid
	}

	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if v.audience != "" && !audienceContains(claims.Audience, v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	return &TokenClaims{
		Subject: subject,
		Email:   strings.TrimSpace(claims.Email),
		Roles:   rolesFromClaim(claims.Role),
	}, nil
}

func audienceContains(audience jwt.ClaimStrings, expected string) bool {
	for _, aud := range audience {
		if aud == expected {
			return true
		}
	}
	return false
}

func rolesFromClaim(raw any) []string {
	switch v := raw.(type) {
	case string:
		role := normaliseRole(v)
		if role == "" {
			return nil
		}
		return []string{role}
	case []any:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				continue
			}
			role := normaliseRole(str)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	case []string:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, item := range v {
			role := normaliseRole(item)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	default:
		return nil
	}
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
