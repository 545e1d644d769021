package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "gateway", "orders-api")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "shared-secret", jwt.MapClaims{
		"sub":   "user_42",
		"email": "dana@example.com",
		"role":  []string{"User", "staff"},
		"iss":   "gateway",
		"aud":   "orders-api",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.VerifyToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "user_42" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Email != "dana@example.com" {
		t.Fatalf("unexpected email %s", claims.Email)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "user" || claims.Roles[1] != "staff" {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestJWTVerifier_SingleRoleClaim(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "shared-secret", jwt.MapClaims{
		"sub":  "user_1",
		"role": "Admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.VerifyToken(context.Background(), raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("unexpected roles %v", claims.Roles)
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "shared-secret", jwt.MapClaims{
		"sub": "user_1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err = verifier.VerifyToken(context.Background(), raw)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "other-secret", jwt.MapClaims{
		"sub": "user_1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyToken(context.Background(), raw)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestJWTVerifier_IssuerMismatch(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "gateway", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "shared-secret", jwt.MapClaims{
		"sub": "user_1",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyToken(context.Background(), raw)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestJWTVerifier_MissingSubject(t *testing.T) {
	verifier, err := NewJWTVerifier("shared-secret", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	raw := signToken(t, "shared-secret", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyToken(context.Background(), raw)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}
