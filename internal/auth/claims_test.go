package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testClaims(tokenType string, now time.Time, ttl time.Duration) Claims {
	return Claims{
		TokenType: tokenType,
		FamilyID:  "fam-1",
		Roles:     []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "principal-1",
			ID:        "jti-1",
			Issuer:    "kilit-test",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func TestSignerRoundTripHS256(t *testing.T) {
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	now := time.Now().UTC()
	raw, err := s.sign(testClaims(TokenTypeAccess, now, time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	claims, err := s.parse(raw, TokenTypeAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "principal-1" || claims.FamilyID != "fam-1" {
		t.Fatalf("claims not preserved: %+v", claims)
	}
	if !claims.HasRole("Admin") {
		t.Fatalf("expected role lookup to be case-insensitive: %v", claims.Roles)
	}
}

func TestSignerRejectsWrongTokenType(t *testing.T) {
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	raw, err := s.sign(testClaims(TokenTypeRefresh, time.Now().UTC(), time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.parse(raw, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestSignerRejectsExpiredToken(t *testing.T) {
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	issued := time.Now().UTC().Add(-2 * time.Minute)
	raw, err := s.sign(testClaims(TokenTypeAccess, issued, time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.parse(raw, TokenTypeAccess); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestSignerRejectsTamperedSignature(t *testing.T) {
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	raw, err := s.sign(testClaims(TokenTypeAccess, time.Now().UTC(), time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(raw, ".")
	tampered := parts[0] + "." + parts[1] + "." + "AAAA" + parts[2][4:]
	if _, err := s.parse(tampered, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed, got %v", err)
	}
}

func TestSignerRejectsNoneAlgorithm(t *testing.T) {
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodNone, testClaims(TokenTypeAccess, time.Now().UTC(), time.Minute))
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.parse(raw, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for alg=none, got %v", err)
	}
}

func TestSignerRejectsForeignIssuer(t *testing.T) {
	foreign, err := newSigner("HS256", "test-secret", "", "", "someone-else")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}
	s, err := newSigner("HS256", "test-secret", "", "", "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	claims := testClaims(TokenTypeAccess, time.Now().UTC(), time.Minute)
	claims.Issuer = "someone-else"
	raw, err := foreign.sign(claims)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := s.parse(raw, TokenTypeAccess); !errors.Is(err, ErrTokenMalformed) {
		t.Fatalf("expected ErrTokenMalformed for wrong issuer, got %v", err)
	}
}

func TestSignerRoundTripRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	s, err := newSigner("RS256", "", string(privPEM), string(pubPEM), "kilit-test")
	if err != nil {
		t.Fatalf("newSigner: %v", err)
	}

	raw, err := s.sign(testClaims(TokenTypeAccess, time.Now().UTC(), time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := s.parse(raw, TokenTypeAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "principal-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
}

func TestNewSignerUnknownAlgorithm(t *testing.T) {
	if _, err := newSigner("ES256", "", "", "", "kilit-test"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
	if _, err := newSigner("none", "", "", "", "kilit-test"); err == nil {
		t.Fatal("expected error for none algorithm")
	}
}
