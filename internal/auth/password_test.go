package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := HashSecret("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}

	ok, err := VerifySecret(hash, "correct horse battery staple")
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if !ok {
		t.Fatal("expected matching secret to verify")
	}

	ok, err = VerifySecret(hash, "wrong secret")
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched secret to fail")
	}
}

func TestHashSecretUniqueSalt(t *testing.T) {
	a, err := HashSecret("same input")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	b, err := HashSecret("same input")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct salts to produce distinct hashes")
	}
}

func TestVerifySecretBcryptLegacy(t *testing.T) {
	legacy, err := bcrypt.GenerateFromPassword([]byte("migrated-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	ok, err := VerifySecret(string(legacy), "migrated-secret")
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if !ok {
		t.Fatal("expected legacy bcrypt hash to verify")
	}

	ok, err = VerifySecret(string(legacy), "not it")
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch on legacy hash")
	}
}

func TestVerifySecretRejectsUnknownFormats(t *testing.T) {
	cases := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=2,p=1$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=2,p=1$not-base64!$aGFzaA",
	}
	for _, stored := range cases {
		if ok, err := VerifySecret(stored, "anything"); err == nil && ok {
			t.Fatalf("expected failure for stored hash %q", stored)
		}
	}
}
