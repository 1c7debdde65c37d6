package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Argon2id parameters, OWASP recommendation.
const (
	argonTime    = 2
	argonMemory  = 64 * 1024 // 64 MiB
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashSecret hashes a plaintext secret using Argon2id and returns it in PHC
// string format: $argon2id$v=19$m=65536,t=2,p=1$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("secret is empty")
	}
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifySecret compares a plaintext secret against a stored hash using a
// constant-time comparison. Argon2id PHC strings are the canonical format;
// bcrypt hashes from pre-migration rows still verify.
func VerifySecret(storedHash, secret string) (bool, error) {
	switch {
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return verifyArgon2id(storedHash, secret)
	case strings.HasPrefix(storedHash, "$2a$"), strings.HasPrefix(storedHash, "$2b$"), strings.HasPrefix(storedHash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	case storedHash == "":
		return false, errors.New("secret hash is empty")
	default:
		return false, fmt.Errorf("unsupported hash format")
	}
}

func verifyArgon2id(encoded, secret string) (bool, error) {
	salt, hash, params, err := decodePHC(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(secret), salt, params.time, params.memory, params.threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}

type argonParams struct {
	time    uint32
	memory  uint32
	threads uint8
}

func decodePHC(encoded string) (salt, hash []byte, params argonParams, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return nil, nil, params, errors.New("invalid PHC hash format")
	}
	if parts[1] != "argon2id" {
		return nil, nil, params, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, params, fmt.Errorf("parse version: %w", err)
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return nil, nil, params, fmt.Errorf("parse parameters: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decode salt: %w", err)
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, params, fmt.Errorf("decode hash: %w", err)
	}
	return salt, hash, params, nil
}
