package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenTypeAccess marks short-lived tokens that carry claims and are
	// accepted by signature+expiry check alone (plus the optional ledger
	// check).
	TokenTypeAccess = "access"

	// TokenTypeRefresh marks longer-lived tokens bound to one token family
	// generation, used solely to obtain a new pair.
	TokenTypeRefresh = "refresh"
)

// Claims is the signed token payload. Access tokens embed the principal's
// resolved roles and profile claims; refresh tokens carry only the family
// coordinates.
type Claims struct {
	TokenType  string   `json:"token_type"`
	FamilyID   string   `json:"family_id"`
	Generation int      `json:"generation,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Email      string   `json:"email,omitempty"`
	IsVerified bool     `json:"is_verified,omitempty"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims carry the given role name.
func (c *Claims) HasRole(role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		return false
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// signer signs and verifies JWTs with a single process-wide key. HS256 and
// RS256 are the recognized algorithms; anything else, including "none", is
// rejected at parse time via the jwt library's valid-methods allowlist.
type signer struct {
	method   jwt.SigningMethod
	signKey  any
	parseKey any
	issuer   string
	now      func() time.Time
}

func newSigner(alg, secret, privatePEM, publicPEM, issuer string) (*signer, error) {
	s := &signer{issuer: issuer, now: time.Now}
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		if strings.TrimSpace(secret) == "" {
			return nil, errors.New("auth: signing secret is required for HS256")
		}
		s.method = jwt.SigningMethodHS256
		s.signKey = []byte(secret)
		s.parseKey = []byte(secret)
	case "RS256":
		priv, err := parseRSAPrivateKey(privatePEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse private key: %w", err)
		}
		pub, err := parseRSAPublicKey(publicPEM)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key: %w", err)
		}
		s.method = jwt.SigningMethodRS256
		s.signKey = priv
		s.parseKey = pub
	default:
		return nil, fmt.Errorf("auth: unsupported signing algorithm %q", alg)
	}
	return s, nil
}

func (s *signer) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	signed, err := token.SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parse verifies signature and registered claims and enforces the expected
// token_type. Signature and format failures map to ErrTokenMalformed;
// expiry to ErrTokenExpired.
func (s *signer) parse(raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenMalformed
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.parseKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.TokenType != wantType {
		return nil, fmt.Errorf("%w: unexpected token type", ErrTokenMalformed)
	}
	if strings.TrimSpace(claims.Subject) == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: required claims missing", ErrTokenMalformed)
	}
	return claims, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemData)))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
