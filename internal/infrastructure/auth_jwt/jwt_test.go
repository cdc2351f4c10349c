package auth_jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestClientAssertion_VerifiesAndYieldsInstallation(t *testing.T) {
	key := newKey(t)
	s := NewSigner("42", key)
	v := NewVerifier("42", &key.PublicKey)

	tok, err := s.ClientAssertion(7)
	if err != nil {
		t.Fatalf("ClientAssertion: %v", err)
	}

	id, err := v.VerifyHeader("Bearer " + tok)
	if err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
	if id != 7 {
		t.Errorf("installation = %d, want 7", id)
	}
}

func TestVerify_Rejections(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v := NewVerifier("42", &key.PublicKey)

	expired := NewSigner("42", key)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredTok, _ := expired.ClientAssertion(7)

	wrongAud, _ := NewSigner("99", key).ClientAssertion(7)
	wrongKey, _ := NewSigner("42", other).ClientAssertion(7)
	noInstallation, _ := NewSigner("42", key).ClientAssertion(0)
	hmac, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, InstallationClaims{
		InstallationID:   7,
		RegisteredClaims: jwt.RegisteredClaims{Audience: jwt.ClaimStrings{"42"}, Issuer: "42"},
	}).SignedString([]byte("secret"))

	cases := map[string]string{
		"expired":         "Bearer " + expiredTok,
		"wrong audience":  "Bearer " + wrongAud,
		"wrong key":       "Bearer " + wrongKey,
		"no installation": "Bearer " + noInstallation,
		"hmac":            "Bearer " + hmac,
		"missing scheme":  wrongKey,
		"empty":           "",
		"garbage":         "Bearer not.a.jwt",
	}
	for name, header := range cases {
		if _, err := v.VerifyHeader(header); !errors.Is(err, domain.ErrUnauthorized) {
			t.Errorf("%s: err = %v, want ErrUnauthorized", name, err)
		}
	}
}

func TestAppAssertion_Claims(t *testing.T) {
	key := newKey(t)
	s := NewSigner("42", key)

	tok, err := s.AppAssertion(7)
	if err != nil {
		t.Fatalf("AppAssertion: %v", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(tok, &claims, func(*jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithAudience("7"), jwt.WithIssuer("42"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ttl := claims.ExpiresAt.Sub(claims.IssuedAt.Time); ttl > AssertionTTL+time.Minute {
		t.Errorf("assertion lifetime = %v", ttl)
	}
}

func TestLoadPrivateKey(t *testing.T) {
	key := newKey(t)
	path := filepath.Join(t.TempDir(), "app.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadPrivateKey(path)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if !got.PublicKey.Equal(&key.PublicKey) {
		t.Error("loaded key does not match")
	}

	if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}
}
