package auth_jwt

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/buildcast/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AssertionTTL bounds every assertion minted here.
const AssertionTTL = 10 * time.Minute

// InstallationClaims are carried by the bearer assertion a client
// presents at handshake.
type InstallationClaims struct {
	InstallationID int64 `json:"installation_id"`
	jwt.RegisteredClaims
}

func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// Signer mints RS256 assertions for the application identity.
type Signer struct {
	appID string
	key   *rsa.PrivateKey
	now   func() time.Time
}

func NewSigner(appID string, key *rsa.PrivateKey) *Signer {
	return &Signer{appID: appID, key: key, now: time.Now}
}

// AppAssertion is exchanged with the identity host for an installation
// token. iat is backdated a minute to tolerate clock skew.
func (s *Signer) AppAssertion(installationID int64) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.appID,
		Audience:  jwt.ClaimStrings{strconv.FormatInt(installationID, 10)},
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// ClientAssertion is presented by a client in the handshake
// Authorization header.
func (s *Signer) ClientAssertion(installationID int64) (string, error) {
	now := s.now()
	claims := InstallationClaims{
		InstallationID: installationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.appID,
			Audience:  jwt.ClaimStrings{s.appID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-60 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(AssertionTTL)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// Verifier checks handshake assertions: signature, issuer, audience and
// expiry. Every failure wraps domain.ErrUnauthorized.
type Verifier struct {
	appID string
	key   *rsa.PublicKey
	now   func() time.Time
}

func NewVerifier(appID string, key *rsa.PublicKey) *Verifier {
	return &Verifier{appID: appID, key: key, now: time.Now}
}

func (v *Verifier) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &InstallationClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.appID),
		jwt.WithIssuer(v.appID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*InstallationClaims)
	if !ok || !token.Valid {
		return 0, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	if claims.InstallationID <= 0 {
		return 0, fmt.Errorf("%w: missing installation_id", domain.ErrUnauthorized)
	}
	return claims.InstallationID, nil
}

// VerifyHeader accepts an Authorization header value of the form
// "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) (int64, error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return 0, fmt.Errorf("%w: invalid authorization format", domain.ErrUnauthorized)
	}
	return v.Verify(strings.TrimSpace(parts[1]))
}
