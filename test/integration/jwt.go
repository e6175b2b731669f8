package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testKeyID    = "test-key-1"
	testIssuer   = "https://auth.test.carewizard.dev"
	testAudience = "carewizard-test"
)

// TestClaims describes the signed-in patient or applicant a token is for.
// Audience overrides the audience the service expects.
type TestClaims struct {
	SubjectID string
	Email     string
	Audience  string
}

type identityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type jsonWebKey struct {
	KeyID     string `json:"kid"`
	KeyType   string `json:"kty"`
	Algorithm string `json:"alg"`
	Use       string `json:"use"`
	Modulus   string `json:"n"`
	Exponent  string `json:"e"`
}

// identityProvider stands in for the identity service: it signs RS256
// tokens and publishes the verification key as a JWKS document.
type identityProvider struct {
	key  *rsa.PrivateKey
	jwks *httptest.Server
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	doc, err := json.Marshal(struct {
		Keys []jsonWebKey `json:"keys"`
	}{Keys: []jsonWebKey{{
		KeyID:     testKeyID,
		KeyType:   "RSA",
		Algorithm: jwt.SigningMethodRS256.Alg(),
		Use:       "sig",
		Modulus:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		Exponent:  base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	return &identityProvider{key: key, jwks: srv}
}

// GenerateToken signs a token valid for the next hour.
func (p *identityProvider) GenerateToken(c TestClaims) string {
	now := time.Now()
	return p.sign(p.key, c, now, now.Add(time.Hour))
}

// GenerateExpiredToken signs a token that expired an hour ago.
func (p *identityProvider) GenerateExpiredToken(c TestClaims) string {
	now := time.Now()
	return p.sign(p.key, c, now.Add(-2*time.Hour), now.Add(-time.Hour))
}

// GenerateForeignToken signs a well-formed token with a key the JWKS does
// not publish, under the published key ID.
func (p *identityProvider) GenerateForeignToken(t *testing.T, c TestClaims) string {
	t.Helper()
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	now := time.Now()
	return p.sign(other, c, now, now.Add(time.Hour))
}

func (p *identityProvider) sign(key *rsa.PrivateKey, c TestClaims, issuedAt, expiresAt time.Time) string {
	audience := c.Audience
	if audience == "" {
		audience = testAudience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email: c.Email,
	})
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// JWKSURL is where the service fetches verification keys.
func (p *identityProvider) JWKSURL() string { return p.jwks.URL }

// Issuer is the iss claim the service must require.
func (p *identityProvider) Issuer() string { return testIssuer }

// Audience is the aud claim the service must require.
func (p *identityProvider) Audience() string { return testAudience }
