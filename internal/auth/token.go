package auth

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

// Bearer token lifetime and clock-skew allowance.
const (
	tokenLifetime = 5 * time.Minute
	tokenLeeway   = 2 * time.Minute
)

// TokenIssuer signs the bearer tokens this node presents to peers.
type TokenIssuer struct {
	orgURL string
	keyID  string
	key    *rsa.PrivateKey
	clk    clock.Clock
}

// NewTokenIssuer returns an issuer signing RS256 tokens as orgURL.
func NewTokenIssuer(orgURL, keyID string, key *rsa.PrivateKey, clk clock.Clock) *TokenIssuer {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &TokenIssuer{orgURL: orgURL, keyID: keyID, key: key, clk: clk}
}

// Org returns the organization the issuer signs for.
func (i *TokenIssuer) Org() string {
	return i.orgURL
}

// Issue returns a short-lived bearer token addressed to audienceOrgURL.
func (i *TokenIssuer) Issue(ctx context.Context, audienceOrgURL string) (string, error) {
	now := time.UnixMilli(i.clk.Now())
	claims := jwt.RegisteredClaims{
		Issuer:    i.orgURL,
		Subject:   i.orgURL,
		Audience:  jwt.ClaimStrings{audienceOrgURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if i.keyID != "" {
		token.Header["kid"] = i.keyID
	}
	signed, err := token.SignedString(i.key)
	if err != nil {
		return "", status.Wrap(status.CodeInternal, "signing bearer token", err)
	}
	return signed, nil
}

// Verifier checks the bearer tokens peers present to this node.
type Verifier struct {
	keys *KeyProvider
	clk  clock.Clock
}

// NewVerifier returns a bearer-token verifier resolving issuer keys
// through keys.
func NewVerifier(keys *KeyProvider, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Verifier{keys: keys, clk: clk}
}

// VerifyBearer checks token and returns the organization URL it was
// issued by. The token must be addressed to hostOrgURL. Every failure is
// reported as NOT_AUTHORIZED.
func (v *Verifier) VerifyBearer(ctx context.Context, token, hostOrgURL string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return time.UnixMilli(v.clk.Now()) }),
		jwt.WithLeeway(tokenLeeway),
	)
	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*jwt.RegisteredClaims)
		if !ok || c.Issuer == "" {
			return nil, status.New(status.CodeNotAuthorized, "token names no issuer")
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.ResolveKey(ctx, c.Issuer, kid)
	})
	if err != nil {
		return "", status.Wrap(status.CodeNotAuthorized, "bearer token rejected", err)
	}
	if !audienceContains(claims.Audience, hostOrgURL) {
		return "", status.Newf(status.CodeNotAuthorized,
			"token addressed to %v, not %s", []string(claims.Audience), hostOrgURL)
	}
	return claims.Issuer, nil
}

func audienceContains(aud jwt.ClaimStrings, orgURL string) bool {
	for _, a := range aud {
		if a == orgURL {
			return true
		}
	}
	return false
}
