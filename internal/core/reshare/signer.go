package reshare

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

// LinkRequest describes the link to append to a chain.
type LinkRequest struct {
	// Base is the chain being extended. Empty when the signing org is the
	// offer's posting org.
	Base Chain
	// RecipientOrgURL is the organization the new link shares to.
	RecipientOrgURL string
	// Scopes granted to the recipient. Defaults to [ACCEPT].
	Scopes []Scope
	// Entitlements is the offer id. Required when Base is empty; ignored
	// otherwise, because entitlements always carry over from the root.
	Entitlements string
}

// Signer appends links to reshare chains on behalf of one organization.
type Signer interface {
	// Org returns the organization URL the signer issues links as.
	Org() string
	// ExtendChain returns a new chain: req.Base plus one freshly signed
	// link.
	ExtendChain(ctx context.Context, req LinkRequest) (Chain, error)
}

// LocalKeySigner signs chain links with a locally held RSA key.
type LocalKeySigner struct {
	orgURL string
	keyID  string
	key    *rsa.PrivateKey
	clk    clock.Clock
}

// NewLocalKeySigner returns a Signer issuing RS256 links as orgURL.
func NewLocalKeySigner(orgURL, keyID string, key *rsa.PrivateKey, clk clock.Clock) *LocalKeySigner {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &LocalKeySigner{orgURL: orgURL, keyID: keyID, key: key, clk: clk}
}

// Org returns the signing organization URL.
func (s *LocalKeySigner) Org() string {
	return s.orgURL
}

// ExtendChain implements Signer.
func (s *LocalKeySigner) ExtendChain(ctx context.Context, req LinkRequest) (Chain, error) {
	if req.RecipientOrgURL == "" {
		return nil, status.New(status.CodeInvalidChain, "link has no recipient")
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []Scope{ScopeAccept}
	}
	for _, sc := range scopes {
		if !sc.IsValid() {
			return nil, status.Newf(status.CodeInvalidChain, "unknown scope %q", sc)
		}
	}

	entitlements := req.Entitlements
	if !req.Base.IsEmpty() {
		root, err := decodeLinkUnverified(req.Base[0])
		if err != nil {
			return nil, status.Wrap(status.CodeInvalidChain, "decoding chain root", err)
		}
		entitlements = root.Entitlements
	}
	if entitlements == "" {
		return nil, status.New(status.CodeInvalidChain, "link has no entitlements")
	}

	claims := linkClaims{
		Entitlements: entitlements,
		Scope:        encodeScopes(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.orgURL,
			Subject:  req.RecipientOrgURL,
			IssuedAt: jwt.NewNumericDate(time.UnixMilli(s.clk.Now())),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, status.Wrap(status.CodeInternal, "signing chain link", err)
	}
	out := make(Chain, 0, len(req.Base)+1)
	out = append(out, req.Base...)
	out = append(out, signed)
	return out, nil
}

var _ Signer = (*LocalKeySigner)(nil)
