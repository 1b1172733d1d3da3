package reshare

import (
	"context"
	"crypto"
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

// KeyResolver resolves the public key an organization published under a
// key id. The auth package implements it over fetched JWKS documents;
// tests use StaticKeyResolver.
type KeyResolver interface {
	ResolveKey(ctx context.Context, orgURL, keyID string) (crypto.PublicKey, error)
}

// StaticKeyResolver resolves keys from a fixed map of org URL to RSA
// public key, ignoring key ids.
type StaticKeyResolver map[string]*rsa.PublicKey

// ResolveKey implements KeyResolver.
func (r StaticKeyResolver) ResolveKey(ctx context.Context, orgURL, keyID string) (crypto.PublicKey, error) {
	key, ok := r[orgURL]
	if !ok {
		return nil, status.Newf(status.CodeInvalidChain, "no published key for %s", orgURL)
	}
	return key, nil
}

// Expectations are the end-to-end conditions a chain must satisfy beyond
// per-link signature validity. Empty fields are not checked.
type Expectations struct {
	// InitialIssuer must equal the offer's posting organization.
	InitialIssuer string
	// FinalSubject must equal the organization holding the chain.
	FinalSubject string
	// InitialEntitlement must equal the offer id.
	InitialEntitlement string
	// FinalScope must be granted by the last link.
	FinalScope Scope
}

// Verifier checks reshare chains link by link.
type Verifier struct {
	resolver KeyResolver
	clk      clock.Clock
}

// NewVerifier returns a Verifier resolving signer keys through resolver.
func NewVerifier(resolver KeyResolver, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Verifier{resolver: resolver, clk: clk}
}

// VerifyChain checks every link's signature, the issuer continuity, the
// scope rules and the given expectations. It returns the decoded chain on
// success and an INVALID_CHAIN error naming the failing link otherwise.
func (v *Verifier) VerifyChain(ctx context.Context, chain Chain, expect Expectations) (DecodedChain, error) {
	if chain.IsEmpty() {
		return nil, status.New(status.CodeInvalidChain, "chain is empty")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithTimeFunc(func() time.Time { return time.UnixMilli(v.clk.Now()) }),
		jwt.WithLeeway(2*time.Minute),
	)

	decoded := make(DecodedChain, 0, len(chain))
	for i, raw := range chain {
		var claims linkClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			c, ok := t.Claims.(*linkClaims)
			if !ok || c.Issuer == "" {
				return nil, status.New(status.CodeInvalidChain, "link names no issuer")
			}
			kid, _ := t.Header["kid"].(string)
			return v.resolver.ResolveKey(ctx, c.Issuer, kid)
		})
		if err != nil {
			return nil, status.Wrap(status.CodeInvalidChain, "link signature rejected", err).
				WithDetail("link", i)
		}
		scopes, err := parseScopes(claims.Scope)
		if err != nil {
			return nil, status.Wrap(status.CodeInvalidChain, "link scopes invalid", err).
				WithDetail("link", i)
		}
		decoded = append(decoded, DecodedLink{
			SharingOrgURL:   claims.Issuer,
			RecipientOrgURL: claims.Subject,
			Scopes:          scopes,
			Entitlements:    claims.Entitlements,
			Signature:       rawSignature(raw),
		})
	}

	for i, link := range decoded {
		if link.RecipientOrgURL == "" {
			return nil, status.New(status.CodeInvalidChain, "link names no recipient").
				WithDetail("link", i)
		}
		if link.Entitlements != decoded[0].Entitlements {
			return nil, status.New(status.CodeInvalidChain,
				"link entitlements differ from the chain root").WithDetail("link", i)
		}
		if i > 0 && link.SharingOrgURL != decoded[i-1].RecipientOrgURL {
			return nil, status.Newf(status.CodeInvalidChain,
				"link issued by %s but the previous link shared to %s",
				link.SharingOrgURL, decoded[i-1].RecipientOrgURL).WithDetail("link", i)
		}
		if i < len(decoded)-1 && !link.HasScope(ScopeReshare) {
			return nil, status.New(status.CodeInvalidChain,
				"intermediate link does not grant RESHARE").WithDetail("link", i)
		}
	}

	if expect.InitialIssuer != "" && decoded.InitialIssuer() != expect.InitialIssuer {
		return nil, status.Newf(status.CodeInvalidChain,
			"chain starts at %s, want %s", decoded.InitialIssuer(), expect.InitialIssuer)
	}
	if expect.InitialEntitlement != "" && decoded.Entitlements() != expect.InitialEntitlement {
		return nil, status.Newf(status.CodeInvalidChain,
			"chain entitles %q, want %q", decoded.Entitlements(), expect.InitialEntitlement)
	}
	if expect.FinalSubject != "" && decoded.FinalSubject() != expect.FinalSubject {
		return nil, status.Newf(status.CodeInvalidChain,
			"chain ends at %s, want %s", decoded.FinalSubject(), expect.FinalSubject)
	}
	if expect.FinalScope != "" && !decoded.HasFinalScope(expect.FinalScope) {
		return nil, status.Newf(status.CodeInvalidChain,
			"final link does not grant %s", expect.FinalScope)
	}
	return decoded, nil
}

func rawSignature(token string) string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[i+1:]
		}
	}
	return ""
}

var _ KeyResolver = (StaticKeyResolver)(nil)
