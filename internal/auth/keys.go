package auth

import (
	"context"
	"crypto"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

const (
	jwksCacheSize = 256
	jwksCacheTTL  = 10 * time.Minute
)

// KeyProvider resolves the public keys organizations publish through
// their descriptors' JWKS documents. It implements reshare.KeyResolver,
// so the same caches back both chain verification and bearer-token
// verification.
type KeyProvider struct {
	orgs   OrgResolver
	client *http.Client
	cache  *expirable.LRU[string, *JWKS]
}

// NewKeyProvider returns a caching key provider. A nil client uses
// http.DefaultClient.
func NewKeyProvider(orgs OrgResolver, client *http.Client) *KeyProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &KeyProvider{
		orgs:   orgs,
		client: client,
		cache:  expirable.NewLRU[string, *JWKS](jwksCacheSize, nil, jwksCacheTTL),
	}
}

// KeySet returns the published key set of orgURL.
func (p *KeyProvider) KeySet(ctx context.Context, orgURL string) (*JWKS, error) {
	if set, ok := p.cache.Get(orgURL); ok {
		return set, nil
	}
	d, err := p.orgs.Resolve(ctx, orgURL)
	if err != nil {
		return nil, err
	}
	if d.JWKSURL == "" {
		return nil, status.Newf(status.CodeNotAuthorized, "organization %s publishes no keys", orgURL)
	}
	body, err := fetchDocument(ctx, p.client, d.JWKSURL)
	if err != nil {
		return nil, err
	}
	set, err := ParseJWKS(body)
	if err != nil {
		return nil, err
	}
	p.cache.Add(orgURL, set)
	return set, nil
}

// ResolveKey implements reshare.KeyResolver.
func (p *KeyProvider) ResolveKey(ctx context.Context, orgURL, keyID string) (crypto.PublicKey, error) {
	set, err := p.KeySet(ctx, orgURL)
	if err != nil {
		return nil, err
	}
	jwk, ok := set.Key(keyID)
	if !ok {
		return nil, status.Newf(status.CodeNotAuthorized,
			"organization %s publishes no key %q", orgURL, keyID)
	}
	return jwk.RSAPublicKey()
}

var _ reshare.KeyResolver = (*KeyProvider)(nil)
