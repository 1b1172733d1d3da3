// Package reshare implements the verifiable chains that let offers be
// relayed through intermediary organizations.
//
// A chain is an ordered list of compact JWTs. Each link is issued by the
// organization sharing the offer (iss), names the organization receiving
// it (sub), grants a scope set, and carries the entitlement (the offer id)
// fixed by the first link. A valid chain starts at the offer's posting
// organization and each later link is issued by the previous link's
// recipient.
package reshare

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Scope is a permission granted by a chain link.
type Scope string

const (
	// ScopeReshare allows the recipient to share the offer onward.
	ScopeReshare Scope = "RESHARE"
	// ScopeAccept allows the recipient to accept the offer.
	ScopeAccept Scope = "ACCEPT"
)

// IsValid reports whether s is a known scope.
func (s Scope) IsValid() bool {
	return s == ScopeReshare || s == ScopeAccept
}

// Chain is an encoded reshare chain: zero or more compact JWTs.
type Chain []string

// IsEmpty reports whether the chain has no links.
func (c Chain) IsEmpty() bool {
	return len(c) == 0
}

// Clone returns a copy of the chain.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	return append(Chain(nil), c...)
}

// DecodedLink is the interpreted content of one chain link.
type DecodedLink struct {
	SharingOrgURL   string  `json:"sharingOrgUrl"`
	RecipientOrgURL string  `json:"recipientOrgUrl"`
	Scopes          []Scope `json:"scopes"`
	Entitlements    string  `json:"entitlements"`
	Signature       string  `json:"signature"`
}

// HasScope reports whether the link grants s.
func (l DecodedLink) HasScope(s Scope) bool {
	for _, have := range l.Scopes {
		if have == s {
			return true
		}
	}
	return false
}

// DecodedChain is an interpreted chain, first link first.
type DecodedChain []DecodedLink

// InitialIssuer returns the issuer of the first link.
func (c DecodedChain) InitialIssuer() string {
	if len(c) == 0 {
		return ""
	}
	return c[0].SharingOrgURL
}

// FinalSubject returns the recipient of the last link.
func (c DecodedChain) FinalSubject() string {
	if len(c) == 0 {
		return ""
	}
	return c[len(c)-1].RecipientOrgURL
}

// Entitlements returns the entitlement fixed by the first link.
func (c DecodedChain) Entitlements() string {
	if len(c) == 0 {
		return ""
	}
	return c[0].Entitlements
}

// FinalLink returns the last link of the chain.
func (c DecodedChain) FinalLink() (DecodedLink, bool) {
	if len(c) == 0 {
		return DecodedLink{}, false
	}
	return c[len(c)-1], true
}

// HasFinalScope reports whether the chain's last link grants s.
func (c DecodedChain) HasFinalScope(s Scope) bool {
	last, ok := c.FinalLink()
	return ok && last.HasScope(s)
}

// SharingOrgs returns every issuer in the chain, in order.
func (c DecodedChain) SharingOrgs() []string {
	orgs := make([]string, 0, len(c))
	for _, l := range c {
		orgs = append(orgs, l.SharingOrgURL)
	}
	return orgs
}

// RecipientOrgs returns every recipient in the chain, in order.
func (c DecodedChain) RecipientOrgs() []string {
	orgs := make([]string, 0, len(c))
	for _, l := range c {
		orgs = append(orgs, l.RecipientOrgURL)
	}
	return orgs
}

// linkClaims is the JWT claim set of one chain link.
type linkClaims struct {
	Entitlements string `json:"entitlements,omitempty"`
	Scope        string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

func encodeScopes(scopes []Scope) string {
	parts := make([]string, 0, len(scopes))
	for _, s := range scopes {
		parts = append(parts, string(s))
	}
	return strings.Join(parts, " ")
}

func parseScopes(claim string) ([]Scope, error) {
	fields := strings.Fields(claim)
	if len(fields) == 0 {
		return nil, fmt.Errorf("link grants no scopes")
	}
	scopes := make([]Scope, 0, len(fields))
	for _, f := range fields {
		s := Scope(f)
		if !s.IsValid() {
			return nil, fmt.Errorf("unknown scope %q", f)
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

// decodeLinkUnverified interprets a link without checking its signature.
func decodeLinkUnverified(raw string) (DecodedLink, error) {
	var claims linkClaims
	parser := jwt.NewParser()
	_, parts, err := parser.ParseUnverified(raw, &claims)
	if err != nil {
		return DecodedLink{}, err
	}
	scopes, err := parseScopes(claims.Scope)
	if err != nil {
		return DecodedLink{}, err
	}
	return DecodedLink{
		SharingOrgURL:   claims.Issuer,
		RecipientOrgURL: claims.Subject,
		Scopes:          scopes,
		Entitlements:    claims.Entitlements,
		Signature:       parts[2],
	}, nil
}

// DecodeChain interprets a chain without checking signatures. It is meant
// for chains already verified at ingest, where only the carried metadata
// is needed.
func DecodeChain(chain Chain) (DecodedChain, error) {
	decoded := make(DecodedChain, 0, len(chain))
	for i, raw := range chain {
		link, err := decodeLinkUnverified(raw)
		if err != nil {
			return nil, fmt.Errorf("decoding chain link %d: %w", i, err)
		}
		decoded = append(decoded, link)
	}
	return decoded, nil
}
