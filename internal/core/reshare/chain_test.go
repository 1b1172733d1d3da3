package reshare

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

const (
	orgA = "https://a.example.org/org.json"
	orgB = "https://b.example.org/org.json"
	orgC = "https://c.example.org/org.json"
)

type testOrg struct {
	url    string
	key    *rsa.PrivateKey
	signer *LocalKeySigner
}

func newTestOrg(t *testing.T, url string, clk clock.Clock) *testOrg {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generating test key")
	return &testOrg{
		url:    url,
		key:    key,
		signer: NewLocalKeySigner(url, "test-key", key, clk),
	}
}

func resolverFor(orgs ...*testOrg) StaticKeyResolver {
	r := make(StaticKeyResolver, len(orgs))
	for _, o := range orgs {
		r[o.url] = &o.key.PublicKey
	}
	return r
}

func TestSignAndVerifySingleLink(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	verifier := NewVerifier(resolverFor(a), clk)

	chain, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeAccept},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)
	require.Len(t, chain, 1)

	decoded, err := verifier.VerifyChain(context.Background(), chain, Expectations{
		InitialIssuer:      orgA,
		FinalSubject:       orgB,
		InitialEntitlement: "box-1",
		FinalScope:         ScopeAccept,
	})
	require.NoError(t, err)
	require.Equal(t, orgA, decoded.InitialIssuer())
	require.Equal(t, orgB, decoded.FinalSubject())
	require.Equal(t, "box-1", decoded.Entitlements())
	require.True(t, decoded.HasFinalScope(ScopeAccept))
	require.NotEmpty(t, decoded[0].Signature)
}

func TestExtendPreservesRootEntitlements(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	b := newTestOrg(t, orgB, clk)
	verifier := NewVerifier(resolverFor(a, b), clk)

	root, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeReshare, ScopeAccept},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	// The reshare signer must ignore any entitlement override.
	extended, err := b.signer.ExtendChain(context.Background(), LinkRequest{
		Base:            root,
		RecipientOrgURL: orgC,
		Scopes:          []Scope{ScopeAccept},
		Entitlements:    "something-else",
	})
	require.NoError(t, err)
	require.Len(t, extended, 2)

	decoded, err := verifier.VerifyChain(context.Background(), extended, Expectations{
		InitialIssuer:      orgA,
		FinalSubject:       orgC,
		InitialEntitlement: "box-1",
		FinalScope:         ScopeAccept,
	})
	require.NoError(t, err)
	require.Equal(t, []string{orgA, orgB}, decoded.SharingOrgs())
	require.Equal(t, []string{orgB, orgC}, decoded.RecipientOrgs())
	require.Equal(t, "box-1", decoded.Entitlements())
}

func TestVerifyRejectsTamperedLink(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	verifier := NewVerifier(resolverFor(a), clk)

	chain, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	parts := strings.Split(chain[0], ".")
	require.Len(t, parts, 3)
	payload := []byte(parts[1])
	payload[len(payload)/2] ^= 0x01
	tampered := Chain{parts[0] + "." + string(payload) + "." + parts[2]}

	_, err = verifier.VerifyChain(context.Background(), tampered, Expectations{})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
}

func TestVerifyRejectsBrokenContinuity(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	b := newTestOrg(t, orgB, clk)
	c := newTestOrg(t, orgC, clk)
	verifier := NewVerifier(resolverFor(a, b, c), clk)

	root, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeReshare},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	// Link issued by C, but the root shared to B.
	bad, err := c.signer.ExtendChain(context.Background(), LinkRequest{
		Base:            root,
		RecipientOrgURL: orgA,
	})
	require.NoError(t, err)

	_, err = verifier.VerifyChain(context.Background(), bad, Expectations{})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
}

func TestVerifyRejectsMissingReshareScope(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	b := newTestOrg(t, orgB, clk)
	verifier := NewVerifier(resolverFor(a, b), clk)

	// Root grants only ACCEPT, so B had no right to reshare.
	root, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeAccept},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)
	extended, err := b.signer.ExtendChain(context.Background(), LinkRequest{
		Base:            root,
		RecipientOrgURL: orgC,
	})
	require.NoError(t, err)

	_, err = verifier.VerifyChain(context.Background(), extended, Expectations{})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
	require.Contains(t, err.Error(), "RESHARE")
}

func TestVerifyExpectations(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	verifier := NewVerifier(resolverFor(a), clk)

	chain, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeAccept},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		expect Expectations
	}{
		{"wrong issuer", Expectations{InitialIssuer: orgC}},
		{"wrong subject", Expectations{FinalSubject: orgC}},
		{"wrong entitlement", Expectations{InitialEntitlement: "box-2"}},
		{"missing scope", Expectations{FinalScope: ScopeReshare}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.VerifyChain(context.Background(), chain, tt.expect)
			require.Error(t, err)
			require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
		})
	}
}

func TestVerifyUnknownSigner(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	verifier := NewVerifier(resolverFor( /* nobody */ ), clk)

	chain, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	_, err = verifier.VerifyChain(context.Background(), chain, Expectations{})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
}

func TestVerifyEmptyChain(t *testing.T) {
	verifier := NewVerifier(StaticKeyResolver{}, clock.NewFakeClock(0))
	_, err := verifier.VerifyChain(context.Background(), nil, Expectations{})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
}

func TestDecodeChainUnverified(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	chain, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
		Scopes:          []Scope{ScopeReshare, ScopeAccept},
		Entitlements:    "box-1",
	})
	require.NoError(t, err)

	decoded, err := DecodeChain(chain)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	require.Equal(t, orgA, decoded[0].SharingOrgURL)
	require.Equal(t, orgB, decoded[0].RecipientOrgURL)
	require.True(t, decoded[0].HasScope(ScopeReshare))
	require.True(t, decoded[0].HasScope(ScopeAccept))
}

func TestSignerRequiresEntitlements(t *testing.T) {
	clk := clock.NewFakeClock(1_000_000)
	a := newTestOrg(t, orgA, clk)
	_, err := a.signer.ExtendChain(context.Background(), LinkRequest{
		RecipientOrgURL: orgB,
	})
	require.Error(t, err)
	require.Equal(t, status.CodeInvalidChain, status.CodeOf(err))
}
