package listing

import (
	"context"
	"testing"

	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
)

func testOffer() *offer.Offer {
	return &offer.Offer{
		ID:                 "box-1",
		OfferedBy:          "https://host.example.org/org.json",
		OfferCreationUTC:   1000,
		OfferExpirationUTC: 100000,
	}
}

func TestUniversalPolicyDefaultsToWildcard(t *testing.T) {
	p := NewUniversalPolicy(0)
	got, err := p.Listings(context.Background(), testOffer(), 5000, 5000, nil, nil)
	if err != nil {
		t.Fatalf("Listings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].OrgURL != Wildcard {
		t.Errorf("OrgURL = %q, want *", got[0].OrgURL)
	}
	if got[0].Interval.StartUTC != 5000 || got[0].Interval.EndUTC != 100000 {
		t.Errorf("interval = %v, want [5000,100000)", got[0].Interval)
	}
	if len(got[0].Scopes) != 1 || got[0].Scopes[0] != reshare.ScopeAccept {
		t.Errorf("scopes = %v, want [ACCEPT]", got[0].Scopes)
	}
}

func TestUniversalPolicyDelay(t *testing.T) {
	p := NewUniversalPolicy(2000)
	got, err := p.Listings(context.Background(), testOffer(), 5000, 5000, nil, nil)
	if err != nil {
		t.Fatalf("Listings: %v", err)
	}
	if got[0].Interval.StartUTC != 7000 {
		t.Errorf("start = %d, want 7000", got[0].Interval.StartUTC)
	}
}

func TestUniversalPolicySkipsRejectedExplicitTargets(t *testing.T) {
	rejector := "https://rejector.example.org/org.json"
	keeper := "https://keeper.example.org/org.json"
	p := NewUniversalPolicy(0,
		Target{OrgURL: rejector},
		Target{OrgURL: keeper},
		Target{OrgURL: Wildcard},
	)
	got, err := p.Listings(context.Background(), testOffer(), 5000, 5000,
		map[string]bool{rejector: true}, nil)
	if err != nil {
		t.Fatalf("Listings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (rejector skipped, wildcard kept)", len(got))
	}
	for _, l := range got {
		if l.OrgURL == rejector {
			t.Errorf("rejected org %s still listed", rejector)
		}
	}
}

func TestUniversalPolicySkipsUpstreamOrgs(t *testing.T) {
	upstream := "https://upstream.example.org/org.json"
	p := NewUniversalPolicy(0, Target{OrgURL: upstream})
	got, err := p.Listings(context.Background(), testOffer(), 5000, 5000,
		nil, map[string]bool{upstream: true})
	if err != nil {
		t.Fatalf("Listings: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0: upstream orgs already hold the offer", len(got))
	}
}

func TestUniversalPolicyExpiredOffer(t *testing.T) {
	p := NewUniversalPolicy(0)
	o := testOffer()
	got, err := p.Listings(context.Background(), o, o.OfferExpirationUTC, o.OfferExpirationUTC, nil, nil)
	if err != nil {
		t.Fatalf("Listings: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0 for expired offer", len(got))
	}
}
