// Package listing decides which organizations an offer is listed to and
// when. Policies produce desired listings; the offer model turns them into
// timeline entries, clips them around reservations and signs reshare
// chains for explicit targets.
package listing

import (
	"context"

	"github.com/LeJamon/goOPRd/internal/core/interval"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
)

// Wildcard is the target org URL meaning "every organization".
const Wildcard = "*"

// Listing is one desired visibility window for an offer.
type Listing struct {
	// OrgURL is the organization the offer is listed to, or Wildcard.
	OrgURL string
	// Interval is the desired visibility window.
	Interval interval.Interval
	// Scopes granted to the target when it is explicit. Defaults to
	// [ACCEPT].
	Scopes []reshare.Scope
}

// Policy computes the desired listings for one offer.
//
// firstListedUTC is the instant the offer first became listable on this
// host; it stays fixed across recomputations so time-based policies do not
// drift when an offer is relisted. rejectedOrgs holds organizations that
// rejected the offer; sharedToOrgs holds organizations already appearing
// in the offer's reshare chains.
type Policy interface {
	Listings(ctx context.Context, o *offer.Offer, firstListedUTC, nowUTC int64,
		rejectedOrgs, sharedToOrgs map[string]bool) ([]Listing, error)
}

// Target is one recipient of a UniversalPolicy.
type Target struct {
	OrgURL string
	Scopes []reshare.Scope
}

// UniversalPolicy lists every offer to a fixed set of targets for the
// offer's whole remaining lifetime. It is the default policy.
type UniversalPolicy struct {
	targets     []Target
	delayMillis int64
}

// NewUniversalPolicy returns a UniversalPolicy listing to targets after
// delayMillis. Without targets it lists to the wildcard with ACCEPT scope.
func NewUniversalPolicy(delayMillis int64, targets ...Target) *UniversalPolicy {
	if len(targets) == 0 {
		targets = []Target{{OrgURL: Wildcard, Scopes: []reshare.Scope{reshare.ScopeAccept}}}
	}
	return &UniversalPolicy{targets: targets, delayMillis: delayMillis}
}

// Listings implements Policy.
func (p *UniversalPolicy) Listings(ctx context.Context, o *offer.Offer, firstListedUTC, nowUTC int64,
	rejectedOrgs, sharedToOrgs map[string]bool) ([]Listing, error) {
	start := firstListedUTC + p.delayMillis
	window := interval.New(start, o.OfferExpirationUTC)
	if window.IsEmpty() {
		return nil, nil
	}
	var out []Listing
	for _, t := range p.targets {
		if t.OrgURL != Wildcard {
			// Explicit targets that rejected the offer, or that already
			// handled it upstream, are not listed again. Wildcard listings
			// stay: rejection filtering for wildcard viewers happens at
			// query time.
			if rejectedOrgs[t.OrgURL] || sharedToOrgs[t.OrgURL] {
				continue
			}
		}
		scopes := t.Scopes
		if len(scopes) == 0 {
			scopes = []reshare.Scope{reshare.ScopeAccept}
		}
		out = append(out, Listing{OrgURL: t.OrgURL, Interval: window, Scopes: scopes})
	}
	return out, nil
}

var _ Policy = (*UniversalPolicy)(nil)
