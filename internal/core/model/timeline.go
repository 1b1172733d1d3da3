package model

import (
	"context"

	"github.com/LeJamon/goOPRd/internal/core/interval"
	"github.com/LeJamon/goOPRd/internal/core/listing"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// timelineInputs gathers everything a recomputation reads before writing.
type timelineInputs struct {
	offer        *offer.Offer
	chains       []reshare.Chain
	existing     []storage.TimelineEntry
	firstListed  int64
	reservation  *storage.TimelineEntry
	rejectedOrgs map[string]bool
	sharedTo     map[string]bool
}

// recomputeTimeline rebuilds the future timeline of one offer at instant
// now. reservationOverride, when non-nil, is a reservation entry taking
// effect now that is not yet stored (the reserve operation passes it).
func (m *Model) recomputeTimeline(ctx context.Context, tx storage.Tx, ref offer.Ref,
	now int64, reservationOverride *storage.TimelineEntry) error {
	in, gone, err := m.gatherInputs(ctx, tx, ref, now)
	if err != nil {
		return err
	}
	if gone {
		// The offer left every corpus; nothing future remains.
		if err := tx.TruncateFutureTimelineForOffer(ctx, ref.PostingOrgURL, ref.OfferID, now); err != nil {
			return status.Wrap(status.CodeStorage, "truncating timeline", err)
		}
		return nil
	}
	if reservationOverride != nil {
		in.reservation = reservationOverride
	}

	entries, err := m.desiredEntries(ctx, in, now)
	if err != nil {
		return err
	}
	entries = applyReservation(entries, in.reservation, now)

	if err := tx.TruncateFutureTimelineForOffer(ctx, ref.PostingOrgURL, ref.OfferID, now); err != nil {
		return status.Wrap(status.CodeStorage, "truncating timeline", err)
	}
	if err := tx.AddTimelineEntries(ctx, entries...); err != nil {
		return status.Wrap(status.CodeStorage, "writing timeline", err)
	}
	if m.internalChecks {
		return m.checkTimeline(ctx, tx, ref)
	}
	return nil
}

// gatherInputs loads the offer, its corpus chains and its current
// timeline. The second result is true when the offer is no longer held by
// any corpus.
func (m *Model) gatherInputs(ctx context.Context, tx storage.Tx, ref offer.Ref,
	now int64) (*timelineInputs, bool, error) {
	sources, err := tx.GetOfferSources(ctx, ref.PostingOrgURL, ref.OfferID)
	if err != nil {
		return nil, false, status.Wrap(status.CodeStorage, "reading offer sources", err)
	}
	if len(sources) == 0 {
		return nil, true, nil
	}
	o, err := tx.GetOffer(ctx, ref.PostingOrgURL, ref.OfferID, nil)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, true, nil
		}
		return nil, false, status.Wrap(status.CodeStorage, "reading offer", err)
	}

	in := &timelineInputs{
		offer:        o,
		firstListed:  now,
		rejectedOrgs: make(map[string]bool),
		sharedTo:     make(map[string]bool),
	}
	for _, src := range sources {
		row, err := tx.GetOfferFromCorpus(ctx, src, ref.PostingOrgURL, ref.OfferID)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, false, status.Wrap(status.CodeStorage, "reading corpus offer", err)
		}
		in.chains = append(in.chains, row.ReshareChain)
		if decoded, err := reshare.DecodeChain(row.ReshareChain); err == nil {
			for _, org := range decoded.RecipientOrgs() {
				in.sharedTo[org] = true
			}
		}
	}

	in.existing, err = storage.Collect(ctx,
		tx.GetTimelineForOffer(ctx, ref.PostingOrgURL, ref.OfferID, nil, nil))
	if err != nil {
		return nil, false, status.Wrap(status.CodeStorage, "reading timeline", err)
	}
	for i := range in.existing {
		e := &in.existing[i]
		if e.IsRejection {
			if e.EndTimeUTC > now {
				in.rejectedOrgs[e.TargetOrgURL] = true
			}
			continue
		}
		if e.StartTimeUTC < in.firstListed {
			in.firstListed = e.StartTimeUTC
		}
		if e.IsReservation && e.Interval().Contains(now) && in.reservation == nil {
			res := *e
			in.reservation = &res
		}
	}
	return in, false, nil
}

// desiredEntries computes the future timeline entries before reservation
// handling: the host's own listing plus the policy's listings.
func (m *Model) desiredEntries(ctx context.Context, in *timelineInputs, now int64) ([]storage.TimelineEntry, error) {
	o := in.offer
	bounds := interval.New(now, o.OfferExpirationUTC)
	var entries []storage.TimelineEntry

	newEntry := func(target string, iv interval.Interval, chain reshare.Chain) storage.TimelineEntry {
		return storage.TimelineEntry{
			PostingOrgURL:  o.OfferedBy,
			OfferID:        o.ID,
			OfferUpdateUTC: o.LastUpdateUTC(),
			TargetOrgURL:   target,
			StartTimeUTC:   iv.StartUTC,
			EndTimeUTC:     iv.EndUTC,
			ReshareChain:   chain,
		}
	}

	// The host's own listing, so the node can accept offers it ingested.
	if !bounds.IsEmpty() && !in.rejectedOrgs[m.host] {
		localChain, ok := m.localAcceptChain(in)
		if ok {
			entries = append(entries, newEntry(m.host, bounds, localChain))
		}
	}

	reshareRoot, canReshare := m.bestReshareRoot(in)

	listings, err := m.policy.Listings(ctx, o, in.firstListed, now, in.rejectedOrgs, in.sharedTo)
	if err != nil {
		return nil, status.Wrap(status.CodeInternal, "listing policy failed", err)
	}
	for _, l := range listings {
		if l.OrgURL == m.host {
			continue
		}
		iv, ok := interval.Trim(l.Interval, bounds)
		if !ok {
			continue
		}
		if l.OrgURL == listing.Wildcard {
			if !canReshare {
				continue
			}
			entries = append(entries, newEntry(listing.Wildcard, iv, nil))
			continue
		}
		if !canReshare {
			continue
		}
		chain, err := m.signer.ExtendChain(ctx, reshare.LinkRequest{
			Base:            reshareRoot,
			RecipientOrgURL: l.OrgURL,
			Scopes:          l.Scopes,
			Entitlements:    o.ID,
		})
		if err != nil {
			return nil, err
		}
		entries = append(entries, newEntry(l.OrgURL, iv, chain))
	}
	return entries, nil
}

// localAcceptChain returns the chain the host's own listing carries. The
// second result is false when no corpus entry entitles the host to accept.
func (m *Model) localAcceptChain(in *timelineInputs) (reshare.Chain, bool) {
	if in.offer.OfferedBy == m.host {
		return nil, true
	}
	var best reshare.Chain
	found := false
	for _, chain := range in.chains {
		if chain.IsEmpty() {
			// A direct share from the posting organization.
			return nil, true
		}
		decoded, err := reshare.DecodeChain(chain)
		if err != nil {
			continue
		}
		if decoded.FinalSubject() != m.host || !decoded.HasFinalScope(reshare.ScopeAccept) {
			continue
		}
		if !found || len(chain) < len(best) {
			best = chain
			found = true
		}
	}
	return best, found
}

// bestReshareRoot returns the chain new listings extend. The second result
// is false when the host may not share the offer onward.
func (m *Model) bestReshareRoot(in *timelineInputs) (reshare.Chain, bool) {
	if in.offer.OfferedBy == m.host {
		return nil, true
	}
	var best reshare.Chain
	found := false
	for _, chain := range in.chains {
		if chain.IsEmpty() {
			continue
		}
		decoded, err := reshare.DecodeChain(chain)
		if err != nil {
			continue
		}
		if decoded.FinalSubject() != m.host || !decoded.HasFinalScope(reshare.ScopeReshare) {
			continue
		}
		if !found || len(chain) < len(best) {
			best = chain
			found = true
		}
	}
	return best, found
}

// applyReservation carries a live reservation into the recomputed entries:
// the holder keeps an exclusive window and every other listing is clipped
// around it.
func applyReservation(entries []storage.TimelineEntry, res *storage.TimelineEntry,
	now int64) []storage.TimelineEntry {
	if res == nil {
		return entries
	}
	holder := res.TargetOrgURL

	// The reservation survives only while its holder still has a listing
	// covering now, explicit or wildcard.
	var holderEntry *storage.TimelineEntry
	for i := range entries {
		e := &entries[i]
		if !e.Interval().Contains(now) {
			continue
		}
		if e.TargetOrgURL == holder {
			holderEntry = e
			break
		}
		if e.TargetOrgURL == listing.Wildcard && holderEntry == nil {
			holderEntry = e
		}
	}
	if holderEntry == nil {
		return entries
	}
	resIv, ok := interval.Intersect(
		interval.New(now, res.EndTimeUTC), holderEntry.Interval())
	if !ok {
		return entries
	}

	reservation := storage.TimelineEntry{
		PostingOrgURL:  holderEntry.PostingOrgURL,
		OfferID:        holderEntry.OfferID,
		OfferUpdateUTC: holderEntry.OfferUpdateUTC,
		TargetOrgURL:   holder,
		StartTimeUTC:   resIv.StartUTC,
		EndTimeUTC:     resIv.EndUTC,
		IsReservation:  true,
		ReshareChain:   holderEntry.ReshareChain,
	}
	if holderEntry.TargetOrgURL == listing.Wildcard {
		reservation.ReshareChain = nil
	}

	out := []storage.TimelineEntry{reservation}
	for i := range entries {
		e := entries[i]
		pieces := interval.Subtract(e.Interval(), resIv)
		if e.TargetOrgURL == holder && e.TargetOrgURL != listing.Wildcard {
			// The holder's plain listing resumes after the reservation.
			for _, p := range pieces {
				if p.StartUTC >= resIv.EndUTC {
					clipped := e
					clipped.SetInterval(p)
					out = append(out, clipped)
				}
			}
			continue
		}
		for _, p := range pieces {
			clipped := e
			clipped.SetInterval(p)
			out = append(out, clipped)
		}
	}
	return out
}

// checkTimeline verifies the stored timeline invariants: no two
// non-rejection entries for the same target overlap, and reservations do
// not overlap each other.
func (m *Model) checkTimeline(ctx context.Context, tx storage.Tx, ref offer.Ref) error {
	entries, err := storage.Collect(ctx,
		tx.GetTimelineForOffer(ctx, ref.PostingOrgURL, ref.OfferID, nil, nil))
	if err != nil {
		return status.Wrap(status.CodeStorage, "reading timeline for checks", err)
	}
	for i := range entries {
		if entries[i].IsRejection {
			continue
		}
		for j := i + 1; j < len(entries); j++ {
			if entries[j].IsRejection {
				continue
			}
			if !entries[i].Interval().Overlaps(entries[j].Interval()) {
				continue
			}
			if entries[i].TargetOrgURL == entries[j].TargetOrgURL {
				return status.Newf(status.CodeCheckTimelineOverlap,
					"offer %s lists %s twice over overlapping windows",
					ref.Key(), entries[i].TargetOrgURL)
			}
			if entries[i].IsReservation && entries[j].IsReservation {
				return status.Newf(status.CodeCheckMultipleReservation,
					"offer %s reserved concurrently by %s and %s",
					ref.Key(), entries[i].TargetOrgURL, entries[j].TargetOrgURL)
			}
		}
	}
	return nil
}
