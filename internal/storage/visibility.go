package storage

import (
	"sort"

	"github.com/LeJamon/goOPRd/internal/core/listing"
)

// ResolveVisible picks the timeline entry granting viewerOrgURL visibility
// of one offer at instant t, from all of that offer's entries.
//
// Rules: a live rejection entry by the viewer suppresses the offer
// entirely; otherwise the live non-rejection entry targeting the viewer
// exactly wins over a wildcard entry; among equals a reservation entry
// wins, then the latest start time. The second result is false when
// nothing grants visibility.
func ResolveVisible(entries []TimelineEntry, viewerOrgURL string, t int64) (TimelineEntry, bool) {
	var best *TimelineEntry
	for i := range entries {
		e := &entries[i]
		if !e.Interval().Contains(t) {
			continue
		}
		if e.IsRejection {
			if e.TargetOrgURL == viewerOrgURL {
				return TimelineEntry{}, false
			}
			continue
		}
		if e.TargetOrgURL != viewerOrgURL && e.TargetOrgURL != listing.Wildcard {
			continue
		}
		if best == nil || strongerEntry(e, best, viewerOrgURL) {
			best = e
		}
	}
	if best == nil {
		return TimelineEntry{}, false
	}
	return *best, true
}

// strongerEntry reports whether a beats b for the viewer.
func strongerEntry(a, b *TimelineEntry, viewerOrgURL string) bool {
	aExplicit := a.TargetOrgURL == viewerOrgURL
	bExplicit := b.TargetOrgURL == viewerOrgURL
	if aExplicit != bExplicit {
		return aExplicit
	}
	if a.IsReservation != b.IsReservation {
		return a.IsReservation
	}
	return a.StartTimeUTC > b.StartTimeUTC
}

// visibleKey identifies a VisibleOffer's offer.
func visibleKey(v VisibleOffer) string {
	return v.Entry.Ref().Key()
}

// ChangedOffersBetween diffs two resolved visibility snapshots of the same
// viewer. Offers only in the old snapshot produce Old-only pairs, offers
// only in the new one New-only pairs, and offers whose visible version
// changed produce both. Entries whose only difference is the attached
// reshare chain are not reported: chains are re-signed on every timeline
// recomputation and chain churn is not an offer change. Results are
// ordered by (postingOrgUrl, offerId); offers carry their entry's chain.
func ChangedOffersBetween(old, new []VisibleOffer) []ChangedOffer {
	oldByKey := make(map[string]VisibleOffer, len(old))
	for _, v := range old {
		oldByKey[visibleKey(v)] = v
	}
	newByKey := make(map[string]VisibleOffer, len(new))
	for _, v := range new {
		newByKey[visibleKey(v)] = v
	}
	keys := make([]string, 0, len(oldByKey)+len(newByKey))
	seen := make(map[string]bool, len(oldByKey)+len(newByKey))
	for k := range oldByKey {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range newByKey {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []ChangedOffer
	for _, k := range keys {
		o, inOld := oldByKey[k]
		n, inNew := newByKey[k]
		switch {
		case inOld && !inNew:
			out = append(out, ChangedOffer{Old: o.Offer.WithChain(o.Entry.ReshareChain)})
		case !inOld && inNew:
			out = append(out, ChangedOffer{New: n.Offer.WithChain(n.Entry.ReshareChain)})
		case o.Entry.OfferUpdateUTC != n.Entry.OfferUpdateUTC:
			out = append(out, ChangedOffer{
				Old: o.Offer.WithChain(o.Entry.ReshareChain),
				New: n.Offer.WithChain(n.Entry.ReshareChain),
			})
		}
	}
	return out
}
