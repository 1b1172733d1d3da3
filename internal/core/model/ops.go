package model

import (
	"context"

	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/offerpatch"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// List serves one LIST request for viewerOrgURL.
func (m *Model) List(ctx context.Context, viewerOrgURL string,
	payload wire.ListOffersPayload) (*wire.ListOffersResponse, error) {
	now := m.clk.Now()
	asOf := now
	skip := 0
	if payload.PageToken != "" {
		token, err := wire.DecodePageToken(payload.PageToken)
		if err != nil {
			return nil, err
		}
		skip = token.Skip
		asOf = token.AsOfUTC
	}

	var resp *wire.ListOffersResponse
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadOnly,
		func(ctx context.Context, tx storage.Tx) error {
			var err error
			if payload.Format() == wire.FormatDiff {
				resp, err = m.listDiff(ctx, tx, viewerOrgURL, payload, asOf)
			} else {
				resp, err = m.listSnapshot(ctx, tx, viewerOrgURL, payload, asOf, skip)
			}
			return err
		})
	if err != nil {
		return nil, err
	}
	if m.nextReqMillis > 0 {
		hint := now + m.nextReqMillis
		resp.EarliestNextRequestUTC = &hint
	}
	return resp, nil
}

func (m *Model) listSnapshot(ctx context.Context, tx storage.Tx, viewerOrgURL string,
	payload wire.ListOffersPayload, asOf int64, skip int) (*wire.ListOffersResponse, error) {
	limit := payload.MaxResultsPerPage
	if limit <= 0 {
		limit = defaultPageSize
	}
	// One extra row decides whether another page exists.
	visible, err := storage.Collect(ctx,
		tx.GetOffersAtTime(ctx, viewerOrgURL, asOf, skip, limit+1))
	if err != nil {
		return nil, status.Wrap(status.CodeStorage, "resolving visible offers", err)
	}
	resp := &wire.ListOffersResponse{
		ResponseTimestampUTC: asOf,
		ResultFormat:         wire.FormatSnapshot,
	}
	if len(visible) > limit {
		visible = visible[:limit]
		resp.NextPageToken = wire.PageToken{Skip: skip + limit, AsOfUTC: asOf}.Encode()
	}
	for _, v := range visible {
		resp.Offers = append(resp.Offers, v.Offer.WithChain(v.Entry.ReshareChain))
	}
	return resp, nil
}

func (m *Model) listDiff(ctx context.Context, tx storage.Tx, viewerOrgURL string,
	payload wire.ListOffersPayload, asOf int64) (*wire.ListOffersResponse, error) {
	if payload.DiffStartTimestampUTC == nil {
		return nil, status.New(status.CodeBadRequest,
			"DIFF requests need diffStartTimestampUTC")
	}
	t0 := *payload.DiffStartTimestampUTC
	resp := &wire.ListOffersResponse{
		ResponseTimestampUTC: asOf,
		ResultFormat:         wire.FormatDiff,
	}

	probe, err := storage.Collect(ctx, tx.GetOffersAtTime(ctx, viewerOrgURL, t0, 0, 1))
	if err != nil {
		return nil, status.Wrap(status.CodeStorage, "resolving earlier offer set", err)
	}
	if len(probe) == 0 {
		// Nothing was visible at t0: the diff rebuilds from scratch.
		resp.Diff = append(resp.Diff, offerpatch.NewClear())
		current, err := storage.Collect(ctx, tx.GetOffersAtTime(ctx, viewerOrgURL, asOf, 0, 0))
		if err != nil {
			return nil, status.Wrap(status.CodeStorage, "resolving visible offers", err)
		}
		for _, v := range current {
			p, err := offerpatch.NewAdd(v.Offer.WithChain(v.Entry.ReshareChain))
			if err != nil {
				return nil, status.Wrap(status.CodeInternal, "building diff", err)
			}
			resp.Diff = append(resp.Diff, p)
		}
		return resp, nil
	}

	changed, err := storage.Collect(ctx, tx.GetChangedOffers(ctx, viewerOrgURL, t0, asOf))
	if err != nil {
		return nil, status.Wrap(status.CodeStorage, "diffing visible offers", err)
	}
	for _, c := range changed {
		switch {
		case c.Old != nil && c.New == nil:
			p, err := offerpatch.NewRemove(c.Old.VersionedRef())
			if err != nil {
				return nil, status.Wrap(status.CodeInternal, "building diff", err)
			}
			resp.Diff = append(resp.Diff, p)
		case c.Old == nil && c.New != nil:
			p, err := offerpatch.NewAdd(c.New)
			if err != nil {
				return nil, status.Wrap(status.CodeInternal, "building diff", err)
			}
			resp.Diff = append(resp.Diff, p)
		default:
			p, different, err := offerpatch.DiffOffer(c.Old, c.New)
			if err != nil {
				return nil, status.Wrap(status.CodeInternal, "building diff", err)
			}
			if different {
				resp.Diff = append(resp.Diff, p)
			}
		}
	}
	return resp, nil
}

// resolveForViewer finds the offer a viewer-facing operation targets. An
// empty posting org searches the viewer's visible set by offer id.
func (m *Model) resolveForViewer(ctx context.Context, tx storage.Tx, viewerOrgURL,
	postingOrgURL, offerID string, now int64) (*storage.VisibleOffer, error) {
	if offerID == "" {
		return nil, status.New(status.CodeBadRequest, "request names no offer id")
	}
	if postingOrgURL != "" {
		v, err := tx.GetOfferAtTime(ctx, viewerOrgURL, postingOrgURL, offerID, now)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, status.Newf(status.CodeNoAvailableOffer,
					"no offer %s#%s is available to %s", postingOrgURL, offerID, viewerOrgURL)
			}
			return nil, status.Wrap(status.CodeStorage, "resolving offer", err)
		}
		return v, nil
	}
	it := tx.GetOffersAtTime(ctx, viewerOrgURL, now, 0, 0)
	defer it.Close()
	for {
		v, ok, err := it.Next(ctx)
		if err != nil {
			return nil, status.Wrap(status.CodeStorage, "resolving offer", err)
		}
		if !ok {
			return nil, status.Newf(status.CodeNoAvailableOffer,
				"no offer %s is available to %s", offerID, viewerOrgURL)
		}
		if v.Offer.ID == offerID {
			return &v, nil
		}
	}
}

// Accept accepts an offer on behalf of acceptingOrgURL.
func (m *Model) Accept(ctx context.Context, acceptingOrgURL string,
	payload wire.AcceptOfferPayload) (*wire.AcceptOfferResponse, error) {
	now := m.clk.Now()
	var accepted *offer.Offer
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			v, err := m.resolveForViewer(ctx, tx, acceptingOrgURL,
				payload.PostingOrgURL, payload.OfferID, now)
			if err != nil {
				return err
			}
			if payload.IfNotNewerThanTimestampUTC != nil &&
				v.Offer.LastUpdateUTC() > *payload.IfNotNewerThanTimestampUTC {
				return status.Newf(status.CodeOfferHasChanged,
					"offer %s changed at %d", v.Offer.Key(), v.Offer.LastUpdateUTC()).
					WithDetail("currentOffer", v.Offer.WithChain(v.Entry.ReshareChain))
			}

			var decoded reshare.DecodedChain
			if len(payload.ReshareChain) > 0 {
				decoded, err = m.verifier.VerifyChain(ctx, payload.ReshareChain,
					reshare.Expectations{
						InitialIssuer:      v.Offer.OfferedBy,
						FinalSubject:       acceptingOrgURL,
						InitialEntitlement: v.Offer.ID,
						FinalScope:         reshare.ScopeAccept,
					})
				if err != nil {
					return err
				}
			} else if len(v.Entry.ReshareChain) > 0 {
				decoded, err = reshare.DecodeChain(v.Entry.ReshareChain)
				if err != nil {
					return status.Wrap(status.CodeInvalidChain, "stored chain does not decode", err)
				}
			}

			if err := tx.WriteAccept(ctx, acceptingOrgURL, v.Offer, now, decoded); err != nil {
				return status.Wrap(status.CodeStorage, "recording acceptance", err)
			}
			ref := v.Entry.Ref()
			if err := tx.TruncateFutureTimelineForOffer(ctx, ref.PostingOrgURL,
				ref.OfferID, now); err != nil {
				return status.Wrap(status.CodeStorage, "closing timeline", err)
			}
			accepted = v.Offer.WithChain(v.Entry.ReshareChain)
			return nil
		})
	if err != nil {
		return nil, err
	}
	m.publish(ctx, []bus.Change{{
		Type:         bus.ChangeAccept,
		TimestampUTC: now,
		HostOrgURL:   m.host,
		Offer:        accepted,
		ActorOrgURL:  acceptingOrgURL,
	}})
	return &wire.AcceptOfferResponse{Offer: accepted}, nil
}

// Reject rejects an offer for rejectingOrgURL: the offer stops being
// visible to that organization until it expires. Rejecting an offer twice
// is a no-op.
func (m *Model) Reject(ctx context.Context, rejectingOrgURL string,
	payload wire.RejectOfferPayload) (*wire.RejectOfferResponse, error) {
	now := m.clk.Now()
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			if payload.PostingOrgURL != "" {
				rejected, err := m.alreadyRejected(ctx, tx, rejectingOrgURL,
					payload.PostingOrgURL, payload.OfferID, now)
				if err != nil {
					return err
				}
				if rejected {
					return nil
				}
			}
			v, err := m.resolveForViewer(ctx, tx, rejectingOrgURL,
				payload.PostingOrgURL, payload.OfferID, now)
			if err != nil {
				return err
			}
			ref := v.Entry.Ref()
			if err := tx.WriteReject(ctx, rejectingOrgURL, ref.PostingOrgURL,
				ref.OfferID, now, v.Offer.OfferExpirationUTC); err != nil {
				return status.Wrap(status.CodeStorage, "recording rejection", err)
			}
			return m.recomputeTimeline(ctx, tx, ref, now, nil)
		})
	if err != nil {
		return nil, err
	}
	return &wire.RejectOfferResponse{}, nil
}

func (m *Model) alreadyRejected(ctx context.Context, tx storage.Tx, orgURL,
	postingOrgURL, offerID string, now int64) (bool, error) {
	entries, err := storage.Collect(ctx,
		tx.GetTimelineForOffer(ctx, postingOrgURL, offerID, nil, &orgURL))
	if err != nil {
		return false, status.Wrap(status.CodeStorage, "reading timeline", err)
	}
	for _, e := range entries {
		if e.IsRejection && e.EndTimeUTC > now {
			return true, nil
		}
	}
	return false, nil
}

// Reserve grants reservingOrgURL an exclusive window on an offer. During
// the window no other organization sees the offer; afterwards the other
// listings resume.
func (m *Model) Reserve(ctx context.Context, reservingOrgURL string,
	payload wire.ReserveOfferPayload) (*wire.ReserveOfferResponse, error) {
	if payload.RequestedReservationSecs <= 0 {
		return nil, status.New(status.CodeBadRequest,
			"requestedReservationSecs must be positive")
	}
	now := m.clk.Now()
	var resp *wire.ReserveOfferResponse
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			v, err := m.resolveForViewer(ctx, tx, reservingOrgURL,
				payload.PostingOrgURL, payload.OfferID, now)
			if err != nil {
				return err
			}
			secs := payload.RequestedReservationSecs
			if max := v.Offer.MaxReservationTimeSecs; max > 0 && secs > max {
				secs = max
			}
			end := now + secs*1000
			if end > v.Entry.EndTimeUTC {
				end = v.Entry.EndTimeUTC
			}
			ref := v.Entry.Ref()
			override := &storage.TimelineEntry{
				PostingOrgURL:  ref.PostingOrgURL,
				OfferID:        ref.OfferID,
				OfferUpdateUTC: v.Offer.LastUpdateUTC(),
				TargetOrgURL:   reservingOrgURL,
				StartTimeUTC:   now,
				EndTimeUTC:     end,
				IsReservation:  true,
			}
			if err := m.recomputeTimeline(ctx, tx, ref, now, override); err != nil {
				return err
			}
			resp = &wire.ReserveOfferResponse{
				Offer:                    v.Offer.WithChain(v.Entry.ReshareChain),
				ReservationExpirationUTC: end,
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// History returns the acceptance records visible to viewerOrgURL, oldest
// first.
func (m *Model) History(ctx context.Context, viewerOrgURL string,
	payload wire.HistoryPayload) (*wire.HistoryResponse, error) {
	skip := 0
	asOf := m.clk.Now()
	if payload.PageToken != "" {
		token, err := wire.DecodePageToken(payload.PageToken)
		if err != nil {
			return nil, err
		}
		skip = token.Skip
		asOf = token.AsOfUTC
	}
	limit := payload.MaxResultsPerPage
	if limit <= 0 {
		limit = defaultPageSize
	}

	resp := &wire.HistoryResponse{OfferHistories: []wire.OfferHistoryItem{}}
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadOnly,
		func(ctx context.Context, tx storage.Tx) error {
			records, err := storage.Collect(ctx,
				tx.GetHistory(ctx, viewerOrgURL, payload.HistorySinceUTC, skip))
			if err != nil {
				return status.Wrap(status.CodeStorage, "reading history", err)
			}
			if len(records) > limit {
				records = records[:limit]
				resp.NextPageToken = wire.PageToken{Skip: skip + limit, AsOfUTC: asOf}.Encode()
			}
			for _, rec := range records {
				resp.OfferHistories = append(resp.OfferHistories, wire.OfferHistoryItem{
					Offer:                 rec.Offer,
					AcceptingOrganization: rec.AcceptingOrgURL,
					AcceptedAtUTC:         rec.AcceptedAtUTC,
					DecodedReshareChain:   rec.DecodedReshareChain,
				})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
