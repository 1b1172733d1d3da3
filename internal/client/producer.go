package client

import (
	"context"

	"github.com/LeJamon/goOPRd/internal/core/feed"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/offerpatch"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
)

// defaultMaxPages bounds a paged snapshot fetch.
const defaultMaxPages = 50

// FeedProducer polls a peer's list endpoint as an offer producer: a full
// snapshot when the request carries no diff basis, otherwise a diff from
// the last committed response timestamp. The producer keeps no cursor of
// its own; the ingestor supplies it from persisted metadata, so a rolled
// back round is re-fetched instead of skipped.
type FeedProducer struct {
	client     *Client
	peerOrgURL string
	pageSize   int
	maxPages   int
}

// NewFeedProducer returns a Producer polling peerOrgURL through c.
// maxPages <= 0 uses the default page cap.
func NewFeedProducer(c *Client, peerOrgURL string, maxPages int) *FeedProducer {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &FeedProducer{client: c, peerOrgURL: peerOrgURL, maxPages: maxPages}
}

// Org implements feed.Producer.
func (p *FeedProducer) Org() string {
	return p.peerOrgURL
}

// Produce implements feed.Producer.
func (p *FeedProducer) Produce(ctx context.Context, req feed.ProduceRequest) (*wire.OfferSetUpdate, error) {
	if req.LastUpdateUTC != nil {
		return p.produceDiff(ctx, *req.LastUpdateUTC)
	}
	return p.produceSnapshot(ctx)
}

func (p *FeedProducer) produceSnapshot(ctx context.Context) (*wire.OfferSetUpdate, error) {
	var offers []*offer.Offer
	var asOf int64
	var nextReq *int64
	token := ""
	for page := 0; ; page++ {
		if page >= p.maxPages {
			return nil, status.Newf(status.CodeInternal,
				"peer %s returned more than %d pages", p.peerOrgURL, p.maxPages)
		}
		resp, err := p.client.ListOffers(ctx, p.peerOrgURL, wire.ListOffersPayload{
			PageToken:             token,
			MaxResultsPerPage:     p.pageSize,
			RequestedResultFormat: wire.FormatSnapshot,
		})
		if err != nil {
			return nil, err
		}
		offers = append(offers, resp.Offers...)
		asOf = resp.ResponseTimestampUTC
		nextReq = resp.EarliestNextRequestUTC
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	if offers == nil {
		offers = []*offer.Offer{}
	}
	return &wire.OfferSetUpdate{
		Offers:                        offers,
		SourceOrgURL:                  p.peerOrgURL,
		UpdateCurrentAsOfTimestampUTC: asOf,
		EarliestNextRequestUTC:        nextReq,
	}, nil
}

func (p *FeedProducer) produceDiff(ctx context.Context, since int64) (*wire.OfferSetUpdate, error) {
	resp, err := p.client.ListOffers(ctx, p.peerOrgURL, wire.ListOffersPayload{
		RequestedResultFormat: wire.FormatDiff,
		DiffStartTimestampUTC: &since,
	})
	if err != nil {
		return nil, err
	}
	delta := resp.Diff
	if delta == nil {
		delta = []offerpatch.Patch{}
	}
	return &wire.OfferSetUpdate{
		Delta:                         delta,
		SourceOrgURL:                  p.peerOrgURL,
		UpdateCurrentAsOfTimestampUTC: resp.ResponseTimestampUTC,
		EarliestNextRequestUTC:        resp.EarliestNextRequestUTC,
	}, nil
}

var _ feed.Producer = (*FeedProducer)(nil)
