// Package feed runs offer producers: sources that periodically deliver a
// host's next offer set, locally or by polling a remote peer.
//
// Each producer is coordinated through its persisted metadata row, which
// doubles as an advisory lock, so several node instances can poll the same
// producer without duplicate ingests.
package feed

import (
	"context"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/wire"
)

// ProduceRequest carries the context of one producer run.
type ProduceRequest struct {
	// LastUpdateUTC is the timestamp of the producer's last successful
	// run, when one exists. DIFF-capable producers use it to request
	// patches instead of a full snapshot.
	LastUpdateUTC *int64
}

// Producer delivers offer set updates for one source organization.
type Producer interface {
	// Org returns the organization URL the producer speaks for.
	Org() string
	// Produce returns the next offer set update.
	Produce(ctx context.Context, req ProduceRequest) (*wire.OfferSetUpdate, error)
}

// SourceFunc returns the current full offer set of a local source.
type SourceFunc func(ctx context.Context) ([]*offer.Offer, error)

// LocalProducer adapts an in-process offer source to the Producer
// interface. Every run delivers a full snapshot.
type LocalProducer struct {
	orgURL string
	source SourceFunc
	clk    clock.Clock
}

// NewLocalProducer returns a Producer reading offers from source on
// behalf of orgURL.
func NewLocalProducer(orgURL string, source SourceFunc, clk clock.Clock) *LocalProducer {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &LocalProducer{orgURL: orgURL, source: source, clk: clk}
}

// Org implements Producer.
func (p *LocalProducer) Org() string {
	return p.orgURL
}

// Produce implements Producer.
func (p *LocalProducer) Produce(ctx context.Context, req ProduceRequest) (*wire.OfferSetUpdate, error) {
	offers, err := p.source(ctx)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []*offer.Offer{}
	}
	return &wire.OfferSetUpdate{
		Offers:                        offers,
		SourceOrgURL:                  p.orgURL,
		UpdateCurrentAsOfTimestampUTC: p.clk.Now(),
	}, nil
}

var _ Producer = (*LocalProducer)(nil)
