// Package storage defines the transactional persistence interface of the
// node. Two backends implement it: sqlstore (database/sql over sqlite or
// postgres) and pebblestore (embedded pebble, file-backed or in-memory).
//
// Every record is scoped to a host organization. A transaction is opened
// for one host and all its operations are implicitly host-scoped. Writes
// within a host are serializable: concurrent read-write transactions on
// the same host do not interleave.
package storage

import (
	"context"
	"encoding/json"

	"github.com/LeJamon/goOPRd/internal/core/interval"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
)

// UpdateType describes the host-wide effect of a corpus mutation. The
// host-wide visible version of an offer is the newest version across every
// producer's latest corpus; a mutation of one corpus may or may not change
// it.
type UpdateType int

const (
	// UpdateNone means the visible offer set did not change.
	UpdateNone UpdateType = iota
	// UpdateAdd means the offer became visible on the host.
	UpdateAdd
	// UpdateUpdate means a different version became the visible one.
	UpdateUpdate
	// UpdateDelete means the offer disappeared from the host.
	UpdateDelete
)

// String returns a human-readable representation of the update type.
func (t UpdateType) String() string {
	switch t {
	case UpdateNone:
		return "NONE"
	case UpdateAdd:
		return "ADD"
	case UpdateUpdate:
		return "UPDATE"
	case UpdateDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// TxType selects the access mode of a transaction.
type TxType int

const (
	// TxReadOnly transactions may not write.
	TxReadOnly TxType = iota
	// TxReadWrite transactions are serializable per host.
	TxReadWrite
)

// KeyValue is one entry of the per-host key-value area.
type KeyValue struct {
	Key   string
	Value json.RawMessage
}

// CorpusOffer is one offer held by a producer's latest corpus.
type CorpusOffer struct {
	ProducerOrgURL string
	Offer          *offer.Offer
	ReshareChain   reshare.Chain
}

// TimelineEntry grants one organization visibility of one offer version
// over a half-open interval, or records a rejection.
type TimelineEntry struct {
	PostingOrgURL  string
	OfferID        string
	OfferUpdateUTC int64
	// TargetOrgURL is the organization the entry applies to, or "*".
	TargetOrgURL string
	StartTimeUTC int64
	EndTimeUTC   int64
	// IsReservation marks the exclusive window of a reserving org.
	IsReservation bool
	// IsRejection records that TargetOrgURL rejected the offer. Rejection
	// entries suppress visibility instead of granting it.
	IsRejection bool
	// ReshareChain carried by the listing, when the target needs one.
	ReshareChain reshare.Chain
}

// Ref returns the identifier of the offer the entry concerns.
func (e *TimelineEntry) Ref() offer.Ref {
	return offer.Ref{OfferID: e.OfferID, PostingOrgURL: e.PostingOrgURL}
}

// Interval returns the entry's time window.
func (e *TimelineEntry) Interval() interval.Interval {
	return interval.Interval{StartUTC: e.StartTimeUTC, EndUTC: e.EndTimeUTC}
}

// SetInterval replaces the entry's time window.
func (e *TimelineEntry) SetInterval(iv interval.Interval) {
	e.StartTimeUTC = iv.StartUTC
	e.EndTimeUTC = iv.EndUTC
}

var _ interval.Intervaled = (*TimelineEntry)(nil)

// VisibleOffer is an offer resolved for a viewer at an instant, together
// with the timeline entry that granted visibility.
type VisibleOffer struct {
	Offer *offer.Offer
	Entry TimelineEntry
}

// ChangedOffer is one element of a visibility diff between two instants.
// Old is nil for offers that appeared, New is nil for offers that
// disappeared. Both carry the reshare chain of their timeline entries.
type ChangedOffer struct {
	Old *offer.Offer
	New *offer.Offer
}

// Acceptance records that an organization accepted one offer version.
type Acceptance struct {
	PostingOrgURL   string
	OfferID         string
	OfferUpdateUTC  int64
	AcceptingOrgURL string
	AcceptedAtUTC   int64
	// DecodedReshareChain the acceptor presented, when the offer reached
	// this host through intermediaries.
	DecodedReshareChain reshare.DecodedChain
	// ViewerOrgURLs are the organizations allowed to see this record:
	// the host, the acceptor and every sharing org of the chain.
	ViewerOrgURLs []string
	// Offer is the accepted snapshot.
	Offer *offer.Offer
}

// ProducerMetadata is the advisory-lock row coordinating ingest runs for
// one producer.
type ProducerMetadata struct {
	OrganizationURL string
	// NextRunUTC is the earliest instant the next ingest run may start.
	NextRunUTC int64
	// LastUpdateUTC is when the metadata was last written.
	LastUpdateUTC int64
	// FailureCount counts consecutive failed runs, for backoff.
	FailureCount int
}

// KnownOfferingOrg records an organization whose offers this host has
// seen.
type KnownOfferingOrg struct {
	OrgURL      string
	LastSeenUTC int64
}

// Storage is the node's persistence layer.
type Storage interface {
	// Open prepares the backend (connects, creates schema).
	Open(ctx context.Context) error
	// Close releases the backend.
	Close(ctx context.Context) error
	// RunTransaction runs fn inside a transaction scoped to hostOrgURL.
	// The transaction commits when fn returns nil and rolls back when fn
	// returns an error or panics.
	RunTransaction(ctx context.Context, hostOrgURL string, typ TxType,
		fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a transaction. All
// operations are scoped to the transaction's host organization.
type Tx interface {
	// --- key-value area ---

	// StoreValue stores value under key, replacing any previous value.
	StoreValue(ctx context.Context, key string, value json.RawMessage) error
	// ClearAllValues deletes every value whose key starts with keyPrefix
	// and returns how many were deleted.
	ClearAllValues(ctx context.Context, keyPrefix string) (int, error)
	// GetValues returns the values whose keys start with keyPrefix, in
	// key order.
	GetValues(ctx context.Context, keyPrefix string) Iterator[KeyValue]

	// --- corpus ---

	// BeginCorpus demotes producerOrgURL's latest corpus and starts a new
	// empty latest corpus recorded at recordedAtUTC.
	BeginCorpus(ctx context.Context, producerOrgURL string, recordedAtUTC int64) error
	// InsertOrUpdateOfferInCorpus puts o (with its chain) into the
	// producer's latest corpus and reports the host-wide effect.
	InsertOrUpdateOfferInCorpus(ctx context.Context, producerOrgURL string,
		o *offer.Offer, chain reshare.Chain) (UpdateType, error)
	// DeleteOfferInCorpus removes the offer from the producer's latest
	// corpus and reports the host-wide effect.
	DeleteOfferInCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
		offerID string) (UpdateType, error)
	// GetOfferFromCorpus returns the offer as held by the producer's
	// latest corpus. ErrNotFound when the corpus does not hold it.
	GetOfferFromCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
		offerID string) (*CorpusOffer, error)
	// GetOffer returns the stored snapshot of an offer. With updateUTC
	// nil it returns the newest visible version.
	GetOffer(ctx context.Context, postingOrgURL, offerID string,
		updateUTC *int64) (*offer.Offer, error)
	// GetOfferSources returns the producer orgs whose latest corpora hold
	// the offer.
	GetOfferSources(ctx context.Context, postingOrgURL, offerID string) ([]string, error)
	// GetCorpusOffers returns the producer's latest corpus ordered by
	// (postingOrgUrl, offerId), skipping the first skip entries.
	GetCorpusOffers(ctx context.Context, producerOrgURL string, skip int) Iterator[CorpusOffer]

	// --- timeline ---

	// GetTimelineForOffer returns the offer's timeline entries, in
	// (startTimeUTC, targetOrgUrl) order. within restricts to entries
	// overlapping the interval; targetOrgURL restricts to one target
	// (exact match, no wildcard logic).
	GetTimelineForOffer(ctx context.Context, postingOrgURL, offerID string,
		within *interval.Interval, targetOrgURL *string) Iterator[TimelineEntry]
	// AddTimelineEntries appends entries. Empty intervals are ignored.
	AddTimelineEntries(ctx context.Context, entries ...TimelineEntry) error
	// TruncateFutureTimelineForOffer deletes non-rejection entries that
	// start at or after t and clips entries spanning t to end at t.
	// Rejection entries are preserved.
	TruncateFutureTimelineForOffer(ctx context.Context, postingOrgURL,
		offerID string, t int64) error

	// --- visibility ---

	// GetOffersAtTime resolves the offers visible to viewerOrgURL at t,
	// ordered by (postingOrgUrl, offerId). An offer is visible through
	// the single live non-rejection entry targeting the viewer exactly
	// or, failing that, the wildcard; offers the viewer rejected are
	// suppressed. limit <= 0 means no limit.
	GetOffersAtTime(ctx context.Context, viewerOrgURL string, t int64,
		skip, limit int) Iterator[VisibleOffer]
	// GetOfferAtTime resolves one offer for a viewer at t. ErrNotFound
	// when the offer is not visible to the viewer.
	GetOfferAtTime(ctx context.Context, viewerOrgURL, postingOrgURL,
		offerID string, t int64) (*VisibleOffer, error)
	// GetChangedOffers returns the offers whose visible version for
	// viewerOrgURL differs between oldT and newT, ordered by
	// (postingOrgUrl, offerId).
	GetChangedOffers(ctx context.Context, viewerOrgURL string, oldT,
		newT int64) Iterator[ChangedOffer]

	// --- acceptance history ---

	// WriteAccept records the acceptance of o by acceptingOrgURL.
	WriteAccept(ctx context.Context, acceptingOrgURL string, o *offer.Offer,
		atUTC int64, chain reshare.DecodedChain) error
	// WriteReject records a rejection entry for the offer, running from
	// atUTC to untilUTC.
	WriteReject(ctx context.Context, rejectingOrgURL, postingOrgURL,
		offerID string, atUTC, untilUTC int64) error
	// GetHistory returns acceptances visible to viewerOrgURL, oldest
	// first, optionally restricted to acceptances at or after sinceUTC.
	GetHistory(ctx context.Context, viewerOrgURL string, sinceUTC *int64,
		skip int) Iterator[Acceptance]

	// --- producer metadata ---

	// WriteOfferProducerMetadata upserts md.
	WriteOfferProducerMetadata(ctx context.Context, md ProducerMetadata) error
	// GetOfferProducerMetadata reads the metadata for producerOrgURL and,
	// inside a read-write transaction, takes the producer's advisory
	// lock. A concurrent holder causes ErrProducerLocked. ErrNotFound
	// when no metadata exists yet.
	GetOfferProducerMetadata(ctx context.Context, producerOrgURL string) (*ProducerMetadata, error)

	// --- known offering orgs ---

	// AddKnownOfferingOrg upserts the org with its last-seen time.
	AddKnownOfferingOrg(ctx context.Context, orgURL string, lastSeenUTC int64) error
	// GetKnownOfferingOrgs returns every known offering org in URL order.
	GetKnownOfferingOrgs(ctx context.Context) Iterator[KnownOfferingOrg]
}
