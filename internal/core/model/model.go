// Package model implements the offer model: the orchestrator that turns
// producer updates into corpus mutations and timeline recomputations, and
// serves the viewer-facing operations (list, accept, reject, reserve,
// history).
//
// A Model instance serves one host organization. Every operation runs
// inside a storage transaction; change events staged during the
// transaction are published on the bus only after commit.
package model

import (
	"context"
	"sort"

	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/listing"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/offerpatch"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// defaultPageSize bounds LIST and HISTORY pages when the caller names no
// page size.
const defaultPageSize = 100

// Config assembles a Model for one host organization.
type Config struct {
	// HostOrgURL is the organization this model serves.
	HostOrgURL string
	// Storage is the persistence backend.
	Storage storage.Storage
	// Clock supplies the current time. Defaults to the system clock.
	Clock clock.Clock
	// Signer signs reshare chain links as the host. Required.
	Signer reshare.Signer
	// Verifier checks reshare chains presented at ingest and accept time.
	// Required.
	Verifier *reshare.Verifier
	// Policy decides which organizations offers are listed to. Defaults to
	// the wildcard universal policy.
	Policy listing.Policy
	// Bus receives change events after commit. Defaults to a fresh bus.
	Bus *bus.Bus
	// Logger defaults to the standard logger.
	Logger logging.Logger
	// InternalChecks enables timeline consistency verification after each
	// recomputation.
	InternalChecks bool
	// EarliestNextRequestMillis, when positive, is the polling hint
	// attached to LIST responses: callers should not list again before
	// now + this many milliseconds.
	EarliestNextRequestMillis int64
}

// Model is the offer model of one host organization.
type Model struct {
	host           string
	store          storage.Storage
	clk            clock.Clock
	signer         reshare.Signer
	verifier       *reshare.Verifier
	policy         listing.Policy
	bus            *bus.Bus
	logger         logging.Logger
	internalChecks bool
	nextReqMillis  int64
}

// New validates cfg and returns the model.
func New(cfg Config) (*Model, error) {
	if cfg.HostOrgURL == "" {
		return nil, status.New(status.CodeConfig, "model has no host organization URL")
	}
	if cfg.Storage == nil {
		return nil, status.New(status.CodeConfig, "model has no storage")
	}
	if cfg.Signer == nil {
		return nil, status.New(status.CodeConfig, "model has no chain signer")
	}
	if cfg.Verifier == nil {
		return nil, status.New(status.CodeConfig, "model has no chain verifier")
	}
	m := &Model{
		host:           cfg.HostOrgURL,
		store:          cfg.Storage,
		clk:            cfg.Clock,
		signer:         cfg.Signer,
		verifier:       cfg.Verifier,
		policy:         cfg.Policy,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		internalChecks: cfg.InternalChecks,
		nextReqMillis:  cfg.EarliestNextRequestMillis,
	}
	if m.clk == nil {
		m.clk = clock.NewSystemClock()
	}
	if m.policy == nil {
		m.policy = listing.NewUniversalPolicy(0)
	}
	if m.bus == nil {
		m.bus = bus.New()
	}
	if m.logger == nil {
		m.logger = logging.NewDefaultLogger()
	}
	return m, nil
}

// HostOrgURL returns the organization the model serves.
func (m *Model) HostOrgURL() string {
	return m.host
}

// HandleChanges registers fn on the model's change bus.
func (m *Model) HandleChanges(fn bus.Handler) *bus.Registration {
	return m.bus.Handle(fn)
}

// publish delivers staged changes after a committed transaction.
func (m *Model) publish(ctx context.Context, changes []bus.Change) {
	for _, c := range changes {
		m.bus.Publish(ctx, c)
	}
}

// PublishChanges delivers change events staged by UpdateInTx once the
// surrounding transaction has committed.
func (m *Model) PublishChanges(ctx context.Context, changes []bus.Change) {
	m.publish(ctx, changes)
}

// Update applies one producer update in its own transaction and publishes
// the resulting change events.
func (m *Model) Update(ctx context.Context, producerOrgURL string, update *wire.OfferSetUpdate) error {
	var changes []bus.Change
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			var err error
			changes, err = m.UpdateInTx(ctx, tx, producerOrgURL, update)
			return err
		})
	if err != nil {
		return err
	}
	m.publish(ctx, changes)
	return nil
}

// UpdateInTx applies one producer update inside an open read-write
// transaction and returns the change events to publish after commit. The
// ingest loop uses this form so the advisory-lock read, the producer
// update and the metadata write share one transaction.
func (m *Model) UpdateInTx(ctx context.Context, tx storage.Tx, producerOrgURL string,
	update *wire.OfferSetUpdate) ([]bus.Change, error) {
	now := m.clk.Now()

	oldSet, oldChains, err := m.loadCorpus(ctx, tx, producerOrgURL)
	if err != nil {
		return nil, err
	}
	hadMetadata := true
	if _, err := tx.GetOfferProducerMetadata(ctx, producerOrgURL); err != nil {
		if !storage.IsNotFound(err) {
			return nil, status.Wrap(status.CodeStorage, "reading producer metadata", err)
		}
		hadMetadata = false
	}

	newSet, err := m.buildNewSet(oldSet, oldChains, update, hadMetadata)
	if err != nil {
		return nil, err
	}
	accepted := m.filterOffers(ctx, producerOrgURL, newSet)

	if err := tx.BeginCorpus(ctx, producerOrgURL, update.UpdateCurrentAsOfTimestampUTC); err != nil {
		return nil, status.Wrap(status.CodeStorage, "starting corpus", err)
	}

	effects := make(map[string]storage.UpdateType)
	for _, key := range accepted.SortedKeys() {
		o := accepted[key]
		chain := reshare.Chain(o.ReshareChain)
		typ, err := tx.InsertOrUpdateOfferInCorpus(ctx, producerOrgURL, o, chain)
		if err != nil {
			return nil, status.Wrap(status.CodeStorage, "storing corpus offer", err)
		}
		if typ != storage.UpdateNone {
			effects[key] = typ
		}
	}
	for _, key := range oldSet.SortedKeys() {
		if _, kept := accepted[key]; kept {
			continue
		}
		ref := oldSet[key].Ref()
		typ, err := tx.DeleteOfferInCorpus(ctx, producerOrgURL, ref.PostingOrgURL, ref.OfferID)
		if err != nil {
			return nil, status.Wrap(status.CodeStorage, "deleting corpus offer", err)
		}
		if typ != storage.UpdateNone {
			effects[key] = typ
		}
	}

	var changes []bus.Change
	for _, key := range sortedEffectKeys(effects) {
		typ := effects[key]
		var ref offer.Ref
		if o, ok := accepted[key]; ok {
			ref = o.Ref()
		} else {
			ref = oldSet[key].Ref()
		}
		if err := m.recomputeTimeline(ctx, tx, ref, now, nil); err != nil {
			return nil, err
		}
		changes = append(changes, m.changeFor(typ, now, accepted[key], oldSet[key]))
	}

	for _, key := range accepted.SortedKeys() {
		if err := tx.AddKnownOfferingOrg(ctx, accepted[key].OfferedBy, now); err != nil {
			return nil, status.Wrap(status.CodeStorage, "recording offering org", err)
		}
	}

	if update.EarliestNextRequestUTC != nil {
		md := storage.ProducerMetadata{
			OrganizationURL: producerOrgURL,
			NextRunUTC:      *update.EarliestNextRequestUTC,
			LastUpdateUTC:   now,
		}
		if err := tx.WriteOfferProducerMetadata(ctx, md); err != nil {
			return nil, status.Wrap(status.CodeStorage, "writing producer metadata", err)
		}
	}
	return changes, nil
}

// loadCorpus reads the producer's current corpus into an offer set plus
// the chains its rows carry.
func (m *Model) loadCorpus(ctx context.Context, tx storage.Tx,
	producerOrgURL string) (offer.Set, map[string]reshare.Chain, error) {
	rows, err := storage.Collect(ctx, tx.GetCorpusOffers(ctx, producerOrgURL, 0))
	if err != nil {
		return nil, nil, status.Wrap(status.CodeStorage, "reading corpus", err)
	}
	set := make(offer.Set, len(rows))
	chains := make(map[string]reshare.Chain, len(rows))
	for _, row := range rows {
		set.Add(row.Offer)
		chains[row.Offer.Key()] = row.ReshareChain
	}
	return set, chains, nil
}

// buildNewSet materializes the producer's next offer set from a snapshot
// or a delta update.
func (m *Model) buildNewSet(oldSet offer.Set, oldChains map[string]reshare.Chain,
	update *wire.OfferSetUpdate, hadMetadata bool) (offer.Set, error) {
	if !update.IsDelta() {
		return offer.NewSet(update.Offers...), nil
	}
	if len(update.Delta) == 0 {
		return oldSet.Clone(), nil
	}
	if !hadMetadata && !update.Delta[0].Clear {
		return nil, status.New(status.CodePatchApplyFailed,
			"delta update against a producer with no prior offer set")
	}
	// Patches see the documents the way a peer listed them: chains
	// inline. The chain field of each resulting offer becomes the
	// corpus chain.
	base := make(offer.Set, len(oldSet))
	for key, o := range oldSet {
		base[key] = o.WithChain(oldChains[key])
	}
	return offerpatch.Apply(base, update.Delta)
}

// filterOffers drops offers that fail validation or whose chains do not
// verify. Dropped offers are logged, never fatal.
func (m *Model) filterOffers(ctx context.Context, producerOrgURL string, set offer.Set) offer.Set {
	out := make(offer.Set, len(set))
	for _, key := range set.SortedKeys() {
		o := set[key]
		if err := offer.Validate(o); err != nil {
			m.logger.Warn("dropping offer %s from %s: %v", key, producerOrgURL, err)
			continue
		}
		chain := reshare.Chain(o.ReshareChain)
		if chain.IsEmpty() {
			if o.OfferedBy != producerOrgURL {
				m.logger.Warn("dropping offer %s from %s: no chain for an offer posted by %s",
					key, producerOrgURL, o.OfferedBy)
				continue
			}
			out.Add(o)
			continue
		}
		_, err := m.verifier.VerifyChain(ctx, chain, reshare.Expectations{
			InitialIssuer:      o.OfferedBy,
			FinalSubject:       m.host,
			InitialEntitlement: o.ID,
		})
		if err != nil {
			m.logger.Warn("dropping offer %s from %s: %v", key, producerOrgURL, err)
			continue
		}
		out.Add(o)
	}
	return out
}

func (m *Model) changeFor(typ storage.UpdateType, now int64, newOffer, oldOffer *offer.Offer) bus.Change {
	c := bus.Change{
		TimestampUTC: now,
		HostOrgURL:   m.host,
		Offer:        newOffer,
		OldOffer:     oldOffer,
	}
	switch typ {
	case storage.UpdateAdd:
		c.Type = bus.ChangeAdd
		c.OldOffer = nil
	case storage.UpdateDelete:
		c.Type = bus.ChangeDelete
		c.Offer = nil
	default:
		c.Type = bus.ChangeUpdate
	}
	return c
}

func sortedEffectKeys(effects map[string]storage.UpdateType) []string {
	keys := make([]string, 0, len(effects))
	for k := range effects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KnownOfferingOrgs returns every organization whose offers this host has
// seen.
func (m *Model) KnownOfferingOrgs(ctx context.Context) ([]storage.KnownOfferingOrg, error) {
	var out []storage.KnownOfferingOrg
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadOnly,
		func(ctx context.Context, tx storage.Tx) error {
			var err error
			out, err = storage.Collect(ctx, tx.GetKnownOfferingOrgs(ctx))
			return err
		})
	if err != nil {
		return nil, status.Wrap(status.CodeStorage, "reading known offering orgs", err)
	}
	return out, nil
}

// ProducerMetadata reads the ingest metadata of one producer.
func (m *Model) ProducerMetadata(ctx context.Context, producerOrgURL string) (*storage.ProducerMetadata, error) {
	var md *storage.ProducerMetadata
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadOnly,
		func(ctx context.Context, tx storage.Tx) error {
			var err error
			md, err = tx.GetOfferProducerMetadata(ctx, producerOrgURL)
			return err
		})
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, status.Wrap(status.CodeNotFound, "no metadata for producer", err)
		}
		return nil, status.Wrap(status.CodeStorage, "reading producer metadata", err)
	}
	return md, nil
}

// WriteProducerMetadata upserts the ingest metadata of one producer.
func (m *Model) WriteProducerMetadata(ctx context.Context, md storage.ProducerMetadata) error {
	err := m.store.RunTransaction(ctx, m.host, storage.TxReadWrite,
		func(ctx context.Context, tx storage.Tx) error {
			return tx.WriteOfferProducerMetadata(ctx, md)
		})
	if err != nil {
		return status.Wrap(status.CodeStorage, "writing producer metadata", err)
	}
	return nil
}
