package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/LeJamon/goOPRd/internal/core/interval"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// reader is the read surface shared by indexed batches and snapshots.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// Tx implements storage.Tx over one pebble batch or snapshot.
type Tx struct {
	store  *Store
	host   string
	typ    storage.TxType
	batch  *pebble.Batch
	snap   *pebble.Snapshot
	closed bool

	// prevCorpus remembers, per producer, the corpus id that was latest
	// before BeginCorpus ran in this transaction. Classification of corpus
	// mutations compares visibility against it.
	prevCorpus map[string]string
}

func (t *Tx) reader() reader {
	if t.batch != nil {
		return t.batch
	}
	return t.snap
}

func (t *Tx) requireWrite(op string) error {
	if t.closed {
		return storage.NewTransactionError(op, "transaction is closed", storage.ErrTxClosed)
	}
	if t.typ != storage.TxReadWrite {
		return storage.NewTransactionError(op, "write inside a read-only transaction", storage.ErrTxReadOnly)
	}
	return nil
}

func (t *Tx) get(key []byte) ([]byte, bool, error) {
	value, closer, err := t.reader().Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.NewDataError("pebblestore.get", "reading key", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	closer.Close()
	return out, true, nil
}

func (t *Tx) getJSON(key []byte, dst interface{}) (bool, error) {
	raw, ok, err := t.get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, storage.NewDataError("pebblestore.get", "decoding stored record",
			storage.ErrCorruptRecord).WithCode("CORRUPT_RECORD")
	}
	return true, nil
}

func (t *Tx) setJSON(op string, key []byte, v interface{}) error {
	if err := t.requireWrite(op); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return storage.NewDataError(op, "encoding record", err)
	}
	if err := t.batch.Set(key, raw, nil); err != nil {
		return storage.NewDataError(op, "writing record", err)
	}
	return nil
}

func (t *Tx) delete(op string, key []byte) error {
	if err := t.requireWrite(op); err != nil {
		return err
	}
	if err := t.batch.Delete(key, nil); err != nil {
		return storage.NewDataError(op, "deleting record", err)
	}
	return nil
}

// scan iterates every (key, value) under prefix in key order.
func (t *Tx) scan(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	it, err := t.reader().NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return storage.NewDataError("pebblestore.scan", "opening iterator", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := append([]byte(nil), it.Key()...)
		value := append([]byte(nil), it.Value()...)
		cont, err := fn(key, value)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	if err := it.Error(); err != nil {
		return storage.NewDataError("pebblestore.scan", "iterating", err)
	}
	return nil
}

// --- key-value area ---

// StoreValue implements storage.Tx.
func (t *Tx) StoreValue(ctx context.Context, key string, value json.RawMessage) error {
	if err := t.requireWrite("pebblestore.StoreValue"); err != nil {
		return err
	}
	return t.batch.Set(makeKey(kindKV, str(t.host), str(key)), value, nil)
}

// ClearAllValues implements storage.Tx.
func (t *Tx) ClearAllValues(ctx context.Context, keyPrefix string) (int, error) {
	if err := t.requireWrite("pebblestore.ClearAllValues"); err != nil {
		return 0, err
	}
	prefix := makeKey(kindKV, str(t.host), str(keyPrefix))
	var keys [][]byte
	err := t.scan(prefix, func(key, _ []byte) (bool, error) {
		keys = append(keys, key)
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := t.batch.Delete(k, nil); err != nil {
			return 0, storage.NewDataError("pebblestore.ClearAllValues", "deleting value", err)
		}
	}
	return len(keys), nil
}

// GetValues implements storage.Tx.
func (t *Tx) GetValues(ctx context.Context, keyPrefix string) storage.Iterator[storage.KeyValue] {
	prefix := makeKey(kindKV, str(t.host), str(keyPrefix))
	hostPrefixLen := len(makeKey(kindKV, str(t.host))) + 1
	var out []storage.KeyValue
	err := t.scan(prefix, func(key, value []byte) (bool, error) {
		out = append(out, storage.KeyValue{
			Key:   string(key[hostPrefixLen:]),
			Value: append(json.RawMessage(nil), value...),
		})
		return true, nil
	})
	if err != nil {
		return storage.FromError[storage.KeyValue](err)
	}
	return storage.FromSlice(out)
}

// --- corpus ---

// corpusPointer is the value of the per-producer latest-corpus key.
type corpusPointer struct {
	CorpusID      string `json:"corpusId"`
	RecordedAtUTC int64  `json:"recordedAtUTC"`
}

// corpusOfferRec is one row of a corpus.
type corpusOfferRec struct {
	OfferUpdateUTC int64    `json:"offerUpdateUTC"`
	ReshareChain   []string `json:"reshareChain,omitempty"`
}

func (t *Tx) corpusPointer(producerOrgURL string) (corpusPointer, bool, error) {
	var ptr corpusPointer
	ok, err := t.getJSON(makeKey(kindCorpusCur, str(t.host), str(producerOrgURL)), &ptr)
	return ptr, ok, err
}

// previousCorpusID returns the corpus that was latest for the producer
// before this transaction's BeginCorpus, falling back to the current
// pointer when BeginCorpus has not run.
func (t *Tx) previousCorpusID(producerOrgURL string) (string, error) {
	if id, ok := t.prevCorpus[producerOrgURL]; ok {
		return id, nil
	}
	ptr, ok, err := t.corpusPointer(producerOrgURL)
	if err != nil || !ok {
		return "", err
	}
	return ptr.CorpusID, nil
}

// BeginCorpus implements storage.Tx.
func (t *Tx) BeginCorpus(ctx context.Context, producerOrgURL string, recordedAtUTC int64) error {
	const op = "pebblestore.BeginCorpus"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	prev, ok, err := t.corpusPointer(producerOrgURL)
	if err != nil {
		return err
	}
	if t.prevCorpus == nil {
		t.prevCorpus = make(map[string]string)
	}
	prevID := ""
	if ok {
		prevID = prev.CorpusID
	}
	t.prevCorpus[producerOrgURL] = prevID

	// Rows of corpora older than the demoted one are unreachable; drop
	// them now so each producer keeps at most two corpora.
	prefix := keyPrefix(kindCorpusOffer, str(t.host), str(producerOrgURL))
	var stale [][]byte
	err = t.scan(prefix, func(key, _ []byte) (bool, error) {
		segs := splitSegments(key)
		if len(segs) >= 3 && string(segs[2]) != prevID {
			stale = append(stale, key)
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := t.batch.Delete(k, nil); err != nil {
			return storage.NewDataError(op, "dropping stale corpus row", err)
		}
	}

	ptr := corpusPointer{CorpusID: uuid.NewString(), RecordedAtUTC: recordedAtUTC}
	return t.setJSON(op, makeKey(kindCorpusCur, str(t.host), str(producerOrgURL)), ptr)
}

// corpusPointers returns every producer's latest corpus pointer.
func (t *Tx) corpusPointers() (map[string]corpusPointer, error) {
	out := make(map[string]corpusPointer)
	prefix := keyPrefix(kindCorpusCur, str(t.host))
	err := t.scan(prefix, func(key, value []byte) (bool, error) {
		var ptr corpusPointer
		if err := json.Unmarshal(value, &ptr); err != nil {
			return false, storage.NewDataError("pebblestore.corpusPointers",
				"decoding corpus pointer", storage.ErrCorruptRecord)
		}
		out[string(lastSegment(key))] = ptr
		return true, nil
	})
	return out, err
}

func (t *Tx) corpusRow(producerOrgURL, corpusID, postingOrgURL, offerID string) (corpusOfferRec, bool, error) {
	var rec corpusOfferRec
	key := makeKey(kindCorpusOffer, str(t.host), str(producerOrgURL), str(corpusID),
		str(postingOrgURL), str(offerID))
	ok, err := t.getJSON(key, &rec)
	return rec, ok, err
}

// visibleVersion returns the host-wide visible version of an offer: the
// newest version across every producer's latest corpus. overrideProducer,
// when non-empty, has its corpus replaced by overrideCorpus ("" meaning no
// corpus), which lets callers evaluate the pre-mutation state.
func (t *Tx) visibleVersion(postingOrgURL, offerID, overrideProducer, overrideCorpus string) (int64, bool, error) {
	pointers, err := t.corpusPointers()
	if err != nil {
		return 0, false, err
	}
	if overrideProducer != "" {
		if overrideCorpus == "" {
			delete(pointers, overrideProducer)
		} else {
			pointers[overrideProducer] = corpusPointer{CorpusID: overrideCorpus}
		}
	}
	var best int64
	found := false
	for producer, ptr := range pointers {
		rec, ok, err := t.corpusRow(producer, ptr.CorpusID, postingOrgURL, offerID)
		if err != nil {
			return 0, false, err
		}
		if ok && (!found || rec.OfferUpdateUTC > best) {
			best = rec.OfferUpdateUTC
			found = true
		}
	}
	return best, found, nil
}

func (t *Tx) snapshotKey(postingOrgURL, offerID string, updateUTC int64) []byte {
	return makeKey(kindSnapshot, str(t.host), str(postingOrgURL), str(offerID), u64(updateUTC))
}

func (t *Tx) loadSnapshot(postingOrgURL, offerID string, updateUTC int64) (*offer.Offer, error) {
	raw, ok, err := t.get(t.snapshotKey(postingOrgURL, offerID, updateUTC))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewNotFoundError("pebblestore.loadSnapshot",
			fmt.Sprintf("snapshot %s#%s@%d", postingOrgURL, offerID, updateUTC))
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, storage.NewDataError("pebblestore.loadSnapshot",
			"decoding snapshot", storage.ErrCorruptRecord)
	}
	return offer.Parse(doc)
}

func (t *Tx) ensureSnapshot(op string, o *offer.Offer) error {
	key := t.snapshotKey(o.OfferedBy, o.ID, o.LastUpdateUTC())
	_, ok, err := t.get(key)
	if err != nil || ok {
		return err
	}
	doc, err := json.Marshal(o.WithoutChain())
	if err != nil {
		return storage.NewDataError(op, "encoding snapshot", err)
	}
	if err := t.batch.Set(key, encodeDoc(doc), nil); err != nil {
		return storage.NewDataError(op, "writing snapshot", err)
	}
	return nil
}

func classify(preVer int64, preOK bool, postVer int64, postOK bool) storage.UpdateType {
	switch {
	case !preOK && postOK:
		return storage.UpdateAdd
	case preOK && !postOK:
		return storage.UpdateDelete
	case preOK && postOK && preVer != postVer:
		return storage.UpdateUpdate
	default:
		return storage.UpdateNone
	}
}

// InsertOrUpdateOfferInCorpus implements storage.Tx.
func (t *Tx) InsertOrUpdateOfferInCorpus(ctx context.Context, producerOrgURL string,
	o *offer.Offer, chain reshare.Chain) (storage.UpdateType, error) {
	const op = "pebblestore.InsertOrUpdateOfferInCorpus"
	if err := t.requireWrite(op); err != nil {
		return storage.UpdateNone, err
	}
	ptr, ok, err := t.corpusPointer(producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	if !ok {
		return storage.UpdateNone, storage.NewDataError(op,
			"producer has no corpus", storage.ErrNoCorpus).WithCode("NO_CORPUS")
	}
	prevID, err := t.previousCorpusID(producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	preVer, preOK, err := t.visibleVersion(o.OfferedBy, o.ID, producerOrgURL, prevID)
	if err != nil {
		return storage.UpdateNone, err
	}
	if err := t.ensureSnapshot(op, o); err != nil {
		return storage.UpdateNone, err
	}
	rec := corpusOfferRec{OfferUpdateUTC: o.LastUpdateUTC(), ReshareChain: chain}
	key := makeKey(kindCorpusOffer, str(t.host), str(producerOrgURL), str(ptr.CorpusID),
		str(o.OfferedBy), str(o.ID))
	if err := t.setJSON(op, key, rec); err != nil {
		return storage.UpdateNone, err
	}
	postVer, postOK, err := t.visibleVersion(o.OfferedBy, o.ID, "", "")
	if err != nil {
		return storage.UpdateNone, err
	}
	return classify(preVer, preOK, postVer, postOK), nil
}

// DeleteOfferInCorpus implements storage.Tx.
func (t *Tx) DeleteOfferInCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
	offerID string) (storage.UpdateType, error) {
	const op = "pebblestore.DeleteOfferInCorpus"
	if err := t.requireWrite(op); err != nil {
		return storage.UpdateNone, err
	}
	prevID, err := t.previousCorpusID(producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	preVer, preOK, err := t.visibleVersion(postingOrgURL, offerID, producerOrgURL, prevID)
	if err != nil {
		return storage.UpdateNone, err
	}
	if ptr, ok, err := t.corpusPointer(producerOrgURL); err != nil {
		return storage.UpdateNone, err
	} else if ok {
		key := makeKey(kindCorpusOffer, str(t.host), str(producerOrgURL), str(ptr.CorpusID),
			str(postingOrgURL), str(offerID))
		if err := t.batch.Delete(key, nil); err != nil {
			return storage.UpdateNone, storage.NewDataError(op, "deleting corpus row", err)
		}
	}
	postVer, postOK, err := t.visibleVersion(postingOrgURL, offerID, "", "")
	if err != nil {
		return storage.UpdateNone, err
	}
	return classify(preVer, preOK, postVer, postOK), nil
}

// GetOfferFromCorpus implements storage.Tx.
func (t *Tx) GetOfferFromCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
	offerID string) (*storage.CorpusOffer, error) {
	const op = "pebblestore.GetOfferFromCorpus"
	ptr, ok, err := t.corpusPointer(producerOrgURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewDataError(op, "producer has no corpus",
			storage.ErrNoCorpus).WithCode("NO_CORPUS")
	}
	rec, ok, err := t.corpusRow(producerOrgURL, ptr.CorpusID, postingOrgURL, offerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewNotFoundError(op,
			fmt.Sprintf("offer %s#%s in corpus of %s", postingOrgURL, offerID, producerOrgURL))
	}
	o, err := t.loadSnapshot(postingOrgURL, offerID, rec.OfferUpdateUTC)
	if err != nil {
		return nil, err
	}
	return &storage.CorpusOffer{
		ProducerOrgURL: producerOrgURL,
		Offer:          o,
		ReshareChain:   rec.ReshareChain,
	}, nil
}

// GetOffer implements storage.Tx.
func (t *Tx) GetOffer(ctx context.Context, postingOrgURL, offerID string,
	updateUTC *int64) (*offer.Offer, error) {
	if updateUTC != nil {
		return t.loadSnapshot(postingOrgURL, offerID, *updateUTC)
	}
	ver, ok, err := t.visibleVersion(postingOrgURL, offerID, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewNotFoundError("pebblestore.GetOffer",
			fmt.Sprintf("offer %s#%s", postingOrgURL, offerID))
	}
	return t.loadSnapshot(postingOrgURL, offerID, ver)
}

// GetOfferSources implements storage.Tx.
func (t *Tx) GetOfferSources(ctx context.Context, postingOrgURL, offerID string) ([]string, error) {
	pointers, err := t.corpusPointers()
	if err != nil {
		return nil, err
	}
	var out []string
	for producer, ptr := range pointers {
		_, ok, err := t.corpusRow(producer, ptr.CorpusID, postingOrgURL, offerID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, producer)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetCorpusOffers implements storage.Tx.
func (t *Tx) GetCorpusOffers(ctx context.Context, producerOrgURL string, skip int) storage.Iterator[storage.CorpusOffer] {
	ptr, ok, err := t.corpusPointer(producerOrgURL)
	if err != nil {
		return storage.FromError[storage.CorpusOffer](err)
	}
	if !ok {
		return storage.Empty[storage.CorpusOffer]()
	}
	prefix := keyPrefix(kindCorpusOffer, str(t.host), str(producerOrgURL), str(ptr.CorpusID))
	it, err := t.reader().NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return storage.FromError[storage.CorpusOffer](storage.NewDataError(
			"pebblestore.GetCorpusOffers", "opening iterator", err))
	}
	return &corpusOfferIterator{tx: t, producer: producerOrgURL, it: it, skip: skip}
}

// corpusOfferIterator streams a producer's latest corpus in key order,
// which is (postingOrgUrl, offerId) order.
type corpusOfferIterator struct {
	tx       *Tx
	producer string
	it       *pebble.Iterator
	skip     int
	started  bool
}

func (c *corpusOfferIterator) Next(ctx context.Context) (storage.CorpusOffer, bool, error) {
	var zero storage.CorpusOffer
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	for {
		var valid bool
		if !c.started {
			valid = c.it.First()
			c.started = true
		} else {
			valid = c.it.Next()
		}
		if !valid {
			if err := c.it.Error(); err != nil {
				return zero, false, storage.NewDataError("pebblestore.GetCorpusOffers", "iterating", err)
			}
			return zero, false, nil
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		segs := splitSegments(c.it.Key())
		if len(segs) < 5 {
			return zero, false, storage.NewDataError("pebblestore.GetCorpusOffers",
				"malformed corpus key", storage.ErrCorruptRecord)
		}
		posting, offerID := string(segs[3]), string(segs[4])
		var rec corpusOfferRec
		if err := json.Unmarshal(c.it.Value(), &rec); err != nil {
			return zero, false, storage.NewDataError("pebblestore.GetCorpusOffers",
				"decoding corpus row", storage.ErrCorruptRecord)
		}
		o, err := c.tx.loadSnapshot(posting, offerID, rec.OfferUpdateUTC)
		if err != nil {
			return zero, false, err
		}
		return storage.CorpusOffer{
			ProducerOrgURL: c.producer,
			Offer:          o,
			ReshareChain:   rec.ReshareChain,
		}, true, nil
	}
}

func (c *corpusOfferIterator) Close() error {
	return c.it.Close()
}

// --- timeline ---

// timelineRec is the stored form of one timeline entry. The posting org,
// offer id and start time live in the key.
type timelineRec struct {
	OfferUpdateUTC int64    `json:"offerUpdateUTC"`
	TargetOrgURL   string   `json:"targetOrganizationUrl"`
	StartTimeUTC   int64    `json:"startTimeUTC"`
	EndTimeUTC     int64    `json:"endTimeUTC"`
	IsReservation  bool     `json:"isReservation,omitempty"`
	IsRejection    bool     `json:"isRejection,omitempty"`
	ReshareChain   []string `json:"reshareChain,omitempty"`
}

func (r timelineRec) entry(postingOrgURL, offerID string) storage.TimelineEntry {
	return storage.TimelineEntry{
		PostingOrgURL:  postingOrgURL,
		OfferID:        offerID,
		OfferUpdateUTC: r.OfferUpdateUTC,
		TargetOrgURL:   r.TargetOrgURL,
		StartTimeUTC:   r.StartTimeUTC,
		EndTimeUTC:     r.EndTimeUTC,
		IsReservation:  r.IsReservation,
		IsRejection:    r.IsRejection,
		ReshareChain:   r.ReshareChain,
	}
}

// timelineEntries loads every timeline entry of one offer with its key.
func (t *Tx) timelineEntries(postingOrgURL, offerID string) ([]storage.TimelineEntry, [][]byte, error) {
	prefix := keyPrefix(kindTimeline, str(t.host), str(postingOrgURL), str(offerID))
	var entries []storage.TimelineEntry
	var keys [][]byte
	err := t.scan(prefix, func(key, value []byte) (bool, error) {
		var rec timelineRec
		if err := json.Unmarshal(value, &rec); err != nil {
			return false, storage.NewDataError("pebblestore.timelineEntries",
				"decoding timeline entry", storage.ErrCorruptRecord)
		}
		entries = append(entries, rec.entry(postingOrgURL, offerID))
		keys = append(keys, key)
		return true, nil
	})
	return entries, keys, err
}

// GetTimelineForOffer implements storage.Tx.
func (t *Tx) GetTimelineForOffer(ctx context.Context, postingOrgURL, offerID string,
	within *interval.Interval, targetOrgURL *string) storage.Iterator[storage.TimelineEntry] {
	entries, _, err := t.timelineEntries(postingOrgURL, offerID)
	if err != nil {
		return storage.FromError[storage.TimelineEntry](err)
	}
	var out []storage.TimelineEntry
	for _, e := range entries {
		if within != nil && !e.Interval().Overlaps(*within) {
			continue
		}
		if targetOrgURL != nil && e.TargetOrgURL != *targetOrgURL {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimeUTC != out[j].StartTimeUTC {
			return out[i].StartTimeUTC < out[j].StartTimeUTC
		}
		return out[i].TargetOrgURL < out[j].TargetOrgURL
	})
	return storage.FromSlice(out)
}

// AddTimelineEntries implements storage.Tx.
func (t *Tx) AddTimelineEntries(ctx context.Context, entries ...storage.TimelineEntry) error {
	const op = "pebblestore.AddTimelineEntries"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Interval().IsEmpty() {
			continue
		}
		key := makeKey(kindTimeline, str(t.host), str(e.PostingOrgURL), str(e.OfferID),
			u64(e.StartTimeUTC), str(uuid.NewString()))
		rec := timelineRec{
			OfferUpdateUTC: e.OfferUpdateUTC,
			TargetOrgURL:   e.TargetOrgURL,
			StartTimeUTC:   e.StartTimeUTC,
			EndTimeUTC:     e.EndTimeUTC,
			IsReservation:  e.IsReservation,
			IsRejection:    e.IsRejection,
			ReshareChain:   e.ReshareChain,
		}
		if err := t.setJSON(op, key, rec); err != nil {
			return err
		}
	}
	return nil
}

// TruncateFutureTimelineForOffer implements storage.Tx.
func (t *Tx) TruncateFutureTimelineForOffer(ctx context.Context, postingOrgURL,
	offerID string, at int64) error {
	const op = "pebblestore.TruncateFutureTimelineForOffer"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	entries, keys, err := t.timelineEntries(postingOrgURL, offerID)
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.IsRejection {
			continue
		}
		switch {
		case e.StartTimeUTC >= at:
			if err := t.batch.Delete(keys[i], nil); err != nil {
				return storage.NewDataError(op, "deleting future entry", err)
			}
		case e.EndTimeUTC > at:
			e.EndTimeUTC = at
			rec := timelineRec{
				OfferUpdateUTC: e.OfferUpdateUTC,
				TargetOrgURL:   e.TargetOrgURL,
				StartTimeUTC:   e.StartTimeUTC,
				EndTimeUTC:     e.EndTimeUTC,
				IsReservation:  e.IsReservation,
				IsRejection:    e.IsRejection,
				ReshareChain:   e.ReshareChain,
			}
			if err := t.setJSON(op, keys[i], rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- visibility ---

// visibleOfferIterator walks the host's whole timeline keyspace, which is
// ordered by (postingOrgUrl, offerId), resolving one offer per group.
type visibleOfferIterator struct {
	tx     *Tx
	viewer string
	at     int64
	skip   int
	limit  int
	sent   int

	it      *pebble.Iterator
	started bool
	done    bool
}

func (t *Tx) newVisibleOfferIterator(viewerOrgURL string, at int64, skip, limit int) storage.Iterator[storage.VisibleOffer] {
	prefix := keyPrefix(kindTimeline, str(t.host))
	it, err := t.reader().NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return storage.FromError[storage.VisibleOffer](storage.NewDataError(
			"pebblestore.GetOffersAtTime", "opening iterator", err))
	}
	return &visibleOfferIterator{tx: t, viewer: viewerOrgURL, at: at, skip: skip, limit: limit, it: it}
}

// nextGroup gathers the timeline entries of the next offer in key order.
func (v *visibleOfferIterator) nextGroup() (string, string, []storage.TimelineEntry, bool, error) {
	var valid bool
	if !v.started {
		valid = v.it.First()
		v.started = true
	} else {
		valid = v.it.Valid()
	}
	if !valid {
		return "", "", nil, false, v.it.Error()
	}
	segs := splitSegments(v.it.Key())
	if len(segs) < 5 {
		return "", "", nil, false, storage.NewDataError("pebblestore.GetOffersAtTime",
			"malformed timeline key", storage.ErrCorruptRecord)
	}
	posting, offerID := string(segs[1]), string(segs[2])
	var entries []storage.TimelineEntry
	for v.it.Valid() {
		segs := splitSegments(v.it.Key())
		if string(segs[1]) != posting || string(segs[2]) != offerID {
			break
		}
		var rec timelineRec
		if err := json.Unmarshal(v.it.Value(), &rec); err != nil {
			return "", "", nil, false, storage.NewDataError("pebblestore.GetOffersAtTime",
				"decoding timeline entry", storage.ErrCorruptRecord)
		}
		entries = append(entries, rec.entry(posting, offerID))
		v.it.Next()
	}
	return posting, offerID, entries, true, v.it.Error()
}

func (v *visibleOfferIterator) Next(ctx context.Context) (storage.VisibleOffer, bool, error) {
	var zero storage.VisibleOffer
	if v.done {
		return zero, false, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		if v.limit > 0 && v.sent >= v.limit {
			v.done = true
			return zero, false, nil
		}
		posting, offerID, entries, ok, err := v.nextGroup()
		if err != nil {
			return zero, false, err
		}
		if !ok {
			v.done = true
			return zero, false, nil
		}
		entry, visible := storage.ResolveVisible(entries, v.viewer, v.at)
		if !visible {
			continue
		}
		if v.skip > 0 {
			v.skip--
			continue
		}
		o, err := v.tx.loadSnapshot(posting, offerID, entry.OfferUpdateUTC)
		if err != nil {
			return zero, false, err
		}
		v.sent++
		return storage.VisibleOffer{Offer: o, Entry: entry}, true, nil
	}
}

func (v *visibleOfferIterator) Close() error {
	return v.it.Close()
}

// GetOffersAtTime implements storage.Tx.
func (t *Tx) GetOffersAtTime(ctx context.Context, viewerOrgURL string, at int64,
	skip, limit int) storage.Iterator[storage.VisibleOffer] {
	return t.newVisibleOfferIterator(viewerOrgURL, at, skip, limit)
}

// GetOfferAtTime implements storage.Tx.
func (t *Tx) GetOfferAtTime(ctx context.Context, viewerOrgURL, postingOrgURL,
	offerID string, at int64) (*storage.VisibleOffer, error) {
	entries, _, err := t.timelineEntries(postingOrgURL, offerID)
	if err != nil {
		return nil, err
	}
	entry, visible := storage.ResolveVisible(entries, viewerOrgURL, at)
	if !visible {
		return nil, storage.NewNotFoundError("pebblestore.GetOfferAtTime",
			fmt.Sprintf("offer %s#%s visible to %s", postingOrgURL, offerID, viewerOrgURL))
	}
	o, err := t.loadSnapshot(postingOrgURL, offerID, entry.OfferUpdateUTC)
	if err != nil {
		return nil, err
	}
	return &storage.VisibleOffer{Offer: o, Entry: entry}, nil
}

// GetChangedOffers implements storage.Tx.
func (t *Tx) GetChangedOffers(ctx context.Context, viewerOrgURL string, oldT,
	newT int64) storage.Iterator[storage.ChangedOffer] {
	oldSet, err := storage.Collect(ctx, t.newVisibleOfferIterator(viewerOrgURL, oldT, 0, 0))
	if err != nil {
		return storage.FromError[storage.ChangedOffer](err)
	}
	newSet, err := storage.Collect(ctx, t.newVisibleOfferIterator(viewerOrgURL, newT, 0, 0))
	if err != nil {
		return storage.FromError[storage.ChangedOffer](err)
	}
	return storage.FromSlice(storage.ChangedOffersBetween(oldSet, newSet))
}

// --- acceptance history ---

// acceptanceRec is the stored form of one acceptance.
type acceptanceRec struct {
	PostingOrgURL   string               `json:"postingOrgUrl"`
	OfferID         string               `json:"offerId"`
	OfferUpdateUTC  int64                `json:"offerUpdateUTC"`
	AcceptingOrgURL string               `json:"acceptingOrgUrl"`
	AcceptedAtUTC   int64                `json:"acceptedAtUTC"`
	DecodedChain    reshare.DecodedChain `json:"decodedReshareChain,omitempty"`
	ViewerOrgURLs   []string             `json:"viewerOrgUrls"`
}

// WriteAccept implements storage.Tx.
func (t *Tx) WriteAccept(ctx context.Context, acceptingOrgURL string, o *offer.Offer,
	atUTC int64, chain reshare.DecodedChain) error {
	const op = "pebblestore.WriteAccept"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	if err := t.ensureSnapshot(op, o); err != nil {
		return err
	}
	viewers := map[string]bool{t.host: true, acceptingOrgURL: true}
	for _, link := range chain {
		viewers[link.SharingOrgURL] = true
	}
	viewerList := make([]string, 0, len(viewers))
	for v := range viewers {
		viewerList = append(viewerList, v)
	}
	sort.Strings(viewerList)
	rec := acceptanceRec{
		PostingOrgURL:   o.OfferedBy,
		OfferID:         o.ID,
		OfferUpdateUTC:  o.LastUpdateUTC(),
		AcceptingOrgURL: acceptingOrgURL,
		AcceptedAtUTC:   atUTC,
		DecodedChain:    chain,
		ViewerOrgURLs:   viewerList,
	}
	key := makeKey(kindAcceptance, str(t.host), u64(atUTC), str(uuid.NewString()))
	return t.setJSON(op, key, rec)
}

// WriteReject implements storage.Tx.
func (t *Tx) WriteReject(ctx context.Context, rejectingOrgURL, postingOrgURL,
	offerID string, atUTC, untilUTC int64) error {
	const op = "pebblestore.WriteReject"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	ver, ok, err := t.visibleVersion(postingOrgURL, offerID, "", "")
	if err != nil {
		return err
	}
	if !ok {
		ver = 0
	}
	return t.AddTimelineEntries(ctx, storage.TimelineEntry{
		PostingOrgURL:  postingOrgURL,
		OfferID:        offerID,
		OfferUpdateUTC: ver,
		TargetOrgURL:   rejectingOrgURL,
		StartTimeUTC:   atUTC,
		EndTimeUTC:     untilUTC,
		IsRejection:    true,
	})
}

// GetHistory implements storage.Tx.
func (t *Tx) GetHistory(ctx context.Context, viewerOrgURL string, sinceUTC *int64,
	skip int) storage.Iterator[storage.Acceptance] {
	prefix := keyPrefix(kindAcceptance, str(t.host))
	lower := prefix
	if sinceUTC != nil {
		lower = makeKey(kindAcceptance, str(t.host), u64(*sinceUTC))
	}
	var out []storage.Acceptance
	err := func() error {
		it, err := t.reader().NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: prefixUpperBound(prefix),
		})
		if err != nil {
			return storage.NewDataError("pebblestore.GetHistory", "opening iterator", err)
		}
		defer it.Close()
		for it.First(); it.Valid(); it.Next() {
			var rec acceptanceRec
			if err := json.Unmarshal(it.Value(), &rec); err != nil {
				return storage.NewDataError("pebblestore.GetHistory",
					"decoding acceptance", storage.ErrCorruptRecord)
			}
			allowed := false
			for _, v := range rec.ViewerOrgURLs {
				if v == viewerOrgURL {
					allowed = true
					break
				}
			}
			if !allowed {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			o, err := t.loadSnapshot(rec.PostingOrgURL, rec.OfferID, rec.OfferUpdateUTC)
			if err != nil {
				return err
			}
			out = append(out, storage.Acceptance{
				PostingOrgURL:       rec.PostingOrgURL,
				OfferID:             rec.OfferID,
				OfferUpdateUTC:      rec.OfferUpdateUTC,
				AcceptingOrgURL:     rec.AcceptingOrgURL,
				AcceptedAtUTC:       rec.AcceptedAtUTC,
				DecodedReshareChain: rec.DecodedChain,
				ViewerOrgURLs:       rec.ViewerOrgURLs,
				Offer:               o,
			})
		}
		return it.Error()
	}()
	if err != nil {
		return storage.FromError[storage.Acceptance](err)
	}
	return storage.FromSlice(out)
}

// --- producer metadata ---

// WriteOfferProducerMetadata implements storage.Tx.
func (t *Tx) WriteOfferProducerMetadata(ctx context.Context, md storage.ProducerMetadata) error {
	return t.setJSON("pebblestore.WriteOfferProducerMetadata",
		makeKey(kindProducerMD, str(t.host), str(md.OrganizationURL)), md)
}

// GetOfferProducerMetadata implements storage.Tx. Read-write transactions
// are exclusive per host, so the read itself is the advisory lock: a
// concurrent ingest round cannot observe the row until this transaction
// commits.
func (t *Tx) GetOfferProducerMetadata(ctx context.Context, producerOrgURL string) (*storage.ProducerMetadata, error) {
	var md storage.ProducerMetadata
	ok, err := t.getJSON(makeKey(kindProducerMD, str(t.host), str(producerOrgURL)), &md)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewNotFoundError("pebblestore.GetOfferProducerMetadata",
			fmt.Sprintf("producer metadata for %s", producerOrgURL))
	}
	return &md, nil
}

// --- known offering orgs ---

// AddKnownOfferingOrg implements storage.Tx.
func (t *Tx) AddKnownOfferingOrg(ctx context.Context, orgURL string, lastSeenUTC int64) error {
	return t.setJSON("pebblestore.AddKnownOfferingOrg",
		makeKey(kindKnownOrg, str(t.host), str(orgURL)),
		storage.KnownOfferingOrg{OrgURL: orgURL, LastSeenUTC: lastSeenUTC})
}

// GetKnownOfferingOrgs implements storage.Tx.
func (t *Tx) GetKnownOfferingOrgs(ctx context.Context) storage.Iterator[storage.KnownOfferingOrg] {
	prefix := keyPrefix(kindKnownOrg, str(t.host))
	var out []storage.KnownOfferingOrg
	err := t.scan(prefix, func(_, value []byte) (bool, error) {
		var rec storage.KnownOfferingOrg
		if err := json.Unmarshal(value, &rec); err != nil {
			return false, storage.NewDataError("pebblestore.GetKnownOfferingOrgs",
				"decoding known org", storage.ErrCorruptRecord)
		}
		out = append(out, rec)
		return true, nil
	})
	if err != nil {
		return storage.FromError[storage.KnownOfferingOrg](err)
	}
	return storage.FromSlice(out)
}

var _ storage.Tx = (*Tx)(nil)
