package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/LeJamon/goOPRd/internal/core/interval"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/storage"
)

// Tx implements storage.Tx over one database transaction.
type Tx struct {
	store  *Store
	host   string
	typ    storage.TxType
	tx     *sql.Tx
	closed bool

	// prevCorpus remembers, per producer, the corpus that was latest
	// before BeginCorpus ran in this transaction.
	prevCorpus map[string]string
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

func (t *Tx) exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.store.rebind(query), args...)
	if err != nil {
		return nil, wrapSQLError(op, "executing statement", err)
	}
	return res, nil
}

func (t *Tx) query(ctx context.Context, op, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, t.store.rebind(query), args...)
	if err != nil {
		return nil, wrapSQLError(op, "executing query", err)
	}
	return rows, nil
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.rebind(query), args...)
}

func marshalChain(chain []string) string {
	if len(chain) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(chain)
	if err != nil {
		// A string slice cannot fail to encode.
		panic(err)
	}
	return string(raw)
}

func unmarshalChain(op, raw string) ([]string, error) {
	var chain []string
	if err := json.Unmarshal([]byte(raw), &chain); err != nil {
		return nil, storage.NewDataError(op, "decoding reshare chain",
			storage.ErrCorruptRecord).WithCode("CORRUPT_RECORD")
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- key-value area ---

// StoreValue implements storage.Tx.
func (t *Tx) StoreValue(ctx context.Context, key string, value json.RawMessage) error {
	const op = "sqlstore.StoreValue"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	_, err := t.exec(ctx, op, `INSERT INTO kv (host, k, v) VALUES (?, ?, ?)
		ON CONFLICT (host, k) DO UPDATE SET v = excluded.v`,
		t.host, key, string(value))
	return err
}

// ClearAllValues implements storage.Tx.
func (t *Tx) ClearAllValues(ctx context.Context, keyPrefix string) (int, error) {
	const op = "sqlstore.ClearAllValues"
	if err := t.requireWrite(op); err != nil {
		return 0, err
	}
	res, err := t.exec(ctx, op, `DELETE FROM kv WHERE host = ? AND k LIKE ? ESCAPE '\'`,
		t.host, likePrefix(keyPrefix))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapSQLError(op, "counting deleted rows", err)
	}
	return int(n), nil
}

// GetValues implements storage.Tx.
func (t *Tx) GetValues(ctx context.Context, keyPrefix string) storage.Iterator[storage.KeyValue] {
	const op = "sqlstore.GetValues"
	rows, err := t.query(ctx, op, `SELECT k, v FROM kv WHERE host = ? AND k LIKE ? ESCAPE '\'
		ORDER BY k`, t.host, likePrefix(keyPrefix))
	if err != nil {
		return storage.FromError[storage.KeyValue](err)
	}
	var out []storage.KeyValue
	defer rows.Close()
	for rows.Next() {
		var kv storage.KeyValue
		var v string
		if err := rows.Scan(&kv.Key, &v); err != nil {
			return storage.FromError[storage.KeyValue](wrapSQLError(op, "scanning row", err))
		}
		kv.Value = json.RawMessage(v)
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return storage.FromError[storage.KeyValue](wrapSQLError(op, "iterating rows", err))
	}
	return storage.FromSlice(out)
}

// likePrefix escapes LIKE metacharacters so prefix matching is literal.
func likePrefix(prefix string) string {
	out := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		switch prefix[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, prefix[i])
	}
	return string(out) + "%"
}

// --- corpus ---

func (t *Tx) latestCorpusID(ctx context.Context, producerOrgURL string) (string, bool, error) {
	var id string
	err := t.queryRow(ctx, `SELECT corpus_id FROM corpus
		WHERE host = ? AND producer_org = ? AND is_latest = 1`,
		t.host, producerOrgURL).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapSQLError("sqlstore.latestCorpusID", "reading corpus pointer", err)
	}
	return id, true, nil
}

func (t *Tx) previousCorpusID(ctx context.Context, producerOrgURL string) (string, error) {
	if id, ok := t.prevCorpus[producerOrgURL]; ok {
		return id, nil
	}
	id, _, err := t.latestCorpusID(ctx, producerOrgURL)
	return id, err
}

// BeginCorpus implements storage.Tx.
func (t *Tx) BeginCorpus(ctx context.Context, producerOrgURL string, recordedAtUTC int64) error {
	const op = "sqlstore.BeginCorpus"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	prevID, _, err := t.latestCorpusID(ctx, producerOrgURL)
	if err != nil {
		return err
	}
	if t.prevCorpus == nil {
		t.prevCorpus = make(map[string]string)
	}
	t.prevCorpus[producerOrgURL] = prevID

	// Corpora older than the one being demoted are unreachable; drop them
	// so each producer keeps at most two.
	if _, err := t.exec(ctx, op, `DELETE FROM corpus_offer
		WHERE host = ? AND producer_org = ? AND corpus_id <> ?`,
		t.host, producerOrgURL, prevID); err != nil {
		return err
	}
	if _, err := t.exec(ctx, op, `DELETE FROM corpus
		WHERE host = ? AND producer_org = ? AND corpus_id <> ?`,
		t.host, producerOrgURL, prevID); err != nil {
		return err
	}
	if _, err := t.exec(ctx, op, `UPDATE corpus SET is_latest = 0
		WHERE host = ? AND producer_org = ? AND is_latest = 1`,
		t.host, producerOrgURL); err != nil {
		return err
	}
	_, err = t.exec(ctx, op, `INSERT INTO corpus (host, producer_org, corpus_id, recorded_at, is_latest)
		VALUES (?, ?, ?, ?, 1)`,
		t.host, producerOrgURL, uuid.NewString(), recordedAtUTC)
	return err
}

// visibleVersion returns the host-wide visible version of an offer.
// overrideProducer, when non-empty, has its latest corpus replaced by
// overrideCorpus ("" meaning no corpus), which evaluates the pre-mutation
// state during a corpus swap.
func (t *Tx) visibleVersion(ctx context.Context, postingOrgURL, offerID,
	overrideProducer, overrideCorpus string) (int64, bool, error) {
	const op = "sqlstore.visibleVersion"
	var row *sql.Row
	if overrideProducer == "" {
		row = t.queryRow(ctx, `SELECT MAX(co.update_utc) FROM corpus_offer co
			JOIN corpus c ON c.host = co.host AND c.producer_org = co.producer_org
				AND c.corpus_id = co.corpus_id
			WHERE co.host = ? AND co.posting_org = ? AND co.offer_id = ? AND c.is_latest = 1`,
			t.host, postingOrgURL, offerID)
	} else {
		row = t.queryRow(ctx, `SELECT MAX(co.update_utc) FROM corpus_offer co
			JOIN corpus c ON c.host = co.host AND c.producer_org = co.producer_org
				AND c.corpus_id = co.corpus_id
			WHERE co.host = ? AND co.posting_org = ? AND co.offer_id = ?
				AND ((c.is_latest = 1 AND c.producer_org <> ?)
					OR (c.producer_org = ? AND c.corpus_id = ?))`,
			t.host, postingOrgURL, offerID, overrideProducer, overrideProducer, overrideCorpus)
	}
	var ver sql.NullInt64
	if err := row.Scan(&ver); err != nil {
		return 0, false, wrapSQLError(op, "reading visible version", err)
	}
	return ver.Int64, ver.Valid, nil
}

func (t *Tx) ensureSnapshot(ctx context.Context, op string, o *offer.Offer) error {
	doc, err := json.Marshal(o.WithoutChain())
	if err != nil {
		return storage.NewDataError(op, "encoding snapshot", err)
	}
	_, err = t.exec(ctx, op, `INSERT INTO offer_snapshot
		(host, posting_org, offer_id, update_utc, expiration_utc, doc)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, posting_org, offer_id, update_utc) DO NOTHING`,
		t.host, o.OfferedBy, o.ID, o.LastUpdateUTC(), o.OfferExpirationUTC, string(doc))
	return err
}

func (t *Tx) loadSnapshot(ctx context.Context, postingOrgURL, offerID string, updateUTC int64) (*offer.Offer, error) {
	const op = "sqlstore.loadSnapshot"
	var doc string
	err := t.queryRow(ctx, `SELECT doc FROM offer_snapshot
		WHERE host = ? AND posting_org = ? AND offer_id = ? AND update_utc = ?`,
		t.host, postingOrgURL, offerID, updateUTC).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storage.NewNotFoundError(op,
			fmt.Sprintf("snapshot %s#%s@%d", postingOrgURL, offerID, updateUTC))
	}
	if err != nil {
		return nil, wrapSQLError(op, "reading snapshot", err)
	}
	return offer.Parse([]byte(doc))
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
	const op = "sqlstore.InsertOrUpdateOfferInCorpus"
	if err := t.requireWrite(op); err != nil {
		return storage.UpdateNone, err
	}
	corpusID, ok, err := t.latestCorpusID(ctx, producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	if !ok {
		return storage.UpdateNone, storage.NewDataError(op,
			"producer has no corpus", storage.ErrNoCorpus).WithCode("NO_CORPUS")
	}
	prevID, err := t.previousCorpusID(ctx, producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	preVer, preOK, err := t.visibleVersion(ctx, o.OfferedBy, o.ID, producerOrgURL, prevID)
	if err != nil {
		return storage.UpdateNone, err
	}
	if err := t.ensureSnapshot(ctx, op, o); err != nil {
		return storage.UpdateNone, err
	}
	if _, err := t.exec(ctx, op, `INSERT INTO corpus_offer
		(host, producer_org, corpus_id, posting_org, offer_id, update_utc, chain)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (host, producer_org, corpus_id, posting_org, offer_id)
		DO UPDATE SET update_utc = excluded.update_utc, chain = excluded.chain`,
		t.host, producerOrgURL, corpusID, o.OfferedBy, o.ID, o.LastUpdateUTC(),
		marshalChain(chain)); err != nil {
		return storage.UpdateNone, err
	}
	postVer, postOK, err := t.visibleVersion(ctx, o.OfferedBy, o.ID, "", "")
	if err != nil {
		return storage.UpdateNone, err
	}
	return classify(preVer, preOK, postVer, postOK), nil
}

// DeleteOfferInCorpus implements storage.Tx.
func (t *Tx) DeleteOfferInCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
	offerID string) (storage.UpdateType, error) {
	const op = "sqlstore.DeleteOfferInCorpus"
	if err := t.requireWrite(op); err != nil {
		return storage.UpdateNone, err
	}
	prevID, err := t.previousCorpusID(ctx, producerOrgURL)
	if err != nil {
		return storage.UpdateNone, err
	}
	preVer, preOK, err := t.visibleVersion(ctx, postingOrgURL, offerID, producerOrgURL, prevID)
	if err != nil {
		return storage.UpdateNone, err
	}
	if corpusID, ok, err := t.latestCorpusID(ctx, producerOrgURL); err != nil {
		return storage.UpdateNone, err
	} else if ok {
		if _, err := t.exec(ctx, op, `DELETE FROM corpus_offer
			WHERE host = ? AND producer_org = ? AND corpus_id = ?
				AND posting_org = ? AND offer_id = ?`,
			t.host, producerOrgURL, corpusID, postingOrgURL, offerID); err != nil {
			return storage.UpdateNone, err
		}
	}
	postVer, postOK, err := t.visibleVersion(ctx, postingOrgURL, offerID, "", "")
	if err != nil {
		return storage.UpdateNone, err
	}
	return classify(preVer, preOK, postVer, postOK), nil
}

// GetOfferFromCorpus implements storage.Tx.
func (t *Tx) GetOfferFromCorpus(ctx context.Context, producerOrgURL, postingOrgURL,
	offerID string) (*storage.CorpusOffer, error) {
	const op = "sqlstore.GetOfferFromCorpus"
	corpusID, ok, err := t.latestCorpusID(ctx, producerOrgURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewDataError(op, "producer has no corpus",
			storage.ErrNoCorpus).WithCode("NO_CORPUS")
	}
	var updateUTC int64
	var chainRaw string
	err = t.queryRow(ctx, `SELECT update_utc, chain FROM corpus_offer
		WHERE host = ? AND producer_org = ? AND corpus_id = ?
			AND posting_org = ? AND offer_id = ?`,
		t.host, producerOrgURL, corpusID, postingOrgURL, offerID).Scan(&updateUTC, &chainRaw)
	if err == sql.ErrNoRows {
		return nil, storage.NewNotFoundError(op,
			fmt.Sprintf("offer %s#%s in corpus of %s", postingOrgURL, offerID, producerOrgURL))
	}
	if err != nil {
		return nil, wrapSQLError(op, "reading corpus row", err)
	}
	chain, err := unmarshalChain(op, chainRaw)
	if err != nil {
		return nil, err
	}
	o, err := t.loadSnapshot(ctx, postingOrgURL, offerID, updateUTC)
	if err != nil {
		return nil, err
	}
	return &storage.CorpusOffer{ProducerOrgURL: producerOrgURL, Offer: o, ReshareChain: chain}, nil
}

// GetOffer implements storage.Tx.
func (t *Tx) GetOffer(ctx context.Context, postingOrgURL, offerID string,
	updateUTC *int64) (*offer.Offer, error) {
	if updateUTC != nil {
		return t.loadSnapshot(ctx, postingOrgURL, offerID, *updateUTC)
	}
	ver, ok, err := t.visibleVersion(ctx, postingOrgURL, offerID, "", "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.NewNotFoundError("sqlstore.GetOffer",
			fmt.Sprintf("offer %s#%s", postingOrgURL, offerID))
	}
	return t.loadSnapshot(ctx, postingOrgURL, offerID, ver)
}

// GetOfferSources implements storage.Tx.
func (t *Tx) GetOfferSources(ctx context.Context, postingOrgURL, offerID string) ([]string, error) {
	const op = "sqlstore.GetOfferSources"
	rows, err := t.query(ctx, op, `SELECT co.producer_org FROM corpus_offer co
		JOIN corpus c ON c.host = co.host AND c.producer_org = co.producer_org
			AND c.corpus_id = co.corpus_id
		WHERE co.host = ? AND co.posting_org = ? AND co.offer_id = ? AND c.is_latest = 1
		ORDER BY co.producer_org`,
		t.host, postingOrgURL, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, wrapSQLError(op, "scanning row", err)
		}
		out = append(out, org)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(op, "iterating rows", err)
	}
	return out, nil
}

// GetCorpusOffers implements storage.Tx.
func (t *Tx) GetCorpusOffers(ctx context.Context, producerOrgURL string, skip int) storage.Iterator[storage.CorpusOffer] {
	const op = "sqlstore.GetCorpusOffers"
	corpusID, ok, err := t.latestCorpusID(ctx, producerOrgURL)
	if err != nil {
		return storage.FromError[storage.CorpusOffer](err)
	}
	if !ok {
		return storage.Empty[storage.CorpusOffer]()
	}
	// Rows are drained before returning; a lazy cursor would hold sqlite's
	// single connection across consumer queries.
	rows, err := t.query(ctx, op, `SELECT co.posting_org, co.offer_id, co.chain, s.doc
		FROM corpus_offer co
		JOIN offer_snapshot s ON s.host = co.host AND s.posting_org = co.posting_org
			AND s.offer_id = co.offer_id AND s.update_utc = co.update_utc
		WHERE co.host = ? AND co.producer_org = ? AND co.corpus_id = ?
		ORDER BY co.posting_org, co.offer_id
		`+t.store.limitAll()+` OFFSET ?`,
		t.host, producerOrgURL, corpusID, skip)
	if err != nil {
		return storage.FromError[storage.CorpusOffer](err)
	}
	defer rows.Close()
	var out []storage.CorpusOffer
	for rows.Next() {
		var posting, offerID, chainRaw, doc string
		if err := rows.Scan(&posting, &offerID, &chainRaw, &doc); err != nil {
			return storage.FromError[storage.CorpusOffer](wrapSQLError(op, "scanning row", err))
		}
		chain, err := unmarshalChain(op, chainRaw)
		if err != nil {
			return storage.FromError[storage.CorpusOffer](err)
		}
		o, err := offer.Parse([]byte(doc))
		if err != nil {
			return storage.FromError[storage.CorpusOffer](storage.NewDataError(op,
				"decoding snapshot", storage.ErrCorruptRecord).WithCode("CORRUPT_RECORD"))
		}
		out = append(out, storage.CorpusOffer{
			ProducerOrgURL: producerOrgURL, Offer: o, ReshareChain: chain,
		})
	}
	if err := rows.Err(); err != nil {
		return storage.FromError[storage.CorpusOffer](wrapSQLError(op, "iterating rows", err))
	}
	return storage.FromSlice(out)
}

// --- timeline ---

// timelineEntries loads every timeline entry of one offer and its row ids.
func (t *Tx) timelineEntries(ctx context.Context, postingOrgURL, offerID string) ([]storage.TimelineEntry, []string, error) {
	const op = "sqlstore.timelineEntries"
	rows, err := t.query(ctx, op, `SELECT id, update_utc, target_org, start_utc, end_utc,
		is_reservation, is_rejection, chain
		FROM timeline_entry
		WHERE host = ? AND posting_org = ? AND offer_id = ?
		ORDER BY start_utc, target_org`,
		t.host, postingOrgURL, offerID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var entries []storage.TimelineEntry
	var ids []string
	for rows.Next() {
		var id, target, chainRaw string
		var updateUTC, start, end int64
		var isRes, isRej int
		if err := rows.Scan(&id, &updateUTC, &target, &start, &end, &isRes, &isRej, &chainRaw); err != nil {
			return nil, nil, wrapSQLError(op, "scanning row", err)
		}
		chain, err := unmarshalChain(op, chainRaw)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, storage.TimelineEntry{
			PostingOrgURL:  postingOrgURL,
			OfferID:        offerID,
			OfferUpdateUTC: updateUTC,
			TargetOrgURL:   target,
			StartTimeUTC:   start,
			EndTimeUTC:     end,
			IsReservation:  isRes != 0,
			IsRejection:    isRej != 0,
			ReshareChain:   chain,
		})
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, wrapSQLError(op, "iterating rows", err)
	}
	return entries, ids, nil
}

// GetTimelineForOffer implements storage.Tx.
func (t *Tx) GetTimelineForOffer(ctx context.Context, postingOrgURL, offerID string,
	within *interval.Interval, targetOrgURL *string) storage.Iterator[storage.TimelineEntry] {
	entries, _, err := t.timelineEntries(ctx, postingOrgURL, offerID)
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
	return storage.FromSlice(out)
}

// AddTimelineEntries implements storage.Tx.
func (t *Tx) AddTimelineEntries(ctx context.Context, entries ...storage.TimelineEntry) error {
	const op = "sqlstore.AddTimelineEntries"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	for _, e := range entries {
		if e.Interval().IsEmpty() {
			continue
		}
		if _, err := t.exec(ctx, op, `INSERT INTO timeline_entry
			(id, host, posting_org, offer_id, update_utc, target_org, start_utc, end_utc,
			 is_reservation, is_rejection, chain)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), t.host, e.PostingOrgURL, e.OfferID, e.OfferUpdateUTC,
			e.TargetOrgURL, e.StartTimeUTC, e.EndTimeUTC,
			boolInt(e.IsReservation), boolInt(e.IsRejection),
			marshalChain(e.ReshareChain)); err != nil {
			return err
		}
	}
	return nil
}

// TruncateFutureTimelineForOffer implements storage.Tx.
func (t *Tx) TruncateFutureTimelineForOffer(ctx context.Context, postingOrgURL,
	offerID string, at int64) error {
	const op = "sqlstore.TruncateFutureTimelineForOffer"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	if _, err := t.exec(ctx, op, `DELETE FROM timeline_entry
		WHERE host = ? AND posting_org = ? AND offer_id = ?
			AND is_rejection = 0 AND start_utc >= ?`,
		t.host, postingOrgURL, offerID, at); err != nil {
		return err
	}
	_, err := t.exec(ctx, op, `UPDATE timeline_entry SET end_utc = ?
		WHERE host = ? AND posting_org = ? AND offer_id = ?
			AND is_rejection = 0 AND start_utc < ? AND end_utc > ?`,
		at, t.host, postingOrgURL, offerID, at, at)
	return err
}

// --- visibility ---

// offerRefsWithTimeline returns every offer that has timeline entries, in
// (postingOrgUrl, offerId) order.
func (t *Tx) offerRefsWithTimeline(ctx context.Context) ([]offer.Ref, error) {
	const op = "sqlstore.offerRefsWithTimeline"
	rows, err := t.query(ctx, op, `SELECT DISTINCT posting_org, offer_id
		FROM timeline_entry WHERE host = ?
		ORDER BY posting_org, offer_id`, t.host)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []offer.Ref
	for rows.Next() {
		var ref offer.Ref
		if err := rows.Scan(&ref.PostingOrgURL, &ref.OfferID); err != nil {
			return nil, wrapSQLError(op, "scanning row", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(op, "iterating rows", err)
	}
	return out, nil
}

// visibleOfferIterator resolves visibility offer by offer, loading each
// offer's timeline only when the consumer pulls it.
type visibleOfferIterator struct {
	tx     *Tx
	viewer string
	at     int64
	skip   int
	limit  int
	sent   int
	refs   []offer.Ref
	pos    int
}

func (t *Tx) newVisibleOfferIterator(ctx context.Context, viewerOrgURL string, at int64,
	skip, limit int) storage.Iterator[storage.VisibleOffer] {
	refs, err := t.offerRefsWithTimeline(ctx)
	if err != nil {
		return storage.FromError[storage.VisibleOffer](err)
	}
	return &visibleOfferIterator{tx: t, viewer: viewerOrgURL, at: at, skip: skip, limit: limit, refs: refs}
}

func (v *visibleOfferIterator) Next(ctx context.Context) (storage.VisibleOffer, bool, error) {
	var zero storage.VisibleOffer
	for {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		if v.limit > 0 && v.sent >= v.limit {
			return zero, false, nil
		}
		if v.pos >= len(v.refs) {
			return zero, false, nil
		}
		ref := v.refs[v.pos]
		v.pos++
		entries, _, err := v.tx.timelineEntries(ctx, ref.PostingOrgURL, ref.OfferID)
		if err != nil {
			return zero, false, err
		}
		entry, visible := storage.ResolveVisible(entries, v.viewer, v.at)
		if !visible {
			continue
		}
		if v.skip > 0 {
			v.skip--
			continue
		}
		o, err := v.tx.loadSnapshot(ctx, ref.PostingOrgURL, ref.OfferID, entry.OfferUpdateUTC)
		if err != nil {
			return zero, false, err
		}
		v.sent++
		return storage.VisibleOffer{Offer: o, Entry: entry}, true, nil
	}
}

func (v *visibleOfferIterator) Close() error {
	return nil
}

// GetOffersAtTime implements storage.Tx.
func (t *Tx) GetOffersAtTime(ctx context.Context, viewerOrgURL string, at int64,
	skip, limit int) storage.Iterator[storage.VisibleOffer] {
	return t.newVisibleOfferIterator(ctx, viewerOrgURL, at, skip, limit)
}

// GetOfferAtTime implements storage.Tx.
func (t *Tx) GetOfferAtTime(ctx context.Context, viewerOrgURL, postingOrgURL,
	offerID string, at int64) (*storage.VisibleOffer, error) {
	entries, _, err := t.timelineEntries(ctx, postingOrgURL, offerID)
	if err != nil {
		return nil, err
	}
	entry, visible := storage.ResolveVisible(entries, viewerOrgURL, at)
	if !visible {
		return nil, storage.NewNotFoundError("sqlstore.GetOfferAtTime",
			fmt.Sprintf("offer %s#%s visible to %s", postingOrgURL, offerID, viewerOrgURL))
	}
	o, err := t.loadSnapshot(ctx, postingOrgURL, offerID, entry.OfferUpdateUTC)
	if err != nil {
		return nil, err
	}
	return &storage.VisibleOffer{Offer: o, Entry: entry}, nil
}

// GetChangedOffers implements storage.Tx.
func (t *Tx) GetChangedOffers(ctx context.Context, viewerOrgURL string, oldT,
	newT int64) storage.Iterator[storage.ChangedOffer] {
	oldSet, err := storage.Collect(ctx, t.newVisibleOfferIterator(ctx, viewerOrgURL, oldT, 0, 0))
	if err != nil {
		return storage.FromError[storage.ChangedOffer](err)
	}
	newSet, err := storage.Collect(ctx, t.newVisibleOfferIterator(ctx, viewerOrgURL, newT, 0, 0))
	if err != nil {
		return storage.FromError[storage.ChangedOffer](err)
	}
	return storage.FromSlice(storage.ChangedOffersBetween(oldSet, newSet))
}

// --- acceptance history ---

// WriteAccept implements storage.Tx.
func (t *Tx) WriteAccept(ctx context.Context, acceptingOrgURL string, o *offer.Offer,
	atUTC int64, chain reshare.DecodedChain) error {
	const op = "sqlstore.WriteAccept"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	if err := t.ensureSnapshot(ctx, op, o); err != nil {
		return err
	}
	decoded, err := json.Marshal(chain)
	if err != nil {
		return storage.NewDataError(op, "encoding decoded chain", err)
	}
	id := uuid.NewString()
	if _, err := t.exec(ctx, op, `INSERT INTO acceptance
		(id, host, posting_org, offer_id, update_utc, accepting_org, accepted_at, decoded_chain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, t.host, o.OfferedBy, o.ID, o.LastUpdateUTC(), acceptingOrgURL, atUTC,
		string(decoded)); err != nil {
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
	for _, v := range viewerList {
		if _, err := t.exec(ctx, op, `INSERT INTO acceptance_viewer (acceptance_id, viewer_org)
			VALUES (?, ?)`, id, v); err != nil {
			return err
		}
	}
	return nil
}

// WriteReject implements storage.Tx.
func (t *Tx) WriteReject(ctx context.Context, rejectingOrgURL, postingOrgURL,
	offerID string, atUTC, untilUTC int64) error {
	const op = "sqlstore.WriteReject"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	ver, ok, err := t.visibleVersion(ctx, postingOrgURL, offerID, "", "")
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
	const op = "sqlstore.GetHistory"
	since := int64(0)
	if sinceUTC != nil {
		since = *sinceUTC
	}
	var out []storage.Acceptance
	var ids []string
	err := func() error {
		rows, err := t.query(ctx, op, `SELECT a.id, a.posting_org, a.offer_id, a.update_utc,
			a.accepting_org, a.accepted_at, a.decoded_chain, s.doc
			FROM acceptance a
			JOIN acceptance_viewer v ON v.acceptance_id = a.id
			JOIN offer_snapshot s ON s.host = a.host AND s.posting_org = a.posting_org
				AND s.offer_id = a.offer_id AND s.update_utc = a.update_utc
			WHERE a.host = ? AND v.viewer_org = ? AND a.accepted_at >= ?
			ORDER BY a.accepted_at, a.id
			`+t.store.limitAll()+` OFFSET ?`,
			t.host, viewerOrgURL, since, skip)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var a storage.Acceptance
			var id, decodedRaw, doc string
			if err := rows.Scan(&id, &a.PostingOrgURL, &a.OfferID, &a.OfferUpdateUTC,
				&a.AcceptingOrgURL, &a.AcceptedAtUTC, &decodedRaw, &doc); err != nil {
				return wrapSQLError(op, "scanning row", err)
			}
			if err := json.Unmarshal([]byte(decodedRaw), &a.DecodedReshareChain); err != nil {
				return storage.NewDataError(op, "decoding acceptance chain",
					storage.ErrCorruptRecord).WithCode("CORRUPT_RECORD")
			}
			o, err := offer.Parse([]byte(doc))
			if err != nil {
				return storage.NewDataError(op, "decoding snapshot",
					storage.ErrCorruptRecord).WithCode("CORRUPT_RECORD")
			}
			a.Offer = o
			out = append(out, a)
			ids = append(ids, id)
		}
		return rows.Err()
	}()
	if err != nil {
		return storage.FromError[storage.Acceptance](err)
	}
	// The viewer lists are loaded after the cursor closes; sqlite runs on a
	// single connection.
	for i, id := range ids {
		viewers, err := t.acceptanceViewers(ctx, id)
		if err != nil {
			return storage.FromError[storage.Acceptance](err)
		}
		out[i].ViewerOrgURLs = viewers
	}
	return storage.FromSlice(out)
}

func (t *Tx) acceptanceViewers(ctx context.Context, acceptanceID string) ([]string, error) {
	const op = "sqlstore.acceptanceViewers"
	rows, err := t.query(ctx, op, `SELECT viewer_org FROM acceptance_viewer
		WHERE acceptance_id = ? ORDER BY viewer_org`, acceptanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var viewers []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, wrapSQLError(op, "scanning row", err)
		}
		viewers = append(viewers, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLError(op, "iterating rows", err)
	}
	return viewers, nil
}

// --- producer metadata ---

// WriteOfferProducerMetadata implements storage.Tx.
func (t *Tx) WriteOfferProducerMetadata(ctx context.Context, md storage.ProducerMetadata) error {
	const op = "sqlstore.WriteOfferProducerMetadata"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	_, err := t.exec(ctx, op, `INSERT INTO producer_metadata
		(host, org, next_run, last_update, failure_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (host, org) DO UPDATE SET
			next_run = excluded.next_run,
			last_update = excluded.last_update,
			failure_count = excluded.failure_count`,
		t.host, md.OrganizationURL, md.NextRunUTC, md.LastUpdateUTC, md.FailureCount)
	return err
}

// GetOfferProducerMetadata implements storage.Tx. Inside a read-write
// transaction the read takes the producer's row lock: on postgres via
// FOR UPDATE NOWAIT, which surfaces a concurrent holder as
// ErrProducerLocked; on sqlite the per-host transaction lock already
// excludes concurrent writers.
func (t *Tx) GetOfferProducerMetadata(ctx context.Context, producerOrgURL string) (*storage.ProducerMetadata, error) {
	const op = "sqlstore.GetOfferProducerMetadata"
	query := `SELECT org, next_run, last_update, failure_count FROM producer_metadata
		WHERE host = ? AND org = ?`
	if t.typ == storage.TxReadWrite && t.store.cfg.Driver == DriverPostgres {
		query += ` FOR UPDATE NOWAIT`
	}
	var md storage.ProducerMetadata
	err := t.queryRow(ctx, query, t.host, producerOrgURL).
		Scan(&md.OrganizationURL, &md.NextRunUTC, &md.LastUpdateUTC, &md.FailureCount)
	if err == sql.ErrNoRows {
		return nil, storage.NewNotFoundError(op,
			fmt.Sprintf("producer metadata for %s", producerOrgURL))
	}
	if err != nil {
		return nil, wrapSQLError(op, "reading producer metadata", err)
	}
	return &md, nil
}

// --- known offering orgs ---

// AddKnownOfferingOrg implements storage.Tx.
func (t *Tx) AddKnownOfferingOrg(ctx context.Context, orgURL string, lastSeenUTC int64) error {
	const op = "sqlstore.AddKnownOfferingOrg"
	if err := t.requireWrite(op); err != nil {
		return err
	}
	_, err := t.exec(ctx, op, `INSERT INTO known_offering_org (host, org, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT (host, org) DO UPDATE SET last_seen = excluded.last_seen`,
		t.host, orgURL, lastSeenUTC)
	return err
}

// GetKnownOfferingOrgs implements storage.Tx.
func (t *Tx) GetKnownOfferingOrgs(ctx context.Context) storage.Iterator[storage.KnownOfferingOrg] {
	const op = "sqlstore.GetKnownOfferingOrgs"
	rows, err := t.query(ctx, op, `SELECT org, last_seen FROM known_offering_org
		WHERE host = ? ORDER BY org`, t.host)
	if err != nil {
		return storage.FromError[storage.KnownOfferingOrg](err)
	}
	defer rows.Close()
	var out []storage.KnownOfferingOrg
	for rows.Next() {
		var rec storage.KnownOfferingOrg
		if err := rows.Scan(&rec.OrgURL, &rec.LastSeenUTC); err != nil {
			return storage.FromError[storage.KnownOfferingOrg](wrapSQLError(op, "scanning row", err))
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return storage.FromError[storage.KnownOfferingOrg](wrapSQLError(op, "iterating rows", err))
	}
	return storage.FromSlice(out)
}

var _ storage.Tx = (*Tx)(nil)
