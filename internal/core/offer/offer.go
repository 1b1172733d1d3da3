// Package offer defines the offer document model and its identifiers.
//
// Offers are JSON documents owned by their posting organization. The
// envelope fields below are interpreted by the node; everything else in
// the document is preserved byte-for-byte across storage and relisting.
package offer

import (
	"encoding/json"
	"sort"
)

// Envelope field names interpreted by the node.
const (
	fieldID                = "id"
	fieldOfferedBy         = "offeredBy"
	fieldDescription       = "description"
	fieldContents          = "contents"
	fieldContactInfo       = "contactInfo"
	fieldOfferLocation     = "offerLocation"
	fieldCreationUTC       = "offerCreationUTC"
	fieldUpdateUTC         = "offerUpdateUTC"
	fieldExpirationUTC     = "offerExpirationUTC"
	fieldMaxReservationSec = "maxReservationTimeSecs"
	fieldReshareChain      = "reshareChain"
)

// Offer is one offer document. Unknown fields survive a decode/encode
// round trip through the extra map.
type Offer struct {
	ID                     string          `json:"id"`
	OfferedBy              string          `json:"offeredBy"`
	Description            string          `json:"description,omitempty"`
	Contents               json.RawMessage `json:"contents,omitempty"`
	ContactInfo            json.RawMessage `json:"contactInfo,omitempty"`
	OfferLocation          json.RawMessage `json:"offerLocation,omitempty"`
	OfferCreationUTC       int64           `json:"offerCreationUTC"`
	OfferUpdateUTC         int64           `json:"offerUpdateUTC,omitempty"`
	OfferExpirationUTC     int64           `json:"offerExpirationUTC"`
	MaxReservationTimeSecs int64           `json:"maxReservationTimeSecs,omitempty"`
	ReshareChain           []string        `json:"reshareChain,omitempty"`

	extra map[string]json.RawMessage
}

// Ref identifies an offer across the federation.
type Ref struct {
	OfferID       string `json:"offerId"`
	PostingOrgURL string `json:"postingOrgUrl"`
}

// VersionedRef identifies one version of an offer.
type VersionedRef struct {
	Ref
	LastUpdateTimeUTC int64 `json:"lastUpdateTimeUTC"`
}

// Key returns the canonical map key for the offer: postingOrgUrl + "#" +
// offerId.
func (r Ref) Key() string {
	return r.PostingOrgURL + "#" + r.OfferID
}

// Ref returns the offer's federation-wide identifier. The posting
// organization is the offeredBy org.
func (o *Offer) Ref() Ref {
	return Ref{OfferID: o.ID, PostingOrgURL: o.OfferedBy}
}

// VersionedRef returns the identifier of this version of the offer.
func (o *Offer) VersionedRef() VersionedRef {
	return VersionedRef{Ref: o.Ref(), LastUpdateTimeUTC: o.LastUpdateUTC()}
}

// Key returns the canonical map key for the offer.
func (o *Offer) Key() string {
	return o.Ref().Key()
}

// LastUpdateUTC returns the offer's version timestamp, defaulting to the
// creation time when the document carries no offerUpdateUTC.
func (o *Offer) LastUpdateUTC() int64 {
	if o.OfferUpdateUTC != 0 {
		return o.OfferUpdateUTC
	}
	return o.OfferCreationUTC
}

// SameVersion reports whether the two offers are the same version of the
// same offer. Version identity is (postingOrgUrl, offerId, update time);
// document contents are not compared.
func SameVersion(a, b *Offer) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.OfferedBy == b.OfferedBy && a.LastUpdateUTC() == b.LastUpdateUTC()
}

// UnmarshalJSON decodes the envelope fields and keeps everything else.
func (o *Offer) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*o = Offer{}
	take := func(name string, dst interface{}) error {
		raw, ok := fields[name]
		if !ok {
			return nil
		}
		delete(fields, name)
		return json.Unmarshal(raw, dst)
	}
	if err := take(fieldID, &o.ID); err != nil {
		return err
	}
	if err := take(fieldOfferedBy, &o.OfferedBy); err != nil {
		return err
	}
	if err := take(fieldDescription, &o.Description); err != nil {
		return err
	}
	if err := take(fieldCreationUTC, &o.OfferCreationUTC); err != nil {
		return err
	}
	if err := take(fieldUpdateUTC, &o.OfferUpdateUTC); err != nil {
		return err
	}
	if err := take(fieldExpirationUTC, &o.OfferExpirationUTC); err != nil {
		return err
	}
	if err := take(fieldMaxReservationSec, &o.MaxReservationTimeSecs); err != nil {
		return err
	}
	if err := take(fieldReshareChain, &o.ReshareChain); err != nil {
		return err
	}
	if raw, ok := fields[fieldContents]; ok {
		o.Contents = raw
		delete(fields, fieldContents)
	}
	if raw, ok := fields[fieldContactInfo]; ok {
		o.ContactInfo = raw
		delete(fields, fieldContactInfo)
	}
	if raw, ok := fields[fieldOfferLocation]; ok {
		o.OfferLocation = raw
		delete(fields, fieldOfferLocation)
	}
	if len(fields) > 0 {
		o.extra = fields
	}
	return nil
}

// MarshalJSON encodes the envelope fields over the preserved unknown
// fields. Map keys are emitted in lexicographic order, so encoding is
// deterministic.
func (o *Offer) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(o.extra)+11)
	for k, v := range o.extra {
		fields[k] = v
	}
	put := func(name string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		fields[name] = raw
		return nil
	}
	if err := put(fieldID, o.ID); err != nil {
		return nil, err
	}
	if err := put(fieldOfferedBy, o.OfferedBy); err != nil {
		return nil, err
	}
	if err := put(fieldCreationUTC, o.OfferCreationUTC); err != nil {
		return nil, err
	}
	if err := put(fieldExpirationUTC, o.OfferExpirationUTC); err != nil {
		return nil, err
	}
	if o.Description != "" {
		if err := put(fieldDescription, o.Description); err != nil {
			return nil, err
		}
	}
	if o.OfferUpdateUTC != 0 {
		if err := put(fieldUpdateUTC, o.OfferUpdateUTC); err != nil {
			return nil, err
		}
	}
	if o.MaxReservationTimeSecs != 0 {
		if err := put(fieldMaxReservationSec, o.MaxReservationTimeSecs); err != nil {
			return nil, err
		}
	}
	if len(o.ReshareChain) > 0 {
		if err := put(fieldReshareChain, o.ReshareChain); err != nil {
			return nil, err
		}
	}
	if len(o.Contents) > 0 {
		fields[fieldContents] = o.Contents
	}
	if len(o.ContactInfo) > 0 {
		fields[fieldContactInfo] = o.ContactInfo
	}
	if len(o.OfferLocation) > 0 {
		fields[fieldOfferLocation] = o.OfferLocation
	}
	return json.Marshal(fields)
}

// Parse decodes an offer document.
func Parse(data []byte) (*Offer, error) {
	var o Offer
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// Clone returns a deep copy of the offer.
func (o *Offer) Clone() *Offer {
	data, err := json.Marshal(o)
	if err != nil {
		// The offer was built from JSON; re-encoding cannot fail.
		panic(err)
	}
	clone, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return clone
}

// WithoutChain returns a copy of the offer with no reshare chain. Offer
// snapshots are stored chain-free so one version can be referenced by
// corpora holding different chains.
func (o *Offer) WithoutChain() *Offer {
	c := o.Clone()
	c.ReshareChain = nil
	return c
}

// WithChain returns a copy of the offer carrying the given chain.
func (o *Offer) WithChain(chain []string) *Offer {
	c := o.Clone()
	if len(chain) == 0 {
		c.ReshareChain = nil
	} else {
		c.ReshareChain = append([]string(nil), chain...)
	}
	return c
}

// Set is a collection of offers keyed canonically.
type Set map[string]*Offer

// NewSet builds a set from the given offers.
func NewSet(offers ...*Offer) Set {
	s := make(Set, len(offers))
	for _, o := range offers {
		s.Add(o)
	}
	return s
}

// Add inserts or replaces the offer under its canonical key.
func (s Set) Add(o *Offer) {
	s[o.Key()] = o
}

// SortedKeys returns the set's keys in lexicographic order.
func (s Set) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of the set sharing the offer documents.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
