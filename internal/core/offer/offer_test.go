package offer

import (
	"encoding/json"
	"testing"

	"github.com/LeJamon/goOPRd/internal/core/status"
)

const sampleDoc = `{
	"id": "box-42",
	"offeredBy": "https://citadel.example.org/org.json",
	"description": "42 boxes of produce",
	"contents": {"items": [{"name": "apples", "quantity": 12}]},
	"offerCreationUTC": 1000,
	"offerUpdateUTC": 2000,
	"offerExpirationUTC": 90000,
	"maxReservationTimeSecs": 300,
	"transportationDetails": {"vehicle": "van"},
	"estimatedWeightKg": 120
}`

func TestParseEnvelope(t *testing.T) {
	o, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if o.ID != "box-42" {
		t.Errorf("ID = %q, want box-42", o.ID)
	}
	if o.OfferedBy != "https://citadel.example.org/org.json" {
		t.Errorf("OfferedBy = %q", o.OfferedBy)
	}
	if o.LastUpdateUTC() != 2000 {
		t.Errorf("LastUpdateUTC = %d, want 2000", o.LastUpdateUTC())
	}
	if o.OfferExpirationUTC != 90000 {
		t.Errorf("OfferExpirationUTC = %d, want 90000", o.OfferExpirationUTC)
	}
	if o.MaxReservationTimeSecs != 300 {
		t.Errorf("MaxReservationTimeSecs = %d, want 300", o.MaxReservationTimeSecs)
	}
}

func TestUnknownFieldsRoundTrip(t *testing.T) {
	o, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	out, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("Unmarshal round trip: %v", err)
	}
	if _, ok := got["transportationDetails"]; !ok {
		t.Error("transportationDetails lost in round trip")
	}
	if got["estimatedWeightKg"] != float64(120) {
		t.Errorf("estimatedWeightKg = %v, want 120", got["estimatedWeightKg"])
	}
	// A second round trip must be byte-identical: encoding is deterministic.
	o2, err := Parse(out)
	if err != nil {
		t.Fatalf("Parse second: %v", err)
	}
	out2, err := json.Marshal(o2)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}
	if string(out) != string(out2) {
		t.Errorf("round trip not stable:\n%s\n%s", out, out2)
	}
}

func TestLastUpdateDefaultsToCreation(t *testing.T) {
	o := &Offer{ID: "x", OfferedBy: "https://a.example.org/", OfferCreationUTC: 777, OfferExpirationUTC: 999}
	if got := o.LastUpdateUTC(); got != 777 {
		t.Errorf("LastUpdateUTC = %d, want 777", got)
	}
}

func TestSameVersion(t *testing.T) {
	base := &Offer{ID: "a", OfferedBy: "https://x.example.org/", OfferCreationUTC: 1, OfferUpdateUTC: 5, OfferExpirationUTC: 10}
	tests := []struct {
		name  string
		other *Offer
		want  bool
	}{
		{"identical", &Offer{ID: "a", OfferedBy: "https://x.example.org/", OfferCreationUTC: 1, OfferUpdateUTC: 5, OfferExpirationUTC: 10}, true},
		{"different contents same version", &Offer{ID: "a", OfferedBy: "https://x.example.org/", Description: "changed", OfferCreationUTC: 1, OfferUpdateUTC: 5, OfferExpirationUTC: 10}, true},
		{"newer", &Offer{ID: "a", OfferedBy: "https://x.example.org/", OfferCreationUTC: 1, OfferUpdateUTC: 6, OfferExpirationUTC: 10}, false},
		{"other offer", &Offer{ID: "b", OfferedBy: "https://x.example.org/", OfferCreationUTC: 1, OfferUpdateUTC: 5, OfferExpirationUTC: 10}, false},
		{"other org", &Offer{ID: "a", OfferedBy: "https://y.example.org/", OfferCreationUTC: 1, OfferUpdateUTC: 5, OfferExpirationUTC: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameVersion(base, tt.other); got != tt.want {
				t.Errorf("SameVersion = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyFormat(t *testing.T) {
	o := &Offer{ID: "box-1", OfferedBy: "https://a.example.org/org.json"}
	want := "https://a.example.org/org.json#box-1"
	if got := o.Key(); got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestWithoutChain(t *testing.T) {
	o, err := Parse([]byte(`{"id":"x","offeredBy":"https://a.example.org/","offerCreationUTC":1,"offerExpirationUTC":2,"reshareChain":["aaa.bbb.ccc"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bare := o.WithoutChain()
	if bare.ReshareChain != nil {
		t.Error("WithoutChain kept the chain")
	}
	if len(o.ReshareChain) != 1 {
		t.Error("WithoutChain mutated the source offer")
	}
	re := bare.WithChain([]string{"xxx.yyy.zzz"})
	if len(re.ReshareChain) != 1 || re.ReshareChain[0] != "xxx.yyy.zzz" {
		t.Errorf("WithChain = %v", re.ReshareChain)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Offer {
		return &Offer{
			ID:                 "box",
			OfferedBy:          "https://a.example.org/org.json",
			OfferCreationUTC:   1000,
			OfferUpdateUTC:     1500,
			OfferExpirationUTC: 2000,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Offer)
		wantErr bool
	}{
		{"valid", func(o *Offer) {}, false},
		{"no update time", func(o *Offer) { o.OfferUpdateUTC = 0 }, false},
		{"missing id", func(o *Offer) { o.ID = "" }, true},
		{"missing offeredBy", func(o *Offer) { o.OfferedBy = "" }, true},
		{"relative offeredBy", func(o *Offer) { o.OfferedBy = "somewhere/org.json" }, true},
		{"ftp offeredBy", func(o *Offer) { o.OfferedBy = "ftp://a.example.org/" }, true},
		{"no creation", func(o *Offer) { o.OfferCreationUTC = 0 }, true},
		{"expires before creation", func(o *Offer) { o.OfferExpirationUTC = 500 }, true},
		{"updated before creation", func(o *Offer) { o.OfferUpdateUTC = 500 }, true},
		{"negative reservation", func(o *Offer) { o.MaxReservationTimeSecs = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid()
			tt.mutate(o)
			err := Validate(o)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && status.CodeOf(err) != status.CodeOfferRejected {
				t.Errorf("code = %s, want OFFER_REJECTED", status.CodeOf(err))
			}
		})
	}
}

func TestSetSortedKeys(t *testing.T) {
	s := NewSet(
		&Offer{ID: "b", OfferedBy: "https://z.example.org/"},
		&Offer{ID: "a", OfferedBy: "https://z.example.org/"},
		&Offer{ID: "c", OfferedBy: "https://a.example.org/"},
	)
	keys := s.SortedKeys()
	want := []string{
		"https://a.example.org/#c",
		"https://z.example.org/#a",
		"https://z.example.org/#b",
	}
	if len(keys) != len(want) {
		t.Fatalf("len = %d, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}
