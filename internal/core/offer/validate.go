package offer

import (
	"net/url"

	"github.com/LeJamon/goOPRd/internal/core/status"
)

// Validate checks the structural envelope of an offer document. It is a
// pure function: no clock, no configuration. Content fields such as
// contents and contactInfo are opaque to the node and not inspected.
func Validate(o *Offer) error {
	if o == nil {
		return status.New(status.CodeOfferRejected, "offer is empty")
	}
	if o.ID == "" {
		return status.New(status.CodeOfferRejected, "offer has no id")
	}
	if o.OfferedBy == "" {
		return status.Newf(status.CodeOfferRejected, "offer %s has no offeredBy", o.ID)
	}
	if !isOrgURL(o.OfferedBy) {
		return status.Newf(status.CodeOfferRejected,
			"offer %s offeredBy %q is not an absolute http(s) URL", o.ID, o.OfferedBy)
	}
	if o.OfferCreationUTC <= 0 {
		return status.Newf(status.CodeOfferRejected,
			"offer %s has no offerCreationUTC", o.ID)
	}
	if o.OfferExpirationUTC < o.OfferCreationUTC {
		return status.Newf(status.CodeOfferRejected,
			"offer %s expires at %d before its creation at %d",
			o.ID, o.OfferExpirationUTC, o.OfferCreationUTC)
	}
	if o.OfferUpdateUTC != 0 && o.OfferUpdateUTC < o.OfferCreationUTC {
		return status.Newf(status.CodeOfferRejected,
			"offer %s updated at %d before its creation at %d",
			o.ID, o.OfferUpdateUTC, o.OfferCreationUTC)
	}
	if o.MaxReservationTimeSecs < 0 {
		return status.Newf(status.CodeOfferRejected,
			"offer %s has negative maxReservationTimeSecs", o.ID)
	}
	return nil
}

func isOrgURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
