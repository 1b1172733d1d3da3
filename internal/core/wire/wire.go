// Package wire defines the JSON request and response bodies of the
// federation API. Field names are fixed by the protocol; every timestamp
// is UTC milliseconds.
package wire

import (
	"encoding/base64"
	"encoding/json"

	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/offerpatch"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
)

// ListFormat selects how a LIST response describes the offer set.
type ListFormat string

const (
	// FormatSnapshot returns the full visible offer set.
	FormatSnapshot ListFormat = "SNAPSHOT"
	// FormatDiff returns patches against an earlier snapshot.
	FormatDiff ListFormat = "DIFF"
)

// ListOffersPayload is the body of POST /api/list.
type ListOffersPayload struct {
	PageToken             string     `json:"pageToken,omitempty"`
	MaxResultsPerPage     int        `json:"maxResultsPerPage,omitempty"`
	RequestedResultFormat ListFormat `json:"requestedResultFormat,omitempty"`
	// DiffStartTimestampUTC requests DIFF format against the visible set
	// at this instant.
	DiffStartTimestampUTC *int64 `json:"diffStartTimestampUTC,omitempty"`
}

// Format returns the effective result format of the request.
func (p ListOffersPayload) Format() ListFormat {
	if p.RequestedResultFormat == FormatDiff || p.DiffStartTimestampUTC != nil {
		return FormatDiff
	}
	return FormatSnapshot
}

// ListOffersResponse is the body of a successful LIST.
type ListOffersResponse struct {
	ResponseTimestampUTC  int64             `json:"responseTimestampUTC"`
	ResultFormat          ListFormat        `json:"resultFormat"`
	Offers                []*offer.Offer    `json:"offers,omitempty"`
	Diff                  []offerpatch.Patch `json:"diff,omitempty"`
	NextPageToken         string            `json:"nextPageToken,omitempty"`
	EarliestNextRequestUTC *int64           `json:"earliestNextRequestUTC,omitempty"`
}

// AcceptOfferPayload is the body of POST /api/accept.
type AcceptOfferPayload struct {
	OfferID       string `json:"offerId"`
	PostingOrgURL string `json:"postingOrgUrl,omitempty"`
	// IfNotNewerThanTimestampUTC makes the accept conditional on the offer
	// version: a newer stored version fails with OFFER_HAS_CHANGED.
	IfNotNewerThanTimestampUTC *int64 `json:"ifNotNewerThanTimestampUTC,omitempty"`
	// ReshareChain presented when accepting an offer relayed onward; its
	// sharing organizations gain history visibility.
	ReshareChain []string `json:"reshareChain,omitempty"`
}

// AcceptOfferResponse is the body of a successful ACCEPT.
type AcceptOfferResponse struct {
	Offer *offer.Offer `json:"offer"`
}

// RejectOfferPayload is the body of POST /api/reject.
type RejectOfferPayload struct {
	OfferID       string `json:"offerId"`
	PostingOrgURL string `json:"postingOrgUrl,omitempty"`
}

// RejectOfferResponse is the body of a successful REJECT.
type RejectOfferResponse struct{}

// ReserveOfferPayload is the body of POST /api/reserve.
type ReserveOfferPayload struct {
	OfferID                 string `json:"offerId"`
	PostingOrgURL           string `json:"postingOrgUrl,omitempty"`
	RequestedReservationSecs int64 `json:"requestedReservationSecs"`
}

// ReserveOfferResponse is the body of a successful RESERVE.
type ReserveOfferResponse struct {
	Offer                    *offer.Offer `json:"offer"`
	ReservationExpirationUTC int64        `json:"reservationExpirationUTC"`
}

// HistoryPayload is the body of POST /api/history.
type HistoryPayload struct {
	HistorySinceUTC   *int64 `json:"historySinceUTC,omitempty"`
	PageToken         string `json:"pageToken,omitempty"`
	MaxResultsPerPage int    `json:"maxResultsPerPage,omitempty"`
}

// OfferHistoryItem is one acceptance record visible to the caller.
type OfferHistoryItem struct {
	Offer                  *offer.Offer         `json:"offer"`
	AcceptingOrganization  string               `json:"acceptingOrganization"`
	AcceptedAtUTC          int64                `json:"acceptedAtUTC"`
	DecodedReshareChain    reshare.DecodedChain `json:"decodedReshareChain,omitempty"`
}

// HistoryResponse is the body of a successful HISTORY.
type HistoryResponse struct {
	OfferHistories []OfferHistoryItem `json:"offerHistories"`
	NextPageToken  string             `json:"nextPageToken,omitempty"`
}

// OfferSetUpdate is the result of one producer run: either the full offer
// set or patches against the producer's previous set.
type OfferSetUpdate struct {
	Offers                        []*offer.Offer     `json:"offers,omitempty"`
	Delta                         []offerpatch.Patch `json:"delta,omitempty"`
	SourceOrgURL                  string             `json:"sourceOrgUrl"`
	UpdateCurrentAsOfTimestampUTC int64              `json:"updateCurrentAsOfTimestampUTC"`
	EarliestNextRequestUTC        *int64             `json:"earliestNextRequestUTC,omitempty"`
}

// IsDelta reports whether the update carries patches instead of offers.
func (u *OfferSetUpdate) IsDelta() bool {
	return u.Offers == nil && u.Delta != nil
}

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorBodyOf maps err to its wire form.
func ErrorBodyOf(err error) ErrorBody {
	return ErrorBody{
		Code:    status.CodeOf(err),
		Message: err.Error(),
		Details: status.DetailsOf(err),
	}
}

// PageToken is the decoded form of the opaque paging token used by LIST
// and HISTORY. AsOfUTC pins every page of one listing to the same instant.
type PageToken struct {
	Skip    int   `json:"skip"`
	AsOfUTC int64 `json:"asOf"`
}

// Encode returns the opaque wire form of the token.
func (t PageToken) Encode() string {
	raw, err := json.Marshal(t)
	if err != nil {
		// Two ints cannot fail to encode.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePageToken parses an opaque page token.
func DecodePageToken(s string) (PageToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return PageToken{}, status.Wrap(status.CodeBadRequest, "page token does not decode", err)
	}
	var t PageToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return PageToken{}, status.Wrap(status.CodeBadRequest, "page token does not parse", err)
	}
	if t.Skip < 0 || t.AsOfUTC < 0 {
		return PageToken{}, status.New(status.CodeBadRequest, "page token out of range")
	}
	return t, nil
}
