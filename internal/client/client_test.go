package client

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goOPRd/internal/auth"
	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/feed"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/offerpatch"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
)

const selfOrg = "https://self.example.org/org.json"

// peer is a fake remote node: a test server plus the client wired to it.
type peer struct {
	mux    *http.ServeMux
	orgURL string
	client *Client
	clk    *clock.FakeClock
	events []bus.Change
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{mux: http.NewServeMux(), clk: clock.NewFakeClock(1_700_000_000_000)}
	srv := httptest.NewServer(p.mux)
	t.Cleanup(srv.Close)
	p.orgURL = srv.URL + "/org.json"

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	changeBus := bus.New(bus.WithLogger(logging.NopLogger{}))
	changeBus.Handle(func(ctx context.Context, c bus.Change) error {
		p.events = append(p.events, c)
		return nil
	})

	p.client, err = New(Config{
		HTTP:   srv.Client(),
		Issuer: auth.NewTokenIssuer(selfOrg, "test-key", key, p.clk),
		Orgs: auth.StaticOrgResolver{p.orgURL: &auth.Descriptor{
			Name:                      "Peer",
			OrganizationURL:           p.orgURL,
			ListProductsEndpointURL:   srv.URL + "/api/list",
			AcceptProductEndpointURL:  srv.URL + "/api/accept",
			RejectProductEndpointURL:  srv.URL + "/api/reject",
			ReserveProductEndpointURL: srv.URL + "/api/reserve",
			HistoryEndpointURL:        srv.URL + "/api/history",
			JWKSURL:                   srv.URL + "/jwks.json",
		}},
		Bus:    changeBus,
		Clock:  p.clk,
		Logger: logging.NopLogger{},
	})
	require.NoError(t, err)
	return p
}

// handleJSON registers a handler that checks the request shape and
// responds with v.
func (p *peer) handleJSON(t *testing.T, path string, decode interface{}, v interface{}) {
	t.Helper()
	p.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if decode != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(decode))
		}
		json.NewEncoder(w).Encode(v)
	})
}

func remoteOffer(id string) *offer.Offer {
	return &offer.Offer{
		ID:                 id,
		OfferedBy:          "https://peer-poster.example.org/org.json",
		OfferCreationUTC:   1_700_000_000_000,
		OfferExpirationUTC: 1_700_000_000_000 + 3_600_000,
	}
}

func TestListOffers(t *testing.T) {
	p := newPeer(t)
	var got wire.ListOffersPayload
	p.handleJSON(t, "/api/list", &got, wire.ListOffersResponse{
		ResponseTimestampUTC: p.clk.Now(),
		ResultFormat:         wire.FormatSnapshot,
		Offers:               []*offer.Offer{remoteOffer("apples")},
	})

	resp, err := p.client.ListOffers(context.Background(), p.orgURL, wire.ListOffersPayload{
		MaxResultsPerPage: 10,
	})
	require.NoError(t, err)
	require.Equal(t, 10, got.MaxResultsPerPage)
	require.Len(t, resp.Offers, 1)
	require.Equal(t, "apples", resp.Offers[0].ID)
}

func TestAcceptOfferPublishesRemoteEvent(t *testing.T) {
	p := newPeer(t)
	var got wire.AcceptOfferPayload
	p.handleJSON(t, "/api/accept", &got, wire.AcceptOfferResponse{Offer: remoteOffer("apples")})

	resp, err := p.client.AcceptOffer(context.Background(), p.orgURL, wire.AcceptOfferPayload{
		OfferID: "apples",
	})
	require.NoError(t, err)
	require.Equal(t, "apples", got.OfferID)
	require.Equal(t, "apples", resp.Offer.ID)

	require.Len(t, p.events, 1)
	require.Equal(t, bus.ChangeRemoteAccept, p.events[0].Type)
	require.Equal(t, p.orgURL, p.events[0].HostOrgURL)
	require.Equal(t, selfOrg, p.events[0].ActorOrgURL)
	require.Equal(t, "apples", p.events[0].Offer.ID)
}

func TestRejectOfferPublishesRemoteEvent(t *testing.T) {
	p := newPeer(t)
	p.handleJSON(t, "/api/reject", nil, struct{}{})

	err := p.client.RejectOffer(context.Background(), p.orgURL, wire.RejectOfferPayload{
		OfferID: "apples",
	})
	require.NoError(t, err)
	require.Len(t, p.events, 1)
	require.Equal(t, bus.ChangeRemoteReject, p.events[0].Type)
}

func TestReserveOfferPublishesRemoteEvent(t *testing.T) {
	p := newPeer(t)
	p.handleJSON(t, "/api/reserve", nil, wire.ReserveOfferResponse{
		Offer:                    remoteOffer("apples"),
		ReservationExpirationUTC: p.clk.Now() + 60_000,
	})

	resp, err := p.client.ReserveOffer(context.Background(), p.orgURL, wire.ReserveOfferPayload{
		OfferID:                  "apples",
		RequestedReservationSecs: 60,
	})
	require.NoError(t, err)
	require.Equal(t, p.clk.Now()+60_000, resp.ReservationExpirationUTC)
	require.Len(t, p.events, 1)
	require.Equal(t, bus.ChangeRemoteReserve, p.events[0].Type)
}

func TestHistory(t *testing.T) {
	p := newPeer(t)
	p.handleJSON(t, "/api/history", nil, wire.HistoryResponse{
		OfferHistories: []wire.OfferHistoryItem{{
			Offer:                 remoteOffer("apples"),
			AcceptingOrganization: selfOrg,
			AcceptedAtUTC:         p.clk.Now(),
		}},
	})

	resp, err := p.client.History(context.Background(), p.orgURL, wire.HistoryPayload{})
	require.NoError(t, err)
	require.Len(t, resp.OfferHistories, 1)
	require.Equal(t, selfOrg, resp.OfferHistories[0].AcceptingOrganization)
}

func TestPeerErrorBodyBecomesStatus(t *testing.T) {
	p := newPeer(t)
	p.mux.HandleFunc("/api/accept", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(wire.ErrorBody{
			Code:    status.CodeNoAvailableOffer,
			Message: "offer is gone",
		})
	})

	_, err := p.client.AcceptOffer(context.Background(), p.orgURL, wire.AcceptOfferPayload{
		OfferID: "apples",
	})
	require.Error(t, err)
	require.Equal(t, status.CodeNoAvailableOffer, status.CodeOf(err))
	// A failed call publishes nothing.
	require.Empty(t, p.events)
}

func TestOpaquePeerFailure(t *testing.T) {
	p := newPeer(t)
	p.mux.HandleFunc("/api/list", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := p.client.ListOffers(context.Background(), p.orgURL, wire.ListOffersPayload{})
	require.Error(t, err)
	require.Equal(t, status.CodeInternal, status.CodeOf(err))
}

func TestMissingEndpoint(t *testing.T) {
	p := newPeer(t)
	bare := "https://bare.example.org/org.json"
	p.client.orgs = auth.StaticOrgResolver{bare: &auth.Descriptor{
		Name:            "Bare",
		OrganizationURL: bare,
	}}

	_, err := p.client.ListOffers(context.Background(), bare, wire.ListOffersPayload{})
	require.Equal(t, status.CodeBadRequest, status.CodeOf(err))
}

func TestFeedProducerSnapshotThenDiff(t *testing.T) {
	p := newPeer(t)
	asOf := p.clk.Now()
	var requests []wire.ListOffersPayload
	p.mux.HandleFunc("/api/list", func(w http.ResponseWriter, r *http.Request) {
		var payload wire.ListOffersPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		requests = append(requests, payload)

		if payload.Format() == wire.FormatDiff {
			json.NewEncoder(w).Encode(wire.ListOffersResponse{
				ResponseTimestampUTC: asOf + 5000,
				ResultFormat:         wire.FormatDiff,
				Diff:                 []offerpatch.Patch{offerpatch.NewClear()},
			})
			return
		}
		// Snapshot in two pages.
		if payload.PageToken == "" {
			json.NewEncoder(w).Encode(wire.ListOffersResponse{
				ResponseTimestampUTC: asOf,
				ResultFormat:         wire.FormatSnapshot,
				Offers:               []*offer.Offer{remoteOffer("apples")},
				NextPageToken:        "page-2",
			})
			return
		}
		require.Equal(t, "page-2", payload.PageToken)
		json.NewEncoder(w).Encode(wire.ListOffersResponse{
			ResponseTimestampUTC: asOf,
			ResultFormat:         wire.FormatSnapshot,
			Offers:               []*offer.Offer{remoteOffer("bread")},
		})
	})

	producer := NewFeedProducer(p.client, p.orgURL, 0)
	require.Equal(t, p.orgURL, producer.Org())

	// First run: full snapshot across both pages.
	update, err := producer.Produce(context.Background(), feed.ProduceRequest{})
	require.NoError(t, err)
	require.False(t, update.IsDelta())
	require.Len(t, update.Offers, 2)
	require.Equal(t, asOf, update.UpdateCurrentAsOfTimestampUTC)

	// Second run: the ingestor hands back the committed cursor and gets a
	// diff anchored at it.
	update, err = producer.Produce(context.Background(), feed.ProduceRequest{LastUpdateUTC: &asOf})
	require.NoError(t, err)
	require.True(t, update.IsDelta())
	require.Equal(t, asOf+5000, update.UpdateCurrentAsOfTimestampUTC)

	last := requests[len(requests)-1]
	require.NotNil(t, last.DiffStartTimestampUTC)
	require.Equal(t, asOf, *last.DiffStartTimestampUTC)
}

func TestFeedProducerRefetchesRolledBackWindow(t *testing.T) {
	p := newPeer(t)
	var diffStarts []int64
	p.mux.HandleFunc("/api/list", func(w http.ResponseWriter, r *http.Request) {
		var payload wire.ListOffersPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.NotNil(t, payload.DiffStartTimestampUTC)
		diffStarts = append(diffStarts, *payload.DiffStartTimestampUTC)
		json.NewEncoder(w).Encode(wire.ListOffersResponse{
			ResponseTimestampUTC: *payload.DiffStartTimestampUTC + 1000,
			ResultFormat:         wire.FormatDiff,
			Diff:                 []offerpatch.Patch{offerpatch.NewClear()},
		})
	})

	producer := NewFeedProducer(p.client, p.orgURL, 0)
	cursor := p.clk.Now()

	// The first diff's ingest rolls back, so the next round presents the
	// same committed cursor; the producer must request the window again
	// instead of remembering the undelivered response.
	_, err := producer.Produce(context.Background(), feed.ProduceRequest{LastUpdateUTC: &cursor})
	require.NoError(t, err)
	_, err = producer.Produce(context.Background(), feed.ProduceRequest{LastUpdateUTC: &cursor})
	require.NoError(t, err)
	require.Equal(t, []int64{cursor, cursor}, diffStarts)
}

func TestFeedProducerPageCap(t *testing.T) {
	p := newPeer(t)
	p.mux.HandleFunc("/api/list", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wire.ListOffersResponse{
			ResponseTimestampUTC: p.clk.Now(),
			ResultFormat:         wire.FormatSnapshot,
			Offers:               []*offer.Offer{remoteOffer("apples")},
			NextPageToken:        "again",
		})
	})

	producer := NewFeedProducer(p.client, p.orgURL, 3)
	_, err := producer.Produce(context.Background(), feed.ProduceRequest{})
	require.Error(t, err)
	require.Equal(t, status.CodeInternal, status.CodeOf(err))
}
