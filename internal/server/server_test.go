package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeJamon/goOPRd/internal/auth"
	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/feed"
	"github.com/LeJamon/goOPRd/internal/core/model"
	"github.com/LeJamon/goOPRd/internal/core/offer"
	"github.com/LeJamon/goOPRd/internal/core/reshare"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
	"github.com/LeJamon/goOPRd/internal/storage/pebblestore"
)

const (
	srvHostOrg   = "https://host.example.org/org.json"
	srvCallerOrg = "https://caller.example.org/org.json"
	srvSourceOrg = "https://source.example.org/org.json"
)

const srvBaseUTC = int64(1_700_000_000_000)

type nodeFixture struct {
	clk     *clock.FakeClock
	mdl     *model.Model
	srv     *httptest.Server
	issuers map[string]*auth.TokenIssuer
	offers  []*offer.Offer
}

// newNode assembles a one-host node behind an httptest server. Keys of
// the host and the caller orgs are published through a second test
// server so bearer tokens verify end to end.
func newNode(t *testing.T) *nodeFixture {
	t.Helper()
	clk := clock.NewFakeClock(srvBaseUTC)

	keys := map[string]*rsa.PrivateKey{}
	issuers := map[string]*auth.TokenIssuer{}
	jwksMux := http.NewServeMux()
	jwksSrv := httptest.NewServer(jwksMux)
	t.Cleanup(jwksSrv.Close)
	orgs := auth.StaticOrgResolver{}
	for i, org := range []string{srvHostOrg, srvCallerOrg} {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		keys[org] = key
		issuers[org] = auth.NewTokenIssuer(org, "test-key", key, clk)
		path := "/" + []string{"host", "caller"}[i] + "/jwks.json"
		set := auth.JWKS{Keys: []auth.JWK{auth.FromRSAPublicKey(&key.PublicKey, "test-key")}}
		jwksMux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(set)
		})
		orgs[org] = &auth.Descriptor{
			Name:            org,
			OrganizationURL: org,
			JWKSURL:         jwksSrv.URL + path,
		}
	}

	store := pebblestore.NewInMemory(pebblestore.WithLogger(logging.NopLogger{}))
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close(context.Background()) })

	resolver := reshare.StaticKeyResolver{
		srvHostOrg: &keys[srvHostOrg].PublicKey,
	}
	mdl, err := model.New(model.Config{
		HostOrgURL:     srvHostOrg,
		Storage:        store,
		Clock:          clk,
		Signer:         reshare.NewLocalKeySigner(srvHostOrg, "test-key", keys[srvHostOrg], clk),
		Verifier:       reshare.NewVerifier(resolver, clk),
		Logger:         logging.NopLogger{},
		InternalChecks: true,
	})
	require.NoError(t, err)

	f := &nodeFixture{clk: clk, mdl: mdl, issuers: issuers}
	ing, err := feed.NewIngestor(feed.Config{
		Storage: store,
		Model:   mdl,
		Producers: []feed.Producer{feed.NewLocalProducer(srvSourceOrg,
			func(ctx context.Context) ([]*offer.Offer, error) { return f.offers, nil }, clk)},
		Clock:  clk,
		Logger: logging.NopLogger{},
	})
	require.NoError(t, err)

	host := &Host{
		Name:     "main",
		Model:    mdl,
		Verifier: auth.NewVerifier(auth.NewKeyProvider(orgs, jwksSrv.Client()), clk),
		Ingestor: ing,
		Descriptor: auth.Descriptor{
			Name:            "Main Host",
			OrganizationURL: srvHostOrg,
			JWKSURL:         srvHostOrg[:len(srvHostOrg)-len("org.json")] + "jwks.json",
		},
		Keys: auth.JWKS{Keys: []auth.JWK{auth.FromRSAPublicKey(&keys[srvHostOrg].PublicKey, "test-key")}},
	}

	s, err := New(Config{
		ListenAddress: "127.0.0.1:0",
		Hosts:         []*Host{host},
		Logger:        logging.NopLogger{},
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *nodeFixture) token(t *testing.T, org string) string {
	t.Helper()
	token, err := f.issuers[org].Issue(context.Background(), srvHostOrg)
	require.NoError(t, err)
	return token
}

// post sends an authenticated JSON request and returns the response with
// its body read.
func (f *nodeFixture) post(t *testing.T, path, token string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (f *nodeFixture) seedOffer(t *testing.T, id string) {
	t.Helper()
	err := f.mdl.Update(context.Background(), srvHostOrg, &wire.OfferSetUpdate{
		Offers: []*offer.Offer{{
			ID:                 id,
			OfferedBy:          srvHostOrg,
			OfferCreationUTC:   srvBaseUTC,
			OfferExpirationUTC: srvBaseUTC + 86_400_000,
		}},
		SourceOrgURL:                  srvHostOrg,
		UpdateCurrentAsOfTimestampUTC: f.clk.Now(),
	})
	require.NoError(t, err)
}

func TestServesDescriptorAndKeys(t *testing.T) {
	f := newNode(t)

	for _, path := range []string{"/main/org.json", "/org.json"} {
		resp, err := f.srv.Client().Get(f.srv.URL + path)
		require.NoError(t, err)
		var d auth.Descriptor
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, srvHostOrg, d.OrganizationURL)
	}

	resp, err := f.srv.Client().Get(f.srv.URL + "/main/jwks.json")
	require.NoError(t, err)
	var set auth.JWKS
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	resp.Body.Close()
	require.Len(t, set.Keys, 1)
	require.Equal(t, "test-key", set.Keys[0].Kid)

	// The discovery documents are GET only.
	badResp, _ := f.post(t, "/main/org.json", "", struct{}{})
	require.Equal(t, http.StatusBadRequest, badResp.StatusCode)
}

func TestRejectsUnauthenticatedCalls(t *testing.T) {
	f := newNode(t)

	resp, body := f.post(t, "/main/api/list", "", wire.ListOffersPayload{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var eb wire.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, status.CodeNotAuthorized, eb.Code)

	resp, _ = f.post(t, "/main/api/list", "garbage-token", wire.ListOffersPayload{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListRoundTrip(t *testing.T) {
	f := newNode(t)
	f.seedOffer(t, "apples")

	resp, body := f.post(t, "/main/api/list", f.token(t, srvCallerOrg), wire.ListOffersPayload{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listResp wire.ListOffersResponse
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Equal(t, wire.FormatSnapshot, listResp.ResultFormat)
	require.Len(t, listResp.Offers, 1)
	require.Equal(t, "apples", listResp.Offers[0].ID)

	// The root mount serves the same host.
	resp, _ = f.post(t, "/api/list", f.token(t, srvCallerOrg), wire.ListOffersPayload{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAcceptThenHistory(t *testing.T) {
	f := newNode(t)
	f.seedOffer(t, "apples")
	token := f.token(t, srvCallerOrg)

	resp, body := f.post(t, "/main/api/accept", token, wire.AcceptOfferPayload{OfferID: "apples"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acceptResp wire.AcceptOfferResponse
	require.NoError(t, json.Unmarshal(body, &acceptResp))
	require.Equal(t, "apples", acceptResp.Offer.ID)

	// Accepting again finds nothing and maps to the federation error
	// shape.
	resp, body = f.post(t, "/main/api/accept", token, wire.AcceptOfferPayload{OfferID: "apples"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var eb wire.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, status.CodeNoAvailableOffer, eb.Code)

	resp, body = f.post(t, "/main/api/history", token, wire.HistoryPayload{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var histResp wire.HistoryResponse
	require.NoError(t, json.Unmarshal(body, &histResp))
	require.Len(t, histResp.OfferHistories, 1)
	require.Equal(t, srvCallerOrg, histResp.OfferHistories[0].AcceptingOrganization)
}

func TestReserveAndReject(t *testing.T) {
	f := newNode(t)
	f.seedOffer(t, "apples")
	f.seedOffer(t, "bread")
	token := f.token(t, srvCallerOrg)

	resp, body := f.post(t, "/main/api/reserve", token, wire.ReserveOfferPayload{
		OfferID:                  "apples",
		RequestedReservationSecs: 60,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reserveResp wire.ReserveOfferResponse
	require.NoError(t, json.Unmarshal(body, &reserveResp))
	require.Equal(t, f.clk.Now()+60_000, reserveResp.ReservationExpirationUTC)

	resp, _ = f.post(t, "/main/api/reject", token, wire.RejectOfferPayload{OfferID: "bread"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// After the reject only the reserved offer remains visible to the
	// caller.
	resp, body = f.post(t, "/main/api/list", token, wire.ListOffersPayload{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listResp wire.ListOffersResponse
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Len(t, listResp.Offers, 1)
	require.Equal(t, "apples", listResp.Offers[0].ID)
}

func TestIngestEndpoint(t *testing.T) {
	f := newNode(t)
	f.offers = []*offer.Offer{{
		ID:                 "donated-bread",
		OfferedBy:          srvSourceOrg,
		OfferCreationUTC:   srvBaseUTC,
		OfferExpirationUTC: srvBaseUTC + 86_400_000,
	}}

	// Only the host organization itself may trigger ingestion.
	resp, body := f.post(t, "/main/api/ingest", f.token(t, srvCallerOrg), struct{}{})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var eb wire.ErrorBody
	require.NoError(t, json.Unmarshal(body, &eb))
	require.Equal(t, status.CodeNotAuthorized, eb.Code)

	resp, _ = f.post(t, "/main/api/ingest", f.token(t, srvHostOrg), struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.post(t, "/main/api/list", f.token(t, srvCallerOrg), wire.ListOffersPayload{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listResp wire.ListOffersResponse
	require.NoError(t, json.Unmarshal(body, &listResp))
	require.Len(t, listResp.Offers, 1)
	require.Equal(t, "donated-bread", listResp.Offers[0].ID)
}
