// Package client implements the outbound side of the federation API: a
// node calling a peer's list, accept, reject, reserve and history
// endpoints with the bearer tokens the peer expects.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/LeJamon/goOPRd/internal/auth"
	"github.com/LeJamon/goOPRd/internal/clock"
	"github.com/LeJamon/goOPRd/internal/core/bus"
	"github.com/LeJamon/goOPRd/internal/core/status"
	"github.com/LeJamon/goOPRd/internal/core/wire"
	"github.com/LeJamon/goOPRd/internal/logging"
)

const maxResponseBytes = 32 << 20

// Config assembles a Client.
type Config struct {
	// HTTP client used for every request. Defaults to http.DefaultClient.
	HTTP *http.Client
	// Issuer signs the bearer tokens presented to peers. Required.
	Issuer *auth.TokenIssuer
	// Orgs resolves peer descriptors to endpoint URLs. Required.
	Orgs auth.OrgResolver
	// Bus receives REMOTE_* events after successful operations. Defaults
	// to discarding them.
	Bus bus.Publisher
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to the standard logger.
	Logger logging.Logger
}

// Client talks to peer nodes on behalf of one organization.
type Client struct {
	http   *http.Client
	issuer *auth.TokenIssuer
	orgs   auth.OrgResolver
	bus    bus.Publisher
	clk    clock.Clock
	logger logging.Logger
}

// New validates cfg and returns the client.
func New(cfg Config) (*Client, error) {
	if cfg.Issuer == nil {
		return nil, status.New(status.CodeConfig, "client has no token issuer")
	}
	if cfg.Orgs == nil {
		return nil, status.New(status.CodeConfig, "client has no org resolver")
	}
	c := &Client{
		http:   cfg.HTTP,
		issuer: cfg.Issuer,
		orgs:   cfg.Orgs,
		bus:    cfg.Bus,
		clk:    cfg.Clock,
		logger: cfg.Logger,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.bus == nil {
		c.bus = bus.NopPublisher{}
	}
	if c.clk == nil {
		c.clk = clock.NewSystemClock()
	}
	if c.logger == nil {
		c.logger = logging.NewDefaultLogger()
	}
	return c, nil
}

// endpoint picks the named endpoint URL from a peer's descriptor.
func endpoint(d *auth.Descriptor, pick func(*auth.Descriptor) string, name string) (string, error) {
	url := pick(d)
	if url == "" {
		return "", status.Newf(status.CodeBadRequest,
			"organization %s publishes no %s endpoint", d.OrganizationURL, name)
	}
	return url, nil
}

// post sends payload to the peer endpoint and decodes the response into
// out. Error bodies become status errors carrying the peer's code.
func (c *Client) post(ctx context.Context, peerOrgURL, url string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return status.Wrap(status.CodeInternal, "encoding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return status.Wrap(status.CodeInternal, "building request", err)
	}
	token, err := c.issuer.Issue(ctx, peerOrgURL)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return status.Wrap(status.CodeInternal, "calling "+url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return status.Wrap(status.CodeInternal, "reading response from "+url, err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb wire.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Code != "" {
			return &status.Error{
				Code:       eb.Code,
				HTTPStatus: resp.StatusCode,
				Message:    eb.Message,
			}
		}
		return status.Newf(status.CodeInternal, "%s returned HTTP %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status.Wrap(status.CodeInternal, "decoding response from "+url, err)
	}
	return nil
}

// ListOffers calls the peer's list endpoint.
func (c *Client) ListOffers(ctx context.Context, peerOrgURL string,
	payload wire.ListOffersPayload) (*wire.ListOffersResponse, error) {
	d, err := c.orgs.Resolve(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	url, err := endpoint(d, func(d *auth.Descriptor) string { return d.ListProductsEndpointURL }, "list")
	if err != nil {
		return nil, err
	}
	var resp wire.ListOffersResponse
	if err := c.post(ctx, peerOrgURL, url, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcceptOffer accepts an offer on the peer and fires a REMOTE_ACCEPT
// event.
func (c *Client) AcceptOffer(ctx context.Context, peerOrgURL string,
	payload wire.AcceptOfferPayload) (*wire.AcceptOfferResponse, error) {
	d, err := c.orgs.Resolve(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	url, err := endpoint(d, func(d *auth.Descriptor) string { return d.AcceptProductEndpointURL }, "accept")
	if err != nil {
		return nil, err
	}
	var resp wire.AcceptOfferResponse
	if err := c.post(ctx, peerOrgURL, url, payload, &resp); err != nil {
		return nil, err
	}
	c.bus.Publish(ctx, bus.Change{
		Type:         bus.ChangeRemoteAccept,
		TimestampUTC: c.clk.Now(),
		HostOrgURL:   peerOrgURL,
		Offer:        resp.Offer,
		ActorOrgURL:  c.issuer.Org(),
	})
	return &resp, nil
}

// RejectOffer rejects an offer on the peer and fires a REMOTE_REJECT
// event.
func (c *Client) RejectOffer(ctx context.Context, peerOrgURL string,
	payload wire.RejectOfferPayload) error {
	d, err := c.orgs.Resolve(ctx, peerOrgURL)
	if err != nil {
		return err
	}
	url, err := endpoint(d, func(d *auth.Descriptor) string { return d.RejectProductEndpointURL }, "reject")
	if err != nil {
		return err
	}
	if err := c.post(ctx, peerOrgURL, url, payload, nil); err != nil {
		return err
	}
	c.bus.Publish(ctx, bus.Change{
		Type:         bus.ChangeRemoteReject,
		TimestampUTC: c.clk.Now(),
		HostOrgURL:   peerOrgURL,
		ActorOrgURL:  c.issuer.Org(),
	})
	return nil
}

// ReserveOffer reserves an offer on the peer and fires a REMOTE_RESERVE
// event.
func (c *Client) ReserveOffer(ctx context.Context, peerOrgURL string,
	payload wire.ReserveOfferPayload) (*wire.ReserveOfferResponse, error) {
	d, err := c.orgs.Resolve(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	url, err := endpoint(d, func(d *auth.Descriptor) string { return d.ReserveProductEndpointURL }, "reserve")
	if err != nil {
		return nil, err
	}
	var resp wire.ReserveOfferResponse
	if err := c.post(ctx, peerOrgURL, url, payload, &resp); err != nil {
		return nil, err
	}
	c.bus.Publish(ctx, bus.Change{
		Type:         bus.ChangeRemoteReserve,
		TimestampUTC: c.clk.Now(),
		HostOrgURL:   peerOrgURL,
		Offer:        resp.Offer,
		ActorOrgURL:  c.issuer.Org(),
	})
	return &resp, nil
}

// History calls the peer's history endpoint.
func (c *Client) History(ctx context.Context, peerOrgURL string,
	payload wire.HistoryPayload) (*wire.HistoryResponse, error) {
	d, err := c.orgs.Resolve(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	url, err := endpoint(d, func(d *auth.Descriptor) string { return d.HistoryEndpointURL }, "history")
	if err != nil {
		return nil, err
	}
	var resp wire.HistoryResponse
	if err := c.post(ctx, peerOrgURL, url, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
