package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/LeJamon/goOPRd/internal/core/status"
)

// Descriptor is the organization document published at an org URL. The
// org URL itself is the document's address.
type Descriptor struct {
	Name                      string   `json:"name"`
	OrganizationURL           string   `json:"organizationURL"`
	ListProductsEndpointURL   string   `json:"listProductsEndpointURL,omitempty"`
	AcceptProductEndpointURL  string   `json:"acceptProductEndpointURL,omitempty"`
	RejectProductEndpointURL  string   `json:"rejectProductEndpointURL,omitempty"`
	ReserveProductEndpointURL string   `json:"reserveProductEndpointURL,omitempty"`
	HistoryEndpointURL        string   `json:"historyEndpointURL,omitempty"`
	JWKSURL                   string   `json:"jwksURL"`
	EnrollmentURL             string   `json:"enrollmentURL,omitempty"`
	Scopes                    []string `json:"scopes,omitempty"`
}

// OrgResolver resolves an organization's published descriptor.
type OrgResolver interface {
	Resolve(ctx context.Context, orgURL string) (*Descriptor, error)
}

// StaticOrgResolver serves descriptors from a fixed map. For tests and
// standalone setups.
type StaticOrgResolver map[string]*Descriptor

// Resolve implements OrgResolver.
func (r StaticOrgResolver) Resolve(ctx context.Context, orgURL string) (*Descriptor, error) {
	d, ok := r[orgURL]
	if !ok {
		return nil, status.Newf(status.CodeNotAuthorized, "unknown organization %s", orgURL)
	}
	return d, nil
}

// Cache sizing and lifetime of fetched documents.
const (
	descriptorCacheSize = 256
	descriptorCacheTTL  = 10 * time.Minute
	maxDocumentBytes    = 1 << 20
)

// HTTPOrgResolver fetches descriptors over HTTPS and caches them.
type HTTPOrgResolver struct {
	client *http.Client
	cache  *expirable.LRU[string, *Descriptor]
}

// NewHTTPOrgResolver returns a caching resolver. A nil client uses
// http.DefaultClient.
func NewHTTPOrgResolver(client *http.Client) *HTTPOrgResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOrgResolver{
		client: client,
		cache:  expirable.NewLRU[string, *Descriptor](descriptorCacheSize, nil, descriptorCacheTTL),
	}
}

// Resolve implements OrgResolver.
func (r *HTTPOrgResolver) Resolve(ctx context.Context, orgURL string) (*Descriptor, error) {
	if d, ok := r.cache.Get(orgURL); ok {
		return d, nil
	}
	body, err := fetchDocument(ctx, r.client, orgURL)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "organization descriptor does not parse", err)
	}
	if d.OrganizationURL != orgURL {
		return nil, status.Newf(status.CodeNotAuthorized,
			"descriptor at %s names organization %s", orgURL, d.OrganizationURL)
	}
	r.cache.Add(orgURL, &d)
	return &d, nil
}

func fetchDocument(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "building discovery request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "fetching "+url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, status.Newf(status.CodeNotAuthorized, "fetching %s: HTTP %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, status.Wrap(status.CodeNotAuthorized, "reading "+url, err)
	}
	return body, nil
}

var _ OrgResolver = (StaticOrgResolver)(nil)
var _ OrgResolver = (*HTTPOrgResolver)(nil)
