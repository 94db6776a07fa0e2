package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/zjrosen/phonefleet/internal/cachemanager"
)

// Discovery serves the provider's catalog endpoints (apps, flows, groups)
// through a TTL cache. Listings change rarely but get polled repeatedly by
// clients populating pickers, so each (endpoint, token) pair is cached.
type Discovery struct {
	baseURL string
	timeout time.Duration
	ttl     time.Duration

	apps   *cachemanager.ReadThroughCache[string, []MarketplaceApp, *Client]
	flows  *cachemanager.ReadThroughCache[string, []TaskFlow, *Client]
	groups *cachemanager.ReadThroughCache[string, []Group, *Client]
}

// NewDiscovery creates a Discovery with the given cache TTL.
// ttl <= 0 disables caching.
func NewDiscovery(baseURL string, timeout, ttl time.Duration) *Discovery {
	skip := ttl <= 0

	appCache := cachemanager.NewInMemoryCacheManager[string, []MarketplaceApp](
		"provider-apps", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	flowCache := cachemanager.NewInMemoryCacheManager[string, []TaskFlow](
		"provider-flows", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	groupCache := cachemanager.NewInMemoryCacheManager[string, []Group](
		"provider-groups", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)

	return &Discovery{
		baseURL: baseURL,
		timeout: timeout,
		ttl:     ttl,
		apps: cachemanager.NewReadThroughCache[string, []MarketplaceApp, *Client](appCache,
			func(ctx context.Context, c *Client) ([]MarketplaceApp, error) {
				var out struct {
					Items []MarketplaceApp `json:"items"`
				}
				if err := c.post(ctx, "/open/v1/app/marketList", struct{}{}, &out); err != nil {
					return nil, err
				}
				return out.Items, nil
			}, skip),
		flows: cachemanager.NewReadThroughCache[string, []TaskFlow, *Client](flowCache,
			func(ctx context.Context, c *Client) ([]TaskFlow, error) {
				var out struct {
					Items []TaskFlow `json:"items"`
				}
				if err := c.post(ctx, "/open/v1/flow/list", struct{}{}, &out); err != nil {
					return nil, err
				}
				return out.Items, nil
			}, skip),
		groups: cachemanager.NewReadThroughCache[string, []Group, *Client](groupCache,
			func(ctx context.Context, c *Client) ([]Group, error) {
				var out struct {
					Items []Group `json:"items"`
				}
				if err := c.post(ctx, "/open/v1/group/list", struct{}{}, &out); err != nil {
					return nil, err
				}
				return out.Items, nil
			}, skip),
	}
}

func (d *Discovery) client(token string) *Client {
	return New(d.baseURL, token, WithTimeout(d.timeout))
}

// cacheKey scopes cached listings to the requesting token so one tenant
// never sees another's catalog.
func cacheKey(endpoint, token string) string {
	sum := sha256.Sum256([]byte(token))
	return endpoint + ":" + hex.EncodeToString(sum[:8])
}

// MarketplaceApps returns the installable app catalog for a token.
func (d *Discovery) MarketplaceApps(ctx context.Context, token string) ([]MarketplaceApp, error) {
	return d.apps.Get(ctx, cacheKey("apps", token), d.client(token), d.ttl)
}

// TaskFlows returns the RPA flow templates available to a token.
func (d *Discovery) TaskFlows(ctx context.Context, token string) ([]TaskFlow, error) {
	return d.flows.Get(ctx, cacheKey("flows", token), d.client(token), d.ttl)
}

// Groups returns the phone groups visible to a token.
func (d *Discovery) Groups(ctx context.Context, token string) ([]Group, error) {
	return d.groups.Get(ctx, cacheKey("groups", token), d.client(token), d.ttl)
}
