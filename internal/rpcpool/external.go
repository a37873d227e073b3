package rpcpool

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// externalSourcesMinInterval bounds how often RefreshExternalSources
// actually hits the network; calls inside the window are silently
// skipped so a tight verifier loop cannot hammer the discovery sources.
const externalSourcesMinInterval = 5 * time.Minute

// discoveredBackupLevel is the backup level newly discovered endpoints
// are added at. It adds 10*1000 to their score, so a discovered endpoint
// is chosen only when every configured endpoint is disallowed or scores
// worse than that.
const discoveredBackupLevel = 10

// dnsResolver is the DNS TXT lookup surface externalSources needs,
// satisfied by *net.Resolver and fakeable in tests.
type dnsResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// externalSources holds one pool's endpoint-discovery configuration and
// its rate-limiting state.
type externalSources struct {
	jsonURL string
	dnsName string
	client  *http.Client
	dns     dnsResolver

	mu           sync.Mutex
	lastRefresh  time.Time
}

// jsonSourceDoc is the shape expected at jsonURL: a flat list of
// endpoint URLs.
type jsonSourceDoc struct {
	Endpoints []string `json:"endpoints"`
}

// SetExternalSources configures the pool's endpoint-discovery sources.
// Either argument may be empty to skip that source. Calling this more
// than once replaces the prior configuration and resets the rate-limit
// window.
func (p *Pool) SetExternalSources(jsonURL, dnsTXTName string) {
	if jsonURL == "" && dnsTXTName == "" {
		p.external = nil
		return
	}
	p.external = &externalSources{
		jsonURL: jsonURL,
		dnsName: dnsTXTName,
		client:  &http.Client{Timeout: p.dialTimeout},
		dns:     &net.Resolver{},
	}
}

// RefreshExternalSources fetches the pool's configured JSON and DNS TXT
// discovery sources and adds any endpoint not already known, at
// discoveredBackupLevel. A no-op when no sources are configured or the
// last call that was not skipped, successful or not, was within
// externalSourcesMinInterval.
func (p *Pool) RefreshExternalSources(ctx context.Context) {
	if p.external == nil {
		return
	}
	ext := p.external

	ext.mu.Lock()
	now := time.Now()
	if !ext.lastRefresh.IsZero() && now.Sub(ext.lastRefresh) < externalSourcesMinInterval {
		ext.mu.Unlock()
		return
	}
	ext.lastRefresh = now
	ext.mu.Unlock()

	if ext.jsonURL != "" {
		for _, endpoint := range fetchJSON(ctx, ext.client, ext.jsonURL) {
			p.addDiscoveredEndpoint(endpoint)
		}
	}
	if ext.dnsName != "" {
		for _, endpoint := range fetchDNSTXT(ctx, ext.dns, ext.dnsName) {
			p.addDiscoveredEndpoint(endpoint)
		}
	}
}

// addDiscoveredEndpoint adds endpoint to the pool at discoveredBackupLevel
// unless an endpoint with that address is already configured.
func (p *Pool) addDiscoveredEndpoint(endpoint string) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.Params.Endpoint == endpoint {
			return
		}
	}
	params := EndpointParams{
		Name:        "discovered:" + endpoint,
		Endpoint:    endpoint,
		BackupLevel: discoveredBackupLevel,
	}
	p.endpoints = append(p.endpoints, newEndpoint(params, p.dialTimeout))
}

// fetchJSON retrieves the endpoint list from a JSON discovery source.
// Any failure is swallowed: discovery is best-effort and must never
// block or fail the verifier loop it runs alongside.
func fetchJSON(ctx context.Context, client *http.Client, url string) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}

	var doc jsonSourceDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil
	}
	return doc.Endpoints
}

// fetchDNSTXT retrieves endpoint URLs from a DNS TXT record. Per-record
// lists use comma separation, matching the JSON source's flat list
// shape; records that fail to resolve are skipped, not fatal.
func fetchDNSTXT(ctx context.Context, resolver dnsResolver, name string) []string {
	records, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		return nil
	}
	var out []string
	for _, rec := range records {
		for _, endpoint := range strings.Split(rec, ",") {
			endpoint = strings.TrimSpace(endpoint)
			if endpoint != "" {
				out = append(out, endpoint)
			}
		}
	}
	return out
}
