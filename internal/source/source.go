// Package source produces candidate host:port strings from configured
// proxy-list endpoints and asset-search engines. Providers never propagate
// failures; a source that times out or fails to parse contributes an empty
// set.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/drsoft-oss/proxyhub/internal/pool"
)

// fetchTimeout bounds one provider HTTP fetch.
const fetchTimeout = 15 * time.Second

// Provider produces candidate addresses grouped by upstream protocol.
type Provider interface {
	Name() string
	Produce(ctx context.Context) map[pool.Protocol][]string
}

// Merge deduplicates candidate sets across providers, preserving first-seen
// order within each protocol.
func Merge(sets ...map[pool.Protocol][]string) map[pool.Protocol][]string {
	merged := make(map[pool.Protocol][]string)
	seen := make(map[pool.Protocol]map[string]bool)
	for _, set := range sets {
		for proto, addrs := range set {
			if seen[proto] == nil {
				seen[proto] = make(map[string]bool)
			}
			for _, addr := range addrs {
				if seen[proto][addr] {
					continue
				}
				seen[proto][addr] = true
				merged[proto] = append(merged[proto], addr)
			}
		}
	}
	return merged
}

// ListProvider fetches plain-text and JSON proxy lists over HTTP. URLs are
// grouped by scheme key: "http", "https", "socks4", "socks5"; the "https"
// bucket folds into HTTP.
type ListProvider struct {
	name    string
	urls    map[string][]string
	client  *retryablehttp.Client
	log     *slog.Logger
	workers int
}

// NewListProvider creates a ListProvider over the given scheme→URL map.
func NewListProvider(name string, urls map[string][]string, log *slog.Logger) *ListProvider {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = fetchTimeout
	client.Logger = nil
	return &ListProvider{
		name:    name,
		urls:    urls,
		client:  client,
		log:     log,
		workers: 50,
	}
}

// Name implements Provider.
func (p *ListProvider) Name() string { return p.name }

// Produce fetches every configured URL concurrently and merges the parsed
// addresses per protocol. Individual fetch failures are logged and skipped.
func (p *ListProvider) Produce(ctx context.Context) map[pool.Protocol][]string {
	var (
		mu  sync.Mutex
		out = make(map[pool.Protocol][]string)
		wg  sync.WaitGroup
	)
	sem := make(chan struct{}, p.workers)

	for scheme, urls := range p.urls {
		proto, ok := protocolForScheme(scheme)
		if !ok {
			p.log.Warn("unknown source scheme", "scheme", scheme)
			continue
		}
		for _, u := range urls {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(proto pool.Protocol, u string) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				addrs, err := p.fetch(ctx, u)
				if err != nil {
					p.log.Warn("source fetch failed", "url", displayURL(u), "error", err)
					return
				}
				p.log.Info("source fetched", "url", displayURL(u), "count", len(addrs))
				mu.Lock()
				out[proto] = append(out[proto], addrs...)
				mu.Unlock()
			}(proto, u)
		}
	}
	wg.Wait()
	return Merge(out)
}

func (p *ListProvider) fetch(ctx context.Context, url string) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	addrs := ParseList(string(body))
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses in response")
	}
	return addrs, nil
}

var addrPattern = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d{2,5}\b`)

// ParseList extracts host:port addresses from a proxy-list body. Geonode
// style JSON ({"data": [{"ip": ..., "port": ...}]}) is recognized first;
// anything else is scanned for IPv4:port tokens.
func ParseList(body string) []string {
	var doc struct {
		Data []struct {
			IP   string `json:"ip"`
			Port any    `json:"port"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(body), &doc); err == nil && len(doc.Data) > 0 {
		addrs := make([]string, 0, len(doc.Data))
		for _, item := range doc.Data {
			if item.IP == "" || item.Port == nil {
				continue
			}
			addrs = append(addrs, fmt.Sprintf("%s:%v", item.IP, item.Port))
		}
		return addrs
	}
	return addrPattern.FindAllString(body, -1)
}

// protocolForScheme maps a source scheme key to the upstream protocol it
// feeds. The https bucket folds into HTTP.
func protocolForScheme(scheme string) (pool.Protocol, bool) {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return pool.ProtocolHTTP, true
	case "socks4":
		return pool.ProtocolSOCKS4, true
	case "socks5":
		return pool.ProtocolSOCKS5, true
	default:
		return "", false
	}
}

// displayURL shortens a URL to its host for logging.
func displayURL(u string) string {
	parts := strings.SplitN(u, "/", 4)
	if len(parts) >= 3 {
		return parts[2]
	}
	return u
}
