package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// countryNamesZH translates known English country names for the zh-CN
// display locale.
var countryNamesZH = map[string]string{
	"China":          "中国",
	"Hong Kong":      "香港",
	"Singapore":      "新加坡",
	"United States":  "美国",
	"Japan":          "日本",
	"South Korea":    "韩国",
	"Russia":         "俄罗斯",
	"Germany":        "德国",
	"United Kingdom": "英国",
	"France":         "法国",
	"Canada":         "加拿大",
	"Taiwan":         "台湾",
	"Netherlands":    "荷兰",
	"India":          "印度",
	"Vietnam":        "越南",
	"Thailand":       "泰国",
}

const geoUnknown = "Unknown"

// geoResolver resolves an IP to a country display string through a chain
// of three providers, first success wins. Results are cached per IP for
// the life of the process; the cache uses its own lock so geolocation
// never contends with the pool.
type geoResolver struct {
	mu     sync.Mutex
	cache  map[string]string
	client *http.Client
	locale string
}

func newGeoResolver(locale string) *geoResolver {
	return &geoResolver{
		cache:  make(map[string]string),
		client: &http.Client{},
		locale: locale,
	}
}

func (g *geoResolver) lookup(ctx context.Context, ip string) string {
	g.mu.Lock()
	if cached, ok := g.cache[ip]; ok {
		g.mu.Unlock()
		return cached
	}
	g.mu.Unlock()

	location := geoUnknown
	for _, provider := range []struct {
		name    string
		timeout time.Duration
		fn      func(context.Context, string) (string, error)
	}{
		{"ip-api", 2 * time.Second, g.viaIPAPI},
		{"taobao", 3 * time.Second, g.viaTaobao},
		{"ip.sb", 3 * time.Second, g.viaIPSB},
	} {
		if ctx.Err() != nil {
			return location
		}
		reqCtx, cancel := context.WithTimeout(ctx, provider.timeout)
		country, err := provider.fn(reqCtx, ip)
		cancel()
		if err == nil && country != "" {
			location = g.localize(country)
			break
		}
	}

	g.mu.Lock()
	g.cache[ip] = location
	g.mu.Unlock()
	return location
}

func (g *geoResolver) localize(country string) string {
	if g.locale == "zh-CN" {
		if zh, ok := countryNamesZH[country]; ok {
			return zh
		}
	}
	return country
}

func (g *geoResolver) viaIPAPI(ctx context.Context, ip string) (string, error) {
	var body struct {
		Status  string `json:"status"`
		Country string `json:"country"`
	}
	url := fmt.Sprintf("http://ip-api.com/json/%s?fields=status,message,country", ip)
	if err := g.getJSON(ctx, url, &body); err != nil {
		return "", err
	}
	if body.Status != "success" {
		return "", fmt.Errorf("ip-api status %q", body.Status)
	}
	return body.Country, nil
}

func (g *geoResolver) viaTaobao(ctx context.Context, ip string) (string, error) {
	var body struct {
		Code int `json:"code"`
		Data struct {
			Country string `json:"country"`
		} `json:"data"`
	}
	url := fmt.Sprintf("https://ip.taobao.com/outGetIpInfo?ip=%s&accessKey=alibaba-inc", ip)
	if err := g.getJSON(ctx, url, &body); err != nil {
		return "", err
	}
	if body.Code != 0 {
		return "", fmt.Errorf("taobao code %d", body.Code)
	}
	return body.Data.Country, nil
}

func (g *geoResolver) viaIPSB(ctx context.Context, ip string) (string, error) {
	var body struct {
		Country string `json:"country"`
	}
	url := fmt.Sprintf("https://api.ip.sb/geoip/%s", ip)
	if err := g.getJSON(ctx, url, &body); err != nil {
		return "", err
	}
	return body.Country, nil
}

func (g *geoResolver) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geo provider status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(v)
}
