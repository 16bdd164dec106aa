package source

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/drsoft-oss/proxyhub/internal/pool"
)

// EngineConfig is the per-engine asset-search configuration.
type EngineConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
	Query   string `mapstructure:"query"`
	Size    int    `mapstructure:"size"`
}

// AssetProvider queries network asset-search engines (FOFA, Quake, Hunter)
// for SOCKS5 endpoints. Engines are tried concurrently; a failing engine
// contributes nothing.
type AssetProvider struct {
	engines map[string]EngineConfig
	client  *http.Client
	log     *slog.Logger
}

// NewAssetProvider creates an AssetProvider from engine configurations
// keyed by engine name ("fofa", "quake", "hunter").
func NewAssetProvider(engines map[string]EngineConfig, log *slog.Logger) *AssetProvider {
	return &AssetProvider{
		engines: engines,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Name implements Provider.
func (a *AssetProvider) Name() string { return "asset-engines" }

// Produce implements Provider. All engine hits land in the SOCKS5 bucket.
func (a *AssetProvider) Produce(ctx context.Context) map[pool.Protocol][]string {
	searchers := map[string]func(context.Context, EngineConfig) ([]string, error){
		"fofa":   a.searchFOFA,
		"quake":  a.searchQuake,
		"hunter": a.searchHunter,
	}

	var (
		mu    sync.Mutex
		addrs []string
		wg    sync.WaitGroup
	)
	for name, cfg := range a.engines {
		if !cfg.Enabled {
			continue
		}
		search, ok := searchers[name]
		if !ok {
			a.log.Warn("unknown asset engine", "engine", name)
			continue
		}
		if cfg.Size <= 0 {
			cfg.Size = 50
		}
		wg.Add(1)
		go func(name string, cfg EngineConfig) {
			defer wg.Done()
			found, err := search(ctx, cfg)
			if err != nil {
				a.log.Warn("asset engine search failed", "engine", name, "error", err)
				return
			}
			a.log.Info("asset engine search done", "engine", name, "count", len(found))
			mu.Lock()
			addrs = append(addrs, found...)
			mu.Unlock()
		}(name, cfg)
	}
	wg.Wait()

	if len(addrs) == 0 {
		return map[pool.Protocol][]string{}
	}
	return Merge(map[pool.Protocol][]string{pool.ProtocolSOCKS5: addrs})
}

// searchFOFA queries fofa.info. The key is "email:apikey".
func (a *AssetProvider) searchFOFA(ctx context.Context, cfg EngineConfig) ([]string, error) {
	email, key, ok := strings.Cut(cfg.Key, ":")
	if !ok {
		return nil, fmt.Errorf("fofa key must be email:apikey")
	}
	q := base64.StdEncoding.EncodeToString([]byte(cfg.Query))
	u := fmt.Sprintf(
		"https://fofa.info/api/v1/search/all?email=%s&key=%s&qbase64=%s&size=%d&fields=host,port",
		url.QueryEscape(email), url.QueryEscape(key), url.QueryEscape(q), cfg.Size)

	var body struct {
		Results [][2]any `json:"results"`
	}
	if err := a.getJSON(ctx, u, nil, &body); err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(body.Results))
	for _, item := range body.Results {
		addrs = append(addrs, fmt.Sprintf("%v:%v", item[0], item[1]))
	}
	return addrs, nil
}

// searchQuake queries quake.360.cn.
func (a *AssetProvider) searchQuake(ctx context.Context, cfg EngineConfig) ([]string, error) {
	payload, err := json.Marshal(map[string]any{
		"query":        cfg.Query,
		"size":         cfg.Size,
		"ignore_cache": false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://quake.360.cn/api/v3/search/quake_service", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-QuakeToken", cfg.Key)

	var body struct {
		Data []struct {
			IP   string `json:"ip"`
			Port any    `json:"port"`
		} `json:"data"`
	}
	if err := a.doJSON(req, &body); err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(body.Data))
	for _, item := range body.Data {
		addrs = append(addrs, fmt.Sprintf("%s:%v", item.IP, item.Port))
	}
	return addrs, nil
}

// searchHunter queries hunter.qianxin.com.
func (a *AssetProvider) searchHunter(ctx context.Context, cfg EngineConfig) ([]string, error) {
	u := fmt.Sprintf(
		"https://hunter.qianxin.com/openApi/search?api-key=%s&search=%s&page=1&page_size=%d&is_web=3",
		url.QueryEscape(cfg.Key), url.QueryEscape(cfg.Query), cfg.Size)

	var body struct {
		Data struct {
			Arr []struct {
				IP   string `json:"ip"`
				Port any    `json:"port"`
			} `json:"arr"`
		} `json:"data"`
	}
	if err := a.getJSON(ctx, u, nil, &body); err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(body.Data.Arr))
	for _, item := range body.Data.Arr {
		addrs = append(addrs, fmt.Sprintf("%s:%v", item.IP, item.Port))
	}
	return addrs, nil
}

func (a *AssetProvider) getJSON(ctx context.Context, url string, headers map[string]string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	return a.doJSON(req, v)
}

func (a *AssetProvider) doJSON(req *http.Request, v any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(v)
}
