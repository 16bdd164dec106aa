// Package validator turns raw host:port candidates into ranked pool
// entries through a two-stage probe: a cheap TCP pre-check followed by a
// full quality probe (latency, anonymity, throughput, geolocation, score).
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/drsoft-oss/proxyhub/internal/pool"
	"github.com/drsoft-oss/proxyhub/internal/upstream"
)

// Candidate is a raw (address, protocol) pair before validation.
type Candidate struct {
	Address  string
	Protocol pool.Protocol
}

// Config controls probe behaviour. Zero values fall back to defaults.
type Config struct {
	// LatencyURL receives the HEAD request that measures round-trip time.
	LatencyURL string

	// AnonymityURL must echo request headers and the observed client IP
	// as JSON (httpbin-style: {"origin": ..., "headers": {...}}).
	AnonymityURL string

	// SpeedURL is streamed to measure throughput.
	SpeedURL string

	// ProbeTimeout bounds each latency/anonymity request. Default 5s.
	ProbeTimeout time.Duration

	// SpeedTimeout is the hard cap on the throughput stream. Default 15s.
	SpeedTimeout time.Duration

	// PrecheckTimeout bounds each TCP pre-check dial. Default 1.5s.
	PrecheckTimeout time.Duration

	// PrecheckWorkers is the TCP pre-check fan-out. Default 500.
	PrecheckWorkers int

	// ProbeWorkers is the full-probe fan-out. Default 100.
	ProbeWorkers int

	// PrecheckSkipAbove skips the pre-check stage entirely when the
	// candidate count exceeds it. Default 10000.
	PrecheckSkipAbove int

	// Locale selects the display language for proxy locations.
	Locale string
}

func (c *Config) setDefaults() {
	if c.LatencyURL == "" {
		c.LatencyURL = "https://www.baidu.com"
	}
	if c.AnonymityURL == "" {
		c.AnonymityURL = "http://httpbin.org/get?show_env=1"
	}
	if c.SpeedURL == "" {
		c.SpeedURL = "http://cachefly.cachefly.net/100kb.test"
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.SpeedTimeout == 0 {
		c.SpeedTimeout = 15 * time.Second
	}
	if c.PrecheckTimeout == 0 {
		c.PrecheckTimeout = 1500 * time.Millisecond
	}
	if c.PrecheckWorkers == 0 {
		c.PrecheckWorkers = 500
	}
	if c.ProbeWorkers == 0 {
		c.ProbeWorkers = 100
	}
	if c.PrecheckSkipAbove == 0 {
		c.PrecheckSkipAbove = 10000
	}
}

// speedGateSeconds: entries slower than this skip the throughput probe.
const speedGateSeconds = 7.0

// Validator runs the two-stage validation pipeline.
type Validator struct {
	cfg Config
	log *slog.Logger
	geo *geoResolver

	mu       sync.Mutex
	publicIP string
}

// New creates a Validator.
func New(cfg Config, log *slog.Logger) *Validator {
	cfg.setDefaults()
	return &Validator{
		cfg: cfg,
		log: log,
		geo: newGeoResolver(cfg.Locale),
	}
}

// SetPublicIP installs the process-wide public IP used as the baseline for
// transparent-proxy detection. An empty value degrades detection (no proxy
// can be classified Transparent) without failing validation.
func (v *Validator) SetPublicIP(ip string) {
	v.mu.Lock()
	v.publicIP = ip
	v.mu.Unlock()
}

// PublicIP returns the installed baseline IP, possibly empty.
func (v *Validator) PublicIP() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.publicIP
}

// Run validates candidates and streams Working entries on the returned
// channel. The channel closing is the terminal marker; callers detect
// cancellation through ctx.Err() after the drain.
func (v *Validator) Run(ctx context.Context, candidates []Candidate) <-chan pool.Entry {
	out := make(chan pool.Entry, 64)
	go func() {
		defer close(out)

		survivors := candidates
		if len(candidates) <= v.cfg.PrecheckSkipAbove {
			survivors = v.precheck(ctx, candidates)
			v.log.Info("tcp pre-check finished",
				"survivors", len(survivors), "total", len(candidates))
		} else {
			v.log.Info("skipping tcp pre-check, too many candidates",
				"total", len(candidates))
		}
		if ctx.Err() != nil {
			return
		}

		v.fullCheck(ctx, survivors, out)
	}()
	return out
}

// precheck filters candidates down to those whose TCP port accepts a
// connection within the pre-check timeout.
func (v *Validator) precheck(ctx context.Context, candidates []Candidate) []Candidate {
	var (
		mu        sync.Mutex
		survivors []Candidate
		wg        sync.WaitGroup
	)
	sem := make(chan struct{}, v.cfg.PrecheckWorkers)

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c Candidate) {
			defer wg.Done()
			defer func() { <-sem }()

			dialer := net.Dialer{Timeout: v.cfg.PrecheckTimeout}
			conn, err := dialer.DialContext(ctx, "tcp", c.Address)
			if err != nil {
				return
			}
			conn.Close()
			mu.Lock()
			survivors = append(survivors, c)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return survivors
}

// fullCheck runs the quality probe over survivors with bounded fan-out,
// emitting Working entries.
func (v *Validator) fullCheck(ctx context.Context, survivors []Candidate, out chan<- pool.Entry) {
	jobs := make(chan Candidate)
	var wg sync.WaitGroup

	workers := v.cfg.ProbeWorkers
	if workers > len(survivors) && len(survivors) > 0 {
		workers = len(survivors)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				entry, ok := v.Probe(ctx, c)
				if !ok {
					continue
				}
				select {
				case out <- entry:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

feed:
	for _, c := range survivors {
		select {
		case jobs <- c:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
}

// Probe runs the full quality probe for one candidate. The second return
// is false when the candidate failed any mandatory step or the context was
// cancelled; such candidates are never emitted.
func (v *Validator) Probe(ctx context.Context, c Candidate) (pool.Entry, bool) {
	entry := pool.Entry{
		Address:   c.Address,
		Protocol:  c.Protocol,
		Anonymity: pool.AnonymityUnknown,
		Location:  "N/A",
		Status:    pool.StatusFailed,
	}

	client := v.clientFor(c)
	defer client.CloseIdleConnections()

	if ctx.Err() != nil {
		return entry, false
	}

	// Step 1: latency.
	latency, err := v.measureLatency(ctx, client)
	if err != nil {
		v.log.Debug("latency probe failed", "proxy", c.Address, "error", err)
		return entry, false
	}
	entry.Latency = latency

	if ctx.Err() != nil {
		return entry, false
	}

	// Step 2: anonymity.
	anonymity, err := v.classifyAnonymity(ctx, client)
	if err != nil {
		v.log.Debug("anonymity probe failed", "proxy", c.Address, "error", err)
		return entry, false
	}
	entry.Anonymity = anonymity

	if ctx.Err() != nil {
		return entry, false
	}

	// Step 3: throughput. Failures here are tolerated (speed stays 0).
	if latency <= speedGateSeconds {
		speed, err := v.measureSpeed(ctx, client)
		if err != nil {
			v.log.Debug("speed probe failed", "proxy", c.Address, "error", err)
		} else {
			entry.Speed = speed
		}
	}

	if ctx.Err() != nil {
		return entry, false
	}

	// Step 4: location.
	host := c.Address
	if h, _, err := net.SplitHostPort(c.Address); err == nil {
		host = h
	}
	entry.Location = v.geo.lookup(ctx, host)

	// Step 5: score.
	entry.Score = Score(entry.Anonymity, entry.Speed, entry.Latency)
	entry.Status = pool.StatusWorking
	return entry, ctx.Err() == nil
}

// Score is the deterministic ranking function: anonymity bonus plus a
// capped throughput bonus minus a capped latency penalty, floored at 0.
func Score(anonymity pool.Anonymity, speedMbps, latencySeconds float64) float64 {
	score := 0.0
	switch anonymity {
	case pool.AnonymityElite:
		score += 50
	case pool.AnonymityAnonymous:
		score += 30
	}
	score += min(speedMbps*2, 50)
	score -= min(latencySeconds*10, 50)
	if score < 0 {
		return 0
	}
	return score
}

// clientFor builds an HTTP client whose every connection tunnels through
// the candidate proxy.
func (v *Validator) clientFor(c Candidate) *http.Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return upstream.Dial(ctx, c.Protocol, c.Address, addr)
		},
		DisableKeepAlives: true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   v.cfg.ProbeTimeout,
	}
}

func (v *Validator) measureLatency(ctx context.Context, client *http.Client) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.cfg.LatencyURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("latency check status %d", resp.StatusCode)
	}
	return time.Since(start).Seconds(), nil
}

// anonymityEcho is the httpbin-style body of the anonymity-check URL.
type anonymityEcho struct {
	Origin  string            `json:"origin"`
	Headers map[string]string `json:"headers"`
}

func (v *Validator) classifyAnonymity(ctx context.Context, client *http.Client) (pool.Anonymity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.AnonymityURL, nil)
	if err != nil {
		return pool.AnonymityUnknown, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return pool.AnonymityUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return pool.AnonymityUnknown, fmt.Errorf("anonymity check status %d", resp.StatusCode)
	}

	var echo anonymityEcho
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&echo); err != nil {
		return pool.AnonymityUnknown, fmt.Errorf("decode anonymity echo: %w", err)
	}
	return ClassifyAnonymity(echo.Origin, echo.Headers, v.PublicIP()), nil
}

// ClassifyAnonymity derives the anonymity class from the echoed origin list
// and headers. The public IP is matched by substring containment inside
// each origin token.
func ClassifyAnonymity(origin string, headers map[string]string, publicIP string) pool.Anonymity {
	originStr := origin
	if xff, ok := headers["X-Forwarded-For"]; ok && xff != "" {
		originStr = xff
	}
	var origins []string
	for _, part := range strings.Split(originStr, ",") {
		origins = append(origins, strings.TrimSpace(part))
	}

	if publicIP != "" {
		for _, ip := range origins {
			if strings.Contains(ip, publicIP) {
				return pool.AnonymityTransparent
			}
		}
	}
	_, hasVia := headers["Via"]
	if len(origins) > 1 || hasVia {
		return pool.AnonymityAnonymous
	}
	return pool.AnonymityElite
}

// measureSpeed streams the speed-check URL through the proxy and computes
// throughput in Mbps. The stream is cut off at the speed timeout and is a
// cancellation checkpoint on every chunk.
func (v *Validator) measureSpeed(ctx context.Context, client *http.Client) (float64, error) {
	streamCtx, cancel := context.WithTimeout(ctx, v.cfg.SpeedTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, v.cfg.SpeedURL, nil)
	if err != nil {
		return 0, err
	}

	// The stream runs longer than a single probe; lift the client timeout
	// for this request only.
	streamClient := *client
	streamClient.Timeout = 0

	start := time.Now()
	resp, err := streamClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("speed check status %d", resp.StatusCode)
	}

	var total int64
	buf := make([]byte, 8192)
	for {
		if streamCtx.Err() != nil {
			return 0, streamCtx.Err()
		}
		n, err := resp.Body.Read(buf)
		total += int64(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}

	duration := time.Since(start).Seconds()
	if duration <= 0 || total == 0 {
		return 0, nil
	}
	return float64(total) / duration * 8 / 1e6, nil
}
