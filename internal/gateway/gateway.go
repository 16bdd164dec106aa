// Package gateway implements the two local listeners clients connect to: an
// HTTP CONNECT/forward proxy and a SOCKS5 proxy. Both bridge the client
// socket to a rotating upstream proxy chosen from the pool.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drsoft-oss/proxyhub/internal/pool"
	"github.com/drsoft-oss/proxyhub/internal/upstream"
)

// Config holds gateway listener settings.
type Config struct {
	// HTTPAddr is the bind address of the HTTP proxy listener.
	HTTPAddr string

	// SOCKS5Addr is the bind address of the SOCKS5 proxy listener.
	SOCKS5Addr string

	// DialTimeout bounds the dial through an upstream proxy.
	DialTimeout time.Duration
}

// Gateway owns the two listeners and the per-request rotation toggle. It
// holds a non-owning reference to the pool; the pool never references it.
type Gateway struct {
	cfg  Config
	pool *pool.Pool
	log  *slog.Logger

	rotatePerRequest atomic.Bool

	mu      sync.Mutex
	running bool
	httpLn  net.Listener
	socksLn net.Listener
	wg      sync.WaitGroup
}

// New creates a Gateway. Call Start to bind the listeners.
func New(cfg Config, p *pool.Pool, log *slog.Logger) *Gateway {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Gateway{cfg: cfg, pool: p, log: log}
}

// SetRotatePerRequest toggles between rotating the upstream on every request
// and pinning the pool's current entry.
func (g *Gateway) SetRotatePerRequest(v bool) {
	g.rotatePerRequest.Store(v)
	mode := "fixed"
	if v {
		mode = "per_request"
	}
	g.log.Info("rotation mode changed", "mode", mode)
}

// RotatePerRequest reports the active rotation mode.
func (g *Gateway) RotatePerRequest() bool {
	return g.rotatePerRequest.Load()
}

// SetAddrs changes the listener bind addresses. Only allowed while stopped.
func (g *Gateway) SetAddrs(httpAddr, socks5Addr string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("gateway is running; stop it before changing addresses")
	}
	g.cfg.HTTPAddr = httpAddr
	g.cfg.SOCKS5Addr = socks5Addr
	return nil
}

// Running reports whether the listeners are up.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Addrs returns the bound listener addresses, or the configured ones while
// stopped.
func (g *Gateway) Addrs() (httpAddr, socks5Addr string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	httpAddr, socks5Addr = g.cfg.HTTPAddr, g.cfg.SOCKS5Addr
	if g.httpLn != nil {
		httpAddr = g.httpLn.Addr().String()
	}
	if g.socksLn != nil {
		socks5Addr = g.socksLn.Addr().String()
	}
	return httpAddr, socks5Addr
}

// Start binds both listeners and begins accepting. A bind failure is fatal
// only for that listener; Start errors only when neither could bind.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return fmt.Errorf("gateway already running")
	}

	var bound int

	httpLn, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		g.log.Error("http listener bind failed", "addr", g.cfg.HTTPAddr, "error", err)
	} else {
		g.httpLn = httpLn
		bound++
		g.log.Info("http proxy listening", "addr", httpLn.Addr().String())
	}

	socksLn, err := net.Listen("tcp", g.cfg.SOCKS5Addr)
	if err != nil {
		g.log.Error("socks5 listener bind failed", "addr", g.cfg.SOCKS5Addr, "error", err)
	} else {
		g.socksLn = socksLn
		bound++
		g.log.Info("socks5 proxy listening", "addr", socksLn.Addr().String())
	}

	if bound == 0 {
		return fmt.Errorf("no gateway listener could bind")
	}
	g.running = true

	if g.httpLn != nil {
		g.wg.Add(1)
		go g.acceptLoop(g.httpLn, g.handleHTTPConn)
	}
	if g.socksLn != nil {
		g.wg.Add(1)
		go g.acceptLoop(g.socksLn, g.handleSOCKS5Conn)
	}
	return nil
}

// Stop closes the listeners and waits for the accept loops. In-flight
// bridges finish on their own.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	if g.httpLn != nil {
		g.httpLn.Close()
		g.httpLn = nil
	}
	if g.socksLn != nil {
		g.socksLn.Close()
		g.socksLn = nil
	}
	g.mu.Unlock()

	g.wg.Wait()
	g.log.Info("gateway stopped")
}

func (g *Gateway) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer g.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed — normal shutdown
			return
		}
		go handle(conn)
	}
}

// upstreamConn selects a pool entry per the rotation mode and dials the
// target through it. A dial failure is reported back to the pool.
func (g *Gateway) upstreamConn(targetHost string, targetPort int) net.Conn {
	var entry *pool.Entry
	if g.rotatePerRequest.Load() {
		entry = g.pool.Next()
	} else {
		entry = g.pool.Current()
		if entry == nil {
			entry = g.pool.Next()
		}
	}
	if entry == nil {
		g.log.Warn("proxy pool is empty, cannot forward")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.DialTimeout)
	defer cancel()

	target := net.JoinHostPort(targetHost, fmt.Sprintf("%d", targetPort))
	conn, err := upstream.Dial(ctx, entry.Protocol, entry.Address, target)
	if err != nil {
		g.pool.ReportFailure(entry.Address)
		g.log.Warn("upstream dial failed", "proxy", entry.Address, "target", target, "error", err)
		return nil
	}
	if g.rotatePerRequest.Load() {
		g.log.Debug("rotated upstream", "proxy", entry.Address, "target", target)
	}
	return conn
}
