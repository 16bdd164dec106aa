// Package upstream handles dialing through HTTP, SOCKS4, and SOCKS5
// upstream proxies.
package upstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/drsoft-oss/proxyhub/internal/pool"
)

// Dial opens a TCP connection to target ("host:port") tunneled through the
// upstream proxy at proxyAddr speaking the given protocol.
// The returned conn is a raw pipe ready for bidirectional tunneling. On any
// handshake failure the upstream socket is closed before returning.
func Dial(ctx context.Context, protocol pool.Protocol, proxyAddr, target string) (net.Conn, error) {
	switch protocol {
	case pool.ProtocolHTTP:
		return dialHTTP(ctx, proxyAddr, target)
	case pool.ProtocolSOCKS4:
		return dialSOCKS4(ctx, proxyAddr, target)
	case pool.ProtocolSOCKS5:
		return dialSOCKS5(ctx, proxyAddr, target)
	default:
		return nil, fmt.Errorf("unsupported upstream protocol: %s", protocol)
	}
}

// dialHTTP sends an HTTP CONNECT request to the upstream proxy and returns
// the connection after the tunnel is established.
func dialHTTP(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", proxyAddr, err)
	}
	applyDeadline(ctx, conn)
	defer clearDeadline(conn)

	req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "//"+target, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build CONNECT request: %w", err)
	}
	req.Host = target

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy CONNECT failed: %s", resp.Status)
	}

	// If the bufio reader consumed bytes beyond the response, wrap conn to
	// replay them. In practice this doesn't happen on a clean CONNECT tunnel.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// dialSOCKS4 performs a SOCKS4 CONNECT handshake. SOCKS4 carries raw IPv4
// only, so the target host is resolved here first.
func dialSOCKS4(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("bad target %q: %w", target, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("bad target port %q: %w", portStr, err)
	}

	ip4, err := resolveIPv4(ctx, host)
	if err != nil {
		return nil, err
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy %s: %w", proxyAddr, err)
	}
	applyDeadline(ctx, conn)
	defer clearDeadline(conn)

	// VN=4 CD=1 DSTPORT(2) DSTIP(4) USERID="" NUL
	req := make([]byte, 0, 9)
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip4...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write socks4 request: %w", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 reply: %w", err)
	}
	if reply[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 connect rejected (code %#02x)", reply[1])
	}
	return conn, nil
}

// dialSOCKS5 dials through a SOCKS5 upstream proxy.
func dialSOCKS5(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	// Use the context-aware interface if available (golang.org/x/net/proxy
	// implements it since Go 1.15).
	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	if cd, ok := dialer.(contextDialer); ok {
		conn, err := cd.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial %s: %w", target, err)
		}
		return conn, nil
	}

	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial %s: %w", target, err)
	}
	return conn, nil
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("socks4 requires IPv4, got %s", host)
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, a := range addrs {
		if ip4 := a.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}

// applyDeadline mirrors the context deadline onto the handshake socket so
// a stalled proxy cannot hang the handshake reads.
func applyDeadline(ctx context.Context, conn net.Conn) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
}

func clearDeadline(conn net.Conn) {
	_ = conn.SetDeadline(time.Time{})
}

// bufferedConn wraps a net.Conn and prepends already-buffered bytes to the
// read stream. Used when bufio.Reader consumed extra bytes from a CONNECT
// response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
