package gateway

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/drsoft-oss/proxyhub/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHTTPProxy accepts CONNECT requests and echoes every tunneled byte
// back to the client. Returns its address.
func echoHTTPProxy(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if line == "\r\n" {
						break
					}
				}
				io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")
				buf := make([]byte, 4096)
				for {
					n, err := br.Read(buf)
					if n > 0 {
						if _, werr := conn.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

// newTestGateway starts a gateway on ephemeral ports over the given pool.
func newTestGateway(t *testing.T, p *pool.Pool) *Gateway {
	t.Helper()
	g := New(Config{
		HTTPAddr:    "127.0.0.1:0",
		SOCKS5Addr:  "127.0.0.1:0",
		DialTimeout: 2 * time.Second,
	}, p, testLogger())
	if err := g.Start(); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	t.Cleanup(g.Stop)
	return g
}

func poolWithUpstream(upstreamAddr string) *pool.Pool {
	p := pool.New()
	p.Add(pool.Entry{
		Address:  upstreamAddr,
		Protocol: pool.ProtocolHTTP,
		Latency:  0.1,
		Score:    50,
		Status:   pool.StatusWorking,
	})
	return p
}

func TestHTTPConnect_HappyPath(t *testing.T) {
	upstream := echoHTTPProxy(t)
	g := newTestGateway(t, poolWithUpstream(upstream))
	httpAddr, _ := g.Addrs()

	client, err := net.DialTimeout("tcp", httpAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")

	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 200") {
		t.Fatalf("expected 200 Connection Established, got %q", status)
	}
	if blank, _ := br.ReadString('\n'); blank != "\r\n" {
		t.Fatalf("expected blank line, got %q", blank)
	}

	// Bytes written into the tunnel come back through the echoing upstream.
	io.WriteString(client, "ping")
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("tunnel not transparent: got %q", buf)
	}
}

func TestHTTPConnect_EmptyPool(t *testing.T) {
	g := newTestGateway(t, pool.New())
	httpAddr, _ := g.Addrs()

	client, err := net.DialTimeout("tcp", httpAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	io.WriteString(client, "CONNECT example.com:443 HTTP/1.1\r\n\r\n")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(client).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 502") {
		t.Errorf("expected 502 on empty pool, got %q", status)
	}
}

func TestRequestParsing(t *testing.T) {
	head := []byte("GET http://example.com/path HTTP/1.1\r\nHost: example.com\r\n\r\n")
	method, rawURL, err := parseRequestLine(head)
	if err != nil || method != "GET" || rawURL != "http://example.com/path" {
		t.Errorf("parseRequestLine: %s %s %v", method, rawURL, err)
	}

	host, port, err := splitAbsoluteTarget("http://example.com/path")
	if err != nil || host != "example.com" || port != 80 {
		t.Errorf("splitAbsoluteTarget: %s %d %v", host, port, err)
	}
	host, port, err = splitAbsoluteTarget("http://example.com:8080/x")
	if err != nil || host != "example.com" || port != 8080 {
		t.Errorf("splitAbsoluteTarget with port: %s %d %v", host, port, err)
	}

	host, port, err = splitConnectTarget("example.com:443")
	if err != nil || host != "example.com" || port != 443 {
		t.Errorf("splitConnectTarget: %s %d %v", host, port, err)
	}
	if _, _, err := splitConnectTarget("example.com"); err == nil {
		t.Error("splitConnectTarget should reject a portless target")
	}

	if _, _, err := parseRequestLine([]byte("BOGUS\r\n\r\n")); err == nil {
		t.Error("parseRequestLine should reject a short request line")
	}
}

func TestReadRequestHead_Bounded(t *testing.T) {
	long := "GET / HTTP/1.1\r\n" + strings.Repeat("X-Filler: aaaaaaaaaaaaaaaa\r\n", 1000)
	br := bufio.NewReader(strings.NewReader(long))
	if _, err := readRequestHead(br); err == nil {
		t.Error("expected error for oversized request head")
	}

	ok := "GET / HTTP/1.1\r\nHost: x\r\n\r\nBODY"
	br = bufio.NewReader(strings.NewReader(ok))
	head, err := readRequestHead(br)
	if err != nil {
		t.Fatalf("readRequestHead: %v", err)
	}
	if !strings.HasSuffix(string(head), "\r\n\r\n") {
		t.Errorf("head does not end at the blank line: %q", head)
	}
	rest := make([]byte, 4)
	if _, err := io.ReadFull(br, rest); err != nil || string(rest) != "BODY" {
		t.Errorf("body bytes lost: %q %v", rest, err)
	}
}

func TestSOCKS5_DomainConnect(t *testing.T) {
	upstream := echoHTTPProxy(t)
	g := newTestGateway(t, poolWithUpstream(upstream))
	_, socksAddr := g.Addrs()

	client, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(3 * time.Second))

	// Greeting: version 5, one method, no-auth.
	client.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	if _, err := io.ReadFull(client, resp); err != nil {
		t.Fatal(err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("bad greeting reply: %v", resp)
	}

	// CONNECT example.com:443 by domain name.
	req := []byte{0x05, 0x01, 0x00, 0x03, 0x0b}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x01, 0xbb)
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	for i := range want {
		if reply[i] != want[i] {
			t.Fatalf("bad connect reply: %v", reply)
		}
	}

	// Tunnel is live: bytes echo back through the upstream.
	io.WriteString(client, "hello")
	buf := make([]byte, 5)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("tunnel not transparent: got %q", buf)
	}
}

func TestSOCKS5_EmptyPoolHostUnreachable(t *testing.T) {
	g := newTestGateway(t, pool.New())
	_, socksAddr := g.Addrs()

	client, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(3 * time.Second))

	client.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	io.ReadFull(client, resp)

	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x04 {
		t.Errorf("expected host-unreachable (04), got %#02x", reply[1])
	}
}

func TestSOCKS5_UnsupportedATYP(t *testing.T) {
	g := newTestGateway(t, pool.New())
	_, socksAddr := g.Addrs()

	client, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(3 * time.Second))

	client.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	io.ReadFull(client, resp)

	// ATYP 4 (IPv6) is rejected with 08.
	client.Write([]byte{0x05, 0x01, 0x00, 0x04})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x08 {
		t.Errorf("expected address-type-not-supported (08), got %#02x", reply[1])
	}
}

func TestSOCKS5_NonConnectCommand(t *testing.T) {
	g := newTestGateway(t, pool.New())
	_, socksAddr := g.Addrs()

	client, err := net.DialTimeout("tcp", socksAddr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(3 * time.Second))

	client.Write([]byte{0x05, 0x01, 0x00})
	resp := make([]byte, 2)
	io.ReadFull(client, resp)

	// CMD 2 (BIND) is rejected with the same 08 code as a bad ATYP.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01})
	reply := make([]byte, 10)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x08 {
		t.Errorf("expected 08 for non-CONNECT command, got %#02x", reply[1])
	}
}

func TestBridge_Neutrality(t *testing.T) {
	clientSide, gwClient := net.Pipe()
	gwUpstream, targetSide := net.Pipe()
	defer clientSide.Close()
	defer targetSide.Close()

	go bridge(gwClient, gwUpstream)

	// Client → target.
	go io.WriteString(clientSide, "abcdef")
	buf := make([]byte, 6)
	targetSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(targetSide, buf); err != nil {
		t.Fatalf("client→target: %v", err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("bytes reordered: %q", buf)
	}

	// Target → client.
	go io.WriteString(targetSide, "123")
	buf = make([]byte, 3)
	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(clientSide, buf); err != nil {
		t.Fatalf("target→client: %v", err)
	}
	if string(buf) != "123" {
		t.Errorf("bytes reordered: %q", buf)
	}
}

func TestBridge_ClosesPeerWhenOneSideCloses(t *testing.T) {
	clientSide, gwClient := net.Pipe()
	gwUpstream, targetSide := net.Pipe()
	defer targetSide.Close()

	done := make(chan struct{})
	go func() {
		bridge(gwClient, gwUpstream)
		close(done)
	}()

	clientSide.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not terminate after one side closed")
	}

	// The other side must observe EOF (its peer was closed by the bridge).
	targetSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := targetSide.Read(make([]byte, 1)); err == nil {
		t.Error("expected EOF on the surviving side")
	}
}

func TestUpstreamDialFailure_ReportsToPool(t *testing.T) {
	// A Working entry pointing at a closed port: the dial fails and the
	// gateway must demote it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	p := pool.New()
	p.Add(pool.Entry{Address: deadAddr, Protocol: pool.ProtocolHTTP, Status: pool.StatusWorking})

	g := New(Config{
		HTTPAddr:    "127.0.0.1:0",
		SOCKS5Addr:  "127.0.0.1:0",
		DialTimeout: time.Second,
	}, p, testLogger())
	g.SetRotatePerRequest(true)

	if conn := g.upstreamConn("example.com", 80); conn != nil {
		conn.Close()
		t.Fatal("expected nil conn for dead upstream")
	}
	if got := p.Get(deadAddr).Status; got != pool.StatusUnavailable {
		t.Errorf("dial failure not reported: status %s", got)
	}
}

func TestRotationModeSelection(t *testing.T) {
	upstream := echoHTTPProxy(t)
	p := poolWithUpstream(upstream)
	g := New(Config{DialTimeout: time.Second}, p, testLogger())

	// Fixed mode with no current falls back to Next.
	if conn := g.upstreamConn("example.com", 443); conn == nil {
		t.Fatal("expected a conn via Next fallback")
	} else {
		conn.Close()
	}
	if p.Current() == nil {
		t.Error("Next fallback should have set current")
	}

	g.SetRotatePerRequest(true)
	if !g.RotatePerRequest() {
		t.Error("rotation toggle not set")
	}
}
