package gateway

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	bridgeBufSize     = 8192
	bridgeIdleTimeout = 5 * time.Second
)

// bridge shuttles bytes between two connected sockets until either side
// closes, errors, or the link sits idle in both directions for the idle
// timeout. Both sockets are closed exactly once on every exit path.
func bridge(a, b net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	defer closeBoth()

	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	done := make(chan struct{}, 2)
	go pump(a, b, &lastActive, done)
	go pump(b, a, &lastActive, done)

	// The first direction to finish tears down both sockets, which
	// unblocks the other pump.
	<-done
	closeBoth()
	<-done
}

// pump copies src to dst in bounded chunks. Read deadlines fire every idle
// slice; the pump keeps going as long as the *other* direction has been
// active within the idle window, so one-sided traffic keeps the bridge up.
func pump(dst, src net.Conn, lastActive *atomic.Int64, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	buf := make([]byte, bridgeBufSize)
	for {
		_ = src.SetReadDeadline(time.Now().Add(bridgeIdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			lastActive.Store(time.Now().UnixNano())
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				idle := time.Since(time.Unix(0, lastActive.Load()))
				if idle < bridgeIdleTimeout {
					continue
				}
			}
			return
		}
	}
}
