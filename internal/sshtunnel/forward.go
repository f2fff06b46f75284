package sshtunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Forwarder listens on an ephemeral loopback port and carries every accepted
// connection to a remote address over the SSH session.
type Forwarder struct {
	session    Session
	remoteAddr string
	keepAlive  time.Duration
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	accepted atomic.Int64
	bytesIn  atomic.Int64 // remote -> local
	bytesOut atomic.Int64 // local -> remote
}

// ForwarderStats is a point-in-time view of forwarder traffic.
type ForwarderStats struct {
	LocalAddr  string `json:"local_addr"`
	RemoteAddr string `json:"remote_addr"`
	Accepted   int64  `json:"accepted"`
	Active     int    `json:"active"`
	BytesIn    int64  `json:"bytes_in"`
	BytesOut   int64  `json:"bytes_out"`
}

// Forward checks that the session can open a channel to remoteAddr, then
// starts forwarding from a new listener on 127.0.0.1:0. keepAlive, when
// positive, enables TCP keep-alive with that period on accepted sockets.
func Forward(ctx context.Context, session Session, remoteAddr string, keepAlive time.Duration) (*Forwarder, error) {
	probe, err := session.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("open channel to %s: %w", remoteAddr, err)
	}
	probe.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on local port: %w", err)
	}

	fctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		session:    session,
		remoteAddr: remoteAddr,
		keepAlive:  keepAlive,
		listener:   listener,
		ctx:        fctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}

	f.wg.Add(1)
	go f.acceptLoop()
	return f, nil
}

// Addr returns the local host:port that clients should connect to.
func (f *Forwarder) Addr() string {
	return f.listener.Addr().String()
}

// Stats returns current traffic counters.
func (f *Forwarder) Stats() ForwarderStats {
	f.mu.Lock()
	active := len(f.conns)
	f.mu.Unlock()
	return ForwarderStats{
		LocalAddr:  f.Addr(),
		RemoteAddr: f.remoteAddr,
		Accepted:   f.accepted.Load(),
		Active:     active / 2,
		BytesIn:    f.bytesIn.Load(),
		BytesOut:   f.bytesOut.Load(),
	}
}

// Close stops accepting, closes every forwarded connection and waits for the
// copy goroutines to exit. It is safe to call more than once.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := f.conns
	f.conns = make(map[net.Conn]struct{})
	f.mu.Unlock()

	f.cancel()
	err := f.listener.Close()
	for c := range conns {
		c.Close()
	}
	f.wg.Wait()
	return err
}

func (f *Forwarder) acceptLoop() {
	defer f.wg.Done()

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			log.Printf("[db] tunnel accept error on %s: %v", f.Addr(), err)
			return
		}
		f.accepted.Add(1)

		if tcp, ok := conn.(*net.TCPConn); ok && f.keepAlive > 0 {
			tcp.SetKeepAlive(true)
			tcp.SetKeepAlivePeriod(f.keepAlive)
		}

		f.wg.Add(1)
		go f.forwardConnection(conn)
	}
}

// forwardConnection opens a channel for one local connection and pipes both
// directions until either side closes.
func (f *Forwarder) forwardConnection(local net.Conn) {
	defer f.wg.Done()

	remote, err := f.session.DialContext(f.ctx, "tcp", f.remoteAddr)
	if err != nil {
		if f.ctx.Err() == nil {
			log.Printf("[db] tunnel dial to %s failed: %v", f.remoteAddr, err)
		}
		local.Close()
		return
	}

	if !f.track(local, remote) {
		local.Close()
		remote.Close()
		return
	}
	defer f.untrack(local, remote)

	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(remote, local)
		f.bytesOut.Add(n)
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(local, remote)
		f.bytesIn.Add(n)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-f.ctx.Done():
	}
	local.Close()
	remote.Close()
	<-done
}

func (f *Forwarder) track(conns ...net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	for _, c := range conns {
		f.conns[c] = struct{}{}
	}
	return true
}

func (f *Forwarder) untrack(conns ...net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range conns {
		delete(f.conns, c)
	}
}
