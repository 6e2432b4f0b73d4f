package printer

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

// Passive data ports are drawn from a fixed high range, matching what
// real printers advertise.
const (
	passivePortMin = 50000
	passivePortMax = 60000
)

// dataChannel is the ephemeral TLS listener created per PASV command.
// It accepts at most one inbound connection and is torn down after the
// single transfer it serves, or when a new PASV supersedes it.
type dataChannel struct {
	listener net.Listener
	port     int
	connCh   chan net.Conn

	mu     sync.Mutex
	closed bool
}

// newDataChannel opens a TLS-wrapped listener on a randomly chosen port
// in the passive range and arms a one-shot accept.
func newDataChannel(tlsConfig *tls.Config) (*dataChannel, error) {
	for attempt := 0; attempt < 10; attempt++ {
		port := passivePortMin + rand.Intn(passivePortMax-passivePortMin)
		listener, err := tls.Listen("tcp4", fmt.Sprintf(":%d", port), tlsConfig)
		if err != nil {
			continue
		}
		d := &dataChannel{
			listener: listener,
			port:     port,
			connCh:   make(chan net.Conn, 1),
		}
		go d.acceptOne()
		return d, nil
	}
	return nil, errors.New("no free port in passive range")
}

// acceptOne takes the first inbound connection and parks it for the
// transfer command. Anything after the first is closed immediately.
// The handshake runs eagerly: clients block in their own handshake
// until the server side answers, before they ever send STOR.
func (d *dataChannel) acceptOne() {
	conn, err := d.listener.Accept()
	if err != nil {
		return
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		tlsConn.SetDeadline(time.Now().Add(dataConnectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			tlsConn.Close()
			return
		}
		tlsConn.SetDeadline(time.Time{})
	}
	if !d.park(conn) {
		conn.Close()
	}
}

// park hands the handshaken connection to the transfer command. It fails
// once the channel is closed or already holds a connection, so a channel
// torn down mid-handshake never strands a live socket.
func (d *dataChannel) park(conn net.Conn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.connCh <- conn:
		return true
	default:
		return false
	}
}

// waitConn blocks until the client dials the advertised port or the
// timeout expires.
func (d *dataChannel) waitConn(timeout time.Duration) (net.Conn, error) {
	select {
	case conn := <-d.connCh:
		return conn, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for data connection")
	}
}

// close releases the listener and any parked, unconsumed connection.
// Setting closed before draining means a park racing this call either
// lands before the drain or is refused, never after it.
func (d *dataChannel) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.listener.Close()
	select {
	case conn := <-d.connCh:
		conn.Close()
	default:
	}
}
