package printer

import (
	"crypto/tls"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	certs := newTestCertService(t, filepath.Join(t.TempDir(), "certs"))
	certPath, keyPath, err := certs.EnsureCertificates()
	if err != nil {
		t.Fatalf("failed to generate certificates: %v", err)
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("failed to load key pair: %v", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestDataChannelPortRange(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}
	defer d.close()

	if d.port < passivePortMin || d.port >= passivePortMax {
		t.Errorf("passive port %d outside [%d, %d)", d.port, passivePortMin, passivePortMax)
	}
}

func TestDataChannelWaitTimeout(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}
	defer d.close()

	start := time.Now()
	if _, err := d.waitConn(100 * time.Millisecond); err == nil {
		t.Fatal("waitConn should time out with no client")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("waitConn took %v, expected prompt timeout", elapsed)
	}
}

func TestDataChannelDeliversConnection(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}
	defer d.close()

	client, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.port),
		&tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("failed to dial data port: %v", err)
	}
	defer client.Close()

	conn, err := d.waitConn(5 * time.Second)
	if err != nil {
		t.Fatalf("waitConn failed: %v", err)
	}
	conn.Close()
}

func TestDataChannelParkRefusedAfterClose(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}
	d.close()

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	if d.park(c1) {
		t.Fatal("park must refuse connections after close")
	}
}

func TestDataChannelCloseDiscardsParkedConnection(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}

	client, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", d.port),
		&tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("failed to dial data port: %v", err)
	}
	defer client.Close()

	// Handshake completion means the server side has parked the
	// connection; close must reclaim it, not leak it.
	d.close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	if err == nil {
		t.Fatal("parked connection still open after channel close")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatal("parked connection leaked: neither consumed nor closed")
	}
}

func TestDataChannelCloseReleasesPort(t *testing.T) {
	t.Parallel()
	cfg := testTLSConfig(t)

	d, err := newDataChannel(cfg)
	if err != nil {
		t.Fatalf("newDataChannel failed: %v", err)
	}
	port := d.port
	d.close()

	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second); err == nil {
		conn.Close()
		t.Errorf("port %d still accepting after close", port)
	}
}
