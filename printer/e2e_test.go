package printer

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
)

// TestEndToEndSlicerUpload plays the role of a slicer: discover nothing,
// just connect with a real FTP client over implicit TLS, verify the
// served chain against the generated CA, log in and push a file.
func TestEndToEndSlicerUpload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certs := newTestCertService(t, filepath.Join(dir, "certs"))
	certPath, keyPath, err := certs.EnsureCertificates()
	if err != nil {
		t.Fatalf("failed to generate certificates: %v", err)
	}

	uploads := make(chan string, 4)
	srv, err := NewFTPServer(filepath.Join(dir, "uploads"), testAccessCode, certPath, keyPath)
	if err != nil {
		t.Fatalf("NewFTPServer failed: %v", err)
	}
	srv.Port = 0
	srv.OnFileReceived = func(path, sourceIP string) error {
		uploads <- path
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	port := srv.Addr().(*net.TCPAddr).Port

	// Trust only the emulator's own CA; the leaf carries a 127.0.0.1
	// SAN so loopback verification succeeds. ServerName must be set
	// explicitly because the library's data connections use tls.Client
	// directly, which does not derive it from the dialed address.
	chain, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("failed to read chain: %v", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(chain) {
		t.Fatal("failed to parse chain into cert pool")
	}

	client, err := ftp.Dial(fmt.Sprintf("127.0.0.1:%d", port),
		ftp.DialWithTLS(&tls.Config{RootCAs: roots, ServerName: "127.0.0.1"}),
		ftp.DialWithDisabledEPSV(true),
		ftp.DialWithTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("FTP client failed to connect: %v", err)
	}

	if err := client.Login("bblp", testAccessCode); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	payload := make([]byte, 10*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}
	if err := client.Stor("test.3mf", bytes.NewReader(payload)); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := client.Quit(); err != nil {
		t.Fatalf("quit failed: %v", err)
	}

	var storedPath string
	select {
	case storedPath = <-uploads:
	case <-time.After(5 * time.Second):
		t.Fatal("upload callback was not invoked")
	}

	stored, err := os.ReadFile(storedPath)
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Errorf("stored file differs from payload (%d vs %d bytes)", len(stored), len(payload))
	}
	if filepath.Base(storedPath) != "test.3mf" {
		t.Errorf("stored file name = %q, want test.3mf", filepath.Base(storedPath))
	}
}

// TestEndToEndWrongCredentials checks that the library client surfaces a
// rejected access code as a login error.
func TestEndToEndWrongCredentials(t *testing.T) {
	t.Parallel()

	_, addr := startTestFTPServer(t, nil)

	client, err := ftp.Dial(addr,
		ftp.DialWithTLS(&tls.Config{InsecureSkipVerify: true}),
		ftp.DialWithDisabledEPSV(true),
		ftp.DialWithTimeout(10*time.Second),
	)
	if err != nil {
		t.Fatalf("FTP client failed to connect: %v", err)
	}
	defer client.Quit()

	if err := client.Login("bblp", "wrong-code"); err == nil {
		t.Fatal("expected login with wrong access code to fail")
	}
}
