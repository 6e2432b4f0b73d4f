package printer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
)

// DefaultFTPPort is the implicit-FTPS port the emulator listens on.
// Real printers use 990; the default stays unprivileged.
const DefaultFTPPort = 9990

// UploadCallback is invoked once per completed upload with the stored
// file path and the client's source address. It may block; the session
// waits for it before serving further commands. Errors are logged and do
// not affect the reply already sent to the client.
type UploadCallback func(path string, sourceIP string) error

// FTPServer accepts slicer uploads over implicit FTPS: TLS from the
// first byte, no plaintext negotiation phase, because the slicer
// ecosystem this mimics does not support the explicit upgrade variant.
type FTPServer struct {
	UploadDir      string
	AccessCode     string
	Port           int
	OnFileReceived UploadCallback

	tlsConfig *tls.Config

	mu       sync.Mutex
	listener net.Listener
}

// NewFTPServer builds a server from the certificate service's material.
// The minimum protocol version is pinned to TLS 1.2.
func NewFTPServer(uploadDir, accessCode, certPath, keyPath string) (*FTPServer, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load FTPS certificate: %w", err)
	}

	return &FTPServer{
		UploadDir:  uploadDir,
		AccessCode: accessCode,
		Port:       DefaultFTPPort,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}, nil
}

// Run binds the control port and serves sessions until ctx is canceled.
// A bind failure (port in use) is fatal for this service only and is
// returned to the orchestrator. Each accepted connection gets an
// independent session goroutine.
func (f *FTPServer) Run(ctx context.Context) error {
	if err := os.MkdirAll(f.UploadDir, 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	listener, err := tls.Listen("tcp4", fmt.Sprintf(":%d", f.Port), f.tlsConfig)
	if err != nil {
		return fmt.Errorf("FTPS failed to bind port %d: %w", f.Port, err)
	}

	f.mu.Lock()
	f.listener = listener
	f.mu.Unlock()

	Info("Implicit FTPS server started", "port", f.listenPort(), "uploadDir", f.UploadDir)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				Info("FTPS server stopping")
				return nil
			}
			Warn("FTPS accept error", "error", err)
			continue
		}

		Debug("FTP connection accepted", "from", conn.RemoteAddr().String())
		go newFTPSession(conn, f).handle()
	}
}

// Addr returns the bound listener address, or nil before Run has bound
// the port. Used when the configured port is 0.
func (f *FTPServer) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *FTPServer) listenPort() int {
	if addr, ok := f.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return f.Port
}
