package printer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

const testAccessCode = "12345678"

// startTestFTPServer brings up a fully wired FTPS server on an ephemeral
// port with freshly generated certificates and returns its address.
func startTestFTPServer(t *testing.T, callback UploadCallback) (*FTPServer, string) {
	t.Helper()

	dir := t.TempDir()
	certs := newTestCertService(t, filepath.Join(dir, "certs"))
	certPath, keyPath, err := certs.EnsureCertificates()
	if err != nil {
		t.Fatalf("failed to generate certificates: %v", err)
	}

	srv, err := NewFTPServer(filepath.Join(dir, "uploads"), testAccessCode, certPath, keyPath)
	if err != nil {
		t.Fatalf("NewFTPServer failed: %v", err)
	}
	srv.Port = 0
	srv.OnFileReceived = callback

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil {
		select {
		case err := <-errCh:
			t.Fatalf("server exited before binding: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	port := srv.Addr().(*net.TCPAddr).Port
	return srv, fmt.Sprintf("127.0.0.1:%d", port)
}

// ftpTestClient drives the control connection with raw commands so tests
// can exercise exact replies, including protocol misuse no library client
// would produce.
type ftpTestClient struct {
	t    *testing.T
	conn *tls.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *ftpTestClient {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("failed to dial control connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &ftpTestClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(220)
	return c
}

func (c *ftpTestClient) send(cmd string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("failed to send %q: %v", cmd, err)
	}
}

// expect reads one reply, skipping continuation lines of multi-line
// replies, and checks the final status code.
func (c *ftpTestClient) expect(code int) string {
	c.t.Helper()
	prefix := strconv.Itoa(code) + " "
	multiline := false
	for {
		c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := c.r.ReadString('\n')
		if err != nil {
			c.t.Fatalf("failed to read reply (want %d): %v", code, err)
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, prefix) {
			return line
		}
		if len(line) >= 4 && line[3] == '-' {
			multiline = true
			continue
		}
		if multiline {
			continue
		}
		c.t.Fatalf("got reply %q, want code %d", line, code)
	}
}

func (c *ftpTestClient) login() {
	c.t.Helper()
	c.send("USER bblp")
	c.expect(331)
	c.send("PASS " + testAccessCode)
	c.expect(230)
}

// pasv sends PASV and parses the advertised data port out of the
// (h1,h2,h3,h4,p1,p2) tuple.
func (c *ftpTestClient) pasv() int {
	c.t.Helper()
	c.send("PASV")
	line := c.expect(227)

	start := strings.Index(line, "(")
	end := strings.Index(line, ")")
	if start < 0 || end < start {
		c.t.Fatalf("malformed PASV reply: %q", line)
	}
	fields := strings.Split(line[start+1:end], ",")
	if len(fields) != 6 {
		c.t.Fatalf("malformed PASV tuple: %q", line)
	}
	p1, err1 := strconv.Atoi(strings.TrimSpace(fields[4]))
	p2, err2 := strconv.Atoi(strings.TrimSpace(fields[5]))
	if err1 != nil || err2 != nil {
		c.t.Fatalf("non-numeric PASV port: %q", line)
	}
	return p1*256 + p2
}

func (c *ftpTestClient) upload(name string, payload []byte) {
	c.t.Helper()
	port := c.pasv()

	dataConn, err := tls.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port),
		&tls.Config{InsecureSkipVerify: true})
	if err != nil {
		c.t.Fatalf("failed to dial data port %d: %v", port, err)
	}

	c.send("STOR " + name)
	c.expect(150)

	if _, err := dataConn.Write(payload); err != nil {
		c.t.Fatalf("failed to write payload: %v", err)
	}
	if err := dataConn.Close(); err != nil {
		c.t.Fatalf("failed to close data connection: %v", err)
	}
	c.expect(226)
}

func TestFTPLogin(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("USER bblp")
	c.expect(331)
	c.send("PASS " + testAccessCode)
	c.expect(230)
	c.send("PWD")
	c.expect(257)
}

func TestFTPLoginWrongAccessCode(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("USER bblp")
	c.expect(331)
	c.send("PASS wrong")
	c.expect(530)

	// Session survives, but gated commands stay locked.
	c.send("PASV")
	c.expect(530)
}

func TestFTPUnknownUser(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("USER admin")
	c.expect(530)
}

func TestFTPPassBeforeUser(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("PASS " + testAccessCode)
	c.expect(503)
}

func TestFTPPreAuthCommands(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("SYST")
	c.expect(215)
	c.send("FEAT")
	c.expect(211)
	c.send("PBSZ 0")
	c.expect(200)
	c.send("PROT P")
	c.expect(200)
	c.send("NOOP")
	c.expect(200)
}

func TestFTPProtClearRefused(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("PROT C")
	c.expect(536)
	c.send("PROT X")
	c.expect(504)
}

func TestFTPUnknownCommandKeepsSession(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)

	c.send("XYZZY")
	c.expect(502)
	c.send("NOOP")
	c.expect(200)
}

func TestFTPStorWithoutPasv(t *testing.T) {
	t.Parallel()
	srv, addr := startTestFTPServer(t, nil)
	c := dialTestClient(t, addr)
	c.login()

	c.send("STOR model.3mf")
	c.expect(425)

	if _, err := os.Stat(filepath.Join(srv.UploadDir, "model.3mf")); !os.IsNotExist(err) {
		t.Error("no file should be written without a data channel")
	}
}

func TestFTPUploadRoundTrip(t *testing.T) {
	t.Parallel()

	type uploadEvent struct {
		path     string
		sourceIP string
	}
	events := make(chan uploadEvent, 4)
	srv, addr := startTestFTPServer(t, func(path, sourceIP string) error {
		events <- uploadEvent{path, sourceIP}
		return nil
	})

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}

	c := dialTestClient(t, addr)
	c.login()
	c.send("TYPE I")
	c.expect(200)
	c.upload("benchy.3mf", payload)

	var ev uploadEvent
	select {
	case ev = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("upload callback was not invoked")
	}

	wantPath := filepath.Join(srv.UploadDir, "benchy.3mf")
	if ev.path != wantPath {
		t.Errorf("callback path = %q, want %q", ev.path, wantPath)
	}
	if ev.sourceIP != "127.0.0.1" {
		t.Errorf("callback source IP = %q, want 127.0.0.1", ev.sourceIP)
	}

	stored, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("failed to read stored file: %v", err)
	}
	if !bytes.Equal(stored, payload) {
		t.Errorf("stored file differs from payload (%d vs %d bytes)", len(stored), len(payload))
	}

	select {
	case extra := <-events:
		t.Errorf("unexpected second callback: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFTPPathTraversalSanitized(t *testing.T) {
	t.Parallel()
	srv, addr := startTestFTPServer(t, nil)

	c := dialTestClient(t, addr)
	c.login()
	c.upload("../../escape.3mf", []byte("payload"))

	if _, err := os.Stat(filepath.Join(srv.UploadDir, "escape.3mf")); err != nil {
		t.Errorf("sanitized upload missing: %v", err)
	}
	outside := filepath.Join(srv.UploadDir, "..", "..", "escape.3mf")
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Error("upload escaped the upload directory")
	}
}

func TestFTPStorRejectsEmptyBasename(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)

	c := dialTestClient(t, addr)
	c.login()
	c.pasv()
	c.send("STOR ..")
	c.expect(553)
}

func TestFTPSecondPasvClosesFirst(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)

	c := dialTestClient(t, addr)
	c.login()

	first := c.pasv()
	second := c.pasv()
	if first == second {
		t.Fatalf("expected a fresh passive port, got %d twice", first)
	}

	if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", first), time.Second); err == nil {
		conn.Close()
		t.Errorf("first passive port %d still accepting after second PASV", first)
	}
}

func TestFTPListWithoutData(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)

	c := dialTestClient(t, addr)
	c.login()
	c.send("LIST")
	c.expect(150)
	c.expect(226)
}

func TestFTPSizeAlwaysNotFound(t *testing.T) {
	t.Parallel()
	_, addr := startTestFTPServer(t, nil)

	c := dialTestClient(t, addr)
	c.login()
	c.send("SIZE whatever.3mf")
	c.expect(550)
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"model.3mf", "model.3mf"},
		{"dir/sub/part.gcode", "part.gcode"},
		{"../../etc/passwd", "passwd"},
		{`..\..\evil.3mf`, "evil.3mf"},
		{"/", ""},
		{"..", ""},
		{".", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := sanitizeFilename(tc.in); got != tc.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
