package printer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

const (
	// The single service account real printers expose.
	serviceAccount = "bblp"

	controlIdleTimeout = 5 * time.Minute
	dataConnectTimeout = 30 * time.Second
	dataReadTimeout    = 60 * time.Second
)

// ftpSession holds the per-connection state of one control connection.
// Sessions share nothing with each other.
type ftpSession struct {
	server *FTPServer
	conn   net.Conn
	reader *bufio.Reader

	authenticated bool
	username      string
	transferType  string
	data          *dataChannel

	remoteIP string
}

// commandSpec is one entry of the command table: the handler plus the
// session state it requires. Handlers return true to end the session.
type commandSpec struct {
	needsAuth bool
	handler   func(s *ftpSession, arg string) bool
}

// ftpCommands maps command tokens to handlers. The table is the floor of
// what slicers need; anything absent is answered "not implemented"
// without dropping the connection, since clients probe for optional
// features.
var ftpCommands = map[string]commandSpec{
	"USER": {handler: (*ftpSession).cmdUser},
	"PASS": {handler: (*ftpSession).cmdPass},
	"SYST": {handler: (*ftpSession).cmdSyst},
	"FEAT": {handler: (*ftpSession).cmdFeat},
	"OPTS": {handler: (*ftpSession).cmdOpts},
	"PBSZ": {handler: (*ftpSession).cmdPbsz},
	"PROT": {handler: (*ftpSession).cmdProt},
	"NOOP": {handler: (*ftpSession).cmdNoop},
	"QUIT": {handler: (*ftpSession).cmdQuit},
	"PWD":  {needsAuth: true, handler: (*ftpSession).cmdPwd},
	"CWD":  {needsAuth: true, handler: (*ftpSession).cmdCwd},
	"MKD":  {needsAuth: true, handler: (*ftpSession).cmdMkd},
	"TYPE": {needsAuth: true, handler: (*ftpSession).cmdType},
	"PASV": {needsAuth: true, handler: (*ftpSession).cmdPasv},
	"STOR": {needsAuth: true, handler: (*ftpSession).cmdStor},
	"SIZE": {needsAuth: true, handler: (*ftpSession).cmdSize},
	"LIST": {needsAuth: true, handler: (*ftpSession).cmdList},
}

func newFTPSession(conn net.Conn, server *FTPServer) *ftpSession {
	remoteIP := "unknown"
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}
	return &ftpSession{
		server:       server,
		conn:         conn,
		reader:       bufio.NewReader(conn),
		transferType: "A",
		remoteIP:     remoteIP,
	}
}

// handle runs the session read loop until disconnect, idle timeout or
// QUIT. Errors here end this session only.
func (s *ftpSession) handle() {
	defer s.cleanup()

	s.reply(220, "PrintHive virtual printer FTP ready")

	for {
		s.conn.SetReadDeadline(time.Now().Add(controlIdleTimeout))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				Debug("FTP session idle timeout", "from", s.remoteIP)
			} else if err != io.EOF {
				Debug("FTP control read error", "from", s.remoteIP, "error", err)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		cmd, arg := splitCommand(line)
		if cmd == "PASS" {
			Trace("FTP command", "from", s.remoteIP, "command", "PASS ****")
		} else {
			Trace("FTP command", "from", s.remoteIP, "command", line)
		}

		spec, known := ftpCommands[cmd]
		if !known {
			Debug("FTP command not implemented", "command", cmd)
			s.reply(502, "Command "+cmd+" not implemented")
			continue
		}
		if spec.needsAuth && !s.authenticated {
			s.reply(530, "Not logged in")
			continue
		}
		if spec.handler(s, arg) {
			return
		}
	}
}

func (s *ftpSession) cleanup() {
	s.closeData()
	s.conn.Close()
	Debug("FTP session ended", "from", s.remoteIP)
}

func (s *ftpSession) reply(code int, message string) {
	s.writeRaw(fmt.Sprintf("%d %s\r\n", code, message))
	Trace("FTP reply", "to", s.remoteIP, "code", code, "message", message)
}

func (s *ftpSession) writeRaw(text string) {
	s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := s.conn.Write([]byte(text)); err != nil {
		Debug("FTP control write error", "to", s.remoteIP, "error", err)
	}
}

func (s *ftpSession) closeData() {
	if s.data != nil {
		s.data.close()
		s.data = nil
	}
}

func splitCommand(line string) (cmd, arg string) {
	parts := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// Command handlers

func (s *ftpSession) cmdUser(arg string) bool {
	s.username = arg
	if strings.EqualFold(arg, serviceAccount) {
		s.reply(331, "Password required")
	} else {
		s.reply(530, "Invalid user")
	}
	return false
}

func (s *ftpSession) cmdPass(arg string) bool {
	if !strings.EqualFold(s.username, serviceAccount) {
		s.reply(503, "Login with USER first")
		return false
	}
	if arg == s.server.AccessCode {
		s.authenticated = true
		s.reply(230, "Login successful")
		Info("FTP login", "from", s.remoteIP)
	} else {
		s.reply(530, "Login incorrect")
		Warn("FTP failed login", "from", s.remoteIP)
	}
	return false
}

func (s *ftpSession) cmdSyst(string) bool {
	s.reply(215, "UNIX Type: L8")
	return false
}

func (s *ftpSession) cmdFeat(string) bool {
	s.writeRaw("211-Features:\r\n PASV\r\n UTF8\r\n SIZE\r\n211 End\r\n")
	return false
}

func (s *ftpSession) cmdOpts(arg string) bool {
	if strings.HasPrefix(strings.ToUpper(arg), "UTF8") {
		s.reply(200, "UTF8 mode enabled")
	} else {
		s.reply(501, "Option not supported")
	}
	return false
}

// PBSZ is required by the FTP security extensions; with TLS the
// protection buffer size is always zero.
func (s *ftpSession) cmdPbsz(string) bool {
	s.reply(200, "PBSZ=0")
	return false
}

// PROT only accepts the private level. The tunnel is always encrypted,
// so clear data channels are refused outright.
func (s *ftpSession) cmdProt(arg string) bool {
	switch strings.ToUpper(arg) {
	case "P":
		s.reply(200, "Protection level set to Private")
	case "C":
		s.reply(536, "Protection level C not supported")
	default:
		s.reply(504, "Protection level "+arg+" not supported")
	}
	return false
}

func (s *ftpSession) cmdNoop(string) bool {
	s.reply(200, "OK")
	return false
}

func (s *ftpSession) cmdQuit(string) bool {
	s.reply(221, "Goodbye")
	return true
}

// The storage namespace is flat, so directory commands acknowledge
// without doing anything.

func (s *ftpSession) cmdPwd(string) bool {
	s.reply(257, `"/" is current directory`)
	return false
}

func (s *ftpSession) cmdCwd(string) bool {
	s.reply(250, "Directory changed")
	return false
}

func (s *ftpSession) cmdMkd(arg string) bool {
	s.reply(257, `"`+arg+`" directory created`)
	return false
}

func (s *ftpSession) cmdType(arg string) bool {
	switch strings.ToUpper(arg) {
	case "A":
		s.transferType = "A"
		s.reply(200, "Type set to ASCII")
	case "I":
		s.transferType = "I"
		s.reply(200, "Type set to Binary")
	default:
		s.reply(504, "Type not supported")
	}
	return false
}

// cmdPasv opens a fresh one-shot data listener, tearing down any prior
// one first. At most one data channel is live per session.
func (s *ftpSession) cmdPasv(string) bool {
	s.closeData()

	data, err := newDataChannel(s.server.tlsConfig)
	if err != nil {
		Error("FTP failed to open passive listener", "error", err)
		s.reply(425, "Cannot open data connection")
		return false
	}
	s.data = data

	// Advertise the address the client already reached us on.
	ip := net.ParseIP("127.0.0.1")
	if addr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok && addr.IP.To4() != nil {
		ip = addr.IP.To4()
	}

	s.reply(227, fmt.Sprintf("Entering Passive Mode (%d,%d,%d,%d,%d,%d)",
		ip[len(ip)-4], ip[len(ip)-3], ip[len(ip)-2], ip[len(ip)-1],
		data.port/256, data.port%256))
	Debug("FTP passive listener open", "port", data.port)
	return false
}

// cmdStor receives one whole-file upload over the armed data channel.
// Any failure aborts this transfer only; the control connection stays up.
func (s *ftpSession) cmdStor(arg string) bool {
	if s.data == nil {
		s.reply(425, "Use PASV first")
		return false
	}

	name := sanitizeFilename(arg)
	if name == "" {
		s.reply(553, "Invalid file name")
		return false
	}
	destPath := filepath.Join(s.server.UploadDir, name)

	Info("FTP receiving file", "name", name, "from", s.remoteIP)
	s.reply(150, "Opening data connection for "+name)

	// The client dials the passive port after seeing 150, or may have
	// connected already right after PASV.
	dataConn, err := s.data.waitConn(dataConnectTimeout)
	if err != nil {
		Error("FTP data connection timeout", "from", s.remoteIP)
		s.reply(425, "Data connection timeout")
		s.closeData()
		return false
	}

	payload, err := readAllWithDeadline(dataConn)
	dataConn.Close()
	s.closeData()
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			Error("FTP data transfer timeout", "from", s.remoteIP)
			s.reply(426, "Transfer timeout")
		} else {
			Error("FTP data transfer error", "from", s.remoteIP, "error", err)
			s.reply(426, "Transfer failed")
		}
		return false
	}

	if err := os.WriteFile(destPath, payload, 0644); err != nil {
		Error("FTP failed to save file", "path", destPath, "error", err)
		s.reply(550, "Failed to save file")
		return false
	}

	Info("FTP saved file", "path", destPath, "bytes", len(payload))
	s.reply(226, "Transfer complete")

	// By this point the bytes are durably written, so a callback failure
	// is logged without affecting the reply already sent.
	if cb := s.server.OnFileReceived; cb != nil {
		if err := cb(destPath, s.remoteIP); err != nil {
			Error("FTP upload callback failed", "path", destPath, "error", err)
		}
	}
	return false
}

// SIZE always reports not-found: no server-side file metadata is kept.
// The command exists so probing clients don't hang.
func (s *ftpSession) cmdSize(string) bool {
	s.reply(550, "File not found")
	return false
}

// LIST acknowledges without a data transfer; the namespace is flat and
// write-only from the client's perspective.
func (s *ftpSession) cmdList(string) bool {
	s.reply(150, "Opening data connection")
	s.reply(226, "Transfer complete")
	return false
}

// readAllWithDeadline drains the data connection into memory, bounding
// each chunk read so a stalled client can't hold the session forever.
func readAllWithDeadline(conn net.Conn) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 64*1024)
	for {
		conn.SetReadDeadline(time.Now().Add(dataReadTimeout))
		n, err := conn.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			return out.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// sanitizeFilename reduces a client-supplied name to its basename so no
// upload can escape the upload directory. Returns "" for names with no
// usable basename.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return ""
	}
	return base
}
