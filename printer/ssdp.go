package printer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/ipv4"
)

// SSDP constants. Bambu slicers search on port 2021, not the usual 1900.
const (
	ssdpMulticastIP  = "239.255.255.250"
	ssdpDefaultPort  = 2021
	ssdpSearchTarget = "urn:bambulab-com:device:3dprinter:1"

	// Server header mirrors real printer firmware so strict clients
	// accept the announcement.
	ssdpServerHeader = "Buildroot/2018.02-rc3 UPnP/1.0 ssdpd/1.8"

	defaultAnnounceInterval = 30 * time.Second
)

// SSDPResponder answers slicer discovery queries and keeps the virtual
// printer's presence alive with periodic announcements. One instance is
// strictly single-threaded; no locking is needed.
type SSDPResponder struct {
	Identity Identity

	// Port to bind and announce on. Defaults to the Bambu discovery port.
	Port int

	// AnnounceInterval is the gap between presence announcements.
	AnnounceInterval time.Duration

	localIP func() string
	now     func() time.Time
}

// NewSSDPResponder creates a responder for the given identity with
// default port and announce interval.
func NewSSDPResponder(identity Identity) *SSDPResponder {
	return &SSDPResponder{
		Identity:         identity,
		Port:             ssdpDefaultPort,
		AnnounceInterval: defaultAnnounceInterval,
		localIP:          DetectLocalIP,
		now:              time.Now,
	}
}

// Run binds the discovery port, joins the multicast group and serves
// until ctx is canceled, sending a best-effort byebye on the way out.
// A bind or join failure is returned to the caller; the usual cause is a
// real printer's discovery service already claiming the port, which the
// orchestrator treats as degraded rather than fatal. Socket errors inside
// the loop are tolerated per iteration.
func (r *SSDPResponder) Run(ctx context.Context) error {
	group := &net.UDPAddr{IP: net.ParseIP(ssdpMulticastIP), Port: r.Port}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("SSDP failed to join multicast group: %w", err)
	}
	defer conn.Close()

	conn.SetReadBuffer(65536)

	// TTL 2 so announcements cross one router hop at most. Best effort;
	// some platforms refuse the option on a multicast listener.
	p := ipv4.NewPacketConn(conn)
	_ = p.SetMulticastTTL(2)
	_ = p.SetMulticastLoopback(true)

	Info("SSDP responder listening", "port", r.Port, "ip", r.localIP(),
		"name", r.Identity.Name, "serial", r.Identity.Serial, "model", r.Identity.Model)

	r.sendAnnouncement(conn, group)
	lastAnnounce := r.now()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			Info("SSDP responder stopping")
			r.sendByebye(conn, group)
			return nil
		default:
			// Read deadline keeps the loop responsive to cancellation
			// and paces the announcement check.
			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); !ok || !netErr.Timeout() {
					Debug("SSDP receive error", "error", err)
				}
			} else {
				r.handleDatagram(conn, string(buf[:n]), src)
			}

			if r.announceDue(lastAnnounce) {
				r.sendAnnouncement(conn, group)
				lastAnnounce = r.now()
			}
		}
	}
}

// handleDatagram inspects one inbound datagram and answers matching
// search requests with a unicast reply. Multicast segments carry constant
// irrelevant traffic, so non-matching datagrams are dropped without
// logging.
func (r *SSDPResponder) handleDatagram(conn *net.UDPConn, message string, src *net.UDPAddr) {
	if !strings.Contains(message, "M-SEARCH") {
		return
	}
	if !strings.Contains(message, ssdpSearchTarget) && !strings.Contains(strings.ToLower(message), "ssdp:all") {
		return
	}

	Debug("SSDP M-SEARCH received", "from", src.IP.String())

	if _, err := conn.WriteToUDP(r.buildSearchResponse(), src); err != nil {
		Debug("SSDP failed to send search response", "error", err)
		return
	}
	Info("SSDP search response sent", "to", src.IP.String(), "name", r.Identity.Name)
}

func (r *SSDPResponder) sendAnnouncement(conn *net.UDPConn, group *net.UDPAddr) {
	if _, err := conn.WriteToUDP(r.buildNotify(), group); err != nil {
		Debug("SSDP failed to send announcement", "error", err)
		return
	}
	Debug("SSDP announcement sent", "name", r.Identity.Name)
}

func (r *SSDPResponder) sendByebye(conn *net.UDPConn, group *net.UDPAddr) {
	if _, err := conn.WriteToUDP(r.buildByebye(), group); err != nil {
		Debug("SSDP failed to send byebye", "error", err)
	}
}

// announceDue reports whether the next periodic announcement is owed.
func (r *SSDPResponder) announceDue(lastAnnounce time.Time) bool {
	return r.now().Sub(lastAnnounce) >= r.AnnounceInterval
}

// buildNotify builds the periodic presence announcement. The DevBind
// header value "free" tells slicers the printer is not cloud-bound so
// they treat it as a plain LAN device.
func (r *SSDPResponder) buildNotify() []byte {
	message := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: " + r.hostHeader() + "\r\n" +
		"Server: " + ssdpServerHeader + "\r\n" +
		"Cache-Control: max-age=1800\r\n" +
		"Location: " + r.localIP() + "\r\n" +
		"NT: " + ssdpSearchTarget + "\r\n" +
		"NTS: ssdp:alive\r\n" +
		"EXT:\r\n" +
		"USN: " + r.Identity.Serial + "\r\n" +
		r.deviceHeaders() +
		"\r\n"
	return []byte(message)
}

// buildByebye builds the departure notification sent once on shutdown so
// slicers drop the printer from their device lists immediately.
func (r *SSDPResponder) buildByebye() []byte {
	message := "NOTIFY * HTTP/1.1\r\n" +
		"HOST: " + r.hostHeader() + "\r\n" +
		"NT: " + ssdpSearchTarget + "\r\n" +
		"NTS: ssdp:byebye\r\n" +
		"USN: " + r.Identity.Serial + "\r\n" +
		"\r\n"
	return []byte(message)
}

// buildSearchResponse builds the unicast reply to a matching M-SEARCH.
func (r *SSDPResponder) buildSearchResponse() []byte {
	message := "HTTP/1.1 200 OK\r\n" +
		"Server: " + ssdpServerHeader + "\r\n" +
		"Date: " + r.now().UTC().Format(http.TimeFormat) + "\r\n" +
		"Location: " + r.localIP() + "\r\n" +
		"ST: " + ssdpSearchTarget + "\r\n" +
		"EXT:\r\n" +
		"USN: " + r.Identity.Serial + "\r\n" +
		"Cache-Control: max-age=1800\r\n" +
		r.deviceHeaders() +
		"\r\n"
	return []byte(message)
}

// deviceHeaders returns the vendor extension headers shared by
// announcements and search responses.
func (r *SSDPResponder) deviceHeaders() string {
	return "DevModel.bambu.com: " + r.Identity.Model + "\r\n" +
		"DevName.bambu.com: " + r.Identity.Name + "\r\n" +
		"DevSignal.bambu.com: -44\r\n" +
		"DevConnect.bambu.com: lan\r\n" +
		"DevBind.bambu.com: free\r\n" +
		"Devseclink.bambu.com: secure\r\n" +
		"DevVersion.bambu.com: 01.07.00.00\r\n"
}

func (r *SSDPResponder) hostHeader() string {
	return fmt.Sprintf("%s:%d", ssdpMulticastIP, r.Port)
}
