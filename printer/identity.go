// Package printer implements the network services that make this host
// advertise itself, authenticate, and accept uploads the way a networked
// Bambu-protocol 3D printer does, so slicers can target it unmodified.
package printer

import "net"

// Identity is the shared identity of the virtual printer. It is immutable
// for the process lifetime; Serial must match the leaf certificate's
// common name or slicer trust checks fail.
type Identity struct {
	// Name is the display name shown in slicer discovery.
	Name string
	// Serial is the unique serial number. The default follows the X1C
	// serial format for client compatibility.
	Serial string
	// Model is the advertised model code (BL-P001=X1C, C11=P1S, O1D=H2D).
	Model string
}

// DefaultIdentity returns the identity used when none is configured.
func DefaultIdentity() Identity {
	return Identity{
		Name:   "PrintHive Virtual Printer",
		Serial: "00M09A391800001",
		Model:  "BL-P001",
	}
}

// DetectLocalIP returns the local IPv4 address used to reach the wider
// network. Falls back to loopback when no route is available.
func DetectLocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return "127.0.0.1"
	}
	return addr.IP.To4().String()
}
