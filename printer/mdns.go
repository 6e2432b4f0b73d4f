package printer

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
)

// mDNS service type browsed by the fleet's discovery agents.
const mdnsServiceType = "_printhive-vp._tcp"

// AnnounceMDNS publishes the virtual printer over mDNS/DNS-SD so fleet
// agents that browse the LAN find it without speaking SSDP. Best effort:
// registration failures are logged, never fatal. Runs until ctx is
// canceled.
func AnnounceMDNS(ctx context.Context, identity Identity, ftpPort int) {
	server, err := zeroconf.Register(
		identity.Name,
		mdnsServiceType,
		"local.",
		ftpPort,
		[]string{
			"serial=" + identity.Serial,
			"model=" + identity.Model,
			fmt.Sprintf("ftps=%d", ftpPort),
		},
		nil,
	)
	if err != nil {
		Warn("mDNS registration failed", "error", err)
		return
	}
	defer server.Shutdown()

	Info("mDNS announcement registered", "service", mdnsServiceType, "name", identity.Name)

	<-ctx.Done()
	Info("mDNS announcement withdrawn")
}
