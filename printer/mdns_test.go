package printer

import (
	"context"
	"testing"
	"time"
)

// TestAnnounceMDNSStops checks the announcer returns promptly on cancel
// whether or not the environment allows mDNS registration.
func TestAnnounceMDNSStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		AnnounceMDNS(ctx, testIdentity(), DefaultFTPPort)
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("announcer did not stop after context cancel")
	}
}
