// ABOUTME: Publishes the gateway on the local network over mDNS/DNS-SD.
// ABOUTME: Peers browse for the service type and read capabilities from TXT records.

package discovery

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type gateways advertise under.
	ServiceType = "_hearth-gw._tcp"

	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."
)

// Announcement describes one advertised gateway instance.
type Announcement struct {
	Name         string
	Version      string
	Port         int
	AuthRequired bool
	Transport    string
	Capabilities []string
}

// TXTRecords encodes the announcement metadata as DNS-SD TXT key=value
// pairs.
func TXTRecords(a Announcement) []string {
	auth := "none"
	if a.AuthRequired {
		auth = "required"
	}
	txt := []string{
		"version=" + a.Version,
		"auth=" + auth,
		"transport=" + a.Transport,
	}
	if len(a.Capabilities) > 0 {
		txt = append(txt, "caps="+strings.Join(a.Capabilities, ","))
	}
	return txt
}

// Publisher owns the mDNS registration for one gateway instance.
type Publisher struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Publish registers the announcement on all multicast-capable interfaces.
// Advertisement failure is not fatal to the gateway; callers log and run
// without discovery.
func Publish(a Announcement, logger *slog.Logger) (*Publisher, error) {
	server, err := zeroconf.Register(a.Name, ServiceType, ServiceDomain, a.Port, TXTRecords(a), nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	logger.Info("mDNS advertisement started",
		"instance", a.Name,
		"service", ServiceType,
		"port", a.Port,
	)
	return &Publisher{server: server, logger: logger}, nil
}

// Shutdown withdraws the advertisement.
func (p *Publisher) Shutdown() {
	p.server.Shutdown()
	p.logger.Info("mDNS advertisement stopped")
}
