// Package discovery advertises the admin web UI over mDNS so venue
// laptops can find it without typing an IP, following the same
// register-then-unregister-on-shutdown shape as register_mdns_service()
// but built on github.com/hashicorp/mdns.
package discovery

import (
	"fmt"
	"net"

	"github.com/hashicorp/mdns"
)

// Options describes the service to advertise.
type Options struct {
	InstanceName string // e.g. "matchbox"
	Host         string // mDNS hostname, e.g. "matchbox.local."
	Port         int
	EventCode    string
}

// Advertiser owns the lifetime of one mDNS registration.
type Advertiser struct {
	server *mdns.Server
}

// localIPv4 returns this host's non-loopback IPv4 address by opening a UDP
// "connection" to a public address and reading the chosen local endpoint —
// the same trick register_mdns_service() uses to pick an interface without
// actually sending packets.
func localIPv4() (net.IP, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("discovery: could not determine local IP: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("discovery: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP, nil
}

// Start registers the service and begins responding to mDNS queries.
// TXT records carry path, description, event, and service properties.
func Start(opts Options) (*Advertiser, error) {
	ip, err := localIPv4()
	if err != nil {
		return nil, err
	}

	txt := []string{
		"path=/",
		"description=MatchBox event-day automation",
		"service=matchbox",
		fmt.Sprintf("event=%s", opts.EventCode),
	}

	service, err := mdns.NewMDNSService(
		opts.InstanceName,
		"_http._tcp",
		"",
		opts.Host,
		opts.Port,
		[]net.IP{ip},
		txt,
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: building service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: starting server: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop unregisters the service.
func (a *Advertiser) Stop() error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown()
}
