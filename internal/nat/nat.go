// Package nat implements NAT traversal for the stream-socket endpoint's
// bind step (spec §4.3, §6's wildcard-host binding), adapted from the
// teacher's core/nat_traversal.go: discover the gateway, learn the external
// IP, and map the bound port via NAT-PMP or UPnP.
package nat

import (
	"fmt"
	"net"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

// Manager discovers the local gateway and maps ports on it via NAT-PMP,
// falling back to UPnP IGDv1.
type Manager struct {
	externalIP net.IP
	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	mappedPort int
}

// Discover probes the local gateway for NAT-PMP support, falling back to
// UPnP. It fails if neither reports an external IP address.
func Discover() (*Manager, error) {
	m := &Manager{}
	if gw, err := gateway.DiscoverGateway(); err == nil {
		m.pmp = natpmp.NewClient(gw)
		if res, err := m.pmp.GetExternalAddress(); err == nil {
			ip := res.ExternalIPAddress
			m.externalIP = net.IPv4(ip[0], ip[1], ip[2], ip[3])
		}
	}
	if m.externalIP == nil {
		if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
			m.upnp = clients[0]
			if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
				m.externalIP = net.ParseIP(ipStr)
			}
		}
	}
	if m.externalIP == nil {
		return nil, fmt.Errorf("nat: no gateway with NAT-PMP or UPnP support found")
	}
	return m, nil
}

// ExternalIP returns the node's discovered public address, used to rewrite
// a wildcard bind host for client-side connects (spec §6).
func (m *Manager) ExternalIP() net.IP { return m.externalIP }

// Map opens port on the gateway, mapping it to this host's same port over TCP.
func (m *Manager) Map(port int) error {
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(port), "TCP", uint16(port), m.externalIP.String(), true, "brypt", 3600); err == nil {
			m.mappedPort = port
			return nil
		}
	}
	return fmt.Errorf("nat: port mapping failed for %d", port)
}

// Unmap removes a previously mapped port. It is a no-op if no port is mapped.
func (m *Manager) Unmap() error {
	if m.mappedPort == 0 {
		return nil
	}
	port := m.mappedPort
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("tcp", port, port, 0); err != nil {
			return err
		}
		m.mappedPort = 0
		return nil
	}
	if m.upnp != nil {
		if err := m.upnp.DeletePortMapping("", uint16(port), "TCP"); err != nil {
			return err
		}
		m.mappedPort = 0
	}
	return nil
}
