package transport

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
)

// VirtualLAN is a simulated IPv4 subnet. Hosts on it get a pion Net whose UDP
// sockets behave like real ones, so whole nodes can run in one process.
type VirtualLAN struct {
	router *vnet.Router
	hosts  map[string]*vnet.Net
}

// NewVirtualLAN creates the subnet cidr with one host per ip and starts
// routing between them.
func NewVirtualLAN(cidr string, ips ...string) (*VirtualLAN, error) {
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual router: %w", err)
	}

	lan := &VirtualLAN{router: router, hosts: make(map[string]*vnet.Net, len(ips))}
	for _, ip := range ips {
		nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			return nil, fmt.Errorf("failed to create host %s: %w", ip, err)
		}
		if err := router.AddNet(nw); err != nil {
			return nil, fmt.Errorf("failed to attach host %s: %w", ip, err)
		}
		lan.hosts[ip] = nw
	}

	if err := router.Start(); err != nil {
		return nil, fmt.Errorf("failed to start virtual router: %w", err)
	}
	return lan, nil
}

// ListenUDP binds a UDP endpoint on host ip.
func (l *VirtualLAN) ListenUDP(ip string, port int) (*UDPEndpoint, error) {
	nw, ok := l.hosts[ip]
	if !ok {
		return nil, fmt.Errorf("no host %s on the virtual LAN", ip)
	}
	return ListenUDP(nw, fmt.Sprintf("%s:%d", ip, port))
}

// Close stops routing.
func (l *VirtualLAN) Close() error {
	return l.router.Stop()
}
