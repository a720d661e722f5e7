package transport

import (
	"net"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Interface is a local IPv4 address an IP transport could bind to.
type Interface struct {
	Name string
	Addr string
}

// Interfaces lists the machine's non-loopback IPv4 addresses.
func Interfaces() ([]Interface, error) {
	stats, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, st := range stats {
		for _, a := range st.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.To4() == nil || ip.IsLoopback() {
				continue
			}
			out = append(out, Interface{Name: st.Name, Addr: ip.String()})
		}
	}
	return out, nil
}
