package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// Service identifies tabmirror servers on the local network.
const (
	ServiceType = "_tabmirror._tcp"
	Domain      = "local."
)

// ErrNotFound is returned when browsing ends without finding a server.
var ErrNotFound = errors.New("no tabmirror server found")

// Advertiser announces a running server over mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance on port. text is published as TXT records.
func Advertise(instance string, port int, text []string) (*Advertiser, error) {
	if len(text) == 0 {
		text = []string{""}
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, text, nil)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", ServiceType, err)
	}
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the announcement. Safe on a nil Advertiser.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}

// Entry is one discovered server.
type Entry struct {
	Instance string
	Host     string
	Port     int
	Text     []string
}

// Addr returns a dialable host:port.
func (e Entry) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func entryFrom(se *zeroconf.ServiceEntry) (Entry, bool) {
	if se == nil || se.Port <= 0 {
		return Entry{}, false
	}
	e := Entry{Instance: se.Instance, Port: se.Port, Text: se.Text}
	switch {
	case len(se.AddrIPv4) > 0:
		e.Host = se.AddrIPv4[0].String()
	case len(se.AddrIPv6) > 0:
		e.Host = se.AddrIPv6[0].String()
	case se.HostName != "":
		e.Host = se.HostName
	default:
		return Entry{}, false
	}
	return e, true
}

// Browse collects servers until ctx is done.
func Browse(ctx context.Context) ([]Entry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	var found []Entry
	seen := make(map[string]bool)
	for {
		select {
		case se, ok := <-entries:
			if !ok {
				return found, nil
			}
			e, ok := entryFrom(se)
			if !ok || seen[e.Addr()] {
				continue
			}
			seen[e.Addr()] = true
			found = append(found, e)
		case <-ctx.Done():
			return found, nil
		}
	}
}

// FindFirst returns the first server seen before ctx is done.
func FindFirst(ctx context.Context) (Entry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return Entry{}, fmt.Errorf("init resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return Entry{}, fmt.Errorf("browse %s: %w", ServiceType, err)
	}
	for {
		select {
		case se, ok := <-entries:
			if !ok {
				return Entry{}, ErrNotFound
			}
			if e, ok := entryFrom(se); ok {
				return e, nil
			}
		case <-ctx.Done():
			return Entry{}, ErrNotFound
		}
	}
}

// LocalIP returns the address this host would use for outbound traffic,
// falling back to the first non-loopback IPv4 interface address.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP.String(), nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		return ip.String(), nil
	}
	return "", errors.New("no IP address found")
}
