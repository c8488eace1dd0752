// Package virt talks to libvirt over its RPC protocol to inspect and live
// migrate domains.
package virt

import (
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/mistifyio/flashnbd/pkg/hostport"
	"github.com/pkg/errors"
)

const (
	// RemotePort is the default libvirtd tcp port.
	RemotePort = "16509"
	// Socket is the unix socket libvirtd listens on.
	Socket = "/var/run/libvirt/libvirt-sock"
)

// MigrateFlags requests a live, peer to peer migration that persists the
// domain on the destination and undefines it on the source.
const MigrateFlags = libvirt.MigrateLive |
	libvirt.MigratePeer2peer |
	libvirt.MigratePersistDest |
	libvirt.MigrateUndefineSource

// Conn is a connection to one hypervisor.
type Conn interface {
	// Running reports whether a domain named name is active and running.
	Running(name string) (bool, error)
	// Migrate live migrates the named domain to the hypervisor on dest.
	Migrate(name, dest string) error
	Close() error
}

// Libvirt is a Conn backed by go-libvirt.
type Libvirt struct {
	l *libvirt.Libvirt
	// URITemplate builds the migration destination uri from a host name.
	URITemplate func(host string) string
}

// DefaultURI is the destination uri handed to libvirt for peer to peer
// migration.
func DefaultURI(host string) string {
	return "qemu+ssh://" + host + "/system"
}

// DialLocal connects to the libvirtd of this host through its unix socket.
func DialLocal(timeout time.Duration) (*Libvirt, error) {
	return connect(dialers.NewLocal(dialers.WithLocalTimeout(timeout)))
}

// DialRemote connects to the libvirtd listening on host, port RemotePort
// unless host names one.
func DialRemote(host string, timeout time.Duration) (*Libvirt, error) {
	h, port, err := hostport.Split(host)
	if err != nil {
		return nil, err
	}
	if port == "" {
		port = RemotePort
	}
	return connect(dialers.NewRemote(h, dialers.UsePort(port), dialers.WithRemoteTimeout(timeout)))
}

// Tunnel opens a connection to addr on network as reached from host.
type Tunnel func(host, network, addr string) (net.Conn, error)

type tunnelDialer struct {
	host   string
	tunnel Tunnel
}

func (t tunnelDialer) Dial() (net.Conn, error) {
	return t.tunnel(t.host, "unix", Socket)
}

// DialTunnel connects to the libvirtd socket of host through tunnel, the
// way qemu+ssh uris reach it.
func DialTunnel(host string, tunnel Tunnel) (*Libvirt, error) {
	h, err := hostport.Host(host)
	if err != nil {
		return nil, err
	}
	return connect(tunnelDialer{host: h, tunnel: tunnel})
}

func connect(dialer socket.Dialer) (*Libvirt, error) {
	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, errors.Wrap(err, "libvirt connect")
	}
	return &Libvirt{l: l, URITemplate: DefaultURI}, nil
}

func (v *Libvirt) lookup(name string) (libvirt.Domain, bool, error) {
	domains, _, err := v.l.ConnectListAllDomains(1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return libvirt.Domain{}, false, errors.Wrap(err, "list domains")
	}
	for _, d := range domains {
		if d.Name == name {
			return d, true, nil
		}
	}
	return libvirt.Domain{}, false, nil
}

// Running implements Conn.
func (v *Libvirt) Running(name string) (bool, error) {
	d, ok, err := v.lookup(name)
	if err != nil || !ok {
		return false, err
	}
	state, _, err := v.l.DomainGetState(d, 0)
	if err != nil {
		return false, errors.Wrap(err, "domain state")
	}
	return libvirt.DomainState(state) == libvirt.DomainRunning, nil
}

// Migrate implements Conn. Bandwidth is left at 0, libvirt's default.
func (v *Libvirt) Migrate(name, dest string) error {
	d, ok, err := v.lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("domain %s is not active", name)
	}
	host, err := hostport.Host(dest)
	if err != nil {
		return err
	}

	uri := v.URITemplate(host)
	_, err = v.l.DomainMigratePerform3Params(d, libvirt.OptString{uri}, []libvirt.TypedParam{}, []byte{}, MigrateFlags)
	return errors.Wrapf(err, "migrate %s to %s", name, uri)
}

// Close implements Conn.
func (v *Libvirt) Close() error {
	return v.l.Disconnect()
}
