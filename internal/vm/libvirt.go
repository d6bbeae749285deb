package vm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"
)

const libvirtDriverName = "libvirt"

// LibvirtDriver implements Driver using the go-libvirt pure-Go RPC client over
// the libvirt daemon's Unix socket. Every Connect dials a fresh socket.
type LibvirtDriver struct {
	socketPath  string
	dialTimeout time.Duration
}

// NewLibvirtDriver returns a driver dialing socketPath. It does not connect;
// use Factory.HypervisorHealthCheck to verify the daemon answers.
func NewLibvirtDriver(socketPath string, dialTimeout time.Duration) (*LibvirtDriver, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("libvirt socket path must not be empty")
	}
	return &LibvirtDriver{socketPath: socketPath, dialTimeout: dialTimeout}, nil
}

// Name implements Driver.
func (d *LibvirtDriver) Name() string { return libvirtDriverName }

// Connect dials the libvirt socket and performs the connect handshake.
func (d *LibvirtDriver) Connect(ctx context.Context) (Connection, error) {
	dialer := net.Dialer{Timeout: d.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", d.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial libvirt socket %q: %w", ErrDriverUnreachable, d.socketPath, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: libvirt connect: %w", ErrDriverUnreachable, err)
	}
	return &libvirtConnection{l: l}, nil
}

// libvirtConnection implements Connection and every optional capability.
type libvirtConnection struct {
	l *libvirt.Libvirt
}

var (
	_ Connection      = (*libvirtConnection)(nil)
	_ VersionQuerier  = (*libvirtConnection)(nil)
	_ DomainDestroyer = (*libvirtConnection)(nil)
	_ DomainUndefiner = (*libvirtConnection)(nil)
)

func (c *libvirtConnection) Close() error {
	if err := c.l.Disconnect(); err != nil {
		return fmt.Errorf("libvirt disconnect: %w", err)
	}
	return nil
}

// DomainState reports an undefined domain as shut off.
func (c *libvirtConnection) DomainState(_ context.Context, name string) (DomainState, error) {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if domainMissing(err) {
			return DomainShutOff, nil
		}
		return DomainOther, fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}
	return c.domainState(dom)
}

func (c *libvirtConnection) domainState(dom libvirt.Domain) (DomainState, error) {
	state, _, err := c.l.DomainGetState(dom, 0)
	if err != nil {
		return DomainOther, fmt.Errorf("get state of domain %q: %w", dom.Name, classifyLibvirtError(err))
	}
	return domainStateFromLibvirt(libvirt.DomainState(state)), nil
}

// StartDomain defines the domain from spec if libvirt does not know it yet and
// boots it. A managed-save image, if any, is restored by libvirt. Starting a
// running domain is a no-op.
func (c *libvirtConnection) StartDomain(_ context.Context, spec DomainSpec) error {
	dom, err := c.l.DomainLookupByName(spec.Name)
	if err != nil {
		if !domainMissing(err) {
			return fmt.Errorf("lookup domain %q: %w", spec.Name, classifyLibvirtError(err))
		}
		xmlDesc, err := domainXML(spec)
		if err != nil {
			return err
		}
		if dom, err = c.l.DomainDefineXML(xmlDesc); err != nil {
			return fmt.Errorf("define domain %q: %w", spec.Name, classifyLibvirtError(err))
		}
	}

	state, err := c.domainState(dom)
	if err != nil {
		return err
	}
	if state == DomainRunning {
		return nil
	}

	if err := c.l.DomainCreate(dom); err != nil {
		return fmt.Errorf("create domain %q: %w", spec.Name, classifyLibvirtError(err))
	}
	return nil
}

// ShutdownDomain sends an ACPI power-off. Shutting down a stopped or undefined
// domain is a no-op.
func (c *libvirtConnection) ShutdownDomain(_ context.Context, name string) error {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if domainMissing(err) {
			return nil
		}
		return fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}

	state, err := c.domainState(dom)
	if err != nil {
		return err
	}
	if state == DomainShutOff {
		return nil
	}

	if err := c.l.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown domain %q: %w", name, classifyLibvirtError(err))
	}
	return nil
}

func (c *libvirtConnection) DestroyDomain(_ context.Context, name string) error {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		return fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}
	if err := c.l.DomainDestroy(dom); err != nil {
		return fmt.Errorf("destroy domain %q: %w", name, classifyLibvirtError(err))
	}
	return nil
}

func (c *libvirtConnection) ManagedSave(_ context.Context, name string) error {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		return fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}
	if err := c.l.DomainManagedSave(dom, 0); err != nil {
		return fmt.Errorf("managed save of domain %q: %w", name, classifyLibvirtError(err))
	}
	return nil
}

// HasManagedSaveImage reports false for an undefined domain.
func (c *libvirtConnection) HasManagedSaveImage(_ context.Context, name string) (bool, error) {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if domainMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}
	res, err := c.l.DomainHasManagedSaveImage(dom, 0)
	if err != nil {
		return false, fmt.Errorf("managed save query for domain %q: %w", name, classifyLibvirtError(err))
	}
	return res == 1, nil
}

// DHCPLeases lists leases on network, restricted to mac when it is non-empty.
func (c *libvirtConnection) DHCPLeases(_ context.Context, network, mac string) ([]DHCPLease, error) {
	nw, err := c.l.NetworkLookupByName(network)
	if err != nil {
		return nil, fmt.Errorf("lookup network %q: %w", network, classifyLibvirtError(err))
	}

	var macFilter libvirt.OptString
	if mac != "" {
		macFilter = libvirt.OptString{mac}
	}
	leases, _, err := c.l.NetworkGetDhcpLeases(nw, macFilter, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("dhcp leases on network %q: %w", network, classifyLibvirtError(err))
	}

	out := make([]DHCPLease, 0, len(leases))
	for _, l := range leases {
		out = append(out, DHCPLease{
			IPAddress:  l.Ipaddr,
			MACAddress: firstOpt(l.Mac),
			Hostname:   firstOpt(l.Hostname),
		})
	}
	return out, nil
}

// Version returns the hypervisor version encoded as major*1e6+minor*1e3+patch.
// libvirt answers 0 when the hypervisor cannot report one.
func (c *libvirtConnection) Version(_ context.Context) (uint64, error) {
	v, err := c.l.ConnectGetVersion()
	if err != nil {
		return 0, fmt.Errorf("get hypervisor version: %w", classifyLibvirtError(err))
	}
	if v == 0 {
		return 0, fmt.Errorf("get hypervisor version: %w", ErrUnsupportedCapability)
	}
	return v, nil
}

// UndefineDomain powers off a live domain and removes its definition and
// managed-save image. An undefined domain is not an error.
func (c *libvirtConnection) UndefineDomain(_ context.Context, name string) error {
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if domainMissing(err) {
			return nil
		}
		return fmt.Errorf("lookup domain %q: %w", name, classifyLibvirtError(err))
	}

	state, err := c.domainState(dom)
	if err != nil {
		return err
	}
	if state == DomainRunning {
		if err := c.l.DomainDestroy(dom); err != nil {
			return fmt.Errorf("destroy domain %q: %w", name, classifyLibvirtError(err))
		}
	}

	if err := c.l.DomainUndefineFlags(dom, libvirt.DomainUndefineManagedSave); err != nil {
		return fmt.Errorf("undefine domain %q: %w", name, classifyLibvirtError(err))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Internal helpers
// ----------------------------------------------------------------------------

// domainStateFromLibvirt collapses libvirt's domain states. Paused, blocked and
// in-progress shutdown domains still hold a live guest and count as running;
// crashed domains are as good as off.
func domainStateFromLibvirt(s libvirt.DomainState) DomainState {
	switch s {
	case libvirt.DomainRunning, libvirt.DomainBlocked, libvirt.DomainPaused,
		libvirt.DomainShutdown, libvirt.DomainPmsuspended:
		return DomainRunning
	case libvirt.DomainShutoff, libvirt.DomainCrashed:
		return DomainShutOff
	default:
		return DomainOther
	}
}

// classifyLibvirtError tags libvirt "not supported" errors so callers can tell
// a missing capability from a failed call.
func classifyLibvirtError(err error) error {
	var lerr libvirt.Error
	if errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoSupport) {
		return fmt.Errorf("%w: %w", ErrUnsupportedCapability, err)
	}
	return err
}

// domainMissing reports libvirt's "no domain" error. The domain is only defined
// on first start, so an instance that never ran has none.
func domainMissing(err error) bool {
	return libvirt.IsNotFound(err)
}

func firstOpt(s libvirt.OptString) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}
