package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultLeaseNetwork = "default"
	defaultSSHPort      = 22
	defaultPollInterval = time.Second
)

// Factory builds VirtualMachine instances against a shared driver and answers
// driver-wide questions (health, version).
type Factory struct {
	driver       Driver
	probe        SSHProbe
	policy       ShutdownPolicy
	leaseNetwork string
	sshPort      int
	pollInterval time.Duration
	now          func() time.Time
	log          logrus.FieldLogger
}

// Option configures a Factory.
type Option func(*Factory)

// WithSSHProbe sets the probe used by WaitUntilSSHUp.
func WithSSHProbe(p SSHProbe) Option {
	return func(f *Factory) { f.probe = p }
}

// WithShutdownPolicy sets the delayed shutdown policy for created instances.
func WithShutdownPolicy(p ShutdownPolicy) Option {
	return func(f *Factory) { f.policy = p }
}

// WithLeaseNetwork sets the driver network whose DHCP leases locate guests.
func WithLeaseNetwork(name string) Option {
	return func(f *Factory) {
		if name != "" {
			f.leaseNetwork = name
		}
	}
}

// WithSSHPort sets the guest SSH port.
func WithSSHPort(port int) Option {
	return func(f *Factory) {
		if port > 0 {
			f.sshPort = port
		}
	}
}

// WithPollInterval sets the fixed cadence of WaitUntilSSHUp.
func WithPollInterval(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// WithLogger sets the logger; instances log with an "instance" field.
func WithLogger(l logrus.FieldLogger) Option {
	return func(f *Factory) { f.log = l }
}

// WithClock replaces time.Now, for shutdown grace accounting.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// NewFactory returns a Factory using driver for every connection.
func NewFactory(driver Driver, opts ...Option) *Factory {
	f := &Factory{
		driver:       driver,
		leaseNetwork: defaultLeaseNetwork,
		sshPort:      defaultSSHPort,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		log:          logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateVirtualMachine builds an instance for desc. Its initial state is
// suspended when the driver holds a managed-save image for it and off
// otherwise, including when the driver cannot be asked.
func (f *Factory) CreateVirtualMachine(ctx context.Context, desc Description, monitor Monitor) (*VirtualMachine, error) {
	if desc.Name == "" {
		return nil, errors.New("create vm: instance name must not be empty")
	}
	if monitor == nil {
		return nil, fmt.Errorf("create vm %q: monitor must not be nil", desc.Name)
	}

	log := f.log.WithField("instance", desc.Name)
	m := &VirtualMachine{
		desc:         desc,
		driver:       f.driver,
		monitor:      monitor,
		probe:        f.probe,
		policy:       f.policy,
		leaseNetwork: f.leaseNetwork,
		mac:          defaultMAC(desc),
		sshPort:      f.sshPort,
		pollInterval: f.pollInterval,
		now:          f.now,
		log:          log,
	}
	m.state = f.initialState(ctx, desc.Name, log)
	log.Debugf("created in state %s", m.state)
	return m, nil
}

func (f *Factory) initialState(ctx context.Context, name string, log logrus.FieldLogger) State {
	conn, err := connect(ctx, f.driver)
	if err != nil {
		log.WithError(err).Debug("driver unreachable at creation; assuming off")
		return StateOff
	}
	defer closeConnection(conn, log)

	saved, err := conn.HasManagedSaveImage(ctx, name)
	if err != nil {
		log.WithError(err).Debug("managed save query failed at creation; assuming off")
		return StateOff
	}
	if saved {
		return StateSuspended
	}
	return StateOff
}

// HypervisorHealthCheck fails with ErrDriverUnreachable when no connection
// can be opened.
func (f *Factory) HypervisorHealthCheck(ctx context.Context) error {
	conn, err := connect(ctx, f.driver)
	if err != nil {
		return fmt.Errorf("hypervisor health check: %w", err)
	}
	closeConnection(conn, f.log)
	return nil
}

// BackendVersionString returns "<driver>-major.minor.patch", or
// "<driver>-unknown" when the connection fails, the driver cannot report its
// version (including a zero answer), or the query errors. The version query is never attempted without
// an open connection.
func (f *Factory) BackendVersionString(ctx context.Context) string {
	name := f.driver.Name()

	conn, err := connect(ctx, f.driver)
	if err != nil {
		f.log.WithError(err).Debug("version query skipped")
		return unknownVersion(name)
	}
	defer closeConnection(conn, f.log)

	q, ok := conn.(VersionQuerier)
	if !ok {
		return unknownVersion(name)
	}
	v, err := q.Version(ctx)
	if err == nil && v == 0 {
		err = ErrUnsupportedCapability
	}
	if err != nil {
		if !errors.Is(err, ErrUnsupportedCapability) {
			f.log.WithError(err).Warn("version query failed")
		}
		return unknownVersion(name)
	}
	return formatVersion(name, v)
}

// RemoveResourcesFor deletes the driver-side definition of the named
// instance, including any managed-save image.
func (f *Factory) RemoveResourcesFor(ctx context.Context, name string) error {
	conn, err := connect(ctx, f.driver)
	if err != nil {
		return fmt.Errorf("remove vm %q: %w: %w", name, ErrOperationFailed, err)
	}
	defer closeConnection(conn, f.log)

	u, ok := conn.(DomainUndefiner)
	if !ok {
		return fmt.Errorf("remove vm %q: %w", name, ErrUnsupportedCapability)
	}
	if err := u.UndefineDomain(ctx, name); err != nil {
		return fmt.Errorf("remove vm %q: %w: %w", name, ErrOperationFailed, err)
	}
	return nil
}

func connect(ctx context.Context, d Driver) (Connection, error) {
	conn, err := d.Connect(ctx)
	if err != nil {
		if errors.Is(err, ErrDriverUnreachable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDriverUnreachable, err)
	}
	return conn, nil
}

func closeConnection(conn Connection, log logrus.FieldLogger) {
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("error closing driver connection")
	}
}
