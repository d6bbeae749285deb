package vm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// VirtualMachine drives one instance through its lifecycle. Calls on a single
// instance must be serialized by the caller.
type VirtualMachine struct {
	desc    Description
	driver  Driver
	monitor Monitor
	probe   SSHProbe
	policy  ShutdownPolicy

	leaseNetwork string
	mac          string
	sshPort      int
	pollInterval time.Duration
	now          func() time.Time
	log          logrus.FieldLogger

	// state is authoritative only for starting and delayed_shutdown; every
	// other value is a cache of the last driver observation.
	state               State
	shutdownRequestedAt time.Time
	forcedOff           bool
}

// Name returns the instance name, which is also the driver-side domain name.
func (m *VirtualMachine) Name() string { return m.desc.Name }

// Description returns the instance description.
func (m *VirtualMachine) Description() Description { return m.desc }

// CurrentState queries the driver and reports the reconciled state. It never
// fails: an unreachable driver is reported as StateUnknown.
func (m *VirtualMachine) CurrentState(ctx context.Context) State {
	obs := m.observe(ctx)
	if m.state == StateDelayedShutdown && obs.reachable && obs.queryErr == nil && obs.domain == DomainRunning {
		m.forceOffIfOverdue(ctx)
	}

	reported, next := reconcile(m.state, obs)
	if next != m.state {
		m.log.Debugf("local state %s -> %s", m.state, next)
		m.state = next
	}
	return reported
}

// Start creates and boots the domain. On success the instance is starting
// until WaitUntilSSHUp confirms the guest is reachable.
func (m *VirtualMachine) Start(ctx context.Context) error {
	conn, err := connect(ctx, m.driver)
	if err != nil {
		return fmt.Errorf("start vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}
	defer closeConnection(conn, m.log)

	if err := conn.StartDomain(ctx, m.domainSpec()); err != nil {
		return fmt.Errorf("start vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}

	m.state = StateStarting
	m.monitor.OnResume()
	m.persist(StateStarting)
	m.log.Info("instance starting")
	return nil
}

// Shutdown requests a graceful power-off of the domain.
func (m *VirtualMachine) Shutdown(ctx context.Context) error {
	conn, err := connect(ctx, m.driver)
	if err != nil {
		return fmt.Errorf("shutdown vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}
	defer closeConnection(conn, m.log)

	if err := conn.ShutdownDomain(ctx, m.desc.Name); err != nil {
		return fmt.Errorf("shutdown vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}

	target := StateOff
	if m.policy.GracePeriod > 0 {
		target = StateDelayedShutdown
		m.shutdownRequestedAt = m.now()
		m.forcedOff = false
	}
	m.state = target
	m.persist(target)
	m.monitor.OnShutdown()
	m.log.Infof("instance shutdown requested (%s)", target)
	return nil
}

// Suspend saves the domain to a managed-save image.
func (m *VirtualMachine) Suspend(ctx context.Context) error {
	conn, err := connect(ctx, m.driver)
	if err != nil {
		return fmt.Errorf("suspend vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}
	defer closeConnection(conn, m.log)

	if err := conn.ManagedSave(ctx, m.desc.Name); err != nil {
		return fmt.Errorf("suspend vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}

	m.state = StateSuspended
	m.persist(StateSuspended)
	m.monitor.OnSuspend()
	m.log.Info("instance suspended")
	return nil
}

// domainSpec attaches the default interface to the lease network with the MAC
// address SSHHostname filters leases by.
func (m *VirtualMachine) domainSpec() DomainSpec {
	return DomainSpec{Description: m.desc, Network: m.leaseNetwork, MACAddress: m.mac}
}

// SSHHostname returns the IPv4 address leased to the instance's default
// interface on the lease network.
func (m *VirtualMachine) SSHHostname(ctx context.Context) (string, error) {
	conn, err := connect(ctx, m.driver)
	if err != nil {
		return "", fmt.Errorf("lookup address of vm %q: %w", m.desc.Name, err)
	}
	defer closeConnection(conn, m.log)

	leases, err := conn.DHCPLeases(ctx, m.leaseNetwork, m.mac)
	if err != nil {
		return "", fmt.Errorf("lookup address of vm %q: %w: %w", m.desc.Name, ErrOperationFailed, err)
	}
	for _, l := range leases {
		if ip := net.ParseIP(l.IPAddress); ip != nil && ip.To4() != nil {
			return l.IPAddress, nil
		}
	}
	return "", fmt.Errorf("lookup address of vm %q: %w", m.desc.Name, ErrNoAddress)
}

// WaitUntilSSHUp polls the SSH probe at a fixed interval while the instance is
// starting or running. It fails with ErrTimeout once timeout elapses and with
// ErrNotRunning if the instance leaves those states. It never mutates the domain.
func (m *VirtualMachine) WaitUntilSSHUp(ctx context.Context, timeout time.Duration) error {
	return m.waitUntilSSHUp(ctx, timeout, func(attempt func()) { attempt() })
}

// waitUntilSSHUp runs each poll attempt through guard, so a caller holding a
// lock on the instance only holds it for one attempt at a time.
func (m *VirtualMachine) waitUntilSSHUp(ctx context.Context, timeout time.Duration, guard func(func())) error {
	if m.probe == nil {
		return fmt.Errorf("wait for ssh on vm %q: %w", m.desc.Name, ErrUnsupportedCapability)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return m.waitError(err, timeout)
		}

		var (
			up  bool
			err error
		)
		guard(func() { up, err = m.sshAttempt(ctx) })
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return m.waitError(ctxErr, timeout)
			}
			return err
		}
		if up {
			return nil
		}

		select {
		case <-ctx.Done():
			return m.waitError(ctx.Err(), timeout)
		case <-ticker.C:
		}
	}
}

// sshAttempt checks the state once and probes the guest. It fails with
// ErrNotRunning when the instance is neither starting nor running.
func (m *VirtualMachine) sshAttempt(ctx context.Context) (bool, error) {
	st := m.CurrentState(ctx)
	if st != StateStarting && st != StateRunning {
		return false, fmt.Errorf("wait for ssh on vm %q: %w (state %s)", m.desc.Name, ErrNotRunning, st)
	}

	host, err := m.SSHHostname(ctx)
	if err != nil {
		m.log.WithError(err).Debug("address not available yet")
		return false, nil
	}
	endpoint := net.JoinHostPort(host, strconv.Itoa(m.sshPort))
	if !m.probe.IsReachable(ctx, endpoint, m.pollInterval) {
		return false, nil
	}

	if m.state == StateStarting {
		m.state = StateRunning
		m.persist(StateRunning)
	}
	m.log.Infof("ssh reachable at %s", endpoint)
	return true, nil
}

func (m *VirtualMachine) waitError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("wait for ssh on vm %q: %w after %s", m.desc.Name, ErrTimeout, timeout)
	}
	return fmt.Errorf("wait for ssh on vm %q: %w", m.desc.Name, err)
}

// observe performs one driver round-trip for the instance's domain.
func (m *VirtualMachine) observe(ctx context.Context) observation {
	conn, err := connect(ctx, m.driver)
	if err != nil {
		m.log.WithError(err).Debug("driver unreachable")
		return observation{}
	}
	defer closeConnection(conn, m.log)

	ds, err := conn.DomainState(ctx, m.desc.Name)
	if err != nil {
		m.log.WithError(err).Debug("domain state query failed")
		return observation{reachable: true, queryErr: err}
	}

	obs := observation{reachable: true, domain: ds}
	if ds == DomainShutOff && m.state != StateDelayedShutdown {
		saved, err := conn.HasManagedSaveImage(ctx, m.desc.Name)
		if err != nil {
			m.log.WithError(err).Warn("managed save query failed")
		}
		obs.managedSave = saved
	}
	return obs
}

// forceOffIfOverdue destroys the domain once the shutdown grace period has
// elapsed, at most once per shutdown request.
func (m *VirtualMachine) forceOffIfOverdue(ctx context.Context) {
	if !m.policy.ForceOffAfterGrace || m.forcedOff {
		return
	}
	if m.now().Sub(m.shutdownRequestedAt) < m.policy.GracePeriod {
		return
	}

	conn, err := connect(ctx, m.driver)
	if err != nil {
		return
	}
	defer closeConnection(conn, m.log)

	d, ok := conn.(DomainDestroyer)
	if !ok {
		m.log.Warn("driver cannot force domains off; waiting for guest shutdown")
		m.forcedOff = true
		return
	}
	if err := d.DestroyDomain(ctx, m.desc.Name); err != nil {
		m.log.WithError(err).Warn("forced power-off failed")
		return
	}
	m.forcedOff = true
	m.log.Warnf("guest still running after %s; forced power-off", m.policy.GracePeriod)
}

func (m *VirtualMachine) persist(state State) {
	if err := m.monitor.PersistStateFor(m.desc.Name, state); err != nil {
		m.log.WithError(err).Warnf("failed to persist state %s", state)
	}
}
