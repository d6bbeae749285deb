package vm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// ---------------------------------------------------------------------------
// fakeDriver: an in-memory Driver whose behaviour tests change between calls
// ---------------------------------------------------------------------------

type fakeDriver struct {
	connectErr error

	domain         DomainState
	stateErr       error
	managedSave    bool
	managedSaveErr error
	startErr       error
	shutdownErr    error
	saveErr        error
	leases         []DHCPLease
	leasesErr      error

	// basic makes Connect return a connection without any optional capability.
	basic      bool
	version    uint64
	versionErr error
	destroyErr error

	connects      int
	closes        int
	versionCalls  int
	destroyCalls  int
	undefineCalls int
	started       []DomainSpec
	leaseQueries  []string
}

func (d *fakeDriver) Name() string { return "driver" }

func (d *fakeDriver) Connect(_ context.Context) (Connection, error) {
	d.connects++
	if d.connectErr != nil {
		return nil, d.connectErr
	}
	c := &fakeConn{d: d}
	if d.basic {
		return c, nil
	}
	return &fakeFullConn{fakeConn: c}, nil
}

type fakeConn struct {
	d *fakeDriver
}

func (c *fakeConn) DomainState(_ context.Context, _ string) (DomainState, error) {
	if c.d.stateErr != nil {
		return DomainOther, c.d.stateErr
	}
	return c.d.domain, nil
}

func (c *fakeConn) StartDomain(_ context.Context, spec DomainSpec) error {
	if c.d.startErr != nil {
		return c.d.startErr
	}
	c.d.started = append(c.d.started, spec)
	return nil
}

func (c *fakeConn) ShutdownDomain(_ context.Context, _ string) error { return c.d.shutdownErr }

func (c *fakeConn) ManagedSave(_ context.Context, _ string) error { return c.d.saveErr }

func (c *fakeConn) HasManagedSaveImage(_ context.Context, _ string) (bool, error) {
	if c.d.managedSaveErr != nil {
		return false, c.d.managedSaveErr
	}
	return c.d.managedSave, nil
}

func (c *fakeConn) DHCPLeases(_ context.Context, network, mac string) ([]DHCPLease, error) {
	c.d.leaseQueries = append(c.d.leaseQueries, network+"/"+mac)
	return c.d.leases, c.d.leasesErr
}

func (c *fakeConn) Close() error {
	c.d.closes++
	return nil
}

// fakeFullConn adds every optional capability.
type fakeFullConn struct {
	*fakeConn
}

func (c *fakeFullConn) Version(_ context.Context) (uint64, error) {
	c.d.versionCalls++
	return c.d.version, c.d.versionErr
}

func (c *fakeFullConn) DestroyDomain(_ context.Context, _ string) error {
	c.d.destroyCalls++
	return c.d.destroyErr
}

func (c *fakeFullConn) UndefineDomain(_ context.Context, _ string) error {
	c.d.undefineCalls++
	return nil
}

// Compile-time checks.
var (
	_ Driver          = (*fakeDriver)(nil)
	_ Connection      = (*fakeConn)(nil)
	_ VersionQuerier  = (*fakeFullConn)(nil)
	_ DomainDestroyer = (*fakeFullConn)(nil)
	_ DomainUndefiner = (*fakeFullConn)(nil)
)

// ---------------------------------------------------------------------------
// mockMonitor: records every notification
// ---------------------------------------------------------------------------

type persistCall struct {
	name  string
	state State
}

type mockMonitor struct {
	resumes    int
	suspends   int
	shutdowns  int
	persisted  []persistCall
	persistErr error
}

func (m *mockMonitor) OnResume()   { m.resumes++ }
func (m *mockMonitor) OnSuspend()  { m.suspends++ }
func (m *mockMonitor) OnShutdown() { m.shutdowns++ }

func (m *mockMonitor) PersistStateFor(name string, state State) error {
	m.persisted = append(m.persisted, persistCall{name: name, state: state})
	return m.persistErr
}

var _ Monitor = (*mockMonitor)(nil)

// ---------------------------------------------------------------------------
// fakeProbe: SSH readiness with a fixed answer
// ---------------------------------------------------------------------------

type fakeProbe struct {
	reachable bool
	endpoints []string
}

func (p *fakeProbe) IsReachable(_ context.Context, endpoint string, _ time.Duration) bool {
	p.endpoints = append(p.endpoints, endpoint)
	return p.reachable
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testDescription() Description {
	return Description{
		Name:              "pied-piper-valley",
		CPUs:              2,
		MemoryBytes:       3 * 1024 * 1024,
		ImagePath:         "/var/lib/virt-mcp/pied-piper-valley.qcow2",
		CloudInitISO:      "/var/lib/virt-mcp/pied-piper-valley-cloud-init.iso",
		DefaultMACAddress: "52:54:00:12:34:56",
	}
}

func newTestFactory(t *testing.T, d *fakeDriver, opts ...Option) *Factory {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewFactory(d, opts...)
}

func newTestMachine(t *testing.T, d *fakeDriver, mon Monitor, opts ...Option) *VirtualMachine {
	t.Helper()
	m, err := newTestFactory(t, d, opts...).CreateVirtualMachine(context.Background(), testDescription(), mon)
	if err != nil {
		t.Fatalf("CreateVirtualMachine() error = %v", err)
	}
	return m
}
