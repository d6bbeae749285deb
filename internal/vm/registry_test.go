package vm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, d *fakeDriver, opts ...Option) (*Registry, *mockMonitor) {
	t.Helper()
	r := NewRegistry(newTestFactory(t, d, opts...))
	mon := &mockMonitor{}
	if err := r.Add(context.Background(), testDescription(), mon); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return r, mon
}

func Test_Registry_Add(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeDriver{domain: DomainShutOff})
	ctx := context.Background()

	if err := r.Add(ctx, testDescription(), &mockMonitor{}); err == nil {
		t.Error("Add() of a duplicate name returned nil error")
	}
	if err := r.Add(ctx, Description{}, &mockMonitor{}); err == nil {
		t.Error("Add() of an unnamed instance returned nil error")
	}

	second := testDescription()
	second.Name = "hooli-xyz"
	if err := r.Add(ctx, second, &mockMonitor{}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	got := r.Names()
	if len(got) != 2 || got[0] != "hooli-xyz" || got[1] != "pied-piper-valley" {
		t.Errorf("Names() = %v, want [hooli-xyz pied-piper-valley]", got)
	}
}

func Test_Registry_UnknownInstance(t *testing.T) {
	r, _ := newTestRegistry(t, &fakeDriver{domain: DomainShutOff})
	ctx := context.Background()

	calls := map[string]func() error{
		"state": func() error {
			_, err := r.State(ctx, "missing")
			return err
		},
		"start":    func() error { return r.Start(ctx, "missing") },
		"shutdown": func() error { return r.Shutdown(ctx, "missing") },
		"suspend":  func() error { return r.Suspend(ctx, "missing") },
		"wait":     func() error { return r.WaitSSH(ctx, "missing", time.Second) },
		"address": func() error {
			_, err := r.Address(ctx, "missing")
			return err
		},
		"remove": func() error { return r.Remove(ctx, "missing") },
	}

	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			if err := call(); !errors.Is(err, ErrUnknownInstance) {
				t.Errorf("%s error = %v, want ErrUnknownInstance", name, err)
			}
		})
	}
}

func Test_Registry_Lifecycle(t *testing.T) {
	d := &fakeDriver{domain: DomainShutOff, leases: []DHCPLease{{IPAddress: "192.168.122.20"}}}
	r, mon := newTestRegistry(t, d, WithSSHProbe(&fakeProbe{reachable: true}))
	ctx := context.Background()
	const name = "pied-piper-valley"

	list := r.List(ctx)
	if len(list) != 1 || list[0].State != StateOff || list[0].CPUs != 2 || list[0].MemoryBytes != 3*1024*1024 {
		t.Fatalf("List() = %+v, want one off instance with its description", list)
	}

	if err := r.Start(ctx, name); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.domain = DomainRunning
	if st, err := r.State(ctx, name); err != nil || st != StateStarting {
		t.Fatalf("State() = %s, %v, want %s", st, err, StateStarting)
	}

	if err := r.WaitSSH(ctx, name, time.Second); err != nil {
		t.Fatalf("WaitSSH() error = %v", err)
	}
	if addr, err := r.Address(ctx, name); err != nil || addr != "192.168.122.20" {
		t.Errorf("Address() = %q, %v, want 192.168.122.20", addr, err)
	}

	if err := r.Shutdown(ctx, name); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := r.Suspend(ctx, name); err != nil {
		t.Fatalf("Suspend() error = %v", err)
	}
	if mon.resumes != 1 || mon.shutdowns != 1 || mon.suspends != 1 {
		t.Errorf("monitor = %+v, want one of each event", mon)
	}

	if err := r.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	d.version = 9_000_001
	if got := r.BackendVersion(ctx); got != "driver-9.0.1" {
		t.Errorf("BackendVersion() = %q, want driver-9.0.1", got)
	}

	if err := r.Remove(ctx, name); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if d.undefineCalls != 1 {
		t.Errorf("undefine calls = %d, want 1", d.undefineCalls)
	}
	if len(r.Names()) != 0 {
		t.Errorf("Names() after Remove = %v, want empty", r.Names())
	}
}

func Test_Registry_RemoveFailureKeepsInstance(t *testing.T) {
	d := &fakeDriver{domain: DomainShutOff}
	r, _ := newTestRegistry(t, d)
	d.connectErr = errBoom

	if err := r.Remove(context.Background(), "pied-piper-valley"); err == nil {
		t.Fatal("Remove() with broken driver returned nil error")
	}
	if len(r.Names()) != 1 {
		t.Errorf("Names() = %v, want instance kept after failed removal", r.Names())
	}
}

func Test_Registry_ConcurrentCallsAreSerialized(t *testing.T) {
	d := &fakeDriver{domain: DomainRunning}
	r, mon := newTestRegistry(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Start(context.Background(), "pied-piper-valley")
		}()
	}
	wg.Wait()

	if mon.resumes != 20 || len(mon.persisted) != 20 {
		t.Errorf("resumes = %d, persisted = %d, want 20 each", mon.resumes, len(mon.persisted))
	}
	if d.connects != d.closes {
		t.Errorf("connects = %d, closes = %d, want equal", d.connects, d.closes)
	}
}

type recordingMonitor struct {
	mockMonitor
}

func (m *recordingMonitor) LastState(name string) (State, bool) {
	if len(m.persisted) == 0 {
		return "", false
	}
	return m.persisted[len(m.persisted)-1].state, true
}

func Test_Registry_ListReportsLastPersisted(t *testing.T) {
	d := &fakeDriver{domain: DomainShutOff}
	r := NewRegistry(newTestFactory(t, d))
	mon := &recordingMonitor{}
	ctx := context.Background()
	if err := r.Add(ctx, testDescription(), mon); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if got := r.List(ctx); got[0].LastPersisted != "" {
		t.Errorf("LastPersisted before any transition = %q, want empty", got[0].LastPersisted)
	}

	if err := r.Start(ctx, "pied-piper-valley"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	d.connectErr = errBoom

	got := r.List(ctx)
	if got[0].State != StateUnknown || got[0].LastPersisted != StateStarting {
		t.Errorf("List() = %+v, want state unknown with last persisted starting", got[0])
	}
}

// signalProbe never reports reachable and closes called on its first use.
type signalProbe struct {
	once   sync.Once
	called chan struct{}
}

func (p *signalProbe) IsReachable(_ context.Context, _ string, _ time.Duration) bool {
	p.once.Do(func() { close(p.called) })
	return false
}

func Test_Registry_WaitSSHDoesNotBlockOtherCalls(t *testing.T) {
	d := &fakeDriver{domain: DomainRunning, leases: []DHCPLease{{IPAddress: "192.168.122.10"}}}
	probe := &signalProbe{called: make(chan struct{})}
	r, _ := newTestRegistry(t, d, WithSSHProbe(probe), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- r.WaitSSH(ctx, "pied-piper-valley", time.Minute) }()

	select {
	case <-probe.called:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitSSH never probed the guest")
	}

	stateDone := make(chan State, 1)
	go func() {
		st, _ := r.State(context.Background(), "pied-piper-valley")
		stateDone <- st
	}()
	select {
	case st := <-stateDone:
		if st != StateRunning {
			t.Errorf("State() = %s, want %s", st, StateRunning)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("State() blocked while WaitSSH was polling")
	}

	cancel()
	select {
	case err := <-waitErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WaitSSH() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("WaitSSH() did not return after cancellation")
	}
}

func Test_Registry_Describe(t *testing.T) {
	d := &fakeDriver{domain: DomainShutOff}
	r, _ := newTestRegistry(t, d)
	connects := d.connects

	desc, err := r.Describe("pied-piper-valley")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if desc.CPUs != 2 || desc.MemoryBytes != testDescription().MemoryBytes {
		t.Errorf("Describe() = %+v, want the registered description", desc)
	}
	if d.connects != connects {
		t.Errorf("Describe() opened %d driver connections, want 0", d.connects-connects)
	}

	if _, err := r.Describe("missing"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("Describe(missing) error = %v, want ErrUnknownInstance", err)
	}
}
