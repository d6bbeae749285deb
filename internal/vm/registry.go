package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InstanceStatus summarizes an instance for listings.
type InstanceStatus struct {
	Name        string `json:"name"`
	State       State  `json:"state"`
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
	ImagePath   string `json:"image_path"`

	// LastPersisted is the last state the monitor recorded, when it can tell.
	LastPersisted State `json:"last_persisted,omitempty"`
}

// StateRecorder is implemented by monitors that can report the last state
// persisted for an instance.
type StateRecorder interface {
	LastState(name string) (State, bool)
}

// Manager is the instance-level surface exposed over MCP.
type Manager interface {
	List(ctx context.Context) []InstanceStatus
	State(ctx context.Context, name string) (State, error)
	Start(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error
	Suspend(ctx context.Context, name string) error
	// WaitSSH blocks until the guest answers on SSH or timeout elapses. Other
	// calls on the same instance are not blocked for the whole wait.
	WaitSSH(ctx context.Context, name string, timeout time.Duration) error
	Address(ctx context.Context, name string) (string, error)
	Remove(ctx context.Context, name string) error
	HealthCheck(ctx context.Context) error
	BackendVersion(ctx context.Context) string
}

type instance struct {
	mu      sync.Mutex
	vm      *VirtualMachine
	monitor Monitor
}

// Registry holds the instances created by a Factory and serializes calls per
// instance, since VirtualMachine itself is not safe for concurrent use.
type Registry struct {
	factory *Factory

	mu        sync.RWMutex
	instances map[string]*instance
}

var _ Manager = (*Registry)(nil)

// NewRegistry returns an empty Registry backed by f.
func NewRegistry(f *Factory) *Registry {
	return &Registry{
		factory:   f,
		instances: make(map[string]*instance),
	}
}

// Add creates an instance for desc. Names must be unique.
func (r *Registry) Add(ctx context.Context, desc Description, monitor Monitor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[desc.Name]; ok {
		return fmt.Errorf("add vm %q: already registered", desc.Name)
	}
	m, err := r.factory.CreateVirtualMachine(ctx, desc, monitor)
	if err != nil {
		return err
	}
	r.instances[desc.Name] = &instance{vm: m, monitor: monitor}
	return nil
}

// Names returns the registered instance names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.instances))
	for n := range r.instances {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description of the named instance without querying
// the driver.
func (r *Registry) Describe(name string) (Description, error) {
	inst, err := r.lookup(name)
	if err != nil {
		return Description{}, err
	}
	return inst.vm.Description(), nil
}

func (r *Registry) lookup(name string) (*instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vm %q: %w", name, ErrUnknownInstance)
	}
	return inst, nil
}

// do runs fn with exclusive access to the named instance.
func (r *Registry) do(name string, fn func(*VirtualMachine) error) error {
	inst, err := r.lookup(name)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	return fn(inst.vm)
}

// List reports every instance with its current state.
func (r *Registry) List(ctx context.Context) []InstanceStatus {
	names := r.Names()
	out := make([]InstanceStatus, 0, len(names))
	for _, n := range names {
		inst, err := r.lookup(n)
		if err != nil {
			// removed concurrently
			continue
		}

		inst.mu.Lock()
		d := inst.vm.Description()
		st := InstanceStatus{
			Name:        d.Name,
			State:       inst.vm.CurrentState(ctx),
			CPUs:        d.CPUs,
			MemoryBytes: d.MemoryBytes,
			ImagePath:   d.ImagePath,
		}
		if rec, ok := inst.monitor.(StateRecorder); ok {
			if last, ok := rec.LastState(n); ok {
				st.LastPersisted = last
			}
		}
		inst.mu.Unlock()

		out = append(out, st)
	}
	return out
}

func (r *Registry) State(ctx context.Context, name string) (State, error) {
	var st State
	err := r.do(name, func(m *VirtualMachine) error {
		st = m.CurrentState(ctx)
		return nil
	})
	return st, err
}

func (r *Registry) Start(ctx context.Context, name string) error {
	return r.do(name, func(m *VirtualMachine) error { return m.Start(ctx) })
}

func (r *Registry) Shutdown(ctx context.Context, name string) error {
	return r.do(name, func(m *VirtualMachine) error { return m.Shutdown(ctx) })
}

func (r *Registry) Suspend(ctx context.Context, name string) error {
	return r.do(name, func(m *VirtualMachine) error { return m.Suspend(ctx) })
}

// WaitSSH locks the instance for one poll attempt at a time, so other calls on
// it proceed between attempts.
func (r *Registry) WaitSSH(ctx context.Context, name string, timeout time.Duration) error {
	inst, err := r.lookup(name)
	if err != nil {
		return err
	}
	return inst.vm.waitUntilSSHUp(ctx, timeout, func(attempt func()) {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		attempt()
	})
}

func (r *Registry) Address(ctx context.Context, name string) (string, error) {
	var addr string
	err := r.do(name, func(m *VirtualMachine) error {
		var err error
		addr, err = m.SSHHostname(ctx)
		return err
	})
	return addr, err
}

// Remove deletes the driver-side resources of the named instance and forgets it.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if err := r.do(name, func(m *VirtualMachine) error {
		return r.factory.RemoveResourcesFor(ctx, m.Name())
	}); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()
	return nil
}

func (r *Registry) HealthCheck(ctx context.Context) error {
	return r.factory.HypervisorHealthCheck(ctx)
}

func (r *Registry) BackendVersion(ctx context.Context) string {
	return r.factory.BackendVersionString(ctx)
}
