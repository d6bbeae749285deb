// Package vm manages the lifecycle of virtual machine instances exposed through a
// hypervisor driver, reconciling driver-reported domain state with locally tracked
// transitional states.
package vm

import (
	"context"
	"time"
)

// State is the observable state of a virtual machine instance.
type State string

const (
	StateOff             State = "off"
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateSuspended       State = "suspended"
	StateDelayedShutdown State = "delayed_shutdown"
	StateUnknown         State = "unknown"
)

// States lists every State value.
var States = []State{
	StateOff,
	StateStarting,
	StateRunning,
	StateSuspended,
	StateDelayedShutdown,
	StateUnknown,
}

// DomainState is the driver's own view of a domain, collapsed to the values the
// state machine distinguishes.
type DomainState int

const (
	DomainOther DomainState = iota
	DomainRunning
	DomainShutOff
)

func (s DomainState) String() string {
	switch s {
	case DomainRunning:
		return "running"
	case DomainShutOff:
		return "shutoff"
	default:
		return "other"
	}
}

// NetworkSpec describes an extra network interface attached to an instance.
type NetworkSpec struct {
	Network    string `yaml:"network"`
	MACAddress string `yaml:"mac_address"`
}

// Description is the immutable definition of an instance. It is produced by
// configuration loading and never modified by this package.
type Description struct {
	Name              string        `yaml:"name"`
	CPUs              int           `yaml:"cpus"`
	MemoryBytes       uint64        `yaml:"memory_bytes"`
	ImagePath         string        `yaml:"image_path"`
	CloudInitISO      string        `yaml:"cloud_init_iso"`
	DefaultMACAddress string        `yaml:"default_mac_address"`
	Networks          []NetworkSpec `yaml:"networks"`
}

// DomainSpec is what a driver needs to define and boot an instance's domain.
// Network and MACAddress describe the default interface, the one whose DHCP
// lease locates the guest.
type DomainSpec struct {
	Description
	Network    string
	MACAddress string
}

// DHCPLease is a single address lease handed out by the driver's DHCP server.
type DHCPLease struct {
	IPAddress  string
	MACAddress string
	Hostname   string
}

// Driver opens connections to the hypervisor. Every call to Connect is an
// independent attempt; a failed attempt says nothing about the next one.
type Driver interface {
	// Name identifies the backend, e.g. "libvirt". It prefixes version strings.
	Name() string
	Connect(ctx context.Context) (Connection, error)
}

// Connection is an open session with the hypervisor. Domains are addressed by
// instance name.
type Connection interface {
	DomainState(ctx context.Context, name string) (DomainState, error)
	StartDomain(ctx context.Context, spec DomainSpec) error
	ShutdownDomain(ctx context.Context, name string) error
	ManagedSave(ctx context.Context, name string) error
	HasManagedSaveImage(ctx context.Context, name string) (bool, error)
	DHCPLeases(ctx context.Context, network, mac string) ([]DHCPLease, error)
	Close() error
}

// VersionQuerier is implemented by connections able to report the hypervisor
// version, encoded as major*1_000_000 + minor*1_000 + patch.
type VersionQuerier interface {
	Version(ctx context.Context) (uint64, error)
}

// DomainDestroyer is implemented by connections able to force a domain off.
type DomainDestroyer interface {
	DestroyDomain(ctx context.Context, name string) error
}

// DomainUndefiner is implemented by connections able to remove a domain
// definition together with its managed-save image.
type DomainUndefiner interface {
	UndefineDomain(ctx context.Context, name string) error
}

// Monitor receives lifecycle notifications for an instance.
type Monitor interface {
	OnResume()
	OnSuspend()
	OnShutdown()
	// PersistStateFor records the last known state of an instance. Failures are
	// logged by the caller and never abort the lifecycle call.
	PersistStateFor(name string, state State) error
}

// SSHProbe reports whether a guest's management transport answers at endpoint.
type SSHProbe interface {
	IsReachable(ctx context.Context, endpoint string, timeout time.Duration) bool
}

// ShutdownPolicy controls the delayed_shutdown transitional state.
//
// With a zero GracePeriod a successful shutdown request moves straight to off.
// Otherwise the instance reports delayed_shutdown while the driver still sees
// the domain running; once GracePeriod has elapsed and ForceOffAfterGrace is
// set, the domain is destroyed.
type ShutdownPolicy struct {
	GracePeriod        time.Duration
	ForceOffAfterGrace bool
}
