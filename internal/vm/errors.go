package vm

import "errors"

// Driver errors
var (
	ErrDriverUnreachable     = errors.New("vm: hypervisor driver unreachable")
	ErrUnsupportedCapability = errors.New("vm: capability not supported by driver")
)

// Lifecycle errors
var (
	ErrOperationFailed = errors.New("vm: operation failed")
	ErrTimeout         = errors.New("vm: timed out")
	ErrNotRunning      = errors.New("vm: instance is not running")
	ErrNoAddress       = errors.New("vm: no address leased to instance")
	ErrUnknownInstance = errors.New("vm: unknown instance")
)
