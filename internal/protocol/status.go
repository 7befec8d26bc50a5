package protocol

// KernelStatus is the lifecycle state of the kernel. It is always derived
// from the session manager and never stored.
type KernelStatus string

const (
	StatusUndefined  KernelStatus = "undefined"
	StatusStarting   KernelStatus = "starting"
	StatusRunning    KernelStatus = "running"
	StatusRestarting KernelStatus = "restarting"
	StatusDead       KernelStatus = "dead"
)

// Busy reports whether the kernel is being created or replaced, i.e. callers
// should back off and retry.
func (s KernelStatus) Busy() bool {
	return s == StatusStarting || s == StatusRestarting
}
