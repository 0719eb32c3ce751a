// Package affinity pins the calling OS thread to a logical CPU and raises its
// scheduling priority. Callers must hold runtime.LockOSThread for the
// duration, otherwise the goroutine may migrate to a thread the settings do
// not apply to.
package affinity

// Controller is the per-platform set of thread controls a monitor needs.
// All methods act on the calling OS thread.
type Controller interface {
	// BindToCore restricts the thread to exactly one logical CPU.
	BindToCore(core int) error
	// SetMaxPriority raises the thread to the highest priority the process
	// is permitted to request.
	SetMaxPriority() error
	// CurrentCore reports the logical CPU the thread is executing on now.
	CurrentCore() (int, error)
}

// Native returns the controller for the running platform.
func Native() Controller {
	return native{}
}
