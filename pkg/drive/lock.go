package drive

import "context"

// lock is the drive's monitor_lock: a single-holder lock with
// timeout-bounded acquisition, used to serialize the monitoring cycle's
// decision against the extend-completion callback's re-arm tail. The
// two callers run on different goroutines, so a plain buffered-channel
// mutex is sufficient without needing same-goroutine reentrancy.
type lock struct {
	ch chan struct{}
}

func newLock() *lock {
	return &lock{ch: make(chan struct{}, 1)}
}

// release unlocks the drive.
type release func()

// MonitorLock attempts to acquire the drive's monitor lock, failing
// with ErrMonitorBusy if ctx is done first. The returned release must
// be called exactly once on every exit path.
func (d *Drive) MonitorLock(ctx context.Context) (release, error) {
	select {
	case d.lock.ch <- struct{}{}:
		return func() { <-d.lock.ch }, nil
	case <-ctx.Done():
		return nil, ErrMonitorBusy
	}
}
