package drive

import "errors"

var (
	// ErrMonitorBusy is returned when monitor_lock could not be
	// acquired before its timeout elapsed.
	ErrMonitorBusy = errors.New("drive: monitor lock busy")

	// ErrVolumeNotFound is returned when a volume ID is not present
	// in a drive's actual chain.
	ErrVolumeNotFound = errors.New("drive: volume not found in chain")

	// ErrInvalidDiskXML is returned when a hypervisor disk element
	// cannot be reconciled against the drive's own volume chain.
	ErrInvalidDiskXML = errors.New("drive: invalid disk XML")

	// ErrInvalidConfig is returned by New when the construction
	// record fails format/device-specific validation.
	ErrInvalidConfig = errors.New("drive: invalid configuration")
)
