package drive

import "fmt"

// validate enforces the format- and device-specific rules a Config must
// satisfy before a Drive can be constructed: sgio is LUN-only, network
// drives require hosts and a protocol, and iotune limits are
// non-negative (the uint64 type already rules out negative values; this
// checks the category-conflict rule instead). Format is only checked
// against its known values; no format/device combination is rejected.
func validate(cfg Config) error {
	if cfg.SGIO != "" && cfg.Device != DeviceLUN {
		return fmt.Errorf("%w: sgio only valid for device=lun, got device=%s", ErrInvalidConfig, cfg.Device)
	}

	if cfg.DiskType == DiskTypeNetwork {
		if cfg.Network == nil || cfg.Network.Protocol == "" || len(cfg.Network.Hosts) == 0 {
			return fmt.Errorf("%w: network disk requires protocol and at least one host", ErrInvalidConfig)
		}
	}

	if err := validateIOTune(cfg.IOTune); err != nil {
		return err
	}

	switch cfg.Iface {
	case IfaceIDE, IfaceSCSI, IfaceVirtio, IfaceFDC, IfaceSATA:
	default:
		return fmt.Errorf("%w: unknown iface %q", ErrInvalidConfig, cfg.Iface)
	}

	switch cfg.Device {
	case DeviceDisk, DeviceCDROM, DeviceFloppy, DeviceLUN:
	default:
		return fmt.Errorf("%w: unknown device %q", ErrInvalidConfig, cfg.Device)
	}

	switch cfg.DiskType {
	case DiskTypeFile, DiskTypeBlock, DiskTypeNetwork:
	default:
		return fmt.Errorf("%w: unknown diskType %q", ErrInvalidConfig, cfg.DiskType)
	}

	switch cfg.Format {
	case FormatRaw, FormatCow:
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalidConfig, cfg.Format)
	}

	return nil
}

// validateIOTune rejects iotune records that set both a total limit and
// a split read/write limit for the same category, a combination
// libvirt itself refuses.
func validateIOTune(t IOTune) error {
	l := t.Limits
	if l.TotalBytesSec > 0 && (l.ReadBytesSec > 0 || l.WriteBytesSec > 0) {
		return fmt.Errorf("%w: iotune total_bytes_sec conflicts with read/write_bytes_sec", ErrInvalidConfig)
	}
	if l.TotalIopsSec > 0 && (l.ReadIopsSec > 0 || l.WriteIopsSec > 0) {
		return fmt.Errorf("%w: iotune total_iops_sec conflicts with read/write_iops_sec", ErrInvalidConfig)
	}
	return nil
}
