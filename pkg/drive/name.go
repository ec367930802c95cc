package drive

// ifacePrefix returns the device-name prefix conventionally used for
// each bus: "vd" for virtio, "hd" for ide, "sd" for scsi, "fd" for fdc;
// unmapped ifaces (sata) default to "hd".
func ifacePrefix(iface Iface) string {
	switch iface {
	case IfaceVirtio:
		return "vd"
	case IfaceIDE:
		return "hd"
	case IfaceSCSI:
		return "sd"
	case IfaceFDC:
		return "fd"
	default:
		return "hd"
	}
}

// letters implements letters(n) = letters(n/26-1) ++ ('a'+n%26) for
// n >= 0, the base-26 (no-zero) numbering used for short device names:
// 0 -> "a", 25 -> "z", 26 -> "aa".
func letters(n int) string {
	if n < 26 {
		return string(rune('a' + n))
	}
	return letters(n/26-1) + string(rune('a'+n%26))
}

// computeName derives a drive's short interface-relative name from its
// bus and index, e.g. (virtio, 0) -> "vda", (ide, 27) -> "hdab".
func computeName(iface Iface, index int) string {
	return ifacePrefix(iface) + letters(index)
}
