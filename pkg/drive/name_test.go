package drive

import "testing"

func TestComputeName(t *testing.T) {
	cases := []struct {
		iface Iface
		index int
		want  string
	}{
		{IfaceVirtio, 0, "vda"},
		{IfaceVirtio, 25, "vdz"},
		{IfaceVirtio, 26, "vdaa"},
		{IfaceIDE, 27, "hdab"},
		{IfaceSCSI, 0, "sda"},
		{IfaceFDC, 0, "fda"},
		{IfaceSATA, 0, "hda"},
	}
	for _, c := range cases {
		got := computeName(c.iface, c.index)
		if got != c.want {
			t.Errorf("computeName(%s, %d) = %q, want %q", c.iface, c.index, got, c.want)
		}
	}
}

func TestComputeNameInjective(t *testing.T) {
	seen := make(map[string]int)
	for i := 0; i < 500; i++ {
		name := computeName(IfaceVirtio, i)
		if prev, ok := seen[name]; ok {
			t.Fatalf("computeName collision: index %d and %d both produced %q", prev, i, name)
		}
		seen[name] = i
	}
}

// TestComputeNameInjectiveAcrossIfaces checks the four ifaces the source
// maps distinctly (ide/scsi/virtio/fdc) never collide with each other.
// sata is deliberately excluded: it has no entry of its own in the
// source's devname table either, so it falls back to "hd" the same as
// ide, matching original_source/vdsm/virt/vmdevices/storage.py:267.
func TestComputeNameInjectiveAcrossIfaces(t *testing.T) {
	seen := make(map[string]Iface)
	for _, iface := range []Iface{IfaceVirtio, IfaceIDE, IfaceSCSI, IfaceFDC} {
		for i := 0; i < 3; i++ {
			name := computeName(iface, i)
			if prev, ok := seen[name]; ok && prev != iface {
				t.Fatalf("computeName collision: iface %s and %s both produced %q", prev, iface, name)
			}
			seen[name] = iface
		}
	}
}

func TestComputeNameSATAFallsBackToIDEPrefix(t *testing.T) {
	if got, want := computeName(IfaceSATA, 0), computeName(IfaceIDE, 0); got != want {
		t.Errorf("computeName(sata, 0) = %q, want %q (sata falls back to the ide prefix)", got, want)
	}
}
