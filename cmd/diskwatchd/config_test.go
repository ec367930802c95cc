package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
guests:
  - domainID: dom1
    drives:
      - poolID: pool1
        imageID: img1
        volumeID: leaf
        device: disk
        iface: virtio
        index: 0
        diskType: block
        format: cow
        path: /dev/vg/leaf
        capacity: 10737418240
        chunkSize: 1073741824
        freePercent: 50
        volumeChain:
          - path: /dev/vg/base
            volumeID: base
          - path: /dev/vg/leaf
            volumeID: leaf
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guests.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadGuestConfigs(t *testing.T) {
	path := writeTempConfig(t, sampleConfig)

	guests, err := loadGuestConfigs(path)
	require.NoError(t, err)
	require.Len(t, guests, 1)
	require.Equal(t, "dom1", guests[0].DomainID)
	require.Len(t, guests[0].Drives, 1)
	require.Equal(t, "leaf", guests[0].Drives[0].VolumeID)
}

func TestBuildDrivesProducesWorkingDriveSet(t *testing.T) {
	guests, err := loadGuestConfigs(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	drives, err := buildDrives(guests[0].DomainID, guests[0].Drives)
	require.NoError(t, err)
	require.Len(t, drives, 1)
	require.Equal(t, "vda", drives[0].Name)
	require.EqualValues(t, 10737418240, drives[0].Capacity)
	require.Len(t, drives[0].VolumeChain, 2)
}

func TestBuildDrivesRejectsInvalidConfig(t *testing.T) {
	_, err := buildDrives("dom1", []DriveConfigYAML{
		{Device: "disk", Iface: "bogus-iface", DiskType: "block", Format: "cow"},
	})
	require.Error(t, err)
}

func TestLoadGuestConfigsMissingFile(t *testing.T) {
	_, err := loadGuestConfigs(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
