package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/diskwatch/pkg/drive"
)

// GuestConfig is one monitored domain's static drive set, standing in
// for the engine's vmConf handoff: the pieces of drive identity (pool,
// image, volume IDs, the on-disk volume chain) that cannot be recovered
// from the hypervisor's own domain XML.
type GuestConfig struct {
	DomainID string            `yaml:"domainID"`
	Drives   []DriveConfigYAML `yaml:"drives"`
}

// DriveConfigYAML mirrors drive.Config's fields in their YAML spelling,
// plus Capacity, which drive.Config has no field for since it is learned
// from the storage collaborator in the source but is static here.
type DriveConfigYAML struct {
	PoolID   string `yaml:"poolID"`
	ImageID  string `yaml:"imageID"`
	VolumeID string `yaml:"volumeID"`

	Device   string `yaml:"device"`
	Iface    string `yaml:"iface"`
	Index    int    `yaml:"index"`
	DiskType string `yaml:"diskType"`
	Format   string `yaml:"format"`
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readOnly"`
	Shared   string `yaml:"shared"`

	Alias     string `yaml:"alias"`
	BootOrder int    `yaml:"bootOrder"`

	Capacity    uint64  `yaml:"capacity"`
	ChunkSize   uint64  `yaml:"chunkSize"`
	FreePercent float64 `yaml:"freePercent"`

	VolumeChain []VolumeChainEntryYAML `yaml:"volumeChain"`

	Replicate *DriveConfigYAML `yaml:"replicate"`
}

// VolumeChainEntryYAML mirrors drive.VolumeChainEntry.
type VolumeChainEntryYAML struct {
	Path     string `yaml:"path"`
	VolumeID string `yaml:"volumeID"`
}

// guestsFile is the top-level shape of the YAML file passed to --config.
type guestsFile struct {
	Guests []GuestConfig `yaml:"guests"`
}

func loadGuestConfigs(path string) ([]GuestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest config %s: %w", path, err)
	}
	var f guestsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse guest config %s: %w", path, err)
	}
	return f.Guests, nil
}

// buildDrives converts one guest's YAML drive list into live
// drive.Drive entities, in the order given.
func buildDrives(domainID string, drives []DriveConfigYAML) ([]*drive.Drive, error) {
	out := make([]*drive.Drive, 0, len(drives))
	for _, dc := range drives {
		d, err := buildDrive(domainID, dc)
		if err != nil {
			return nil, fmt.Errorf("guest %s drive %s: %w", domainID, dc.Alias, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func buildDrive(domainID string, dc DriveConfigYAML) (*drive.Drive, error) {
	var replicate *drive.Config
	if dc.Replicate != nil {
		rc := driveConfig(domainID, *dc.Replicate)
		replicate = &rc
	}

	cfg := driveConfig(domainID, dc)
	cfg.DiskReplicate = replicate

	d, err := drive.New(cfg)
	if err != nil {
		return nil, err
	}
	d.Capacity = dc.Capacity
	return d, nil
}

func driveConfig(domainID string, dc DriveConfigYAML) drive.Config {
	chain := make([]drive.VolumeChainEntry, 0, len(dc.VolumeChain))
	for _, e := range dc.VolumeChain {
		chain = append(chain, drive.VolumeChainEntry{Path: e.Path, VolumeID: e.VolumeID})
	}
	return drive.Config{
		DomainID: domainID,
		PoolID:   dc.PoolID,
		ImageID:  dc.ImageID,
		VolumeID: dc.VolumeID,

		Device:   drive.Device(dc.Device),
		Iface:    drive.Iface(dc.Iface),
		Index:    dc.Index,
		DiskType: drive.DiskType(dc.DiskType),
		Format:   drive.Format(dc.Format),
		Path:     dc.Path,
		ReadOnly: dc.ReadOnly,
		Shared:   drive.Shared(dc.Shared),

		Alias:     dc.Alias,
		BootOrder: dc.BootOrder,

		ChunkSize:   dc.ChunkSize,
		FreePercent: dc.FreePercent,

		VolumeChain: chain,
	}
}
