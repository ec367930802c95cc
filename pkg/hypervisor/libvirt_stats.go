package hypervisor

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/cuemby/diskwatch/pkg/log"
)

// domainDisksXML is the subset of a domain's XML description needed to
// enumerate its disks and their backing-chain depth, used to build a
// BlockInfo snapshot out of per-disk DomainGetBlockInfo calls rather
// than decoding the hypervisor's flat typed-parameter block-stats
// array, which this client does not attempt to unpack field by field.
type domainDisksXML struct {
	Devices struct {
		Disks []struct {
			Device string `xml:"device,attr"`
			Target struct {
				Dev string `xml:"dev,attr"`
			} `xml:"target"`
			Source struct {
				File string `xml:"file,attr"`
				Dev  string `xml:"dev,attr"`
				Name string `xml:"name,attr"`
			} `xml:"source"`
			Backing *reportedBackingStoreXML `xml:"backingStore"`
		} `xml:"disk"`
	} `xml:"devices"`
}

type reportedBackingStoreXML struct {
	Index   string `xml:"index,attr"`
	Backing *reportedBackingStoreXML `xml:"backingStore"`
}

func chainDepth(b *reportedBackingStoreXML) int {
	depth := 0
	for cur := b; cur != nil; cur = cur.Backing {
		depth++
	}
	return depth
}

// blockStatsAllFromXMLAndInfo builds the flat BlockInfo snapshot by
// reading disk identity from the domain's XML description and sizes
// from DomainGetBlockInfo, one call per disk.
func (c *LibvirtClient) blockStatsAllFromXMLAndInfo(ctx context.Context, domainID, xmlDesc string) ([]BlockStat, error) {
	var parsed domainDisksXML
	if err := xml.Unmarshal([]byte(xmlDesc), &parsed); err != nil {
		return nil, fmt.Errorf("hypervisor: parse domain xml for %s: %w", domainID, err)
	}

	dom, err := c.domain(domainID)
	if err != nil {
		return nil, err
	}

	stats := make([]BlockStat, 0, len(parsed.Devices.Disks))
	for i, disk := range parsed.Devices.Disks {
		if disk.Device == "cdrom" && disk.Backing == nil {
			continue // skip CDROM entries without a backing index
		}
		name := disk.Target.Dev
		if name == "" {
			log.Logger.Warn().Int("disk", i).Msg("block stat entry missing name, skipping")
			continue
		}
		path := disk.Source.File
		if path == "" {
			path = disk.Source.Dev
		}
		if path == "" {
			path = disk.Source.Name
		}

		allocation, capacity, physical, err := c.conn.DomainGetBlockInfo(dom, name, 0)
		if err != nil {
			return nil, translateErr(err)
		}

		stats = append(stats, BlockStat{
			Index:        chainDepth(disk.Backing),
			Name:         name,
			Path:         path,
			BackingIndex: chainDepth(disk.Backing),
			HasBacking:   disk.Backing != nil || disk.Device != "cdrom",
			Allocation:   allocation,
			Capacity:     capacity,
			Physical:     physical,
		})
	}
	return stats, nil
}
