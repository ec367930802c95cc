package drive

import (
	"encoding/xml"
	"fmt"
)

type emptyElem struct{}

type seclabelXML struct {
	XMLName xml.Name `xml:"seclabel"`
	Model   string   `xml:"model,attr"`
	Relabel string   `xml:"relabel,attr"`
	Type    string   `xml:"type,attr"`
}

type hostXML struct {
	Name string `xml:"name,attr"`
	Port string `xml:"port,attr,omitempty"`
}

type sourceXML struct {
	XMLName         xml.Name      `xml:"source"`
	File            string        `xml:"file,attr,omitempty"`
	Dev             string        `xml:"dev,attr,omitempty"`
	Protocol        string        `xml:"protocol,attr,omitempty"`
	Name            string        `xml:"name,attr,omitempty"`
	StartupPolicy   string        `xml:"startupPolicy,attr,omitempty"`
	Hosts           []hostXML     `xml:"host"`
	Seclabel        *seclabelXML  `xml:"seclabel"`
}

type targetXML struct {
	XMLName xml.Name `xml:"target"`
	Bus     string   `xml:"bus,attr"`
	Dev     string   `xml:"dev,attr"`
}

type driverXML struct {
	XMLName      xml.Name `xml:"driver"`
	Name         string   `xml:"name,attr"`
	Type         string   `xml:"type,attr"`
	Cache        string   `xml:"cache,attr,omitempty"`
	IO           string   `xml:"io,attr"`
	ErrorPolicy  string   `xml:"error_policy,attr"`
	Discard      string   `xml:"discard,attr,omitempty"`
}

type bootXML struct {
	XMLName xml.Name `xml:"boot"`
	Order   int      `xml:"order,attr"`
}

type aliasXML struct {
	XMLName xml.Name `xml:"alias"`
	Name    string   `xml:"name,attr"`
}

type iotuneLimitsXML struct {
	XMLName        xml.Name `xml:"iotune"`
	TotalBytesSec  uint64   `xml:"total_bytes_sec,omitempty"`
	ReadBytesSec   uint64   `xml:"read_bytes_sec,omitempty"`
	WriteBytesSec  uint64   `xml:"write_bytes_sec,omitempty"`
	TotalIopsSec   uint64   `xml:"total_iops_sec,omitempty"`
	ReadIopsSec    uint64   `xml:"read_iops_sec,omitempty"`
	WriteIopsSec   uint64   `xml:"write_iops_sec,omitempty"`
}

type reservationsXML struct {
	XMLName xml.Name `xml:"reservations"`
	Managed string   `xml:"managed,attr"`
}

type diskXML struct {
	XMLName      xml.Name         `xml:"disk"`
	Device       string           `xml:"device,attr"`
	Snapshot     string           `xml:"snapshot,attr"`
	Type         string           `xml:"type,attr"`
	Source       *sourceXML       `xml:"source"`
	Target       targetXML        `xml:"target"`
	ReadOnly     *emptyElem       `xml:"readonly"`
	Shareable    *emptyElem       `xml:"shareable"`
	Serial       string           `xml:"serial,omitempty"`
	Driver       *driverXML       `xml:"driver"`
	Boot         *bootXML         `xml:"boot"`
	Alias        *aliasXML        `xml:"alias"`
	IOTune       *iotuneLimitsXML `xml:"iotune"`
	Reservations *reservationsXML `xml:"reservations"`
}

// RenderXML renders the drive's libvirt disk element, following the
// grammar: source, target, optional readonly/shareable/serial/driver/
// boot/alias/iotune/reservations, in that order.
func (d *Drive) RenderXML() ([]byte, error) {
	disk := diskXML{
		Device:   string(d.Device),
		Snapshot: "no",
		Type:     string(d.DiskType),
		Target: targetXML{
			Bus: string(d.Iface),
			Dev: d.Name,
		},
	}

	src, err := d.renderSource()
	if err != nil {
		return nil, err
	}
	disk.Source = src

	if d.ReadOnly {
		disk.ReadOnly = &emptyElem{}
	}
	if d.Shared == SharedShared {
		disk.Shareable = &emptyElem{}
	}
	if d.Serial != "" {
		disk.Serial = d.Serial
	}
	if d.Device == DeviceDisk || d.Device == DeviceLUN {
		disk.Driver = d.renderDriver()
	}
	if d.BootOrder > 0 {
		disk.Boot = &bootXML{Order: d.BootOrder}
	}
	if d.Alias != "" {
		disk.Alias = &aliasXML{Name: d.Alias}
	}
	if l := d.IOTune.Limits; l != (IOTuneLimits{}) {
		disk.IOTune = &iotuneLimitsXML{
			TotalBytesSec: l.TotalBytesSec,
			ReadBytesSec:  l.ReadBytesSec,
			WriteBytesSec: l.WriteBytesSec,
			TotalIopsSec:  l.TotalIopsSec,
			ReadIopsSec:   l.ReadIopsSec,
			WriteIopsSec:  l.WriteIopsSec,
		}
	}
	if d.ManagedReservation {
		disk.Reservations = &reservationsXML{Managed: "yes"}
	}

	return xml.Marshal(disk)
}

func (d *Drive) renderSource() (*sourceXML, error) {
	src := &sourceXML{
		Seclabel: &seclabelXML{Model: "dac", Relabel: "no", Type: "none"},
	}
	if d.Device == DeviceCDROM {
		src.StartupPolicy = "optional"
	}
	switch d.DiskType {
	case DiskTypeFile:
		src.File = d.Path
	case DiskTypeBlock:
		src.Dev = d.Path
	case DiskTypeNetwork:
		if d.Network == nil {
			return nil, fmt.Errorf("%w: network drive %s missing network source", ErrInvalidConfig, d.Name)
		}
		src.Protocol = d.Network.Protocol
		src.Name = d.Path
		for _, h := range d.Network.Hosts {
			src.Hosts = append(src.Hosts, hostXML{Name: h})
		}
	default:
		return nil, fmt.Errorf("%w: unknown diskType %q on drive %s", ErrInvalidConfig, d.DiskType, d.Name)
	}
	return src, nil
}

func (d *Drive) renderDriver() *driverXML {
	typ := "raw"
	if d.Format == FormatCow {
		typ = "qcow2"
	}
	io := "threads"
	if d.DiskType == DiskTypeBlock {
		io = "native"
	}
	errPolicy := "stop"
	if d.PropagateErrors {
		errPolicy = "enospace"
	}
	drv := &driverXML{
		Name:        "qemu",
		Type:        typ,
		Cache:       d.Cache,
		IO:          io,
		ErrorPolicy: errPolicy,
	}
	if d.Discard {
		drv.Discard = "unmap"
	}
	return drv
}
