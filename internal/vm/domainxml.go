package vm

import (
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// domainNamespace seeds deterministic domain UUIDs derived from instance names.
var domainNamespace = uuid.MustParse("5d0c53a4-7e1b-4b8e-9a57-1f2f4e3c9b61")

// domainUUID returns a stable UUID for an instance name so redefining the same
// instance yields the same libvirt domain identity.
func domainUUID(name string) string {
	return uuid.NewSHA1(domainNamespace, []byte(name)).String()
}

// defaultMAC returns desc.DefaultMACAddress, or a stable address in the QEMU
// 52:54:00 range derived from the instance name.
func defaultMAC(desc Description) string {
	if desc.DefaultMACAddress != "" {
		return desc.DefaultMACAddress
	}
	id := uuid.NewSHA1(domainNamespace, []byte(desc.Name))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", id[0], id[1], id[2])
}

// domainXML renders the libvirt domain definition for spec.
// Returns XML ready for DomainDefineXML.
func domainXML(spec DomainSpec) (string, error) {
	desc := spec.Description
	if desc.ImagePath == "" {
		return "", fmt.Errorf("domain %q: image path is required", desc.Name)
	}

	disks := []libvirtxml.DomainDisk{
		{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: desc.ImagePath},
			},
			Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
		},
	}
	if desc.CloudInitISO != "" {
		disks = append(disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "raw"},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: desc.CloudInitISO},
			},
			Target:   &libvirtxml.DomainDiskTarget{Dev: "sdb", Bus: "sata"},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	network := spec.Network
	if network == "" {
		network = defaultLeaseNetwork
	}
	interfaces := []libvirtxml.DomainInterface{
		networkInterface(network, spec.MACAddress),
	}
	for _, n := range desc.Networks {
		interfaces = append(interfaces, networkInterface(n.Network, n.MACAddress))
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: desc.Name,
		UUID: domainUUID(desc.Name),
		Memory: &libvirtxml.DomainMemory{
			Value: uint(desc.MemoryBytes / 1024),
			Unit:  "KiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: uint(desc.CPUs),
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks:      disks,
			Interfaces: interfaces,
			Consoles: []libvirtxml.DomainConsole{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr(uint(0)),
					},
				},
			},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML for %q: %w", desc.Name, err)
	}
	return out, nil
}

// networkInterface attaches a virtio NIC to an existing libvirt network. An
// empty MAC lets libvirt pick one.
func networkInterface(network, mac string) libvirtxml.DomainInterface {
	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
		},
		Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
	}
	if mac != "" {
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: mac}
	}
	return iface
}

func ptr[T any](v T) *T {
	return &v
}
