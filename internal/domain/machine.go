package domain

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Machine 机器实体 (只包含自身字段, 关联在仓库层按需加载)
type Machine struct {
	ID             int64         `json:"id" yaml:"-"`
	Name           string        `json:"name" yaml:"name"`
	Place          string        `json:"place,omitempty" yaml:"place,omitempty"`
	LastStatus     MachineStatus `json:"last_status" yaml:"-"`
	LastStatusTime time.Time     `json:"last_status_time" yaml:"-"`
}

// HardwareKind 带外控制方式
type HardwareKind string

const (
	HardwareWakeOnLan    HardwareKind = "wakeonlan"
	HardwareLibvirtGuest HardwareKind = "libvirt"
)

// HardwareFeatures is the out-of-band power control of one machine.
// Only the fields matching Kind are meaningful.
type HardwareFeatures struct {
	ID         int64        `json:"id"`
	MachineID  int64        `json:"machine_id"`
	Kind       HardwareKind `json:"type"`
	MACAddress string       `json:"mac_address,omitempty"`
	// HostPlatformID references the hypervisor host platform; nil once that platform is deleted.
	HostPlatformID *int64    `json:"host_id,omitempty"`
	VMUUID         uuid.UUID `json:"vm_uuid,omitempty"`
}

// HardwareAddr parses the stored MAC address.
func (h HardwareFeatures) HardwareAddr() (net.HardwareAddr, error) {
	return net.ParseMAC(h.MACAddress)
}

// PlatformKind 操作系统类型
type PlatformKind string

const (
	PlatformLinux   PlatformKind = "linux"
	PlatformFreeBSD PlatformKind = "freebsd"
	PlatformWindows PlatformKind = "windows"
)

// SoftwarePlatform is an SSH-reachable OS instance of a machine.
// Priority is the dense position in the machine's platform list (0 first).
type SoftwarePlatform struct {
	ID           int64        `json:"id"`
	MachineID    int64        `json:"machine_id"`
	Kind         PlatformKind `json:"type"`
	Priority     int          `json:"priority"`
	Hostname     string       `json:"hostname"`
	CredentialID *int64       `json:"credential_id,omitempty"`
}

// ValidPlatformKind reports whether k is a known platform kind.
func ValidPlatformKind(k PlatformKind) bool {
	switch k {
	case PlatformLinux, PlatformFreeBSD, PlatformWindows:
		return true
	}
	return false
}
