package domain

import (
	"fmt"
	"strings"
)

// MachineStatus is the observed power state of a machine.
// StatusUnknown doubles as "no answer" when a provider cannot observe the machine.
type MachineStatus int

const (
	StatusUnknown MachineStatus = iota
	StatusPowerOff
	StatusPowerOn
	StatusSuspended
)

var statusNames = map[MachineStatus]string{
	StatusUnknown:   "unknown",
	StatusPowerOff:  "power off",
	StatusPowerOn:   "power on",
	StatusSuspended: "suspended",
}

var statusKeys = map[MachineStatus]string{
	StatusUnknown:   "UNKNOWN",
	StatusPowerOff:  "POWER_OFF",
	StatusPowerOn:   "POWER_ON",
	StatusSuspended: "SUSPENDED",
}

func (s MachineStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Key 返回持久化与 API 使用的枚举名 (POWER_ON 等)
func (s MachineStatus) Key() string {
	if k, ok := statusKeys[s]; ok {
		return k
	}
	return statusKeys[StatusUnknown]
}

// ParseStatus accepts either the key form (POWER_ON) or the readable form (power on).
func ParseStatus(v string) (MachineStatus, error) {
	norm := strings.ToUpper(strings.TrimSpace(v))
	norm = strings.ReplaceAll(norm, " ", "_")
	norm = strings.ReplaceAll(norm, "-", "_")
	for s, k := range statusKeys {
		if k == norm {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown machine status %q", v)
}

func (s MachineStatus) MarshalText() ([]byte, error) { return []byte(s.Key()), nil }

func (s *MachineStatus) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
