// Package importexport reads and writes inventory files and status reports.
// Entities refer to each other by name so files move between databases.
package importexport

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

// Format 文件格式
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat accepts a format name; empty means YAML.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "yaml", "yml":
		return FormatYAML, nil
	case "json":
		return FormatJSON, nil
	case "csv":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown format %q (want yaml, json or csv)", v)
}

// FormatOf guesses the format from a file extension.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".csv":
		return FormatCSV
	}
	return FormatYAML
}

// Inventory is a whole-fleet export.
type Inventory struct {
	Credentials []domain.Credential      `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Operations  []domain.CustomOperation `json:"custom_operations,omitempty" yaml:"custom_operations,omitempty"`
	Machines    []MachineEntry           `json:"machines" yaml:"machines"`
}

// MachineEntry is one machine with its hardware, platforms (by priority) and
// attached custom operation names.
type MachineEntry struct {
	Name       string          `json:"name" yaml:"name"`
	Place      string          `json:"place,omitempty" yaml:"place,omitempty"`
	Hardware   *HardwareEntry  `json:"hardware,omitempty" yaml:"hardware,omitempty"`
	Platforms  []PlatformEntry `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	Operations []string        `json:"custom_operations,omitempty" yaml:"custom_operations,omitempty"`
}

type HardwareEntry struct {
	Type       domain.HardwareKind `json:"type" yaml:"type"`
	MACAddress string              `json:"mac_address,omitempty" yaml:"mac_address,omitempty"`
	Host       *HostRef            `json:"host,omitempty" yaml:"host,omitempty"`
	VMUUID     string              `json:"vm_uuid,omitempty" yaml:"vm_uuid,omitempty"`
}

// HostRef names a hypervisor platform by its machine and hostname.
type HostRef struct {
	Machine  string `json:"machine" yaml:"machine"`
	Hostname string `json:"hostname" yaml:"hostname"`
}

type PlatformEntry struct {
	Type       domain.PlatformKind `json:"type" yaml:"type"`
	Hostname   string              `json:"hostname" yaml:"hostname"`
	Credential string              `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// ParseInventory 解析 YAML / JSON 清单
func ParseInventory(data []byte, f Format) (Inventory, error) {
	var inv Inventory
	var err error
	switch f {
	case FormatJSON:
		err = json.Unmarshal(data, &inv)
	case FormatYAML:
		err = yaml.Unmarshal(data, &inv)
	default:
		return inv, fmt.Errorf("inventory cannot be read as %s", f)
	}
	if err != nil {
		return inv, fmt.Errorf("parse inventory: %w", err)
	}
	return inv, ValidateInventory(inv)
}

// SerializeInventory 输出清单
func SerializeInventory(inv Inventory, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		return json.MarshalIndent(inv, "", "  ")
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(inv); err != nil {
			return nil, err
		}
		_ = enc.Close()
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("inventory cannot be written as %s", f)
}

// Redact 去除凭据中的密码与私钥
func Redact(inv Inventory) Inventory {
	out := inv
	out.Credentials = make([]domain.Credential, len(inv.Credentials))
	for i, c := range inv.Credentials {
		out.Credentials[i] = c.Redacted()
	}
	return out
}

// ValidateInventory checks names and cross references; it does not apply
// the draft rules, which run again when the inventory is imported.
func ValidateInventory(inv Inventory) error {
	for _, c := range inv.Credentials {
		if strings.TrimSpace(c.Name) == "" {
			return errors.New("credential without name")
		}
	}
	platforms := map[HostRef]bool{}
	machines := map[string]bool{}
	for _, m := range inv.Machines {
		if strings.TrimSpace(m.Name) == "" {
			return errors.New("machine without name")
		}
		if machines[m.Name] {
			return fmt.Errorf("machine %q listed twice", m.Name)
		}
		machines[m.Name] = true
		for _, p := range m.Platforms {
			platforms[HostRef{Machine: m.Name, Hostname: p.Hostname}] = true
		}
	}
	// 凭据与宿主机可以引用数据库中已有的记录, 这里只检查文件内部的引用
	for _, m := range inv.Machines {
		if h := m.Hardware; h != nil && h.Type == domain.HardwareLibvirtGuest {
			if h.Host == nil {
				return fmt.Errorf("machine %q: libvirt guest without host", m.Name)
			}
			if !platforms[*h.Host] && machines[h.Host.Machine] {
				return fmt.Errorf("machine %q: host %s has no platform %s", m.Name, h.Host.Machine, h.Host.Hostname)
			}
			if _, err := uuid.Parse(h.VMUUID); err != nil {
				return fmt.Errorf("machine %q: vm_uuid: %w", m.Name, err)
			}
		}
	}
	return nil
}

// ParseMachinesCSV 解析 CSV (含 header): name,place,mac_address,platform,hostname,credential
// 每行一台机器, 至多一个平台。
func ParseMachinesCSV(data []byte) ([]MachineEntry, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	start := 0
	if len(rows) > 0 && len(rows[0]) > 0 && strings.EqualFold(strings.TrimSpace(rows[0][0]), "name") {
		start = 1
	}
	col := func(cols []string, i int) string {
		if i < len(cols) {
			return strings.TrimSpace(cols[i])
		}
		return ""
	}
	var out []MachineEntry
	for _, cols := range rows[start:] {
		name := col(cols, 0)
		if name == "" {
			continue
		}
		m := MachineEntry{Name: name, Place: col(cols, 1)}
		if mac := col(cols, 2); mac != "" {
			m.Hardware = &HardwareEntry{Type: domain.HardwareWakeOnLan, MACAddress: mac}
		}
		if host := col(cols, 4); host != "" {
			kind := domain.PlatformKind(strings.ToLower(col(cols, 3)))
			if kind == "" {
				kind = domain.PlatformLinux
			}
			m.Platforms = []PlatformEntry{{Type: kind, Hostname: host, Credential: col(cols, 5)}}
		}
		out = append(out, m)
	}
	return out, nil
}

// RenderStatusCSV 输出状态报表 (含 header)
func RenderStatusCSV(ms []domain.Machine) (string, error) {
	var b strings.Builder
	w := csv.NewWriter(&b)
	_ = w.Write([]string{"name", "place", "last_status", "last_status_time"})
	for _, m := range ms {
		at := ""
		if !m.LastStatusTime.IsZero() {
			at = m.LastStatusTime.UTC().Format(time.RFC3339)
		}
		_ = w.Write([]string{m.Name, m.Place, m.LastStatus.Key(), at})
	}
	w.Flush()
	return b.String(), w.Error()
}
