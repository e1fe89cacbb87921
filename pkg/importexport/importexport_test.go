package importexport

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QingMing-Bot/pc-manager/internal/domain"
)

const sample = `
credentials:
  - name: lab
    type: password
    username: admin
    secret: hunter2
custom_operations:
  - name: hello
    description: say hi
    steps:
      - op: execute_command
        argument: echo hi
      - op: reboot
machines:
  - name: hv
    platforms:
      - type: linux
        hostname: hv.lan
        credential: lab
  - name: vm
    place: rack 1
    hardware:
      type: libvirt
      host: {machine: hv, hostname: hv.lan}
      vm_uuid: 7a1c2f1e-4b1f-4c55-9d0e-2f3f0b6b8a11
    custom_operations: [hello]
`

func TestParseInventory_YAML(t *testing.T) {
	inv, err := ParseInventory([]byte(sample), FormatYAML)
	require.NoError(t, err)
	require.Len(t, inv.Credentials, 1)
	assert.Equal(t, domain.CredentialPassword, inv.Credentials[0].Kind)
	require.Len(t, inv.Operations, 1)
	require.Len(t, inv.Operations[0].Steps, 2)
	assert.Equal(t, "echo hi", *inv.Operations[0].Steps[0].Argument)
	assert.Nil(t, inv.Operations[0].Steps[1].Argument)
	require.Len(t, inv.Machines, 2)
	vm := inv.Machines[1]
	assert.Equal(t, &HostRef{Machine: "hv", Hostname: "hv.lan"}, vm.Hardware.Host)
	assert.Equal(t, []string{"hello"}, vm.Operations)
}

func TestInventory_JSONRoundTripAndRedact(t *testing.T) {
	inv, err := ParseInventory([]byte(sample), FormatYAML)
	require.NoError(t, err)

	out, err := SerializeInventory(Redact(inv), FormatJSON)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.Equal(t, "hunter2", inv.Credentials[0].Secret, "redaction copies")

	back, err := ParseInventory(out, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, inv.Machines, back.Machines)
	assert.Empty(t, back.Credentials[0].Secret)
}

func TestValidateInventory(t *testing.T) {
	cases := map[string]string{
		"no name":     "machines:\n  - place: x\n",
		"duplicate":   "machines:\n  - name: a\n  - name: a\n",
		"no host":     "machines:\n  - name: a\n    hardware: {type: libvirt, vm_uuid: 7a1c2f1e-4b1f-4c55-9d0e-2f3f0b6b8a11}\n",
		"bad uuid":    "machines:\n  - name: a\n    hardware: {type: libvirt, host: {machine: elsewhere, hostname: h}, vm_uuid: nope}\n",
		"no platform": "machines:\n  - name: hv\n  - name: a\n    hardware: {type: libvirt, host: {machine: hv, hostname: h}, vm_uuid: 7a1c2f1e-4b1f-4c55-9d0e-2f3f0b6b8a11}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseInventory([]byte(doc), FormatYAML)
			assert.Error(t, err)
		})
	}

	// hosts outside the file are resolved at import time
	_, err := ParseInventory([]byte("machines:\n  - name: a\n    hardware: {type: libvirt, host: {machine: elsewhere, hostname: h}, vm_uuid: 7a1c2f1e-4b1f-4c55-9d0e-2f3f0b6b8a11}\n"), FormatYAML)
	assert.NoError(t, err)
}

func TestParseMachinesCSV(t *testing.T) {
	data := "name,place,mac_address,platform,hostname,credential\n" +
		"pc,desk,00:11:22:33:44:55,windows,pc.lan,lab\n" +
		",,,,,\n" +
		"nas,,,,nas.lan\n"
	ms, err := ParseMachinesCSV([]byte(data))
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "00:11:22:33:44:55", ms[0].Hardware.MACAddress)
	assert.Equal(t, []PlatformEntry{{Type: domain.PlatformWindows, Hostname: "pc.lan", Credential: "lab"}}, ms[0].Platforms)
	assert.Nil(t, ms[1].Hardware)
	assert.Equal(t, domain.PlatformLinux, ms[1].Platforms[0].Type)
}

func TestRenderStatusCSV(t *testing.T) {
	out, err := RenderStatusCSV([]domain.Machine{
		{Name: "pc", Place: "desk, left", LastStatus: domain.StatusPowerOn, LastStatusTime: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)},
		{Name: "nas"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"name,place,last_status,last_status_time",
		`pc,"desk, left",POWER_ON,2026-05-01T08:00:00Z`,
		"nas,,UNKNOWN,",
	}, lines)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatOf("fleet.JSON"))
	assert.Equal(t, FormatYAML, FormatOf("fleet.yml"))
	assert.Equal(t, FormatCSV, FormatOf("report.csv"))
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)
	_, err = ParseFormat("toml")
	assert.Error(t, err)
}
