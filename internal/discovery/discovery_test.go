package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/stage-motors/internal/config"
)

// fakeTree 构造 dev/ 与 sys/class/tty/ 目录，serials为tty名到USB序列号的映射
func fakeTree(t *testing.T, ttys []string, serials map[string]string) config.DiscoveryConfig {
	t.Helper()
	root := t.TempDir()
	devDir := filepath.Join(root, "dev")
	sysRoot := filepath.Join(root, "sys", "class", "tty")
	require.NoError(t, os.MkdirAll(devDir, 0755))
	require.NoError(t, os.MkdirAll(sysRoot, 0755))

	for i, name := range ttys {
		require.NoError(t, os.WriteFile(filepath.Join(devDir, name), nil, 0644))

		serial, ok := serials[name]
		if !ok {
			continue
		}
		usb := filepath.Join(root, "devices", "usb1", "1-"+string(rune('1'+i)))
		iface := filepath.Join(usb, "1-1:1.0", name)
		require.NoError(t, os.MkdirAll(iface, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(usb, "serial"), []byte(serial+"\n"), 0644))

		require.NoError(t, os.MkdirAll(filepath.Join(sysRoot, name), 0755))
		require.NoError(t, os.Symlink(iface, filepath.Join(sysRoot, name, "device")))
	}

	return config.DiscoveryConfig{
		DevDir:          devDir,
		Prefix:          "ttyUSB",
		SysfsRoot:       sysRoot,
		OrientalXSerial: "AE018HGJ",
		OrientalYSerial: "AE018HGL",
		PolluxSerial:    "FTVNNFJ9",
	}
}

func TestSysfsDiscover(t *testing.T) {
	cfg := fakeTree(t,
		[]string{"ttyUSB0", "ttyUSB1", "ttyUSB2", "ttyUSB3", "ttyS0"},
		map[string]string{
			"ttyUSB0": "FTVNNFJ9",
			"ttyUSB1": "AE018HGL",
			"ttyUSB2": "AE018HGJ",
		})

	devices, err := NewSysfs(cfg).Discover()
	require.NoError(t, err)
	require.Len(t, devices, 4)

	assert.Equal(t, Device{Path: filepath.Join(cfg.DevDir, "ttyUSB0"), Serial: "FTVNNFJ9", Role: RolePollux}, devices[0])
	assert.Equal(t, RoleOrientalY, devices[1].Role)
	assert.Equal(t, RoleOrientalX, devices[2].Role)
	// 没有sysfs节点的设备仍然列出，但没有角色
	assert.Equal(t, RoleUnknown, devices[3].Role)
	assert.Empty(t, devices[3].Serial)

	assert.Len(t, Find(devices, RolePollux), 1)
	assert.Empty(t, Find(devices, Role("other")))
}

func TestSysfsUnknownSerial(t *testing.T) {
	cfg := fakeTree(t, []string{"ttyUSB0"}, map[string]string{"ttyUSB0": "XYZ"})

	devices, err := NewSysfs(cfg).Discover()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "XYZ", devices[0].Serial)
	assert.Equal(t, RoleUnknown, devices[0].Role)
}

func TestSysfsNoDevices(t *testing.T) {
	cfg := fakeTree(t, nil, nil)

	devices, err := NewSysfs(cfg).Discover()
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestNewUsesConfiguredDevices(t *testing.T) {
	cfg := config.DiscoveryConfig{
		DevDir: "/nonexistent",
		Prefix: "ttyUSB",
		Devices: []config.DeviceConfig{
			{Path: "/dev/ttyA", Role: "pollux"},
			{Path: "/dev/ttyB", Role: "oriental_x", Serial: "AE018HGJ"},
		},
	}

	d := New(cfg)
	require.IsType(t, Static{}, d)

	devices, err := d.Discover()
	require.NoError(t, err)
	assert.Equal(t, []Device{
		{Path: "/dev/ttyA", Role: RolePollux},
		{Path: "/dev/ttyB", Role: RoleOrientalX, Serial: "AE018HGJ"},
	}, devices)

	// 返回副本
	devices[0].Path = "changed"
	again, _ := d.Discover()
	assert.Equal(t, "/dev/ttyA", again[0].Path)
}

func TestNewScansWithoutDevices(t *testing.T) {
	d := New(config.DiscoveryConfig{Prefix: "ttyUSB"})
	assert.IsType(t, &Sysfs{}, d)
}
