// Package discovery finds the USB serial adapters the stage controllers are
// attached to and tells them apart by the adapter's hardware serial number.
package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wfunc/stage-motors/internal/config"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// Role 设备在电机台中的角色
type Role string

const (
	RoleUnknown   Role = ""
	RolePollux    Role = "pollux"
	RoleOrientalX Role = "oriental_x"
	RoleOrientalY Role = "oriental_y"
)

// maxParentDepth 从tty设备向上查找serial属性的最大层数
const maxParentDepth = 8

// Device 发现的串口设备
type Device struct {
	Path   string `json:"path"`
	Serial string `json:"serial,omitempty"`
	Role   Role   `json:"role,omitempty"`
}

// Discoverer 设备发现接口
type Discoverer interface {
	Discover() ([]Device, error)
}

// New 配置中列出设备时直接使用，否则扫描sysfs
func New(cfg config.DiscoveryConfig) Discoverer {
	if len(cfg.Devices) > 0 {
		devices := make(Static, 0, len(cfg.Devices))
		for _, d := range cfg.Devices {
			devices = append(devices, Device{Path: d.Path, Serial: d.Serial, Role: Role(d.Role)})
		}
		return devices
	}
	return NewSysfs(cfg)
}

// Static 固定的设备列表
type Static []Device

// Discover 返回列表副本
func (s Static) Discover() ([]Device, error) {
	return append([]Device(nil), s...), nil
}

// Sysfs 通过 /sys/class/tty 读取USB适配器序列号
type Sysfs struct {
	DevDir    string
	Prefix    string
	SysfsRoot string
	Roles     map[string]Role // 硬件序列号 -> 角色
	logger    *zap.Logger
}

// NewSysfs 创建sysfs扫描器
func NewSysfs(cfg config.DiscoveryConfig) *Sysfs {
	roles := map[string]Role{}
	if cfg.OrientalXSerial != "" {
		roles[cfg.OrientalXSerial] = RoleOrientalX
	}
	if cfg.OrientalYSerial != "" {
		roles[cfg.OrientalYSerial] = RoleOrientalY
	}
	if cfg.PolluxSerial != "" {
		roles[cfg.PolluxSerial] = RolePollux
	}
	return &Sysfs{
		DevDir:    cfg.DevDir,
		Prefix:    cfg.Prefix,
		SysfsRoot: cfg.SysfsRoot,
		Roles:     roles,
		logger:    logger.WithModule("discovery"),
	}
}

// Discover 枚举 <DevDir>/<Prefix>* 并按序列号分配角色
func (s *Sysfs) Discover() ([]Device, error) {
	pattern := filepath.Join(s.DevDir, s.Prefix+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrValidation, "bad device pattern %s", pattern)
	}
	sort.Strings(matches)

	s.logger.Debug("扫描到设备", zap.String("pattern", pattern), zap.Strings("devices", matches))

	devices := make([]Device, 0, len(matches))
	for _, path := range matches {
		dev := Device{Path: path}
		serial, err := s.readSerial(filepath.Base(path))
		if err != nil {
			s.logger.Debug("未读取到设备序列号", zap.String("device", path), zap.Error(err))
		} else {
			dev.Serial = serial
			dev.Role = s.Roles[serial]
		}
		s.logger.Info("发现设备",
			zap.String("device", dev.Path),
			zap.String("serial", dev.Serial),
			zap.String("role", string(dev.Role)))
		devices = append(devices, dev)
	}
	return devices, nil
}

// readSerial 从tty的设备节点向上查找USB设备的serial属性
func (s *Sysfs) readSerial(name string) (string, error) {
	dir, err := filepath.EvalSymlinks(filepath.Join(s.SysfsRoot, name, "device"))
	if err != nil {
		return "", err
	}
	for i := 0; i < maxParentDepth; i++ {
		data, err := os.ReadFile(filepath.Join(dir, "serial"))
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.Newf(errors.ErrNotFound, "no serial attribute above %s", name)
}

// Find 按角色筛选设备
func Find(devices []Device, role Role) []Device {
	var out []Device
	for _, d := range devices {
		if d.Role == role {
			out = append(out, d)
		}
	}
	return out
}
