package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/wfunc/stage-motors/internal/errors"
)

// Config 全局配置结构体
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Oriental  OrientalConfig  `mapstructure:"oriental"`
	Pollux    PolluxConfig    `mapstructure:"pollux"`
	Hub       HubConfig       `mapstructure:"hub"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig 控制API服务配置
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DiscoveryConfig 设备发现配置
type DiscoveryConfig struct {
	DevDir          string         `mapstructure:"dev_dir"`
	Prefix          string         `mapstructure:"prefix"`
	SysfsRoot       string         `mapstructure:"sysfs_root"`
	OrientalXSerial string         `mapstructure:"oriental_x_serial"`
	OrientalYSerial string         `mapstructure:"oriental_y_serial"`
	PolluxSerial    string         `mapstructure:"pollux_serial"`
	Devices         []DeviceConfig `mapstructure:"devices"` // 非空时跳过扫描，直接使用
}

// DeviceConfig 静态设备条目
type DeviceConfig struct {
	Path   string `mapstructure:"path"`
	Role   string `mapstructure:"role"`
	Serial string `mapstructure:"serial"`
}

// OrientalConfig Oriental EZS 控制器配置
type OrientalConfig struct {
	BaudRate      int           `mapstructure:"baud_rate"`
	Labels        string        `mapstructure:"labels"`
	LabelAttempts int           `mapstructure:"label_attempts"`
	TravelLimitX  int           `mapstructure:"travel_limit_x"`
	TravelLimitY  int           `mapstructure:"travel_limit_y"`
	QueryDelay    time.Duration `mapstructure:"query_delay"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// PolluxConfig Pollux 控制器配置
type PolluxConfig struct {
	BaudRate      int           `mapstructure:"baud_rate"`
	SerialNumbers []int         `mapstructure:"serial_numbers"`
	Settle        time.Duration `mapstructure:"settle"`
	CommandDelay  time.Duration `mapstructure:"command_delay"`
	StatusDelay   time.Duration `mapstructure:"status_delay"`
	PollGap       time.Duration `mapstructure:"poll_gap"`
	MinPosition   float64       `mapstructure:"min_position"`
	MaxPosition   float64       `mapstructure:"max_position"`
	Tolerance     float64       `mapstructure:"tolerance"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
}

// HubConfig 电机集线器配置
type HubConfig struct {
	HomePollInterval time.Duration `mapstructure:"home_poll_interval"`
	OrientalWait     bool          `mapstructure:"oriental_wait"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
	v    *viper.Viper
)

// Init 初始化全局配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		var loaded *Config
		v, loaded, err = load(configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()
	})

	return err
}

// Load 读取配置但不修改全局实例
func Load(configPath string) (*Config, error) {
	_, c, err := load(configPath)
	return c, err
}

func load(configPath string) (*viper.Viper, *Config, error) {
	vp := viper.New()

	if configPath != "" {
		vp.SetConfigFile(configPath)
	} else {
		vp.SetConfigName("config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath("./config")
		vp.AddConfigPath(".")
	}

	vp.SetEnvPrefix("STAGE_MOTORS")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	if err := vp.ReadInConfig(); err != nil {
		// 配置文件不存在时使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, errors.Wrap(err, errors.ErrConfigLoad, "read config")
		}
	}

	c := &Config{}
	if err := vp.Unmarshal(c); err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrConfigLoad, "unmarshal config")
	}
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return vp, c, nil
}

// Default 返回全部默认值构成的配置
func Default() *Config {
	vp := viper.New()
	setDefaults(vp)
	c := &Config{}
	_ = vp.Unmarshal(c)
	return c
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 控制API
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "10m")
	v.SetDefault("server.shutdown_timeout", "10s")

	// 设备发现
	v.SetDefault("discovery.dev_dir", "/dev")
	v.SetDefault("discovery.prefix", "ttyUSB")
	v.SetDefault("discovery.sysfs_root", "/sys/class/tty")
	v.SetDefault("discovery.oriental_x_serial", "AE018HGJ")
	v.SetDefault("discovery.oriental_y_serial", "AE018HGL")
	v.SetDefault("discovery.pollux_serial", "FTVNNFJ9")

	// Oriental EZS
	v.SetDefault("oriental.baud_rate", 9600)
	v.SetDefault("oriental.labels", "01")
	v.SetDefault("oriental.label_attempts", 2)
	v.SetDefault("oriental.travel_limit_x", 600)
	v.SetDefault("oriental.travel_limit_y", 600)
	v.SetDefault("oriental.query_delay", "200ms")
	v.SetDefault("oriental.poll_interval", "200ms")
	v.SetDefault("oriental.read_timeout", "1s")

	// Pollux
	v.SetDefault("pollux.baud_rate", 19200)
	v.SetDefault("pollux.serial_numbers", []int{4030163, 4030164})
	v.SetDefault("pollux.settle", "1s")
	v.SetDefault("pollux.command_delay", "100ms")
	v.SetDefault("pollux.status_delay", "200ms")
	v.SetDefault("pollux.poll_gap", "100ms")
	v.SetDefault("pollux.min_position", 0.0)
	v.SetDefault("pollux.max_position", 50.0)
	v.SetDefault("pollux.tolerance", 1e-8)
	v.SetDefault("pollux.read_timeout", "1s")

	// 集线器
	v.SetDefault("hub.home_poll_interval", "1s")
	v.SetDefault("hub.oriental_wait", true)

	// 日志
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "stage-motors.log")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Oriental.BaudRate <= 0 || c.Pollux.BaudRate <= 0 {
		return errors.New(errors.ErrConfigValidate, "baud rate must be positive")
	}
	if c.Oriental.Labels == "" {
		return errors.New(errors.ErrConfigValidate, "oriental.labels must not be empty")
	}
	if c.Oriental.LabelAttempts < 1 {
		return errors.New(errors.ErrConfigValidate, "oriental.label_attempts must be at least 1")
	}
	if c.Pollux.MinPosition >= c.Pollux.MaxPosition {
		return errors.Newf(errors.ErrConfigValidate, "pollux position range [%g, %g] is empty",
			c.Pollux.MinPosition, c.Pollux.MaxPosition)
	}
	if len(c.Pollux.SerialNumbers) == 0 {
		return errors.New(errors.ErrConfigValidate, "pollux.serial_numbers must not be empty")
	}
	for _, d := range c.Discovery.Devices {
		if d.Path == "" {
			return errors.New(errors.ErrConfigValidate, "discovery.devices entry without path")
		}
	}
	return nil
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Watch 监听配置文件变化
func Watch(callback func(*Config)) {
	if v == nil {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		newCfg := &Config{}
		if err := v.Unmarshal(newCfg); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			fmt.Printf("配置重载失败: %v\n", err)
			return
		}

		mu.Lock()
		cfg = newCfg
		mu.Unlock()

		if callback != nil {
			callback(newCfg)
		}
	})
	v.WatchConfig()
}
