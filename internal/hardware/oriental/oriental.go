// Package oriental drives Oriental Motor EZS-series stage controllers over
// their line-oriented ASCII protocol. Both stage axes hang off one bus lock.
package oriental

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware/serial"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// Config 控制器通信参数
type Config struct {
	BaudRate      int
	Labels        string        // 依次尝试的设备标签
	LabelAttempts int           // 每个标签的尝试次数
	QueryDelay    time.Duration // 查询位置前的等待
	PollInterval  time.Duration // 等待运动完成时的轮询间隔
	ReadTimeout   time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		BaudRate:      9600,
		Labels:        "01",
		LabelAttempts: 2,
		QueryDelay:    200 * time.Millisecond,
		PollInterval:  200 * time.Millisecond,
		ReadTimeout:   serial.DefaultIdleTimeout,
	}
}

// Opener 打开设备链路
type Opener func(path string) (*serial.Link, error)

// Bus 同一物理总线上的控制器共用一把锁
type Bus struct {
	mu     sync.Mutex
	cfg    Config
	open   Opener
	logger *zap.Logger
}

// Option 总线选项
type Option func(*Bus)

// WithOpener 替换链路打开方式
func WithOpener(open Opener) Option {
	return func(b *Bus) {
		b.open = open
	}
}

// NewBus 创建总线
func NewBus(cfg Config, opts ...Option) *Bus {
	b := &Bus{
		cfg:    cfg,
		logger: logger.WithModule("oriental"),
	}
	b.open = func(path string) (*serial.Link, error) {
		return serial.Open(serial.Config{
			Name:        path,
			BaudRate:    b.cfg.BaudRate,
			IdleTimeout: b.cfg.ReadTimeout,
		})
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewAxis 在总线上创建一个轴，name仅用于日志
func (b *Bus) NewAxis(name, path string) *Axis {
	return &Axis{
		bus:    b,
		name:   name,
		path:   path,
		logger: b.logger.With(zap.String("axis", name), zap.String("port", path)),
	}
}

// Axis 单个EZS控制器
type Axis struct {
	bus    *Bus
	name   string
	path   string
	logger *zap.Logger

	link      *serial.Link
	label     byte
	version   string
	connected atomic.Bool // 不加锁读取，状态查询不等待总线
}

// Name 轴名称
func (a *Axis) Name() string { return a.name }

// Path 设备路径
func (a *Axis) Path() string { return a.path }

// Connected 是否已完成标签协商
func (a *Axis) Connected() bool {
	return a.connected.Load()
}

// Label 协商得到的设备标签，未连接时为0
func (a *Axis) Label() byte {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return a.label
}

// FirmwareVersion 连接时读取的固件版本
func (a *Axis) FirmwareVersion() string {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return a.version
}

// Connect 打开链路并协商设备标签
func (a *Axis) Connect() error {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	if a.link != nil {
		return nil
	}

	link, err := a.bus.open(a.path)
	if err != nil {
		return err
	}

	label, err := a.negotiate(link)
	if err != nil {
		link.Close()
		return err
	}

	a.link = link
	a.label = label
	a.version = a.readVersion()
	a.connected.Store(true)

	a.logger.Info("控制器已连接",
		zap.String("label", string(label)),
		zap.String("version", a.version))

	return nil
}

// negotiate 依次发送 "@<label>\n"，应答中出现 "<label>>" 即为该设备的标签
func (a *Axis) negotiate(link *serial.Link) (byte, error) {
	for i := 0; i < len(a.bus.cfg.Labels); i++ {
		c := a.bus.cfg.Labels[i]
		cmd := "@" + string(c) + "\n"
		prompt := string(c) + ">"
		for attempt := 0; attempt < a.bus.cfg.LabelAttempts; attempt++ {
			if err := link.WriteString(cmd); err != nil {
				return 0, err
			}
			reply, err := link.ReadUntilIdle()
			logger.LogSerialCommand(a.logger, a.path, cmd, string(reply), err)
			if err != nil {
				return 0, err
			}
			if strings.Contains(string(reply), prompt) {
				return c, nil
			}
		}
	}
	return 0, errors.Newf(errors.ErrProtocol, "no device responding on %s", a.path)
}

// readVersion 读取固件版本，失败只记录日志
func (a *Axis) readVersion() string {
	cmd := "@" + string(a.label) + "ver\n"
	if err := a.link.WriteString(cmd); err != nil {
		a.logger.Warn("读取固件版本失败", zap.Error(err))
		return ""
	}
	raw, err := a.link.ReadUntilIdle()
	if err != nil {
		a.logger.Warn("读取固件版本失败", zap.Error(err))
		return ""
	}
	body, err := stripPrompt(string(raw))
	if err != nil {
		a.logger.Warn("固件版本应答无法解析", zap.String("reply", string(raw)))
		return ""
	}
	if i := strings.LastIndex(body, "\r\n"); i >= 0 {
		body = body[i+2:]
	}
	return body
}

// stripPrompt 去掉应答末尾的 "\r\n<label>>"
func stripPrompt(reply string) (string, error) {
	idx := strings.LastIndexByte(reply, '>')
	if idx < 0 {
		return "", errors.Newf(errors.ErrProtocol, "no prompt in reply %q", reply)
	}
	if idx < 3 {
		return "", errors.Newf(errors.ErrProtocol, "truncated prompt in reply %q", reply)
	}
	return reply[:idx-3], nil
}

// command 发送一条命令并返回去掉提示符的应答，调用方需持有总线锁
func (a *Axis) command(cmd string) (string, error) {
	if a.link == nil {
		return "", errors.Newf(errors.ErrProtocol, "axis %s: no label negotiated", a.name)
	}
	if err := a.link.Flush(); err != nil {
		return "", err
	}
	if err := a.link.WriteString(cmd); err != nil {
		return "", err
	}
	raw, err := a.link.ReadUntilIdle()
	if err != nil {
		logger.LogSerialCommand(a.logger, a.path, cmd, string(raw), err)
		return "", err
	}
	reply, err := stripPrompt(string(raw))
	logger.LogSerialCommand(a.logger, a.path, cmd, string(raw), err)
	return reply, err
}

// Command 发送任意命令
func (a *Axis) Command(cmd string) (string, error) {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return a.command(cmd)
}

// Position 读取当前位置（mm）
func (a *Axis) Position() (float64, error) {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return a.position()
}

func (a *Axis) position() (float64, error) {
	time.Sleep(a.bus.cfg.QueryDelay)
	reply, err := a.command("PF\n")
	if err != nil {
		return 0, err
	}
	return parsePosition(reply)
}

// parsePosition 应答形如 "PF= 12.345 mm"，数值位于第4个字符到 "mm" 前的空格之间
func parsePosition(reply string) (float64, error) {
	idx := strings.Index(reply, "mm")
	if idx < 5 {
		return 0, errors.Newf(errors.ErrProtocol, "unexpected position reply %q", reply)
	}
	pos, ok := serial.ScanFloat(reply[4 : idx-1])
	if !ok {
		return 0, errors.Newf(errors.ErrProtocol, "unexpected position reply %q", reply)
	}
	return pos, nil
}

// Init 设置原点方式和行程上限，然后开始回原点（不等待）
func (a *Axis) Init(travelLimit int) error {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	cmd := fmt.Sprintf("HOMETYP=12; ECHO=0; LIMP=%d; LIMN=0; SLACT=1; VS=1; VR=100; TA=3; TD=3\n", travelLimit)
	if _, err := a.command(cmd); err != nil {
		return err
	}
	return a.home(false)
}

// Home 回原点；wait为true时阻塞到到位
func (a *Axis) Home(wait bool) error {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()
	return a.home(wait)
}

// home 到位条件：位置为0，且此前出现过负位置（越过原点传感器后回到0）
func (a *Axis) home(wait bool) error {
	if _, err := a.command("MGHP\n"); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	pos := 1.0
	wentBelowZero := false
	for pos != 0 || !wentBelowZero {
		time.Sleep(a.bus.cfg.PollInterval)
		var err error
		if pos, err = a.position(); err != nil {
			return err
		}
		if pos < 0 {
			wentBelowZero = true
		}
	}
	return nil
}

// MoveAbsolute 移动到绝对位置；wait为false时立即返回0
func (a *Axis) MoveAbsolute(target float64, wait bool) (float64, error) {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	if _, err := a.command("MA " + formatNumber(target) + "\n"); err != nil {
		return 0, err
	}
	if !wait {
		return 0, nil
	}
	return a.waitFor(math.Trunc(target), -1)
}

// MoveRelative 相对移动；wait为false时立即返回0
func (a *Axis) MoveRelative(delta float64, wait bool) (float64, error) {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	oldPos, err := a.position()
	if err != nil {
		return 0, err
	}
	if _, err := a.command("DIS=" + formatNumber(delta) + " ; MI\n"); err != nil {
		return 0, err
	}
	if !wait {
		return 0, nil
	}
	return a.waitFor(math.Trunc(oldPos+delta), -1)
}

// waitFor 轮询直到位置取整后等于goal，无总超时
func (a *Axis) waitFor(goal, pos float64) (float64, error) {
	for math.Trunc(pos) != goal {
		time.Sleep(a.bus.cfg.PollInterval)
		var err error
		if pos, err = a.position(); err != nil {
			return 0, err
		}
	}
	a.logger.Debug("运动完成", zap.Float64("position", pos))
	return pos, nil
}

// Reset 复位控制器，返回原始应答
func (a *Axis) Reset() (string, error) {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	time.Sleep(a.bus.cfg.QueryDelay)
	return a.command("RESET\n")
}

// Version 查询固件版本
func (a *Axis) Version() (string, error) {
	return a.Command("VER\n")
}

// Stop 立即停止运动
func (a *Axis) Stop() (string, error) {
	return a.Command("MSTOP\n")
}

// Moving 查询是否仍在运动
func (a *Axis) Moving() (bool, error) {
	reply, err := a.Command("SIGMOVE\n")
	if err != nil {
		return false, err
	}
	value := reply[strings.Index(reply, "=")+1:]
	return strings.TrimSpace(value) == "1", nil
}

// Close 关闭链路，之后需重新Connect
func (a *Axis) Close() error {
	a.bus.mu.Lock()
	defer a.bus.mu.Unlock()

	if a.link == nil {
		return nil
	}
	err := a.link.Close()
	a.link = nil
	a.label = 0
	a.connected.Store(false)
	return err
}

// formatNumber 6位有效数字，与控制器示例命令的写法一致
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 6, 64)
}
