// Package pollux drives a MICOS Pollux two-axis controller. Commands are
// space-terminated tokens in reverse notation ("<value> <axis> <verb> ").
package pollux

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware/serial"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// 控制器错误码
const (
	ErrStackUnderrun      = 1002
	ErrParameterRange     = 1003
	ErrPositionRange      = 1004
	ErrStackFull          = 1009
	ErrInputBufferFull    = 1010
	ErrLimitSetting       = 1015
	ErrLimitSwitchesState = 1100
	ErrUnknownCommand     = 2000
)

// Config 控制器通信参数
type Config struct {
	BaudRate      int
	SerialNumbers []int         // 允许的控制器序列号
	Settle        time.Duration // 打开串口后的等待
	CommandDelay  time.Duration // 命令与读取之间的等待
	StatusDelay   time.Duration // 查询状态后的等待
	PollGap       time.Duration // 两次状态查询之间的额外等待
	MinPosition   float64
	MaxPosition   float64
	Tolerance     float64 // 二次校验允许的定位误差（mm）
	ReadTimeout   time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		BaudRate:      19200,
		SerialNumbers: []int{4030163, 4030164},
		Settle:        time.Second,
		CommandDelay:  100 * time.Millisecond,
		StatusDelay:   200 * time.Millisecond,
		PollGap:       100 * time.Millisecond,
		MinPosition:   0,
		MaxPosition:   50,
		Tolerance:     1e-8,
		ReadTimeout:   serial.DefaultIdleTimeout,
	}
}

// Opener 打开设备链路
type Opener func(path string) (*serial.Link, error)

// Option 控制器选项
type Option func(*Controller)

// WithOpener 替换链路打开方式
func WithOpener(open Opener) Option {
	return func(c *Controller) {
		c.open = open
	}
}

// Controller 一个Pollux控制器，两个轴共用一条链路和一把锁
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	path      string
	open      Opener
	link      *serial.Link
	connected [2]atomic.Bool // 不加锁读取，状态查询不等待总线
	logger    *zap.Logger
}

// New 创建控制器
func New(path string, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		path:   path,
		logger: logger.WithModule("pollux").With(zap.String("port", path)),
	}
	c.open = func(path string) (*serial.Link, error) {
		return serial.Open(serial.Config{
			Name:        path,
			BaudRate:    c.cfg.BaudRate,
			IdleTimeout: c.cfg.ReadTimeout,
			Settle:      c.cfg.Settle,
		})
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path 设备路径
func (c *Controller) Path() string { return c.path }

// Open 打开串口，默认链路打开后等待Settle让控制器就绪
func (c *Controller) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != nil {
		return nil
	}
	link, err := c.open(c.path)
	if err != nil {
		return err
	}
	c.link = link
	return nil
}

// Close 关闭串口，轴需重新校验
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link == nil {
		return nil
	}
	err := c.link.Close()
	c.link = nil
	c.connected[0].Store(false)
	c.connected[1].Store(false)
	return err
}

// Connected 轴是否已通过序列号校验
func (c *Controller) Connected(axis int) bool {
	if checkAxis(axis) != nil {
		return false
	}
	return c.connected[axis-1].Load()
}

func checkAxis(axis int) error {
	if axis < 1 || axis > 2 {
		return errors.Newf(errors.ErrProtocol, "axis must be 1 or 2, got %d", axis)
	}
	return nil
}

func (c *Controller) checkPosition(pos float64) error {
	if pos < c.cfg.MinPosition || pos > c.cfg.MaxPosition {
		return errors.Newf(errors.ErrValidation, "position %g outside [%g, %g]",
			pos, c.cfg.MinPosition, c.cfg.MaxPosition)
	}
	return nil
}

func (c *Controller) ensureLink() error {
	if c.link == nil {
		return errors.Newf(errors.ErrTransport, "%s: communication port not open", c.path)
	}
	return nil
}

// ensureAxis 未校验的轴先做序列号校验
func (c *Controller) ensureAxis(axis int) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if c.connected[axis-1].Load() {
		return nil
	}
	return c.connectAxis(axis)
}

func (c *Controller) send(cmd string) error {
	err := c.link.WriteString(cmd)
	if err != nil {
		logger.LogSerialCommand(c.logger, c.path, cmd, "", err)
	}
	return err
}

// query 发送命令，等待delay后读取应答
func (c *Controller) query(cmd string, delay time.Duration) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", err
	}
	time.Sleep(delay)
	raw, err := c.link.ReadUntilIdle()
	logger.LogSerialCommand(c.logger, c.path, cmd, string(raw), err)
	return string(raw), err
}

// ConnectAxis 读取并校验轴的序列号
func (c *Controller) ConnectAxis(axis int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectAxis(axis)
}

func (c *Controller) connectAxis(axis int) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.link.Flush(); err != nil {
		return err
	}

	reply, err := c.query(fmt.Sprintf("%d getserialno ", axis), c.cfg.CommandDelay)
	if err != nil {
		return err
	}
	serialNo, _ := serial.ScanInt(reply)
	if !c.knownSerial(serialNo) {
		return errors.Newf(errors.ErrProtocol, "axis %d: unknown device serial number %q", axis, strings.TrimSpace(reply))
	}
	time.Sleep(c.cfg.CommandDelay)

	c.connected[axis-1].Store(true)
	c.logger.Info("轴已连接", zap.Int("axis", axis), zap.Int("serial_no", serialNo))
	return nil
}

func (c *Controller) knownSerial(n int) bool {
	for _, sn := range c.cfg.SerialNumbers {
		if sn == n {
			return true
		}
	}
	return false
}

// simple 发送无应答的轴命令
func (c *Controller) simple(axis int, verb string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.ensureAxis(axis); err != nil {
		return err
	}
	if err := c.link.Flush(); err != nil {
		return err
	}
	if err := c.send(fmt.Sprintf("%d %s ", axis, verb)); err != nil {
		return err
	}
	time.Sleep(c.cfg.CommandDelay)
	return nil
}

// Reset 复位轴
func (c *Controller) Reset(axis int) error {
	return c.simple(axis, "nreset")
}

// Clear 清空参数栈
func (c *Controller) Clear(axis int) error {
	return c.simple(axis, "nclear")
}

// waitReady 轮询状态直到空闲。首字符既不是0也不是1时立即报错
func (c *Controller) waitReady(axis int, gap time.Duration) error {
	cmd := fmt.Sprintf("%d nstatus ", axis)
	for {
		if err := c.send(cmd); err != nil {
			return err
		}
		time.Sleep(c.cfg.StatusDelay)
		raw, err := c.link.ReadUntilIdle()
		if err != nil {
			return err
		}
		reply := string(raw)
		if !strings.HasPrefix(reply, "0") && !strings.HasPrefix(reply, "1") {
			logger.LogSerialCommand(c.logger, c.path, cmd, reply, nil)
			return errors.Newf(errors.ErrProtocol, "axis %d: unexpected status reply %q", axis, reply)
		}
		time.Sleep(gap)
		if reply[0] == '0' {
			return nil
		}
	}
}

// readError 读取控制器错误码
func (c *Controller) readError(axis int, delay time.Duration) (int, error) {
	reply, err := c.query(fmt.Sprintf("%d getnerror ", axis), delay)
	if err != nil {
		return 0, err
	}
	code, ok := serial.ScanInt(reply)
	if !ok {
		return 0, errors.Newf(errors.ErrProtocol, "axis %d: unexpected error reply %q", axis, reply)
	}
	return code, nil
}

// checkError 非零且不在容忍列表中的错误码转为设备错误
func (c *Controller) checkError(axis, code int, tolerated ...int) error {
	if code <= 0 {
		return nil
	}
	for _, t := range tolerated {
		if code == t {
			c.logger.Warn("忽略控制器错误",
				zap.Int("axis", axis),
				zap.Int("code", code),
				zap.String("error", ErrorString(code)))
			return nil
		}
	}
	return errors.NewDevice(code, ErrorString(code))
}

// action 发送动作命令，等待完成后检查错误码。调用方持有锁且轴已校验
func (c *Controller) action(axis int, cmd string, tolerated ...int) error {
	if err := c.link.Flush(); err != nil {
		return err
	}
	if err := c.send(cmd); err != nil {
		return err
	}
	time.Sleep(c.cfg.CommandDelay)
	if err := c.waitReady(axis, c.cfg.PollGap); err != nil {
		return err
	}
	time.Sleep(c.cfg.CommandDelay)
	code, err := c.readError(axis, c.cfg.CommandDelay)
	if err != nil {
		return err
	}
	return c.checkError(axis, code, tolerated...)
}

func (c *Controller) lockedAction(axis int, cmd string, tolerated ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.ensureAxis(axis); err != nil {
		return err
	}
	return c.action(axis, cmd, tolerated...)
}

// Calibrate 向下限位运动并把该处设为原点
func (c *Controller) Calibrate(axis int) error {
	return c.lockedAction(axis, fmt.Sprintf("%d ncalibrate ", axis), ErrPositionRange)
}

// RangeMeasure 测量行程范围
func (c *Controller) RangeMeasure(axis int) error {
	return c.lockedAction(axis, fmt.Sprintf("%d nrangemeasure ", axis), ErrPositionRange, ErrStackUnderrun)
}

// StopMotion 中止运动
func (c *Controller) StopMotion(axis int) error {
	return c.lockedAction(axis, fmt.Sprintf("%d nabort ", axis), ErrPositionRange)
}

// GoToRelativePosition 相对移动
func (c *Controller) GoToRelativePosition(axis int, delta float64) error {
	return c.lockedAction(axis, fmt.Sprintf("%s %d nrmove ", formatValue(delta), axis), ErrStackFull)
}

// GoToAbsolutePosition 移动到绝对位置，超出范围时不发送任何命令
func (c *Controller) GoToAbsolutePosition(axis int, pos float64) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.checkPosition(pos); err != nil {
		return err
	}
	return c.lockedAction(axis, fmt.Sprintf("%s %d nmove ", formatValue(pos), axis), ErrPositionRange)
}

// readPosition 发送npos并解析应答
func (c *Controller) readPosition(axis int, delay time.Duration) (float64, error) {
	reply, err := c.query(fmt.Sprintf("%d npos ", axis), delay)
	if err != nil {
		return 0, err
	}
	pos, ok := serial.ScanFloat(reply)
	if !ok {
		return 0, errors.Newf(errors.ErrProtocol, "axis %d: unexpected position reply %q", axis, reply)
	}
	return pos, nil
}

// GoToRelativePosition2 清栈后相对移动，并用前后位置校验实际位移
func (c *Controller) GoToRelativePosition2(axis int, delta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.ensureAxis(axis); err != nil {
		return err
	}

	oldPos, err := c.clearAndRead(axis)
	if err != nil {
		return err
	}
	if err := c.send(fmt.Sprintf("%s %d nrmove ", formatValue(delta), axis)); err != nil {
		return err
	}
	if err := c.waitReady(axis, 0); err != nil {
		return err
	}
	code, err := c.readError(axis, 0)
	if err != nil {
		return err
	}
	if err := c.checkError(axis, code); err != nil {
		return err
	}

	newPos, err := c.readPosition(axis, 0)
	if err != nil {
		return err
	}
	if diff := math.Abs((newPos - oldPos) - delta); diff > c.cfg.Tolerance {
		return errors.Newf(errors.ErrConsistency,
			"axis %d: moved %g instead of %g (from %g to %g)", axis, newPos-oldPos, delta, oldPos, newPos)
	}
	return nil
}

// GoToAbsolutePosition2 清栈后绝对移动，并校验到达位置
func (c *Controller) GoToAbsolutePosition2(axis int, pos float64) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.checkPosition(pos); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.ensureAxis(axis); err != nil {
		return err
	}

	oldPos, err := c.clearAndRead(axis)
	if err != nil {
		return err
	}
	if err := c.send(fmt.Sprintf("%s %d nmove ", formatValue(pos), axis)); err != nil {
		return err
	}
	if err := c.waitReady(axis, c.cfg.PollGap); err != nil {
		return err
	}
	code, err := c.readError(axis, 0)
	if err != nil {
		return err
	}
	if err := c.checkError(axis, code, ErrPositionRange); err != nil {
		return err
	}

	newPos, err := c.readPosition(axis, 0)
	if err != nil {
		return err
	}
	if diff := math.Abs(newPos - pos); diff > c.cfg.Tolerance {
		return errors.Newf(errors.ErrConsistency,
			"axis %d: reached %g instead of %g (started at %g)", axis, newPos, pos, oldPos)
	}
	return nil
}

// clearAndRead 清空参数栈后读取位置
func (c *Controller) clearAndRead(axis int) (float64, error) {
	if err := c.link.Flush(); err != nil {
		return 0, err
	}
	if err := c.send(fmt.Sprintf("%d nclear ", axis)); err != nil {
		return 0, err
	}
	return c.readPosition(axis, 0)
}

// GetPosition 读取位置
func (c *Controller) GetPosition(axis int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return 0, err
	}
	if err := c.ensureLink(); err != nil {
		return 0, err
	}
	if err := c.ensureAxis(axis); err != nil {
		return 0, err
	}
	if err := c.link.Flush(); err != nil {
		return 0, err
	}
	pos, err := c.readPosition(axis, c.cfg.CommandDelay)
	if err != nil {
		return 0, err
	}
	time.Sleep(c.cfg.CommandDelay)
	return pos, nil
}

// GetPosition2 清空参数栈后读取位置
func (c *Controller) GetPosition2(axis int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return 0, err
	}
	if err := c.ensureLink(); err != nil {
		return 0, err
	}
	if err := c.ensureAxis(axis); err != nil {
		return 0, err
	}
	return c.clearAndRead(axis)
}

// GetError 读取轴的错误码
func (c *Controller) GetError(axis int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return 0, err
	}
	if err := c.ensureLink(); err != nil {
		return 0, err
	}
	if err := c.ensureAxis(axis); err != nil {
		return 0, err
	}
	if err := c.link.Flush(); err != nil {
		return 0, err
	}
	return c.readError(axis, c.cfg.CommandDelay)
}

// WaitReady 阻塞直到轴空闲
func (c *Controller) WaitReady(axis int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkAxis(axis); err != nil {
		return err
	}
	if err := c.ensureLink(); err != nil {
		return err
	}
	if err := c.ensureAxis(axis); err != nil {
		return err
	}
	if err := c.link.Flush(); err != nil {
		return err
	}
	return c.waitReady(axis, c.cfg.PollGap)
}

// StackSize 参数栈中的参数个数
func (c *Controller) StackSize() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureLink(); err != nil {
		return 0, err
	}
	if err := c.link.Flush(); err != nil {
		return 0, err
	}
	reply, err := c.query("ngsp ", c.cfg.CommandDelay)
	if err != nil {
		return 0, err
	}
	time.Sleep(c.cfg.CommandDelay)
	n, ok := serial.ScanInt(reply)
	if !ok {
		return 0, errors.Newf(errors.ErrProtocol, "unexpected stack size reply %q", reply)
	}
	return n, nil
}

// ErrorString 控制器错误码说明
func ErrorString(code int) string {
	switch code {
	case ErrStackUnderrun:
		return "Parameter stack underrun"
	case ErrParameterRange:
		return "Parameter out of range"
	case ErrPositionRange:
		return "Position range exceeded"
	case ErrStackFull:
		return "Parameter stack lacking space (<10 parameters left)"
	case ErrInputBufferFull:
		return "RS-232 input buffer lacking space (<30 characters left)"
	case ErrLimitSetting:
		return "Limit setting inconsistent"
	case ErrLimitSwitchesState:
		return "Limit switches states inconsistent / both active"
	case ErrUnknownCommand:
		return "Unknown command"
	default:
		return "Unknown error"
	}
}

// formatValue 6位有效数字并保留小数点，如 2.5 -> "2.50000"
func formatValue(v float64) string {
	return fmt.Sprintf("%#.6g", v)
}
