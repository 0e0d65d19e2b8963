// Package hardware unifies the two stage controller families behind four
// logical axes: 0 and 1 are the Oriental X and Y units, 2 and 3 are the two
// axes of the Pollux controller.
package hardware

import (
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/stage-motors/internal/config"
	"github.com/wfunc/stage-motors/internal/discovery"
	"github.com/wfunc/stage-motors/internal/hardware/oriental"
	"github.com/wfunc/stage-motors/internal/hardware/pollux"
	"github.com/wfunc/stage-motors/internal/logger"
	"go.uber.org/zap"
)

// Sentinel 无效轴号或未发现设备时的返回值
const Sentinel = -1.0

// AxisCount 逻辑轴数量
const AxisCount = 4

// 控制器类型
const (
	FamilyOriental = "oriental"
	FamilyPollux   = "pollux"
)

// MotorHub 电机集线器
type MotorHub struct {
	cfg    *config.Config
	logger *zap.Logger

	devices      []discovery.Device
	devicesFound bool

	bus    *oriental.Bus
	axes   [2]*oriental.Axis
	pollux *pollux.Controller

	initMu      sync.Mutex // 串行化Initialize
	mu          sync.RWMutex
	initialized bool
	aborted     atomic.Bool
}

// HubOption 集线器选项
type HubOption func(*hubOptions)

type hubOptions struct {
	oriental []oriental.Option
	pollux   []pollux.Option
}

// WithOrientalOptions 传给Oriental总线的选项
func WithOrientalOptions(opts ...oriental.Option) HubOption {
	return func(o *hubOptions) {
		o.oriental = append(o.oriental, opts...)
	}
}

// WithPolluxOptions 传给Pollux控制器的选项
func WithPolluxOptions(opts ...pollux.Option) HubOption {
	return func(o *hubOptions) {
		o.pollux = append(o.pollux, opts...)
	}
}

// NewMotorHub 根据发现的设备创建集线器。
// 需要恰好一个Pollux设备和X、Y两个Oriental设备，否则所有操作都返回Sentinel
func NewMotorHub(cfg *config.Config, devices []discovery.Device, opts ...HubOption) *MotorHub {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &hubOptions{}
	for _, opt := range opts {
		opt(o)
	}

	h := &MotorHub{
		cfg:     cfg,
		logger:  logger.WithModule("hub"),
		devices: append([]discovery.Device(nil), devices...),
	}

	px := discovery.Find(devices, discovery.RolePollux)
	xs := discovery.Find(devices, discovery.RoleOrientalX)
	ys := discovery.Find(devices, discovery.RoleOrientalY)
	h.devicesFound = len(px) == 1 && len(xs) == 1 && len(ys) == 1
	if !h.devicesFound {
		h.logger.Warn("未找到全部电机设备",
			zap.Int("pollux", len(px)),
			zap.Int("oriental_x", len(xs)),
			zap.Int("oriental_y", len(ys)))
		return h
	}

	h.bus = oriental.NewBus(orientalConfig(cfg.Oriental), o.oriental...)
	h.axes[0] = h.bus.NewAxis("X", xs[0].Path)
	h.axes[1] = h.bus.NewAxis("Y", ys[0].Path)
	h.pollux = pollux.New(px[0].Path, polluxConfig(cfg.Pollux), o.pollux...)

	h.logger.Info("电机设备已找到",
		zap.String("pollux", px[0].Path),
		zap.String("oriental_x", xs[0].Path),
		zap.String("oriental_y", ys[0].Path))
	return h
}

func orientalConfig(c config.OrientalConfig) oriental.Config {
	return oriental.Config{
		BaudRate:      c.BaudRate,
		Labels:        c.Labels,
		LabelAttempts: c.LabelAttempts,
		QueryDelay:    c.QueryDelay,
		PollInterval:  c.PollInterval,
		ReadTimeout:   c.ReadTimeout,
	}
}

func polluxConfig(c config.PolluxConfig) pollux.Config {
	return pollux.Config{
		BaudRate:      c.BaudRate,
		SerialNumbers: c.SerialNumbers,
		Settle:        c.Settle,
		CommandDelay:  c.CommandDelay,
		StatusDelay:   c.StatusDelay,
		PollGap:       c.PollGap,
		MinPosition:   c.MinPosition,
		MaxPosition:   c.MaxPosition,
		Tolerance:     c.Tolerance,
		ReadTimeout:   c.ReadTimeout,
	}
}

// DevicesFound 构造时是否找到全部设备
func (h *MotorHub) DevicesFound() bool {
	return h.devicesFound
}

// Initialized 是否已完成初始化
func (h *MotorHub) Initialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.initialized
}

func (h *MotorHub) setInitialized(v bool) {
	h.mu.Lock()
	h.initialized = v
	h.mu.Unlock()
}

// Initialize 校准Pollux两轴，再让Oriental两轴回原点并等待结束。
// 失败只记录日志，调用方通过Initialized查询结果。重复调用不做任何操作
func (h *MotorHub) Initialize() {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	if !h.devicesFound || h.Initialized() || h.aborted.Load() {
		return
	}

	log := h.logger.With(zap.String("op_id", uuid.NewString()))
	start := time.Now()

	log.Info("Pollux电机初始化...")
	if err := h.initPollux(log); err != nil {
		log.Error("Pollux电机初始化失败", zap.Error(err))
		h.setInitialized(false)
		return
	}
	log.Info("Pollux电机初始化完成")

	if h.aborted.Load() {
		log.Warn("初始化已中止")
		h.setInitialized(false)
		return
	}

	log.Info("Oriental电机初始化（回原点需要一段时间）...")
	if err := h.initOriental(log); err != nil {
		log.Error("Oriental电机初始化失败", zap.Error(err))
		h.setInitialized(false)
		return
	}
	log.Info("Oriental电机初始化完成")

	// Abort可能在最后一步之后关闭了链路
	h.mu.Lock()
	h.initialized = h.linksOpen()
	ok := h.initialized
	h.mu.Unlock()
	if !ok {
		log.Warn("初始化期间链路已关闭")
		return
	}
	log.Info("电机初始化完成", zap.Duration("elapsed", time.Since(start)))
}

func (h *MotorHub) linksOpen() bool {
	return h.axes[0].Connected() && h.axes[1].Connected() &&
		h.pollux.Connected(1) && h.pollux.Connected(2)
}

// initPollux 已成功的轴保持连接，不回滚
func (h *MotorHub) initPollux(log *zap.Logger) error {
	if err := h.pollux.Open(); err != nil {
		return err
	}
	for axis := 1; axis <= 2; axis++ {
		if err := h.pollux.ConnectAxis(axis); err != nil {
			return err
		}
		if err := h.pollux.Clear(axis); err != nil {
			return err
		}
		log.Info("Pollux电机校准...", zap.Int("axis", axis))
		if err := h.pollux.Calibrate(axis); err != nil {
			return err
		}
		log.Info("Pollux电机测量行程...", zap.Int("axis", axis))
		if err := h.pollux.RangeMeasure(axis); err != nil {
			return err
		}
	}
	return nil
}

func (h *MotorHub) initOriental(log *zap.Logger) error {
	for _, a := range h.axes {
		if err := a.Connect(); err != nil {
			return err
		}
	}
	if err := h.axes[0].Init(h.cfg.Oriental.TravelLimitX); err != nil {
		return err
	}
	if err := h.axes[1].Init(h.cfg.Oriental.TravelLimitY); err != nil {
		return err
	}

	log.Info("等待Oriental电机回到原点...")
	for {
		movingX, err := h.axes[0].Moving()
		if err != nil {
			return err
		}
		movingY, err := h.axes[1].Moving()
		if err != nil {
			return err
		}
		x, err := h.axes[0].Position()
		if err != nil {
			return err
		}
		y, err := h.axes[1].Position()
		if err != nil {
			return err
		}
		log.Info("Oriental电机位置", zap.Float64("x", x), zap.Float64("y", y))

		time.Sleep(h.cfg.Hub.HomePollInterval)
		if !movingX && !movingY {
			return nil
		}
	}
}

// target 逻辑轴对应的控制器
type target struct {
	om     *oriental.Axis
	pxAxis int
}

func (h *MotorHub) resolve(n int) (target, bool) {
	if !h.devicesFound {
		return target{}, false
	}
	switch n {
	case 0, 1:
		return target{om: h.axes[n]}, true
	case 2, 3:
		return target{pxAxis: n - 1}, true
	}
	return target{}, false
}

func (h *MotorHub) opLogger(op string, n int) *zap.Logger {
	return h.logger.With(
		zap.String("op_id", uuid.NewString()),
		zap.String("op", op),
		zap.Int("axis", n))
}

// Position 读取逻辑轴位置
func (h *MotorHub) Position(n int) (float64, error) {
	t, ok := h.resolve(n)
	if !ok {
		return Sentinel, nil
	}
	if t.om != nil {
		return t.om.Position()
	}
	return h.pollux.GetPosition2(t.pxAxis)
}

// MoveAbsolute 移动到绝对位置，返回移动后的位置。Oriental轴的目标取整
func (h *MotorHub) MoveAbsolute(n int, pos float64) (float64, error) {
	t, ok := h.resolve(n)
	if !ok {
		return Sentinel, nil
	}
	log := h.opLogger("move_absolute", n)
	log.Debug("开始移动", zap.Float64("target", pos))

	var (
		result float64
		err    error
	)
	if t.om != nil {
		result, err = t.om.MoveAbsolute(math.Trunc(pos), h.cfg.Hub.OrientalWait)
	} else if err = h.pollux.GoToAbsolutePosition(t.pxAxis, pos); err == nil {
		result, err = h.pollux.GetPosition2(t.pxAxis)
	}
	if err != nil {
		log.Warn("移动失败", zap.Error(err))
		return 0, err
	}
	log.Info("移动完成", zap.Float64("target", pos), zap.Float64("position", result))
	return result, nil
}

// MoveRelative 相对移动，返回移动后的位置。Oriental轴的位移取整
func (h *MotorHub) MoveRelative(n int, delta float64) (float64, error) {
	t, ok := h.resolve(n)
	if !ok {
		return Sentinel, nil
	}
	log := h.opLogger("move_relative", n)
	log.Debug("开始移动", zap.Float64("delta", delta))

	var (
		result float64
		err    error
	)
	if t.om != nil {
		result, err = t.om.MoveRelative(math.Trunc(delta), h.cfg.Hub.OrientalWait)
	} else if err = h.pollux.GoToRelativePosition2(t.pxAxis, delta); err == nil {
		result, err = h.pollux.GetPosition2(t.pxAxis)
	}
	if err != nil {
		log.Warn("移动失败", zap.Error(err))
		return 0, err
	}
	log.Info("移动完成", zap.Float64("delta", delta), zap.Float64("position", result))
	return result, nil
}

// Reset 复位逻辑轴对应的控制器，成功返回0
func (h *MotorHub) Reset(n int) (float64, error) {
	t, ok := h.resolve(n)
	if !ok {
		return Sentinel, nil
	}
	log := h.opLogger("reset", n)

	if t.om != nil {
		reply, err := t.om.Reset()
		if err != nil {
			log.Warn("复位失败", zap.Error(err))
			return 0, err
		}
		log.Info("控制器已复位", zap.String("reply", reply))
		return 0, nil
	}
	if err := h.pollux.Reset(t.pxAxis); err != nil {
		log.Warn("复位失败", zap.Error(err))
		return 0, err
	}
	log.Info("控制器已复位")
	return 0, nil
}

// StopAll 向四个轴发送停止命令，不论是否已初始化，未打开的链路先打开。
// 单个轴失败不影响其余轴，全部错误合并返回
func (h *MotorHub) StopAll() error {
	if !h.devicesFound {
		return nil
	}
	log := h.logger.With(zap.String("op_id", uuid.NewString()))
	log.Warn("停止所有电机...")

	var errs []error
	for _, a := range h.axes {
		if err := a.Connect(); err != nil {
			errs = append(errs, fmt.Errorf("oriental %s: %w", a.Name(), err))
			continue
		}
		reply, err := a.Stop()
		if err != nil {
			errs = append(errs, fmt.Errorf("oriental %s: %w", a.Name(), err))
			continue
		}
		log.Info("Oriental电机已停止", zap.String("axis", a.Name()), zap.String("reply", reply))
	}
	if err := h.pollux.Open(); err != nil {
		errs = append(errs, fmt.Errorf("pollux: %w", err))
	} else {
		for axis := 1; axis <= 2; axis++ {
			if err := h.pollux.StopMotion(axis); err != nil {
				errs = append(errs, fmt.Errorf("pollux axis %d: %w", axis, err))
				continue
			}
			log.Info("Pollux电机已停止", zap.Int("axis", axis))
		}
	}

	err := stderrors.Join(errs...)
	if err != nil {
		log.Error("部分电机停止失败", zap.Error(err))
	}
	return err
}

// AxisStatus 单个逻辑轴的状态
type AxisStatus struct {
	Index     int    `json:"index"`
	Family    string `json:"family"`
	Name      string `json:"name"`
	Path      string `json:"path"`
	Connected bool   `json:"connected"`
}

// HubStatus 集线器状态快照
type HubStatus struct {
	DevicesFound bool               `json:"devices_found"`
	Initialized  bool               `json:"initialized"`
	Devices      []discovery.Device `json:"devices"`
	Axes         []AxisStatus       `json:"axes,omitempty"`
}

// Status 返回状态快照，不等待总线空闲
func (h *MotorHub) Status() HubStatus {
	s := HubStatus{
		DevicesFound: h.devicesFound,
		Initialized:  h.Initialized(),
		Devices:      append([]discovery.Device(nil), h.devices...),
	}
	if !h.devicesFound {
		return s
	}
	for i, a := range h.axes {
		s.Axes = append(s.Axes, AxisStatus{
			Index:     i,
			Family:    FamilyOriental,
			Name:      a.Name(),
			Path:      a.Path(),
			Connected: a.Connected(),
		})
	}
	for axis := 1; axis <= 2; axis++ {
		s.Axes = append(s.Axes, AxisStatus{
			Index:     axis + 1,
			Family:    FamilyPollux,
			Name:      fmt.Sprintf("%d", axis),
			Path:      h.pollux.Path(),
			Connected: h.pollux.Connected(axis),
		})
	}
	return s
}

// Close 关闭全部串口，之后需要重新Initialize。会等待进行中的Initialize结束
func (h *MotorHub) Close() error {
	h.initMu.Lock()
	defer h.initMu.Unlock()
	return h.closeLinks()
}

// Abort 停止所有电机并立即关闭串口，不等待进行中的Initialize。
// 初始化会在下一条命令处失败，之后不能再初始化
func (h *MotorHub) Abort() error {
	h.aborted.Store(true)
	stopErr := h.StopAll()
	return stderrors.Join(stopErr, h.closeLinks())
}

func (h *MotorHub) closeLinks() error {
	if !h.devicesFound {
		return nil
	}
	var errs []error
	for _, a := range h.axes {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("oriental %s: %w", a.Name(), err))
		}
	}
	if err := h.pollux.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pollux: %w", err))
	}
	h.setInitialized(false)
	h.logger.Info("电机串口已关闭")
	return stderrors.Join(errs...)
}
