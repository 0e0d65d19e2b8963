package api

import (
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wfunc/stage-motors/internal/errors"
	"github.com/wfunc/stage-motors/internal/hardware"
	"github.com/wfunc/stage-motors/internal/middleware"
	"go.uber.org/zap"
)

// 移动方式
const (
	ModeAbsolute = "absolute"
	ModeRelative = "relative"
)

// MoveRequest 移动请求
type MoveRequest struct {
	Mode  string   `json:"mode" binding:"required,oneof=absolute relative"`
	Value *float64 `json:"value" binding:"required"`
}

// AxisResponse 单轴操作结果
type AxisResponse struct {
	Axis     int     `json:"axis"`
	Position float64 `json:"position"`
}

// MotorHandler 电机处理器
type MotorHandler struct {
	motors Motors
	logger *zap.Logger
}

// NewMotorHandler 创建电机处理器
func NewMotorHandler(motors Motors, log *zap.Logger) *MotorHandler {
	return &MotorHandler{
		motors: motors,
		logger: log,
	}
}

// Health 健康检查
func (h *MotorHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"devices_found": h.motors.DevicesFound(),
		"initialized":   h.motors.Initialized(),
	})
}

// Status 集线器状态
func (h *MotorHandler) Status(c *gin.Context) {
	ok(c, h.motors.Status())
}

// Initialize 执行初始化，阻塞到完成
func (h *MotorHandler) Initialize(c *gin.Context) {
	if !h.motors.DevicesFound() {
		h.fail(c, errors.New(errors.ErrNotFound, "motor devices not found"))
		return
	}

	h.motors.Initialize()
	if !h.motors.Initialized() {
		h.fail(c, errors.New(errors.ErrNotInitialized, "initialization failed, see logs"))
		return
	}
	ok(c, h.motors.Status())
}

// Position 读取位置
func (h *MotorHandler) Position(c *gin.Context) {
	axis, err := h.axis(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	pos, err := h.motors.Position(axis)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, AxisResponse{Axis: axis, Position: pos})
}

// Move 绝对或相对移动，阻塞到运动完成
func (h *MotorHandler) Move(c *gin.Context) {
	axis, err := h.axis(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	var req MoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Wrap(err, errors.ErrValidation, "参数错误"))
		return
	}

	var pos float64
	if req.Mode == ModeAbsolute {
		pos, err = h.motors.MoveAbsolute(axis, *req.Value)
	} else {
		pos, err = h.motors.MoveRelative(axis, *req.Value)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, AxisResponse{Axis: axis, Position: pos})
}

// Reset 复位控制器
func (h *MotorHandler) Reset(c *gin.Context) {
	axis, err := h.axis(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	if _, err := h.motors.Reset(axis); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"axis": axis})
}

// StopAll 停止所有电机
func (h *MotorHandler) StopAll(c *gin.Context) {
	if err := h.motors.StopAll(); err != nil {
		h.fail(c, err)
		return
	}
	ok(c, nil)
}

// axis 解析路径中的逻辑轴号。无效轴号在这里拒绝，不依赖返回值-1
func (h *MotorHandler) axis(c *gin.Context) (int, error) {
	raw := c.Param("axis")
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Newf(errors.ErrValidation, "invalid axis %q", raw)
	}
	if n < 0 || n >= hardware.AxisCount || !h.motors.DevicesFound() {
		return 0, errors.Newf(errors.ErrNotFound, "axis %d not available", n)
	}
	return n, nil
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// fail 输出统一的错误响应
func (h *MotorHandler) fail(c *gin.Context, err error) {
	appErr := toAppError(err)
	requestID := middleware.GetRequestID(c)

	h.logger.Warn("请求失败",
		zap.String("path", c.Request.URL.Path),
		zap.String("request_id", requestID),
		zap.Error(err))

	c.JSON(appErr.HTTPStatus(), errors.NewErrorResponse(appErr, requestID))
}

// toAppError 合并的错误保留全部信息，错误码取第一个
func toAppError(err error) *errors.AppError {
	var out errors.AppError
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr == err {
		out = *appErr
	} else {
		out = *errors.New(errors.GetCode(err), err.Error())
		out.DeviceCode = errors.DeviceCode(err)
	}
	out.Stack = nil
	return &out
}
