package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown        ErrorCode = 1000
	ErrValidation     ErrorCode = 1001
	ErrNotFound       ErrorCode = 1002
	ErrNotInitialized ErrorCode = 1003

	// 电机/串口错误 (3000-3999)
	ErrTransport   ErrorCode = 3000
	ErrProtocol    ErrorCode = 3100
	ErrDevice      ErrorCode = 3200
	ErrConsistency ErrorCode = 3300

	// 配置错误 (6000-6999)
	ErrConfigLoad     ErrorCode = 6000
	ErrConfigValidate ErrorCode = 6002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:        "未知错误",
	ErrValidation:     "参数校验失败",
	ErrNotFound:       "资源未找到",
	ErrNotInitialized: "设备未初始化",

	ErrTransport:   "串口传输失败",
	ErrProtocol:    "设备协议错误",
	ErrDevice:      "控制器报告错误",
	ErrConsistency: "位置校验失败",

	ErrConfigLoad:     "配置加载失败",
	ErrConfigValidate: "配置验证失败",
}

// AppError 应用错误结构
type AppError struct {
	Code       ErrorCode    `json:"code"`                  // 错误码
	Message    string       `json:"message"`               // 错误消息
	Details    string       `json:"details"`               // 详细信息
	DeviceCode int          `json:"device_code,omitempty"` // 控制器错误码（仅ErrDevice）
	Cause      error        `json:"-"`                     // 原始错误
	Stack      []StackFrame `json:"stack,omitempty"`       // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// NewDevice 创建携带控制器错误码的设备错误
func NewDevice(deviceCode int, description string) *AppError {
	err := New(ErrDevice, fmt.Sprintf("%d %s", deviceCode, description))
	err.DeviceCode = deviceCode
	return err
}

// Wrap 包装错误。已经是AppError时保留原错误码，返回副本，不修改原错误。
// 合并的错误整体作为原因，不拆成第一个成员
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	_, joined := err.(interface{ Unwrap() []error })
	var appErr *AppError
	if !joined && stderrors.As(err, &appErr) {
		out := *appErr
		if len(details) > 0 {
			out.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return &out
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	} else if joined {
		appErr.Details += "; " + err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误树中是否包含指定错误码，合并错误的每个成员都会检查
func Is(err error, code ErrorCode) bool {
	return stderrors.Is(err, &AppError{Code: code})
}

// Is 错误码相同即匹配，供标准库errors.Is遍历时使用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}

	return ErrUnknown
}

// DeviceCode 获取控制器错误码，非设备错误返回0
func DeviceCode(err error) int {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Code == ErrDevice {
		return appErr.DeviceCode
	}
	return 0
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/stage-motors/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more || len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrValidation:
		return 400
	case ErrNotFound:
		return 404
	case ErrNotInitialized:
		return 409
	case ErrDevice, ErrConsistency:
		return 422
	case ErrTransport, ErrProtocol:
		return 502
	default:
		return 500
	}
}

// IsRetryable 判断错误是否可重试（由调用方决定，驱动层从不重试）
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case ErrTransport, ErrProtocol:
		return true
	default:
		return false
	}
}

// ErrorResponse API错误响应结构
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     *AppError `json:"error,omitempty"`
	Retryable bool      `json:"retryable"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(err *AppError, requestID string) *ErrorResponse {
	return &ErrorResponse{
		Success:   false,
		Error:     err,
		Retryable: IsRetryable(err),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
	}
}
