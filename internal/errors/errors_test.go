package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrValidation)
	suite.NotNil(err)
	suite.Equal(ErrValidation, err.Code)
	suite.Equal("参数校验失败", err.Message)
	suite.Empty(err.Details)

	// 多个详情
	err = New(ErrTransport, "写入失败", "端口: /dev/ttyUSB0")
	suite.Equal("写入失败; 端口: /dev/ttyUSB0", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrValidation, "position %.1f outside [%.1f, %.1f]", 60.0, 0.0, 50.0)
	suite.Equal(ErrValidation, err.Code)
	suite.Equal("position 60.0 outside [0.0, 50.0]", err.Details)
}

// 测试设备错误
func (suite *ErrorsTestSuite) TestNewDevice() {
	err := NewDevice(1004, "Position range exceeded")
	suite.Equal(ErrDevice, err.Code)
	suite.Equal(1004, err.DeviceCode)
	suite.Equal("1004 Position range exceeded", err.Details)

	suite.Equal(1004, DeviceCode(fmt.Errorf("move: %w", err)))
	suite.Equal(0, DeviceCode(New(ErrProtocol)))
	suite.Equal(0, DeviceCode(nil))
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("input/output error")
	wrappedErr := Wrap(originalErr, ErrTransport)
	suite.Equal(ErrTransport, wrappedErr.Code)
	suite.Equal("input/output error", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 包装已有的AppError，保留原始错误码
	appErr := New(ErrProtocol, "no device responding")
	wrappedAppErr := Wrap(appErr, ErrTransport, "connect")
	suite.Equal(ErrProtocol, wrappedAppErr.Code)
	suite.Contains(wrappedAppErr.Details, "connect")
	suite.Equal("no device responding", appErr.Details)
	suite.NotSame(appErr, wrappedAppErr)
}

// 合并的错误整体作为原因
func (suite *ErrorsTestSuite) TestWrapJoined() {
	x := New(ErrProtocol, "close x")
	p := New(ErrTransport, "close pollux")
	wrapped := Wrap(errors.Join(x, p), ErrTransport, "关闭串口失败")

	suite.Equal(ErrTransport, wrapped.Code)
	suite.Contains(wrapped.Details, "关闭串口失败")
	suite.Contains(wrapped.Details, "close x")
	suite.Contains(wrapped.Details, "close pollux")
	suite.Equal("close x", x.Details)
	suite.True(Is(wrapped, ErrProtocol))
	suite.True(Is(wrapped, ErrTransport))
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("permission denied")
	wrappedErr := Wrapf(originalErr, ErrTransport, "open %s", "/dev/ttyUSB1")
	suite.Equal(ErrTransport, wrappedErr.Code)
	suite.Equal("open /dev/ttyUSB1", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrConsistency)
	suite.True(Is(err, ErrConsistency))
	suite.False(Is(err, ErrDevice))
	suite.False(Is(nil, ErrConsistency))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	// 经过%w包装后仍可识别
	suite.True(Is(fmt.Errorf("axis 1: %w", err), ErrConsistency))

	// 合并错误的每个成员都参与判断
	joined := errors.Join(
		fmt.Errorf("oriental X: %w", New(ErrProtocol, "no label negotiated")),
		fmt.Errorf("pollux axis 1: %w", New(ErrTransport, "port not open")),
		fmt.Errorf("pollux axis 2: %w", NewDevice(1100, "Limit switches state")),
	)
	suite.True(Is(joined, ErrProtocol))
	suite.True(Is(joined, ErrTransport))
	suite.True(Is(joined, ErrDevice))
	suite.False(Is(joined, ErrConsistency))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrProtocol, GetCode(New(ErrProtocol)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrProtocol,
		Message: "设备协议错误",
	}
	suite.Equal("[3100] 设备协议错误", err.Error())

	err.Details = "unexpected status reply"
	suite.Equal("[3100] 设备协议错误: unexpected status reply", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	suite.Equal(originalErr, Wrap(originalErr, ErrUnknown).Unwrap())
	suite.Nil(New(ErrUnknown).Unwrap())
}

// 测试HTTP状态码映射
func (suite *ErrorsTestSuite) TestHTTPStatus() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrValidation, 400},
		{ErrNotFound, 404},
		{ErrNotInitialized, 409},
		{ErrDevice, 422},
		{ErrConsistency, 422},
		{ErrTransport, 502},
		{ErrProtocol, 502},
		{ErrUnknown, 500},
	}

	for _, tc := range testCases {
		suite.Equal(tc.expected, New(tc.code).HTTPStatus(), "错误码 %d", tc.code)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	suite.True(IsRetryable(New(ErrTransport)))
	suite.True(IsRetryable(New(ErrProtocol)))
	suite.False(IsRetryable(New(ErrDevice)))
	suite.False(IsRetryable(New(ErrValidation)))
	suite.False(IsRetryable(nil))
}

// 测试调用栈捕获
func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.NotEmpty(err.Stack)
	suite.NotEmpty(err.GetStack())
}

// 测试错误响应
func (suite *ErrorsTestSuite) TestErrorResponse() {
	err := New(ErrTransport, "write failed")
	response := NewErrorResponse(err, "req-123")

	suite.False(response.Success)
	suite.True(response.Retryable)
	suite.Equal(err, response.Error)
	suite.Equal("req-123", response.RequestID)
	suite.Greater(response.Timestamp, int64(0))
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
