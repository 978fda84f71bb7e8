package errors

import (
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
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrNotFound     ErrorCode = 1002
	ErrTimeout      ErrorCode = 1003
	ErrCanceled     ErrorCode = 1004

	// 配置错误 (2000-2999)
	ErrConfigLoad          ErrorCode = 2000
	ErrConfigParse         ErrorCode = 2001
	ErrConfigValidate      ErrorCode = 2002
	ErrConfigMissing       ErrorCode = 2003
	ErrTargetUnreachable   ErrorCode = 2004
	ErrCoilEnableForbidden ErrorCode = 2005

	// 硬件错误 (3000-3999)
	ErrSerialPortOpen  ErrorCode = 3000
	ErrSerialPortWrite ErrorCode = 3001
	ErrSerialPortRead  ErrorCode = 3002
	ErrSerialTimeout   ErrorCode = 3003
	ErrDeviceOffline   ErrorCode = 3004
	ErrCommandFailed   ErrorCode = 3005
	ErrInvalidResponse ErrorCode = 3006
	ErrCommandNAK      ErrorCode = 3007

	// 开关错误 (4000-4999)
	ErrUnknownSwitch  ErrorCode = 4000
	ErrHandlerRemoved ErrorCode = 4001

	// 线圈错误 (5000-5999)
	ErrUnknownCoil ErrorCode = 5000
	ErrCoilStalled ErrorCode = 5001

	// 存球设备错误 (6000-6999)
	ErrDeviceEmpty     ErrorCode = 6000
	ErrEjectInProgress ErrorCode = 6001
	ErrEjectTimeout    ErrorCode = 6002
	ErrBallLost        ErrorCode = 6003
	ErrDeviceStalled   ErrorCode = 6004
	ErrDeviceFull      ErrorCode = 6005

	// 路由/找球错误 (7000-7999)
	ErrNoRoute          ErrorCode = 7000
	ErrInvariantBroken  ErrorCode = 7001
	ErrSearchExhausted  ErrorCode = 7002
	ErrNoBallsAvailable ErrorCode = 7003

	// 数据库错误 (8000-8999)
	ErrDatabaseConnect ErrorCode = 8000
	ErrDatabaseQuery   ErrorCode = 8001
	ErrDatabaseInsert  ErrorCode = 8002
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	// 通用错误
	ErrUnknown:      "未知错误",
	ErrInvalidParam: "无效的参数",
	ErrNotFound:     "资源未找到",
	ErrTimeout:      "操作超时",
	ErrCanceled:     "操作已取消",

	// 配置错误
	ErrConfigLoad:          "配置加载失败",
	ErrConfigParse:         "配置解析失败",
	ErrConfigValidate:      "配置验证失败",
	ErrConfigMissing:       "配置项缺失",
	ErrTargetUnreachable:   "弹射目标不可达",
	ErrCoilEnableForbidden: "线圈不允许持续通电",

	// 硬件错误
	ErrSerialPortOpen:  "串口打开失败",
	ErrSerialPortWrite: "串口写入失败",
	ErrSerialPortRead:  "串口读取失败",
	ErrSerialTimeout:   "串口通信超时",
	ErrDeviceOffline:   "控制板离线",
	ErrCommandFailed:   "命令执行失败",
	ErrInvalidResponse: "无效的设备响应",
	ErrCommandNAK:      "控制板拒绝命令",

	// 开关错误
	ErrUnknownSwitch:  "开关未注册",
	ErrHandlerRemoved: "开关处理器已移除",

	// 线圈错误
	ErrUnknownCoil: "线圈未注册",
	ErrCoilStalled: "线圈所属设备已停用",

	// 存球设备错误
	ErrDeviceEmpty:     "设备中没有球",
	ErrEjectInProgress: "弹射尚未完成",
	ErrEjectTimeout:    "弹射确认超时",
	ErrBallLost:        "球已丢失",
	ErrDeviceStalled:   "设备已停用",
	ErrDeviceFull:      "设备已满",

	// 路由/找球错误
	ErrNoRoute:          "没有可用的弹射路径",
	ErrInvariantBroken:  "球数不一致",
	ErrSearchExhausted:  "找球失败",
	ErrNoBallsAvailable: "没有可用的球",

	// 数据库错误
	ErrDatabaseConnect: "数据库连接失败",
	ErrDatabaseQuery:   "数据库查询失败",
	ErrDatabaseInsert:  "数据库插入失败",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
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

// WithDetails 添加详细信息
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
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

	// 捕获调用栈
	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	if appErr, ok := err.(*AppError); ok {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr := New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}

	return ErrUnknown
}

// IsConfiguration 判断是否为配置类错误（启动前致命）
func IsConfiguration(err error) bool {
	code := GetCode(err)
	return code >= 2000 && code <= 2999
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
				strings.Contains(frame.Function, "github.com/wfunc/pinball-machine/internal/errors") {
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

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
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

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrTimeout,
		ErrSerialTimeout,
		ErrEjectTimeout,
		ErrDeviceOffline,
		ErrDatabaseConnect:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	code := GetCode(err)
	switch code {
	case ErrSerialPortOpen,
		ErrConfigLoad,
		ErrConfigMissing,
		ErrConfigValidate,
		ErrTargetUnreachable,
		ErrCoilEnableForbidden:
		return true
	default:
		return false
	}
}

// FaultRecord 持久故障记录（提供给诊断接口）
type FaultRecord struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details"`
	Device    string    `json:"device,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// NewFaultRecord 创建故障记录
func NewFaultRecord(err *AppError, device string) *FaultRecord {
	return &FaultRecord{
		Code:      err.Code,
		Message:   err.Message,
		Details:   err.Details,
		Device:    device,
		Timestamp: time.Now().Unix(),
	}
}
