// Package gwerr 定义网关核心共享的错误分类。每个错误携带稳定的 Code，
// 调用方通过 errors.Is 与哨兵值比较即可判断类别，无需解析文本。
package gwerr

import (
	"errors"
	"fmt"
)

// Code 是错误类别的稳定标识，同时用于 HTTP 层输出的 error 字段。
type Code string

const (
	CodeConflictingEntry            Code = "conflicting-entry"
	CodeConflictingIntegrity        Code = "conflicting-integrity"
	CodeBadPrecachingResponse       Code = "bad-precaching-response"
	CodeMissingPrecacheEntry        Code = "missing-precache-entry"
	CodeNonPrecachedURL             Code = "non-precached-url"
	CodeNoResponse                  Code = "no-response"
	CodeCrossOriginCopyResponse     Code = "cross-origin-copy-response"
	CodeQuotaExceeded               Code = "quota-exceeded"
	CodeUnregisteredRoute           Code = "unregistered-route"
	CodeUnsupportedRouteType        Code = "unsupported-route-type"
	CodePluginErrorRequestWillFetch Code = "plugin-error-request-will-fetch"
)

// Error 是所有网关错误的具体类型。
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is 按 Code 比较，哨兵值与带上下文的实例视为同类。
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// 哨兵值，仅用于 errors.Is 比较。
var (
	ErrConflictingEntry            = &Error{Code: CodeConflictingEntry}
	ErrConflictingIntegrity        = &Error{Code: CodeConflictingIntegrity}
	ErrBadPrecachingResponse       = &Error{Code: CodeBadPrecachingResponse}
	ErrMissingPrecacheEntry        = &Error{Code: CodeMissingPrecacheEntry}
	ErrNonPrecachedURL             = &Error{Code: CodeNonPrecachedURL}
	ErrNoResponse                  = &Error{Code: CodeNoResponse}
	ErrCrossOriginCopyResponse     = &Error{Code: CodeCrossOriginCopyResponse}
	ErrQuotaExceeded               = &Error{Code: CodeQuotaExceeded}
	ErrUnregisteredRoute           = &Error{Code: CodeUnregisteredRoute}
	ErrUnsupportedRouteType        = &Error{Code: CodeUnsupportedRouteType}
	ErrPluginErrorRequestWillFetch = &Error{Code: CodePluginErrorRequestWillFetch}
)

// New 创建指定类别的错误，message 支持 fmt 格式化。
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 在保留底层错误链的前提下附加类别。
func Wrap(code Code, err error, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf 返回错误链中第一个网关错误的 Code，找不到时返回空字符串。
func CodeOf(err error) Code {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return ""
}
