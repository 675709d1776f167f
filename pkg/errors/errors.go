// Package errors 提供统一错误辅助，不依赖 internal
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误分类，闭集；HTTP 映射与事件 payload 均使用该字符串
type Kind string

const (
	KindValidation         Kind = "validation"
	KindLaneSaturated      Kind = "lane_saturated"
	KindNotOwner           Kind = "not_owner"
	KindNotFound           Kind = "not_found"
	KindToolInvalidArgs    Kind = "tool_invalid_arguments"
	KindToolBudgetExceeded Kind = "tool_budget_exceeded"
	KindGatewayFailure     Kind = "gateway_failure"
	KindTransient          Kind = "transient"
	KindInternal           Kind = "internal"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrNotOwner      = &Error{Kind: KindNotOwner, Message: "not owner"}
	ErrLaneSaturated = &Error{Kind: KindLaneSaturated, Message: "lane saturated"}
	ErrLockHeld      = errors.New("lock held")
	ErrInvalidArg    = &Error{Kind: KindValidation, Message: "invalid argument"}
)

// Error 携带 Kind 的错误；Message 面向调用方，保持简短、不含敏感内容
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is 让哨兵比较按 Kind 生效：errors.Is(err, ErrNotFound)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New 创建指定分类的错误
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Newf 带格式的 New
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// WrapKind 包装错误并赋予分类，保留 %w 链
func WrapKind(err error, kind Kind, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, cause: err}
}

// KindOf 取错误分类；未标记的错误一律视为 internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf 取面向调用方的简短消息；未标记错误返回固定文案避免泄漏内部细节
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus Kind 到 HTTP 状态码的映射
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindLaneSaturated:
		return http.StatusTooManyRequests
	case KindNotOwner:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
