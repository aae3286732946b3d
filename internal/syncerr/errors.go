// Package syncerr 定义同步引擎的错误分类
// 各组件返回的错误都应该能被归入其中一类，调度器据此决定是否重试、是否提示重新登录
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind int

const (
	KindUnknown             Kind = iota // 无法归类 (包括 context 取消)
	KindAuthExpired                     // 会话凭证过期或无效，需要重新登录，核心不重试
	KindNetworkTransient                // 网络抖动、超时、5xx，可在本轮内有限重试
	KindLocalIO                         // 本地磁盘错误 (空间不足、权限等)，按条目上报
	KindCatalogInconsistent             // 远端目录结构异常或整门课程不可达
)

func (k Kind) String() string {
	switch k {
	case KindAuthExpired:
		return "auth_expired"
	case KindNetworkTransient:
		return "network_transient"
	case KindLocalIO:
		return "local_io"
	case KindCatalogInconsistent:
		return "catalog_inconsistent"
	default:
		return "unknown"
	}
}

// Error 带类别的错误
type Error struct {
	Kind Kind
	Op   string // 出错的操作，用于日志
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Auth 标记为凭证失效
func Auth(op string, err error) error { return wrap(KindAuthExpired, op, err) }

// Transient 标记为可重试的网络错误
func Transient(op string, err error) error { return wrap(KindNetworkTransient, op, err) }

// LocalIO 标记为本地 IO 错误
func LocalIO(op string, err error) error { return wrap(KindLocalIO, op, err) }

// Catalog 标记为远端目录异常
func Catalog(op string, err error) error { return wrap(KindCatalogInconsistent, op, err) }

// KindOf 返回错误链上第一个带类别的错误的类别
// context 取消一律视为 Unknown，避免退出时被当作网络错误重试
func KindOf(err error) Kind {
	if err == nil || errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsAuth 是否为凭证失效
func IsAuth(err error) bool {
	return KindOf(err) == KindAuthExpired
}

// IsRetryable 只有网络类错误值得重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindNetworkTransient
}
