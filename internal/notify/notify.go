// Package notify 同步状态通知边界
// 引擎只发出结构化事件，面向用户的文案由托盘/通知组件自行决定
package notify

import (
	"log/slog"
	"time"
)

// EventType 事件类型
type EventType int

const (
	EventStarted               EventType = iota // 一轮同步开始
	EventCompleted                              // 一轮同步全部成功
	EventCompletedWithFailures                  // 部分成功，Failed 为失败条目数
	EventDownloadError                          // 同步失败，Reason 为原因
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventCompletedWithFailures:
		return "completed_with_failures"
	case EventDownloadError:
		return "download_error"
	default:
		return "unknown"
	}
}

// Event 一次状态事件
type Event struct {
	Type        EventType
	Time        time.Time
	Failed      int    // EventCompletedWithFailures 的失败数
	Reason      string // EventDownloadError 的原因 (错误文本，不做本地化)
	AuthExpired bool   // 会话失效，界面应重新要求登录
}

// Notifier 事件接收方
// Notify 在调度循环上同步调用，实现不能阻塞
type Notifier interface {
	Notify(Event)
}

// Func 把普通函数适配为 Notifier
type Func func(Event)

func (f Func) Notify(e Event) { f(e) }

// Multi 依次转发给多个接收方
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}

// Log 把事件写入日志
type Log struct{}

func (Log) Notify(e Event) {
	switch e.Type {
	case EventStarted:
		slog.Info("同步开始")
	case EventCompleted:
		slog.Info("同步完成")
	case EventCompletedWithFailures:
		slog.Warn("同步完成，但有失败条目", "失败数", e.Failed)
	case EventDownloadError:
		slog.Error("同步失败", "reason", e.Reason, "authExpired", e.AuthExpired)
	}
}
