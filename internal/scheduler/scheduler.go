// Package scheduler 后台同步循环
// 任何时刻最多一轮同步在执行、最多一个手动请求在等待；
// SyncState 只由调度循环修改，其他组件通过 State() 读取快照
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bbsync "bbsync/internal/sync"
	"bbsync/internal/notify"
	"bbsync/internal/syncerr"

	"github.com/jonboulle/clockwork"
)

// 支持的同步间隔
var Intervals = []time.Duration{30 * time.Minute, time.Hour, 6 * time.Hour}

// ValidInterval 间隔是否在支持的集合内
func ValidInterval(d time.Duration) bool {
	for _, v := range Intervals {
		if v == d {
			return true
		}
	}
	return false
}

// Phase 调度状态
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
)

func (p Phase) String() string {
	if p == PhaseRunning {
		return "running"
	}
	return "idle"
}

// Outcome 上一轮同步的结果
type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeSuccess     Outcome = "success"
	OutcomePartial     Outcome = "success_with_warnings"
	OutcomeFailed      Outcome = "failed"
	OutcomeAuthExpired Outcome = "auth_expired"
)

// SyncState 进程内同步状态
type SyncState struct {
	Phase       Phase
	Pending     bool // 有一个手动同步在等待
	LastStart   time.Time
	LastEnd     time.Time
	LastOutcome Outcome
	LastSuccess time.Time // 最近一次成功 (含部分成功) 的完成时间
	LastError   string
	Failed      int // 上一轮失败的条目数
	Interval    time.Duration
	NextRun     time.Time
}

// Running 是否正在同步
func (s SyncState) Running() bool {
	return s.Phase == PhaseRunning
}

// Runner 执行一轮同步
type Runner interface {
	RunCycle(ctx context.Context) (*bbsync.CycleResult, error)
}

// Options 初始化选项
type Options struct {
	Runner       Runner
	Interval     time.Duration
	CycleTimeout time.Duration // 单轮同步的上限，超时后本轮记为失败
	Clock        clockwork.Clock
	Notifier     notify.Notifier
	LastSync     time.Time // 上次成功同步时间，用于计算第一次运行的延迟
}

type job struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Scheduler 同步调度器
type Scheduler struct {
	opts  *Options
	clock clockwork.Clock

	trigger  chan struct{}
	interval chan time.Duration
	jobs     chan job

	mu    sync.RWMutex
	state SyncState
}

// New 创建调度器
func New(opts *Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Interval <= 0 {
		opts.Interval = Intervals[0]
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 30 * time.Minute
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}

	s := &Scheduler{
		opts:     opts,
		clock:    opts.Clock,
		trigger:  make(chan struct{}, 1),
		interval: make(chan time.Duration),
		jobs:     make(chan job),
	}
	s.state.Interval = opts.Interval
	s.state.LastSuccess = opts.LastSync
	return s
}

// State 返回当前状态的快照
func (s *Scheduler) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// TriggerNow 请求立即同步
// 正在同步时只记下一个等待标记，多次请求合并为一次
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Phase == PhaseRunning {
		s.state.Pending = true
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// SetInterval 修改同步间隔，计时器从现在重新开始
func (s *Scheduler) SetInterval(ctx context.Context, d time.Duration) error {
	if !ValidInterval(d) {
		return fmt.Errorf("unsupported sync interval %s", d)
	}
	select {
	case s.interval <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do 在两轮同步之间、在调度循环上执行维护操作 (例如切换下载目录)
// 正在同步时会等到本轮结束
func (s *Scheduler) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 调度循环，阻塞到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.opts.Interval
	timer := s.clock.NewTimer(s.initialDelay(interval))
	defer timer.Stop()

	slog.Info("同步调度已启动", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("同步调度已停止")
			return ctx.Err()

		case <-timer.Chan():
			s.runCycles(ctx)
			s.arm(timer, interval)

		case <-s.trigger:
			s.runCycles(ctx)
			s.arm(timer, interval)

		case d := <-s.interval:
			interval = d
			s.mu.Lock()
			s.state.Interval = d
			s.mu.Unlock()
			slog.Info("同步间隔已修改", "interval", d)
			s.arm(timer, interval)

		case j := <-s.jobs:
			j.done <- j.fn(ctx)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// initialDelay 上次成功同步还没过一个间隔时，等待剩余时间
func (s *Scheduler) initialDelay(interval time.Duration) time.Duration {
	if s.opts.LastSync.IsZero() {
		return 0
	}
	elapsed := s.clock.Since(s.opts.LastSync)
	if elapsed < 0 || elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

// arm 从现在起重新计时
func (s *Scheduler) arm(timer clockwork.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
	timer.Reset(d)

	s.mu.Lock()
	s.state.NextRun = s.clock.Now().Add(d)
	s.mu.Unlock()
}

// runCycles 执行一轮；期间收到的手动请求在结束后立刻再执行一轮
func (s *Scheduler) runCycles(ctx context.Context) {
	for {
		s.runOnce(ctx)

		s.mu.Lock()
		again := s.state.Pending && ctx.Err() == nil
		s.state.Pending = false
		s.mu.Unlock()

		if !again {
			return
		}
		slog.Info("执行等待中的手动同步")
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	start := s.clock.Now()
	s.mu.Lock()
	s.state.Phase = PhaseRunning
	s.state.LastStart = start
	s.mu.Unlock()

	s.opts.Notifier.Notify(notify.Event{Type: notify.EventStarted, Time: start})

	cycleCtx, cancel := context.WithTimeout(ctx, s.opts.CycleTimeout)
	result, err := s.opts.Runner.RunCycle(cycleCtx)
	timedOut := errors.Is(cycleCtx.Err(), context.DeadlineExceeded)
	cancel()
	if result == nil && err == nil {
		result = &bbsync.CycleResult{}
	}

	end := s.clock.Now()

	// 程序退出打断了本轮：不是同步失败，保留上一轮的结果
	if ctx.Err() != nil {
		s.mu.Lock()
		s.state.Phase = PhaseIdle
		s.state.LastEnd = end
		s.mu.Unlock()
		slog.Info("同步被中断")
		return
	}

	event := notify.Event{Time: end}

	s.mu.Lock()
	s.state.Phase = PhaseIdle
	s.state.LastEnd = end
	s.state.LastError = ""
	s.state.Failed = 0

	switch {
	case timedOut:
		s.state.LastOutcome = OutcomeFailed
		s.state.LastError = fmt.Sprintf("cycle exceeded %s", s.opts.CycleTimeout)
		event.Type, event.Reason = notify.EventDownloadError, s.state.LastError

	case err != nil:
		s.state.LastOutcome = OutcomeFailed
		s.state.LastError = err.Error()
		event.Type, event.Reason = notify.EventDownloadError, err.Error()
		if syncerr.IsAuth(err) {
			s.state.LastOutcome = OutcomeAuthExpired
			event.AuthExpired = true
		}

	case result.Summary.AuthFailed > 0:
		// 会话在下载途中失效：需要重新登录
		s.state.LastOutcome = OutcomeAuthExpired
		s.state.Failed = result.Summary.Failed
		s.state.LastError = "session expired"
		event.Type, event.Reason, event.AuthExpired = notify.EventDownloadError, "session expired", true

	case result.Status == bbsync.StatusFailed:
		s.state.LastOutcome = OutcomeFailed
		s.state.Failed = result.Summary.Failed
		if cause := result.Err(); cause != nil {
			s.state.LastError = cause.Error()
		}
		event.Type, event.Reason = notify.EventDownloadError, s.state.LastError

	case result.Status == bbsync.StatusSuccessWithWarnings:
		s.state.LastOutcome = OutcomePartial
		s.state.Failed = result.Summary.Failed
		s.state.LastSuccess = end
		event.Type, event.Failed = notify.EventCompletedWithFailures, result.Summary.Failed

	default:
		s.state.LastOutcome = OutcomeSuccess
		s.state.LastSuccess = end
		event.Type = notify.EventCompleted
	}
	s.mu.Unlock()

	s.opts.Notifier.Notify(event)
}
