package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"bbsync/internal/catalog"
	"bbsync/internal/database"
	"bbsync/internal/fs"
	"bbsync/internal/metrics"
	"bbsync/internal/syncerr"
	"bbsync/pkg/retry"
)

// CatalogSource 远端目录
type CatalogSource interface {
	Fetch(ctx context.Context) ([]catalog.CourseTree, error)
}

// EngineOptions 初始化选项
type EngineOptions struct {
	Catalog     CatalogSource
	Fetcher     Fetcher
	StateDB     *database.DB
	MirrorFS    fs.MirrorFS
	Filter      Filter
	GroupByYear bool
	MaxWorkers  int
	Retry       retry.Config
	Now         func() time.Time
}

// CycleResult 一轮同步的结果
type CycleResult struct {
	Started  time.Time
	Finished time.Time
	Root     string
	Status   Status
	Summary  Summary
	Outcomes []Outcome
}

// Err 总体失败时的代表性错误
func (r *CycleResult) Err() error {
	if r.Status != StatusFailed {
		return nil
	}
	for _, o := range r.Outcomes {
		if o.Result == ResultFailed {
			return o.Err
		}
	}
	return syncerr.Catalog("cycle", fmt.Errorf("no course could be fetched"))
}

// Engine 一轮同步: 获取目录 -> 对比索引 -> 执行 -> 更新索引
type Engine struct {
	opts *EngineOptions

	mu sync.Mutex
}

// NewEngine 创建引擎
func NewEngine(opts *EngineOptions) *Engine {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{opts: opts}
}

// SetFilter 修改课程过滤条件，下一轮生效
func (e *Engine) SetFilter(f Filter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.Filter = f
}

// SetMirror 切换下载根目录，下一轮生效
func (e *Engine) SetMirror(m fs.MirrorFS) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.MirrorFS = m
}

// Root 当前下载根目录
func (e *Engine) Root() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.MirrorFS.Root()
}

// Plan 获取远端目录并计算操作序列，不修改任何状态
func (e *Engine) Plan(ctx context.Context) ([]Action, []catalog.CourseTree, error) {
	e.mu.Lock()
	mirror, filter := e.opts.MirrorFS, e.opts.Filter
	e.mu.Unlock()

	return e.plan(ctx, mirror, filter)
}

func (e *Engine) plan(ctx context.Context, mirror fs.MirrorFS, filter Filter) ([]Action, []catalog.CourseTree, error) {
	// 1. 远端目录
	trees, err := e.opts.Catalog.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}

	// 2. 当前根目录下的索引条目
	entries, err := e.opts.StateDB.EntriesUnderRoot(mirror.Root())
	if err != nil {
		return nil, trees, syncerr.LocalIO("load index", err)
	}

	// 3. 比较
	layout := Layout{Root: mirror.Root(), GroupByYear: e.opts.GroupByYear}
	actions := ComputeActions(trees, entries, filter, layout, mirror)

	counts := CountActions(actions)
	slog.Info("同步检查完成",
		"课程数", len(trees),
		"下载", counts[ActionDownload],
		"移动", counts[ActionRelocate],
		"跳过", counts[ActionSkip],
		"过期", counts[ActionMarkStale],
	)
	return actions, trees, nil
}

// RunCycle 执行一次完整的同步周期
// 返回错误表示这一轮没能开始执行 (目录获取失败、会话失效等)；
// 条目级失败体现在 CycleResult 中
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	e.mu.Lock()
	mirror, filter := e.opts.MirrorFS, e.opts.Filter
	e.mu.Unlock()

	result := &CycleResult{Started: e.opts.Now(), Root: mirror.Root()}

	// 1. 计划
	actions, trees, err := e.plan(ctx, mirror, filter)
	if err != nil {
		result.Finished = e.opts.Now()
		result.Status = StatusFailed
		return result, err
	}

	// 2. 执行
	executor := NewExecutor(&ExecutorOptions{
		FS:         mirror,
		Index:      e.opts.StateDB,
		Fetcher:    e.opts.Fetcher,
		MaxWorkers: e.opts.MaxWorkers,
		Retry:      e.opts.Retry,
		Now:        e.opts.Now,
	})
	result.Outcomes = executor.Execute(ctx, actions)
	result.Finished = e.opts.Now()
	result.Summary, result.Status = Summarize(result.Outcomes, trees)

	if err := ctx.Err(); err != nil {
		result.Status = StatusFailed
		return result, err
	}

	// 3. 记录本轮成功时间和对应的根目录
	if result.Status != StatusFailed {
		if err := e.opts.StateDB.SetRoot(mirror.Root()); err != nil {
			slog.Warn("记录下载根目录失败", "err", err)
		}
		if err := e.opts.StateDB.SetLastSync(result.Finished); err != nil {
			slog.Warn("记录同步时间失败", "err", err)
		}
	}
	if stats, err := e.opts.StateDB.Stats(); err == nil {
		metrics.SetIndexEntries(stats.Entries-stats.Stale, stats.Stale)
	}

	s := result.Summary
	slog.Info("同步周期结束",
		"status", result.Status,
		"下载", s.Downloaded,
		"移动", s.Relocated,
		"跳过", s.Skipped,
		"过期", s.MarkedStale,
		"失败", s.Failed,
		"bytes", s.Bytes,
		"耗时", result.Finished.Sub(result.Started).Round(time.Millisecond),
	)
	return result, nil
}
