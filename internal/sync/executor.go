package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"bbsync/internal/catalog"
	"bbsync/internal/database"
	"bbsync/internal/fs"
	"bbsync/internal/metrics"
	"bbsync/internal/syncerr"
	"bbsync/pkg/retry"

	"golang.org/x/sync/errgroup"
)

// Fetcher 打开远端附件的下载流
type Fetcher interface {
	Open(ctx context.Context, item *catalog.ContentItem) (io.ReadCloser, int64, error)
}

// Index 执行器对镜像索引的写操作
type Index interface {
	Upsert(entry *database.MirrorEntry) error
	MarkStale(id string) error
	Revive(id string) error
}

// ExecutorOptions 初始化选项
type ExecutorOptions struct {
	FS         fs.MirrorFS
	Index      Index
	Fetcher    Fetcher
	MaxWorkers int
	Retry      retry.Config
	Now        func() time.Time
}

// Executor 按顺序执行操作序列
// 目录和移动操作在调用方 goroutine 上顺序执行，文件下载交给 worker 池；
// 目录总在其子文件之前处理，所以下载开始时父目录已经存在
type Executor struct {
	opts *ExecutorOptions

	authExpired atomic.Bool
	// relocating 本轮要移走的文件: 旧路径 -> 条目 ID
	relocating map[string]string
}

// parked 先移入暂存区、等目标位置腾出后再完成的移动
type parked struct {
	index  int
	action Action
	hop    string
}

// NewExecutor 创建执行器
func NewExecutor(opts *ExecutorOptions) *Executor {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 3
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig(syncerr.IsRetryable)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{opts: opts}
}

// Execute 执行全部操作并返回与 actions 一一对应的结果
// 单个操作失败不会中止其余操作；ctx 取消后尚未开始的操作记为失败
func (x *Executor) Execute(ctx context.Context, actions []Action) []Outcome {
	x.authExpired.Store(false)
	outcomes := make([]Outcome, len(actions))

	// 1. 清理上次崩溃遗留的暂存文件
	if n, err := x.opts.FS.CleanStaging(); err != nil {
		slog.Warn("清理暂存区失败", "err", err)
	} else if n > 0 {
		slog.Info("已清理遗留暂存文件", "count", n)
	}

	// 2. 按顺序分发
	g := new(errgroup.Group)
	g.SetLimit(x.opts.MaxWorkers)
	x.relocating = relocationSources(actions)
	var waiting []parked

	for i, a := range actions {
		i, a := i, a
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome{Action: a, Result: ResultFailed, Err: err}
			continue
		}

		switch {
		case a.Type == ActionDownload && !a.IsDir():
			g.Go(func() error {
				outcomes[i] = x.download(ctx, a)
				x.record(outcomes[i])
				return nil
			})
			continue
		case a.Type == ActionRelocate && !a.IsDir():
			o, hop := x.relocate(ctx, a)
			if hop != "" {
				waiting = append(waiting, parked{index: i, action: a, hop: hop})
				continue
			}
			outcomes[i] = o
		default:
			outcomes[i] = x.executeLocal(a)
		}
		x.record(outcomes[i])
	}

	// 3. 其余移动都已完成，把暂存区里的文件放到目标位置
	for _, p := range waiting {
		outcomes[p.index] = x.unpark(p)
		x.record(outcomes[p.index])
	}

	_ = g.Wait()
	return outcomes
}

// relocationSources 本轮要移走的文件旧路径
func relocationSources(actions []Action) map[string]string {
	m := make(map[string]string)
	for _, a := range actions {
		if a.Type == ActionRelocate && !a.IsDir() && a.Entry != nil {
			m[filepath.Clean(a.Entry.LocalPath)] = a.Entry.ID
		}
	}
	return m
}

// executeLocal 不需要网络的操作
func (x *Executor) executeLocal(a Action) Outcome {
	switch a.Type {
	case ActionDownload, ActionRelocate:
		// 目录: 旧目录保留，子节点各自移动
		return x.placeDir(a)
	case ActionMarkStale:
		if err := x.opts.Index.MarkStale(a.Entry.ID); err != nil {
			return failed(a, syncerr.LocalIO("mark stale", err))
		}
		slog.Info("远端条目已不可达，标记过期 (保留本地文件)", "id", a.Entry.ID, "path", a.Entry.LocalPath)
		return Outcome{Action: a, Result: ResultSuccess}
	default:
		// 曾经过期的条目重新出现
		if a.Entry != nil && a.Entry.Stale {
			if err := x.opts.Index.Revive(a.Entry.ID); err != nil {
				return failed(a, syncerr.LocalIO("revive", err))
			}
			slog.Info("过期条目重新出现", "id", a.Entry.ID)
		}
		return Outcome{Action: a, Result: ResultSkipped}
	}
}

// placeDir 创建目录并登记
func (x *Executor) placeDir(a Action) Outcome {
	if err := x.opts.FS.EnsureDir(a.Dest); err != nil {
		return failed(a, syncerr.LocalIO("mkdir", err))
	}
	if err := x.upsert(a, a.Dest, ""); err != nil {
		return failed(a, err)
	}
	return Outcome{Action: a, Result: ResultSuccess}
}

// relocate 移动已有文件；旧文件不存在时退化为下载
// 目标位置被本轮另一个要移走的文件占着时，先把文件移入暂存区并返回暂存路径
func (x *Executor) relocate(ctx context.Context, a Action) (Outcome, string) {
	oldPath := a.Entry.LocalPath
	if !x.opts.FS.Exists(oldPath) {
		slog.Info("旧文件已不存在，改为重新下载", "old", oldPath, "new", a.Dest)
		a.Reason = "relocate source missing"
		return x.download(ctx, a), ""
	}

	err := x.opts.FS.Move(oldPath, a.Dest)
	if errors.Is(err, fs.ErrDestinationExists) {
		switch {
		case x.adoptable(a):
			// 上次移动后没来得及更新索引
			err = nil
		case x.vacating(a):
			hop, perr := x.opts.FS.Park(oldPath)
			if perr != nil {
				return failed(a, syncerr.LocalIO("relocate", perr)), ""
			}
			slog.Debug("目标位置待腾出，先移入暂存区", "old", oldPath, "new", a.Dest)
			return Outcome{}, hop
		default:
			return failed(a, syncerr.LocalIO("relocate", fmt.Errorf("%s: %w", a.Dest, err))), ""
		}
	}
	if err != nil {
		return failed(a, syncerr.LocalIO("relocate", err)), ""
	}
	return x.relocated(a, oldPath), ""
}

// unpark 把暂存区中的文件移到目标位置；失败时尽量放回原处
func (x *Executor) unpark(p parked) Outcome {
	a := p.action
	if err := x.opts.FS.Move(p.hop, a.Dest); err != nil {
		if rerr := x.opts.FS.Move(p.hop, a.Entry.LocalPath); rerr != nil {
			slog.Error("无法放回原位置，下一轮将重新下载", "path", a.Entry.LocalPath, "err", rerr)
		}
		return failed(a, syncerr.LocalIO("relocate", fmt.Errorf("%s: %w", a.Dest, err)))
	}
	return x.relocated(a, a.Entry.LocalPath)
}

func (x *Executor) relocated(a Action, oldPath string) Outcome {
	if err := x.upsert(a, a.Dest, a.Entry.ContentHash); err != nil {
		return failed(a, err)
	}
	slog.Info("文件已移动", "old", oldPath, "new", a.Dest)
	return Outcome{Action: a, Result: ResultSuccess}
}

// adoptable 目标位置已有与条目相同的内容
func (x *Executor) adoptable(a Action) bool {
	if a.Entry.ContentHash == "" {
		return false
	}
	digest, err := x.opts.FS.Digest(a.Dest)
	return err == nil && digest == a.Entry.ContentHash
}

// vacating 目标位置上是本轮另一个要移走的文件
func (x *Executor) vacating(a Action) bool {
	id, ok := x.relocating[filepath.Clean(a.Dest)]
	return ok && id != a.Entry.ID
}

// download 下载流程：打开流 -> 写入暂存区 -> 校验 -> 原子移动 -> 更新索引
func (x *Executor) download(ctx context.Context, a Action) Outcome {
	if x.authExpired.Load() {
		return failed(a, syncerr.Auth("download", errors.New("session expired earlier in this cycle")))
	}
	slog.Info("开始下载", "item", a.Item.RemotePath, "reason", a.Reason)

	// 1-3. 打开流并写入暂存区，网络类错误整体重试
	staged, err := retry.DoWithResult(ctx, x.opts.Retry, func() (*fs.Staged, error) {
		return x.stage(ctx, a.Item)
	})
	if err != nil {
		if syncerr.IsAuth(err) {
			x.authExpired.Store(true)
		}
		return failed(a, err)
	}

	// 4. 目标位置已被占用
	if x.opts.FS.Exists(a.Dest) && !owns(a.Entry, a.Dest) {
		digest, derr := x.opts.FS.Digest(a.Dest)
		if derr != nil || digest != staged.Digest {
			x.opts.FS.Discard(staged)
			return failed(a, syncerr.LocalIO("place", fmt.Errorf("%s is occupied by a file not managed by the mirror", a.Dest)))
		}
		// 内容相同：接管已有文件 (崩溃发生在移动之后、写索引之前)
		slog.Info("目标位置已有相同内容，直接登记", "path", a.Dest)
		x.opts.FS.Discard(staged)
		if err := x.upsert(a, a.Dest, staged.Digest); err != nil {
			return failed(a, err)
		}
		return Outcome{Action: a, Result: ResultSuccess}
	}

	// 5. 原子移动到最终位置
	if err := x.opts.FS.Commit(staged, a.Dest, a.Item.Modified); err != nil {
		x.opts.FS.Discard(staged)
		return failed(a, syncerr.LocalIO("place", err))
	}

	// 6. 文件就位后才写索引
	if err := x.upsert(a, a.Dest, staged.Digest); err != nil {
		return failed(a, err)
	}

	slog.Debug("下载完成", "path", a.Dest, "size", staged.Size)
	return Outcome{Action: a, Result: ResultSuccess, Bytes: staged.Size}
}

// stage 打开一次下载流并写入暂存区，字节数不符视为网络中断
func (x *Executor) stage(ctx context.Context, item *catalog.ContentItem) (*fs.Staged, error) {
	var (
		stream   io.ReadCloser
		expected = item.Size
	)
	if item.Source.IsInline() {
		stream = io.NopCloser(bytes.NewReader(item.Source.Inline))
	} else {
		body, length, err := x.opts.Fetcher.Open(ctx, item)
		if err != nil {
			return nil, err
		}
		stream = body
		if expected < 0 {
			expected = length
		}
	}
	defer stream.Close()

	staged, err := x.opts.FS.Stage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, fs.ErrStagingWrite) {
			return nil, syncerr.LocalIO("stage", err)
		}
		return nil, syncerr.Transient("stage", err)
	}

	if expected >= 0 && staged.Size != expected {
		x.opts.FS.Discard(staged)
		return nil, syncerr.Transient("verify", fmt.Errorf("incomplete transfer: got %d of %d bytes", staged.Size, expected))
	}
	return staged, nil
}

func (x *Executor) upsert(a Action, localPath, digest string) error {
	entry := &database.MirrorEntry{
		ID:          a.Item.ID,
		CourseID:    a.CourseID,
		IsDir:       a.IsDir(),
		LocalPath:   localPath,
		Fingerprint: a.Item.Fingerprint,
		ContentHash: digest,
		LastSynced:  x.opts.Now().UnixNano(),
	}
	if err := x.opts.Index.Upsert(entry); err != nil {
		return syncerr.LocalIO("index", err)
	}
	return nil
}

func (x *Executor) record(o Outcome) {
	metrics.RecordAction(o.Action.Type.String(), o.Result.String())
	metrics.AddBytesDownloaded(o.Bytes)
	if o.Result == ResultFailed {
		slog.Error("操作失败", "action", o.Action.Type, "id", o.Action.ID(), "kind", o.Kind(), "err", o.Err)
	}
}

// owns 目标路径是否就是该条目自己的文件
func owns(entry *database.MirrorEntry, dest string) bool {
	return entry != nil && entry.LocalPath == dest
}

func failed(a Action, err error) Outcome {
	return Outcome{Action: a, Result: ResultFailed, Err: err}
}
