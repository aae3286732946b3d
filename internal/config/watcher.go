package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce 编辑器保存时往往连续触发多个事件
const DefaultDebounce = 500 * time.Millisecond

// Change 一次配置变更
type Change struct {
	Old *Config
	New *Config
}

// RootChanged 下载目录是否变化
func (c Change) RootChanged() bool {
	return c.Old.Sync.DownloadRoot != c.New.Sync.DownloadRoot
}

// IntervalChanged 同步间隔是否变化
func (c Change) IntervalChanged() bool {
	return c.Old.Sync.IntervalDuration != c.New.Sync.IntervalDuration
}

// FilterChanged 开课日期过滤是否变化
func (c Change) FilterChanged() bool {
	return !c.Old.Sync.StartDate.Equal(c.New.Sync.StartDate)
}

// SessionChanged 会话凭证是否变化
func (c Change) SessionChanged() bool {
	return c.Old.LMS.SessionCookie != c.New.LMS.SessionCookie
}

// Watcher 监听配置文件和凭证文件，变化后重新加载
type Watcher struct {
	path     string
	current  *Config
	onChange func(Change)
	debounce time.Duration

	fsw   *fsnotify.Watcher
	names map[string]bool // 关心的文件 (绝对路径)
}

// NewWatcher 创建监听器；监听所在目录，以便感知"写临时文件再改名"式的保存
func NewWatcher(path string, current *Config, onChange func(Change)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听失败: %w", err)
	}

	w := &Watcher{
		path:     path,
		current:  current,
		onChange: onChange,
		debounce: DefaultDebounce,
		fsw:      fsw,
		names:    make(map[string]bool),
	}

	dirs := make(map[string]bool)
	for _, p := range []string{path, current.LMS.EnvFile} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		w.names[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("监听目录 %s 失败: %w", dir, err)
		}
	}
	return w, nil
}

// SetDebounce 修改合并事件的等待时间
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run 事件循环，阻塞到 ctx 取消
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		pending bool
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || !w.names[abs] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			pending = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				w.reload()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("配置文件监听出错", "err", err)
		}
	}
}

// reload 重新加载，失败时保留旧配置
func (w *Watcher) reload() {
	next, err := LoadConfig(w.path)
	if err != nil {
		slog.Error("配置重新加载失败，继续使用旧配置", "path", w.path, "err", err)
		return
	}

	change := Change{Old: w.current, New: next}
	w.current = next
	slog.Info("配置已重新加载", "path", w.path)

	if w.onChange != nil {
		w.onChange(change)
	}
}
