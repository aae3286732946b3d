// Package location 处理下载根目录变更
// 两种策略都只修改索引，不触碰旧目录下的任何文件
package location

import (
	"fmt"
	"log/slog"
	"path/filepath"
)

// Policy 根目录变更策略
type Policy string

const (
	// PolicyRedownload 作废全部索引条目，下一轮在新目录下重新下载
	PolicyRedownload Policy = "redownload"
	// PolicyMigrate 用户自行移动了旧文件，只把索引路径改写到新目录
	PolicyMigrate Policy = "migrate"
)

// ParsePolicy 解析配置中的策略名
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyRedownload, PolicyMigrate:
		return Policy(s), nil
	case "":
		return PolicyRedownload, nil
	default:
		return "", fmt.Errorf("未知的目录变更策略 %q (可选 redownload, migrate)", s)
	}
}

// Index 处理器需要的索引操作
type Index interface {
	Root() (string, error)
	SetRoot(root string) error
	Clear() (int, error)
	RewriteRoot(oldRoot, newRoot string) (rewritten, skipped int, err error)
}

// Result 一次变更的结果
type Result struct {
	Policy      Policy
	OldRoot     string
	NewRoot     string
	Invalidated int // redownload: 作废的条目数
	Rewritten   int // migrate: 改写的条目数
	Skipped     int // migrate: 不在旧目录下、未改写的条目数
}

// Handler 根目录变更处理器
type Handler struct {
	index Index
}

// NewHandler 创建处理器
func NewHandler(index Index) *Handler {
	return &Handler{index: index}
}

// Apply 把索引从 oldRoot 切换到 newRoot
// 必须在两轮同步之间调用
func (h *Handler) Apply(oldRoot, newRoot string, policy Policy) (*Result, error) {
	oldRoot, newRoot = filepath.Clean(oldRoot), filepath.Clean(newRoot)
	res := &Result{Policy: policy, OldRoot: oldRoot, NewRoot: newRoot}

	if oldRoot == newRoot {
		return res, nil
	}

	switch policy {
	case PolicyRedownload:
		n, err := h.index.Clear()
		if err != nil {
			return nil, fmt.Errorf("invalidate index: %w", err)
		}
		res.Invalidated = n
		slog.Info("下载目录已变更，索引已作废，下一轮将重新下载",
			"old", oldRoot, "new", newRoot, "作废条目", n)

	case PolicyMigrate:
		rewritten, skipped, err := h.index.RewriteRoot(oldRoot, newRoot)
		if err != nil {
			return nil, fmt.Errorf("rewrite index: %w", err)
		}
		res.Rewritten, res.Skipped = rewritten, skipped
		slog.Info("下载目录已变更，索引路径已改写 (假定文件已由用户移动)",
			"old", oldRoot, "new", newRoot, "改写", rewritten, "跳过", skipped)

	default:
		return nil, fmt.Errorf("未知的目录变更策略 %q", policy)
	}

	if err := h.index.SetRoot(newRoot); err != nil {
		return nil, fmt.Errorf("record root: %w", err)
	}
	return res, nil
}

// Reconcile 启动时检查：索引记录的根目录和配置不一致时按 policy 处理
// 索引还没有记录根目录 (首次运行) 时只做记录
func (h *Handler) Reconcile(configuredRoot string, policy Policy) (*Result, error) {
	recorded, err := h.index.Root()
	if err != nil {
		return nil, fmt.Errorf("read recorded root: %w", err)
	}
	configuredRoot = filepath.Clean(configuredRoot)

	if recorded == "" {
		if err := h.index.SetRoot(configuredRoot); err != nil {
			return nil, fmt.Errorf("record root: %w", err)
		}
		return &Result{Policy: policy, NewRoot: configuredRoot}, nil
	}

	if filepath.Clean(recorded) == configuredRoot {
		return &Result{Policy: policy, OldRoot: recorded, NewRoot: configuredRoot}, nil
	}

	slog.Warn("配置的下载目录与索引记录不一致", "recorded", recorded, "configured", configuredRoot, "policy", policy)
	return h.Apply(recorded, configuredRoot, policy)
}
