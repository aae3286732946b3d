package sync

import (
	"bbsync/internal/catalog"
	"bbsync/internal/database"
	"bbsync/internal/syncerr"
)

// ActionType 定义同步操作类型
type ActionType int

const (
	ActionDownload  ActionType = iota // 下载 (新条目、远端已变更或本地文件丢失)
	ActionSkip                        // 跳过 (已是最新)
	ActionRelocate                    // 移动 (远端重命名/移动)
	ActionMarkStale                   // 标记过期 (远端已不可达，不删除本地文件)
)

func (t ActionType) String() string {
	switch t {
	case ActionDownload:
		return "download"
	case ActionSkip:
		return "skip"
	case ActionRelocate:
		return "relocate"
	case ActionMarkStale:
		return "mark_stale"
	default:
		return "unknown"
	}
}

// Action 差异引擎输出的一个操作
//
//	Download:  Item, Dest (Entry 为已有记录或 nil)
//	Skip:      Item, Entry
//	Relocate:  Item, Entry, Dest
//	MarkStale: Entry
type Action struct {
	Type     ActionType
	CourseID string
	Item     *catalog.ContentItem
	Entry    *database.MirrorEntry
	Dest     string // 本地目标绝对路径
	Reason   string // 触发原因 (用于日志)
}

// ID 操作对应的远端标识
func (a Action) ID() string {
	if a.Item != nil {
		return a.Item.ID
	}
	if a.Entry != nil {
		return a.Entry.ID
	}
	return ""
}

// IsDir 操作对象是否为目录
func (a Action) IsDir() bool {
	if a.Item != nil {
		return a.Item.Kind == catalog.KindFolder
	}
	return a.Entry != nil && a.Entry.IsDir
}

// Result 单个操作的执行结果
type Result int

const (
	ResultSuccess Result = iota
	ResultFailed
	ResultSkipped
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome 操作结果；Result 为 ResultFailed 时 Err 给出原因
type Outcome struct {
	Action Action
	Result Result
	Err    error
	Bytes  int64 // 实际落盘字节数
}

// Kind 失败原因类别
func (o Outcome) Kind() syncerr.Kind {
	return syncerr.KindOf(o.Err)
}
