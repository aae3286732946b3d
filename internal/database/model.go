package database

import (
	"path/filepath"
	"strings"
	"time"
)

// MirrorEntry 记录一个远端内容项上次成功下载后的本地状态
// 存入数据库时会序列化为 JSON，Key 为远端 ID
type MirrorEntry struct {
	// 远端内容 ID (跨轮次稳定)
	ID string `json:"id"`

	// 所属课程 ID，课程本轮获取失败时用于跳过其条目
	CourseID string `json:"course_id"`

	// 是否为文件夹
	IsDir bool `json:"is_dir"`

	// 本地绝对路径，必须位于当前下载根目录下
	LocalPath string `json:"local_path"`

	// 上次成功下载时的远端指纹
	Fingerprint string `json:"fingerprint"`

	// 落盘文件的 SHA-256 (文件夹为空)
	ContentHash string `json:"content_hash,omitempty"`

	// 最后一次同步的时间 (Unix Nano)
	LastSynced int64 `json:"last_synced"`

	// 远端已不可见，但本地文件保留
	Stale bool `json:"stale"`
}

// LastSyncedTime 辅助方法：转为 Go Time 对象
func (e *MirrorEntry) LastSyncedTime() time.Time {
	return time.Unix(0, e.LastSynced)
}

// IsUnder 判断 path 是否位于 root 之下 (含 root 本身)
func IsUnder(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Stats 索引统计
type Stats struct {
	Entries  int
	Stale    int
	Root     string
	LastSync time.Time
}
